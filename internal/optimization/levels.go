// Package optimization maps battery metrics to a sampling level and pushes
// the level's settings to the location provider, the registry and the work queue.
package optimization

import (
	"fmt"
	"strings"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/core"
)

// Level is one of the four sampling levels, most to least aggressive.
type Level int

const (
	HighAccuracy Level = iota
	Balanced
	PowerSave
	Minimal
)

// Settings is what a level configures.
type Settings struct {
	SamplingInterval     time.Duration `json:"sampling_interval"`
	Accuracy             core.Accuracy `json:"accuracy"`
	MaxGeofences         int           `json:"max_geofences"`
	BackgroundProcessing bool          `json:"background_processing"`
}

var levelNames = map[Level]string{
	HighAccuracy: "high_accuracy",
	Balanced:     "balanced",
	PowerSave:    "power_save",
	Minimal:      "minimal",
}

var levelSettings = map[Level]Settings{
	HighAccuracy: {5 * time.Second, core.AccuracyBest, 20, true},
	Balanced:     {30 * time.Second, core.AccuracyHundredMeters, 15, true},
	PowerSave:    {2 * time.Minute, core.AccuracyKilometer, 10, true},
	Minimal:      {5 * time.Minute, core.AccuracyThreeKilometers, 5, false},
}

// Valid reports whether l is a defined level
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// Settings returns the level's sampling settings
func (l Level) Settings() Settings {
	return levelSettings[l]
}

// StepDown returns the next less aggressive level. Minimal stays Minimal.
func (l Level) StepDown() Level {
	if l >= Minimal {
		return Minimal
	}
	return l + 1
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel parses the String form
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return Balanced, fmt.Errorf("%w: unknown optimization level %q", core.ErrInvalidInput, s)
}

// MarshalText implements encoding.TextMarshaler
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: level %d", core.ErrInvalidInput, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
