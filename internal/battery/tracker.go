// Package battery accumulates the rolling power and sampling metrics the
// optimization controller decides on.
package battery

import (
	"math"
	"sync"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/logging"
)

// DefaultDailyTarget is the daily battery budget in percent.
const DefaultDailyTarget = 3.0

// Metrics is the tracker's view of power and sampling activity.
type Metrics struct {
	BatteryLevel           int       `json:"battery_level"`
	IsCharging             bool      `json:"is_charging"`
	IsLowPowerMode         bool      `json:"is_low_power_mode"`
	DailyUsagePercent      float64   `json:"daily_usage_percent"`
	LocationUpdatesPerHour uint32    `json:"location_updates_per_hour"`
	GeofenceEventsPerHour  uint32    `json:"geofence_events_per_hour"`
	AverageAccuracyMeters  float64   `json:"average_accuracy_meters"`
	LastUpdate             time.Time `json:"last_update"`
}

// IsWithinTarget reports whether projected daily usage is inside target percent.
func (m Metrics) IsWithinTarget(target float64) bool {
	return m.DailyUsagePercent <= target
}

// Snapshot is the persisted tracker state.
type Snapshot struct {
	StartedAt       time.Time `json:"started_at"`
	LocationSamples uint64    `json:"location_samples"`
	GeofenceEvents  uint64    `json:"geofence_events"`
	AccuracySamples uint64    `json:"accuracy_samples"`
	AverageAccuracy float64   `json:"average_accuracy"`
	BatteryLevel    int       `json:"battery_level"`
	IsCharging      bool      `json:"is_charging"`
	IsLowPowerMode  bool      `json:"is_low_power_mode"`
	DailyUsage      float64   `json:"daily_usage"`
	DrainAnchor     *Anchor   `json:"drain_anchor,omitempty"`
	LastUpdate      time.Time `json:"last_update"`
}

// Anchor is the discharge reference point used for drain estimation.
type Anchor struct {
	Level int       `json:"level"`
	At    time.Time `json:"at"`
}

// Config configures a Tracker
type Config struct {
	DailyTarget float64
	// MinDrainWindow is how long the device must discharge before drain is estimated.
	MinDrainWindow time.Duration
	Now            func() time.Time
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		DailyTarget:    DefaultDailyTarget,
		MinDrainWindow: 5 * time.Minute,
		Now:            time.Now,
	}
}

// Tracker accumulates metrics from raw samples and power ticks.
type Tracker struct {
	mu    sync.Mutex
	state Snapshot

	target    float64
	minWindow time.Duration
	now       func() time.Time
	observer  func(Metrics)
	logger    *logging.Logger
}

// NewTracker creates a tracker starting now
func NewTracker(cfg Config, logger *logging.Logger) *Tracker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DailyTarget <= 0 {
		cfg.DailyTarget = DefaultDailyTarget
	}
	if logger == nil {
		logger = logging.WithField("component", "battery")
	}

	t := &Tracker{
		target:    cfg.DailyTarget,
		minWindow: cfg.MinDrainWindow,
		now:       cfg.Now,
		logger:    logger,
	}
	t.state = t.freshState()
	return t
}

// Level is unknown until the first tick; assume full so the floor rules stay quiet.
func (t *Tracker) freshState() Snapshot {
	return Snapshot{
		StartedAt:    t.now(),
		BatteryLevel: 100,
	}
}

// SetObserver installs the callback run after updates that need re-analysis.
// It is called outside the tracker lock.
func (t *Tracker) SetObserver(fn func(Metrics)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observer = fn
}

// RecordLocationSample counts a fix and folds its accuracy into the running mean.
func (t *Tracker) RecordLocationSample(accuracyMeters float64) {
	t.mu.Lock()
	t.state.LocationSamples++
	if accuracyMeters >= 0 && !math.IsNaN(accuracyMeters) && !math.IsInf(accuracyMeters, 0) {
		t.state.AccuracySamples++
		n := float64(t.state.AccuracySamples)
		t.state.AverageAccuracy += (accuracyMeters - t.state.AverageAccuracy) / n
	}
	t.state.LastUpdate = t.now()
	m := t.metricsLocked()
	t.mu.Unlock()

	t.notify(m, !m.IsWithinTarget(t.target))
}

// RecordGeofenceEvent counts a transition.
func (t *Tracker) RecordGeofenceEvent() {
	t.mu.Lock()
	t.state.GeofenceEvents++
	t.state.LastUpdate = t.now()
	m := t.metricsLocked()
	t.mu.Unlock()

	t.notify(m, !m.IsWithinTarget(t.target))
}

// RecordBatteryTick updates power state and the daily drain projection.
// While charging the projection is held, not zeroed.
func (t *Tracker) RecordBatteryTick(level int, charging, lowPowerMode bool) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}

	t.mu.Lock()
	now := t.now()
	s := &t.state
	s.BatteryLevel = level
	s.IsCharging = charging
	s.IsLowPowerMode = lowPowerMode
	s.LastUpdate = now

	switch {
	case charging:
		s.DrainAnchor = nil
	case s.DrainAnchor == nil || level > s.DrainAnchor.Level:
		s.DrainAnchor = &Anchor{Level: level, At: now}
	default:
		elapsed := now.Sub(s.DrainAnchor.At)
		if elapsed > 0 && elapsed >= t.minWindow {
			perHour := float64(s.DrainAnchor.Level-level) / elapsed.Hours()
			s.DailyUsage = perHour * 24
		}
	}
	m := t.metricsLocked()
	t.mu.Unlock()

	// Power state feeds the floor rules, so every tick is worth a re-analysis.
	t.notify(m, true)
}

func (t *Tracker) notify(m Metrics, should bool) {
	if !should {
		return
	}
	t.mu.Lock()
	fn := t.observer
	t.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// Metrics returns the current metrics
func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metricsLocked()
}

func (t *Tracker) metricsLocked() Metrics {
	hours := t.now().Sub(t.state.StartedAt).Hours()
	if hours < 1 {
		hours = 1
	}
	return Metrics{
		BatteryLevel:           t.state.BatteryLevel,
		IsCharging:             t.state.IsCharging,
		IsLowPowerMode:         t.state.IsLowPowerMode,
		DailyUsagePercent:      t.state.DailyUsage,
		LocationUpdatesPerHour: perHour(t.state.LocationSamples, hours),
		GeofenceEventsPerHour:  perHour(t.state.GeofenceEvents, hours),
		AverageAccuracyMeters:  t.state.AverageAccuracy,
		LastUpdate:             t.state.LastUpdate,
	}
}

func perHour(count uint64, hours float64) uint32 {
	rate := float64(count) / hours
	if rate > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(rate)
}

// Target returns the daily usage target in percent
func (t *Tracker) Target() float64 {
	return t.target
}

// Snapshot returns the persisted form of the tracker state
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	if s.DrainAnchor != nil {
		a := *s.DrainAnchor
		s.DrainAnchor = &a
	}
	return s
}

// Restore replaces the tracker state with a persisted snapshot
func (t *Tracker) Restore(s Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.StartedAt.IsZero() {
		s.StartedAt = t.now()
	}
	if s.DrainAnchor != nil {
		a := *s.DrainAnchor
		s.DrainAnchor = &a
	}
	t.state = s
	t.logger.Debug("Restored metrics: %d samples, %d events, %.2f%%/day",
		s.LocationSamples, s.GeofenceEvents, s.DailyUsage)
}

// Reset clears counters and the drain estimate and restarts the rate window
// now. The last reported power state is kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.state
	t.state = t.freshState()
	t.state.BatteryLevel = prev.BatteryLevel
	t.state.IsCharging = prev.IsCharging
	t.state.IsLowPowerMode = prev.IsLowPowerMode
	t.logger.Info("Metrics reset")
}
