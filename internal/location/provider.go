// Package location holds the location provider contract and the adapters
// that implement it: an in-process Simulator, GPX track replay and a
// websocket Bridge to a companion device.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/core"
)

// ErrNoDevice is returned when an operation needs a connected device.
var ErrNoDevice = errors.New("no device connected")

// ErrClosed is returned after the provider has been closed.
var ErrClosed = errors.New("location provider closed")

// Provider is the capability interface over the platform location APIs.
// Events delivers transitions, samples, battery ticks, failures and
// lifecycle changes in arrival order; it is closed when the provider closes.
type Provider interface {
	StartUpdates(ctx context.Context, interval time.Duration, accuracy core.Accuracy) error
	StopUpdates(ctx context.Context) error
	RegisterRegion(ctx context.Context, id string, center core.Coordinate, radiusMeters float64) error
	UnregisterRegion(ctx context.Context, id string) error
	MonitoredRegionIDs(ctx context.Context) (map[string]struct{}, error)
	Events() <-chan core.ProviderEvent
}

// Region is a monitored circle as the provider sees it.
type Region struct {
	ID           string          `json:"id"`
	Center       core.Coordinate `json:"center"`
	RadiusMeters float64         `json:"radius_meters"`
}

// Sampling is the last sampling configuration pushed to a provider.
type Sampling struct {
	Active   bool          `json:"active"`
	Interval time.Duration `json:"interval"`
	Accuracy core.Accuracy `json:"accuracy,omitempty"`
}
