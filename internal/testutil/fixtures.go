package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/core"
)

// Epoch is the fixed start time used by clock-driven tests.
var Epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// Grocery is the store location used across scenario tests.
var Grocery = core.Coordinate{Lat: 37.7793, Lon: -122.4193}

// ManualClock is a clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock set to start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current fake time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// GeofenceFixture builds a geofence for tier at Grocery, created offset after Epoch.
func GeofenceFixture(id, taskID string, tier core.GeofenceTier, offset time.Duration) core.Geofence {
	return core.NewGeofence(id, taskID, Grocery, tier, Epoch.Add(offset))
}

// TaskGeofences builds one geofence per tier for taskID, ids "<task>-<tier>".
func TaskGeofences(taskID string, tiers ...core.GeofenceTier) []core.Geofence {
	out := make([]core.Geofence, 0, len(tiers))
	for i, tier := range tiers {
		out = append(out, GeofenceFixture(fmt.Sprintf("%s-%s", taskID, tier), taskID, tier, time.Duration(i)*time.Second))
	}
	return out
}

// Enter builds an Enter event for id at ts.
func Enter(id string, ts time.Time) core.GeofenceEvent {
	return core.GeofenceEvent{GeofenceID: id, Kind: core.EventEnter, Timestamp: ts}
}

// Exit builds an Exit event for id at ts.
func Exit(id string, ts time.Time) core.GeofenceEvent {
	return core.GeofenceEvent{GeofenceID: id, Kind: core.EventExit, Timestamp: ts}
}

// Dwell builds a Dwell event for id at ts.
func Dwell(id string, ts time.Time) core.GeofenceEvent {
	return core.GeofenceEvent{GeofenceID: id, Kind: core.EventDwell, Timestamp: ts}
}
