package geofence

import (
	"sync"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/core"
)

// DefaultCooldown is the Enter cooldown window.
const DefaultCooldown = 30 * time.Second

// DebouncerStats counts accepted and dropped transitions
type DebouncerStats struct {
	Accepted int64 `json:"accepted"`
	Dropped  int64 `json:"dropped"`
	Tracked  int   `json:"tracked"`
}

// Debouncer drops repeated Enter events for the same geofence inside the
// cooldown window. Exit and Dwell pass through unthrottled.
type Debouncer struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[string]time.Time
	stats    DebouncerStats
	now      func() time.Time
}

// NewDebouncer creates a debouncer. A nil clock uses time.Now.
func NewDebouncer(cooldown time.Duration, now func() time.Time) *Debouncer {
	if now == nil {
		now = time.Now
	}
	return &Debouncer{
		cooldown: cooldown,
		last:     make(map[string]time.Time),
		now:      now,
	}
}

// Accept reports whether ev should be processed. Rejected events have no side effect.
func (d *Debouncer) Accept(ev core.GeofenceEvent) bool {
	if ev.Kind != core.EventEnter {
		d.mu.Lock()
		d.stats.Accepted++
		d.mu.Unlock()
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.last[ev.GeofenceID]; ok && now.Sub(last) <= d.cooldown {
		d.stats.Dropped++
		return false
	}

	d.last[ev.GeofenceID] = now
	d.stats.Accepted++
	return true
}

// Forget drops the cooldown entry for id. Implements CooldownPruner.
func (d *Debouncer) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, id)
}

// Reset clears every cooldown entry
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = make(map[string]time.Time)
}

// Stats returns debouncer counters
func (d *Debouncer) Stats() DebouncerStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Tracked = len(d.last)
	return s
}
