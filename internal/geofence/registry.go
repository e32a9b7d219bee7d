// Package geofence owns the set of monitored regions: the capacity-bounded
// registry, the Enter cooldown debouncer and the foreground reconciler.
//
// The registry is the only component allowed to register regions with the
// location provider. State changes happen under a single mutex; provider calls
// are queued in mutation order and executed after the lock is released.
package geofence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/logging"
)

// RegionMonitor is the part of the location provider the registry drives.
type RegionMonitor interface {
	RegisterRegion(ctx context.Context, id string, center core.Coordinate, radiusMeters float64) error
	UnregisterRegion(ctx context.Context, id string) error
}

// PermissionGate reports the current location authorization.
type PermissionGate interface {
	CurrentStatus() core.PermissionStatus
}

// PermissionFunc adapts a function to PermissionGate.
type PermissionFunc func() core.PermissionStatus

// CurrentStatus implements PermissionGate.
func (f PermissionFunc) CurrentStatus() core.PermissionStatus { return f() }

// CooldownPruner drops per-geofence debounce state when a geofence leaves the registry.
type CooldownPruner interface {
	Forget(id string)
}

// RegistryConfig configures a Registry
type RegistryConfig struct {
	Capacity int
	// OpTimeout bounds each provider call.
	OpTimeout time.Duration
}

// DefaultRegistryConfig returns default configuration
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Capacity:  15,
		OpTimeout: 10 * time.Second,
	}
}

// RegistryStats counts registry activity
type RegistryStats struct {
	Size            int   `json:"size"`
	Capacity        int   `json:"capacity"`
	Registrations   int64 `json:"registrations"`
	Evictions       int64 `json:"evictions"`
	Rejections      int64 `json:"rejections"`
	MonitorFailures int64 `json:"monitor_failures"`
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
)

// op is a provider call recorded under the state lock.
type op struct {
	kind     opKind
	geofence core.Geofence
	gen      uint64
	result   chan error
	// evicted are the members displaced to make room for a register op.
	evicted []core.Geofence
}

type entry struct {
	geofence core.Geofence
	gen      uint64
}

// Registry owns the set of currently monitored geofences
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	capacity int
	gen      uint64
	pending  []op
	stats    RegistryStats

	// opsMu serialises provider calls so they run in mutation order
	opsMu sync.Mutex

	monitor     RegionMonitor
	permissions PermissionGate
	pruner      CooldownPruner
	opTimeout   time.Duration
	logger      *logging.Logger
}

// NewRegistry creates a registry. permissions and pruner may be nil.
func NewRegistry(cfg RegistryConfig, monitor RegionMonitor, permissions PermissionGate, pruner CooldownPruner, logger *logging.Logger) *Registry {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultRegistryConfig().OpTimeout
	}
	if logger == nil {
		logger = logging.WithField("component", "registry")
	}
	return &Registry{
		entries:     make(map[string]*entry),
		capacity:    cfg.Capacity,
		monitor:     monitor,
		permissions: permissions,
		pruner:      pruner,
		opTimeout:   cfg.OpTimeout,
		logger:      logger,
	}
}

// Add inserts g and registers it with the provider, evicting lower-ranked
// geofences when the registry is full. Adding an id that is already present
// replaces it in place.
func (r *Registry) Add(ctx context.Context, g core.Geofence) error {
	if r.permissions != nil && !r.permissions.CurrentStatus().AllowsMonitoring() {
		return core.NewGeofenceError("add", g.ID, core.ErrPermissionDenied)
	}
	if err := g.Validate(); err != nil {
		return core.NewGeofenceError("add", g.ID, err)
	}
	// Ranking follows the tier, whatever the caller put in Priority.
	g.Priority = g.Tier.Priority()

	r.mu.Lock()
	registered, err := r.insertLocked(g)
	r.mu.Unlock()

	if err != nil {
		return err
	}

	r.drain(ctx)

	if err := <-registered.result; err != nil {
		return core.NewGeofenceError("add", g.ID, fmt.Errorf("%w: %v", core.ErrMonitoringFailed, err))
	}
	return nil
}

func (r *Registry) insertLocked(g core.Geofence) (op, error) {
	var evicted []core.Geofence
	if _, exists := r.entries[g.ID]; !exists && len(r.entries) >= r.capacity {
		victims, err := r.evictForLocked(g)
		if err != nil {
			return op{}, err
		}
		evicted = victims
	}

	r.gen++
	r.entries[g.ID] = &entry{geofence: g, gen: r.gen}
	o := op{kind: opRegister, geofence: g, gen: r.gen, result: make(chan error, 1), evicted: evicted}
	r.pending = append(r.pending, o)
	return o, nil
}

// evictForLocked frees one slot for g and returns the evicted members, or
// fails with CapacityExceeded leaving state untouched.
func (r *Registry) evictForLocked(g core.Geofence) ([]core.Geofence, error) {
	if r.capacity <= 0 {
		r.stats.Rejections++
		r.logger.WithField("geofence", g.ID).Warn("Capacity exceeded: capacity is %d", r.capacity)
		return nil, core.NewGeofenceError("add", g.ID, core.ErrCapacityExceeded)
	}

	ranked := r.rankedLocked()
	boundary := ranked[r.capacity-1]
	if !g.Outranks(boundary) {
		r.stats.Rejections++
		r.logger.WithFields(map[string]interface{}{
			"geofence": g.ID,
			"tier":     g.Tier,
			"capacity": r.capacity,
		}).Warn("Capacity exceeded: lowest member %s outranks incoming geofence", boundary.ID)
		return nil, core.NewGeofenceError("add", g.ID, core.ErrCapacityExceeded)
	}

	victims := ranked[r.capacity-1:]
	r.evictLocked(victims, "make room for "+g.ID)
	return victims, nil
}

// evictLocked removes victims and queues their unregistration.
func (r *Registry) evictLocked(victims []core.Geofence, reason string) {
	for _, v := range victims {
		delete(r.entries, v.ID)
		r.enqueueLocked(opUnregister, v, 0)
		r.forget(v.ID)
		r.stats.Evictions++
		r.logger.WithFields(map[string]interface{}{
			"geofence": v.ID,
			"task":     v.TaskID,
			"tier":     v.Tier,
		}).Info("Evicted geofence to %s", reason)
	}
}

// rankedLocked returns members ordered best first.
func (r *Registry) rankedLocked() []core.Geofence {
	ranked := make([]core.Geofence, 0, len(r.entries))
	for _, e := range r.entries {
		ranked = append(ranked, e.geofence)
	}
	sortRanked(ranked)
	return ranked
}

func sortRanked(gs []core.Geofence) {
	sort.SliceStable(gs, func(i, j int) bool {
		if gs[i].Outranks(gs[j]) {
			return true
		}
		if gs[j].Outranks(gs[i]) {
			return false
		}
		return gs[i].ID < gs[j].ID
	})
}

func (r *Registry) enqueueLocked(kind opKind, g core.Geofence, gen uint64) op {
	o := op{kind: kind, geofence: g, gen: gen, result: make(chan error, 1)}
	r.pending = append(r.pending, o)
	return o
}

func (r *Registry) forget(id string) {
	if r.pruner != nil {
		r.pruner.Forget(id)
	}
}

// drain executes queued provider calls in order. Whoever holds opsMu runs
// every op queued so far, including ops queued by other callers.
func (r *Registry) drain(ctx context.Context) {
	r.opsMu.Lock()
	defer r.opsMu.Unlock()

	// Registration outlives the caller: backgrounding must not cancel it.
	base := context.WithoutCancel(ctx)

	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()

		if len(batch) == 0 {
			return
		}

		for _, o := range batch {
			o.result <- r.execute(base, o)
		}
	}
}

func (r *Registry) execute(ctx context.Context, o op) error {
	if r.monitor == nil {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	g := o.geofence
	switch o.kind {
	case opRegister:
		if err := r.monitor.RegisterRegion(opCtx, g.ID, g.Center, g.RadiusMeters); err != nil {
			r.rollback(o, err)
			return err
		}
		r.mu.Lock()
		r.stats.Registrations++
		r.mu.Unlock()
	case opUnregister:
		if err := r.monitor.UnregisterRegion(opCtx, g.ID); err != nil {
			r.logger.WithField("geofence", g.ID).Warn("Unregister failed: %v", err)
			return err
		}
	}
	return nil
}

// rollback removes the geofence of a failed register op if it still holds
// that generation, and puts back the members evicted to make room for it.
// Restored members are registered again on the current drain.
func (r *Registry) rollback(o op, cause error) {
	id := o.geofence.ID

	r.mu.Lock()
	e, ok := r.entries[id]
	removed := ok && e.gen == o.gen
	var restored []string
	if removed {
		delete(r.entries, id)
		r.stats.MonitorFailures++
		r.forget(id)

		for _, v := range o.evicted {
			if _, exists := r.entries[v.ID]; exists || len(r.entries) >= r.capacity {
				continue
			}
			r.gen++
			r.entries[v.ID] = &entry{geofence: v, gen: r.gen}
			r.enqueueLocked(opRegister, v, r.gen)
			restored = append(restored, v.ID)
		}
	}
	r.mu.Unlock()

	if removed {
		r.logger.WithField("geofence", id).Warn("Monitoring failed, removed from registry: %v", cause)
	}
	for _, vid := range restored {
		r.logger.WithField("geofence", vid).Info("Restored geofence evicted for %s", id)
	}
}

// HandleMonitoringFailure drops a geofence the provider reported it could not
// monitor. The geofence is not retried; it must be re-added.
func (r *Registry) HandleMonitoringFailure(id string, cause error) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		r.stats.MonitorFailures++
		r.forget(id)
	}
	r.mu.Unlock()

	if ok {
		r.logger.WithField("geofence", id).Warn("Monitoring failed, removed from registry: %v", cause)
	}
	return ok
}

// Remove unregisters id. Removing an unknown id is a no-op.
func (r *Registry) Remove(ctx context.Context, id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		r.enqueueLocked(opUnregister, e.geofence, 0)
	}
	r.forget(id)
	r.mu.Unlock()

	if ok {
		r.drain(ctx)
	}
}

// RemoveAllForTask removes every geofence owned by taskID and returns how many were removed.
func (r *Registry) RemoveAllForTask(ctx context.Context, taskID string) int {
	r.mu.Lock()
	removed := 0
	for id, e := range r.entries {
		if e.geofence.TaskID != taskID {
			continue
		}
		delete(r.entries, id)
		r.enqueueLocked(opUnregister, e.geofence, 0)
		r.forget(id)
		removed++
	}
	r.mu.Unlock()

	if removed > 0 {
		r.drain(ctx)
		r.logger.WithField("task", taskID).Info("Removed %d geofences", removed)
	}
	return removed
}

// Reconcile re-registers every member missing from monitored and returns
// their ids. Ids unknown to the registry are left alone.
func (r *Registry) Reconcile(ctx context.Context, monitored map[string]struct{}) []string {
	r.mu.Lock()
	var missing []op
	for id, e := range r.entries {
		if _, ok := monitored[id]; ok {
			continue
		}
		missing = append(missing, r.enqueueLocked(opRegister, e.geofence, e.gen))
	}
	r.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}

	r.drain(ctx)

	var reregistered []string
	for _, o := range missing {
		if err := <-o.result; err != nil {
			continue
		}
		reregistered = append(reregistered, o.geofence.ID)
		r.logger.WithField("geofence", o.geofence.ID).Info("Re-registered silently dropped geofence")
	}
	sort.Strings(reregistered)
	return reregistered
}

// SetCapacity changes the capacity and immediately evicts down to it,
// keeping the highest-ranked geofences. Returns the evicted geofences.
func (r *Registry) SetCapacity(ctx context.Context, capacity int) []core.Geofence {
	if capacity < 0 {
		capacity = 0
	}

	r.mu.Lock()
	r.capacity = capacity
	var victims []core.Geofence
	if len(r.entries) > capacity {
		ranked := r.rankedLocked()
		victims = ranked[capacity:]
		r.evictLocked(victims, fmt.Sprintf("fit capacity %d", capacity))
	}
	r.mu.Unlock()

	if len(victims) > 0 {
		r.drain(ctx)
	}
	return victims
}

// Get returns the geofence with the given id
func (r *Registry) Get(id string) (core.Geofence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return core.Geofence{}, false
	}
	return e.geofence, true
}

// Lookup is Get returning ErrGeofenceNotFound for unknown ids.
func (r *Registry) Lookup(id string) (core.Geofence, error) {
	g, ok := r.Get(id)
	if !ok {
		return core.Geofence{}, core.NewGeofenceError("lookup", id, core.ErrGeofenceNotFound)
	}
	return g, nil
}

// Snapshot returns all members, best ranked first.
func (r *Registry) Snapshot() []core.Geofence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rankedLocked()
}

// ForTask returns the members owned by taskID, best ranked first.
func (r *Registry) ForTask(taskID string) []core.Geofence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []core.Geofence
	for _, e := range r.entries {
		if e.geofence.TaskID == taskID {
			out = append(out, e.geofence)
		}
	}
	sortRanked(out)
	return out
}

// Contains reports whether id is a member
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Size returns the number of members
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Capacity returns the current capacity
func (r *Registry) Capacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capacity
}

// Stats returns registry counters
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.stats
	s.Size = len(r.entries)
	s.Capacity = r.capacity
	return s
}

// IsCapacityExceeded reports whether err is a capacity rejection.
func IsCapacityExceeded(err error) bool {
	return errors.Is(err, core.ErrCapacityExceeded)
}
