package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/core"
)

// ProviderCall records one call made to FakeProvider.
type ProviderCall struct {
	Op       string
	ID       string
	Interval time.Duration
	Accuracy core.Accuracy
}

// Provider call names
const (
	OpStartUpdates = "start_updates"
	OpStopUpdates  = "stop_updates"
	OpRegister     = "register_region"
	OpUnregister   = "unregister_region"
	OpList         = "list_monitored"
)

// FakeProvider is an in-memory location provider. Set the Func fields to
// inject failures; leave them nil for success.
type FakeProvider struct {
	RegisterFunc func(id string) error
	ListFunc     func() (map[string]struct{}, error)

	mu        sync.Mutex
	calls     []ProviderCall
	monitored map[string]float64
	updating  bool
	interval  time.Duration
	accuracy  core.Accuracy
	events    chan core.ProviderEvent
}

// NewFakeProvider creates a provider with a buffered event channel.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		monitored: make(map[string]float64),
		events:    make(chan core.ProviderEvent, 256),
	}
}

func (p *FakeProvider) record(c ProviderCall) {
	p.calls = append(p.calls, c)
}

// StartUpdates records the sampling hints.
func (p *FakeProvider) StartUpdates(ctx context.Context, interval time.Duration, accuracy core.Accuracy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(ProviderCall{Op: OpStartUpdates, Interval: interval, Accuracy: accuracy})
	p.updating = true
	p.interval = interval
	p.accuracy = accuracy
	return nil
}

// StopUpdates stops sampling.
func (p *FakeProvider) StopUpdates(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(ProviderCall{Op: OpStopUpdates})
	p.updating = false
	return nil
}

// RegisterRegion marks id monitored unless RegisterFunc fails it.
func (p *FakeProvider) RegisterRegion(ctx context.Context, id string, center core.Coordinate, radiusMeters float64) error {
	p.mu.Lock()
	p.record(ProviderCall{Op: OpRegister, ID: id})
	fn := p.RegisterFunc
	p.mu.Unlock()

	if fn != nil {
		if err := fn(id); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.monitored[id] = radiusMeters
	p.mu.Unlock()
	return nil
}

// UnregisterRegion stops monitoring id.
func (p *FakeProvider) UnregisterRegion(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(ProviderCall{Op: OpUnregister, ID: id})
	delete(p.monitored, id)
	return nil
}

// MonitoredRegionIDs returns the ids currently monitored.
func (p *FakeProvider) MonitoredRegionIDs(ctx context.Context) (map[string]struct{}, error) {
	p.mu.Lock()
	p.record(ProviderCall{Op: OpList})
	fn := p.ListFunc
	ids := make(map[string]struct{}, len(p.monitored))
	for id := range p.monitored {
		ids[id] = struct{}{}
	}
	p.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return ids, nil
}

// Events returns the provider event channel.
func (p *FakeProvider) Events() <-chan core.ProviderEvent {
	return p.events
}

// Emit pushes ev onto the event channel.
func (p *FakeProvider) Emit(ev core.ProviderEvent) {
	p.events <- ev
}

// Drop simulates the OS silently forgetting a region.
func (p *FakeProvider) Drop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.monitored, id)
}

// Calls returns recorded calls for op, or every call when op is empty.
func (p *FakeProvider) Calls(op string) []ProviderCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ProviderCall
	for _, c := range p.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times op was called.
func (p *FakeProvider) Count(op string) int {
	return len(p.Calls(op))
}

// ResetCalls clears the call log but keeps monitored state.
func (p *FakeProvider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// Monitored returns the monitored ids, sorted.
func (p *FakeProvider) Monitored() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.monitored))
	for id := range p.monitored {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sampling returns the last sampling hints and whether updates are on.
func (p *FakeProvider) Sampling() (time.Duration, core.Accuracy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval, p.accuracy, p.updating
}

// FakeDispatcher records dispatched reminders. DispatchFunc, when set, decides
// the result of each call.
type FakeDispatcher struct {
	DispatchFunc func(d core.Dispatch) error

	mu         sync.Mutex
	dispatched []core.Dispatch
	attempts   int
}

// Dispatch records d when DispatchFunc accepts it.
func (f *FakeDispatcher) Dispatch(ctx context.Context, d core.Dispatch) error {
	f.mu.Lock()
	f.attempts++
	fn := f.DispatchFunc
	f.mu.Unlock()

	if fn != nil {
		if err := fn(d); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.dispatched = append(f.dispatched, d)
	f.mu.Unlock()
	return nil
}

// Dispatched returns every accepted dispatch in order.
func (f *FakeDispatcher) Dispatched() []core.Dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Dispatch(nil), f.dispatched...)
}

// Attempts returns how many times Dispatch was called.
func (f *FakeDispatcher) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// StaticPermission is a fixed permission status.
type StaticPermission core.PermissionStatus

// CurrentStatus implements the permission gate.
func (s StaticPermission) CurrentStatus() core.PermissionStatus {
	return core.PermissionStatus(s)
}
