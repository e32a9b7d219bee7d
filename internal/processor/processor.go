// Package processor resolves debounced geofence transitions into
// notification actions and hands them to the dispatcher through the
// retrying work queue.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/logging"
	"github.com/trilliondigital/near-me-sub005/internal/scheduler"
)

// Dispatcher is the notification collaborator. A transient failure wraps
// core.ErrDispatchUnavailable; anything else is not retried.
type Dispatcher interface {
	Dispatch(ctx context.Context, d core.Dispatch) error
}

// GeofenceLookup finds the registered geofence an event refers to.
type GeofenceLookup interface {
	Get(id string) (core.Geofence, bool)
}

// Resolve maps a transition on a tier to an action.
//
//	Enter: approach tiers -> approach, arrival -> arrival, post-arrival -> post-arrival
//	Exit:  arrival -> schedule post-arrival, others -> none
//	Dwell: dwell for every tier
func Resolve(kind core.EventKind, tier core.GeofenceTier) (core.NotificationAction, bool) {
	switch kind {
	case core.EventEnter:
		switch {
		case tier.IsApproach():
			return core.ActionApproach, true
		case tier == core.TierArrival:
			return core.ActionArrival, true
		case tier == core.TierPostArrival:
			return core.ActionPostArrival, true
		}
	case core.EventExit:
		if tier == core.TierArrival {
			return core.ActionSchedulePostArrival, true
		}
	case core.EventDwell:
		if tier.Valid() {
			return core.ActionDwell, true
		}
	}
	return "", false
}

// Config configures a Processor
type Config struct {
	MaxAttempts int
	Backoff     scheduler.Backoff
	// DispatchTimeout bounds each dispatch attempt.
	DispatchTimeout time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		Backoff:         scheduler.DefaultBackoff(),
		DispatchTimeout: 10 * time.Second,
	}
}

// Stats counts processor outcomes
type Stats struct {
	Events     int64 `json:"events"`
	Resolved   int64 `json:"resolved"`
	NoAction   int64 `json:"no_action"`
	Unknown    int64 `json:"unknown"`
	Folded     int64 `json:"folded"`
	Submitted  int64 `json:"submitted"`
	Rejected   int64 `json:"rejected"`
	Dispatched int64 `json:"dispatched"`
	Dropped    int64 `json:"dropped"`
}

// Processor turns transition batches into dispatched reminders.
type Processor struct {
	cfg        Config
	lookup     GeofenceLookup
	dispatcher Dispatcher
	queue      *scheduler.Queue
	logger     *logging.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a processor
func New(cfg Config, lookup GeofenceLookup, dispatcher Dispatcher, queue *scheduler.Queue, logger *logging.Logger) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if logger == nil {
		logger = logging.WithField("component", "processor")
	}
	return &Processor{
		cfg:        cfg,
		lookup:     lookup,
		dispatcher: dispatcher,
		queue:      queue,
		logger:     logger,
	}
}

// Process resolves a single event on g.
func (p *Processor) Process(ev core.GeofenceEvent, g core.Geofence) (core.Dispatch, bool) {
	action, ok := Resolve(ev.Kind, g.Tier)
	if !ok {
		return core.Dispatch{}, false
	}
	return core.Dispatch{
		Action:     action,
		TaskID:     g.TaskID,
		GeofenceID: g.ID,
		Tier:       g.Tier,
		Timestamp:  ev.Timestamp,
		Bundled:    1,
	}, true
}

// ProcessBatch resolves events and bundles them per task: each task yields at
// most one dispatch, the one from its highest-priority tier (the latest event
// wins a tie). Results keep the order in which tasks first appear.
func (p *Processor) ProcessBatch(events []core.GeofenceEvent) []core.Dispatch {
	var (
		order  []string
		chosen = make(map[string]core.Dispatch)
		stats  Stats
	)

	for _, ev := range events {
		stats.Events++
		g, ok := p.lookup.Get(ev.GeofenceID)
		if !ok {
			stats.Unknown++
			p.logger.Debug("Ignoring %s for unknown geofence %s", ev.Kind, ev.GeofenceID)
			continue
		}
		d, ok := p.Process(ev, g)
		if !ok {
			stats.NoAction++
			continue
		}
		stats.Resolved++

		prev, seen := chosen[d.TaskID]
		if !seen {
			order = append(order, d.TaskID)
			chosen[d.TaskID] = d
			continue
		}

		stats.Folded++
		d.Bundled = prev.Bundled + 1
		if outranks(d, prev) {
			chosen[d.TaskID] = d
		} else {
			prev.Bundled = d.Bundled
			chosen[d.TaskID] = prev
		}
	}

	out := make([]core.Dispatch, 0, len(order))
	for _, taskID := range order {
		out = append(out, chosen[taskID])
	}

	p.mu.Lock()
	p.stats.Events += stats.Events
	p.stats.Resolved += stats.Resolved
	p.stats.NoAction += stats.NoAction
	p.stats.Unknown += stats.Unknown
	p.stats.Folded += stats.Folded
	p.mu.Unlock()

	return out
}

func outranks(a, b core.Dispatch) bool {
	if a.Tier.Priority() != b.Tier.Priority() {
		return a.Tier.Priority() > b.Tier.Priority()
	}
	return !a.Timestamp.Before(b.Timestamp)
}

// Submit enqueues d for dispatch with bounded retries.
func (p *Processor) Submit(d core.Dispatch) (*scheduler.Handle, error) {
	h, err := p.queue.Enqueue(p.dispatchWork(d), scheduler.Constraints{
		Tag:         scheduler.TagEventDispatch,
		Essential:   true,
		MaxAttempts: p.cfg.MaxAttempts,
		Backoff:     p.cfg.Backoff,
		Timeout:     p.cfg.DispatchTimeout,
	})

	p.mu.Lock()
	if err != nil {
		p.stats.Rejected++
	} else {
		p.stats.Submitted++
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.WithFields(map[string]interface{}{
			"task":   d.TaskID,
			"action": d.Action,
		}).Warn("Dropping reminder: %v", err)
		return nil, fmt.Errorf("submit %s for %s: %w", d.Action, d.TaskID, err)
	}
	return h, nil
}

// HandleBatch resolves and submits a batch. Submission failures are logged
// and skipped so that one rejected dispatch never blocks the rest.
func (p *Processor) HandleBatch(events []core.GeofenceEvent) []*scheduler.Handle {
	var handles []*scheduler.Handle
	for _, d := range p.ProcessBatch(events) {
		h, err := p.Submit(d)
		if err != nil {
			continue
		}
		handles = append(handles, h)
	}
	return handles
}

func (p *Processor) dispatchWork(d core.Dispatch) scheduler.WorkFunc {
	attempt := 0
	return func(ctx context.Context) error {
		attempt++
		err := p.dispatcher.Dispatch(ctx, d)
		switch {
		case err == nil:
			p.count(func(s *Stats) { s.Dispatched++ })
			return nil
		case errors.Is(err, core.ErrDispatchUnavailable):
			if attempt >= p.cfg.MaxAttempts {
				p.count(func(s *Stats) { s.Dropped++ })
			}
			return err
		default:
			p.count(func(s *Stats) { s.Dropped++ })
			return scheduler.Permanent(err)
		}
	}
}

func (p *Processor) count(fn func(*Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

// Stats returns a snapshot of processor counters
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
