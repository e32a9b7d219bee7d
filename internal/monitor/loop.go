package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/battery"
	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/optimization"
	"github.com/trilliondigital/near-me-sub005/internal/scheduler"
	"github.com/trilliondigital/near-me-sub005/internal/storage"
)

// loop is the single consumer of the provider's event channel. Transitions
// are debounced and collected for BatchWindow before being bundled, so the
// per-geofence order the provider delivered is kept through resolution.
func (m *Monitor) loop() {
	defer m.wg.Done()

	ctx := m.context()
	events := m.provider.Events()

	var (
		batch  []core.GeofenceEvent
		timer  *time.Timer
		timerC <-chan time.Time
	)

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		pending := batch
		batch = nil
		m.safely("batch", func() {
			m.processor.HandleBatch(pending)
			m.count(func(s *EventStats) { s.Batches++ })
		})
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case ev, ok := <-events:
			if !ok {
				flush()
				m.logger.Info("Provider event channel closed")
				return
			}
			var accepted *core.GeofenceEvent
			m.safely(string(ev.Kind), func() {
				accepted = m.handle(ctx, ev)
			})
			if accepted == nil {
				continue
			}
			batch = append(batch, *accepted)
			if m.cfg.BatchWindow <= 0 {
				flush()
			} else if timer == nil {
				timer = time.NewTimer(m.cfg.BatchWindow)
				timerC = timer.C
			}

		case <-timerC:
			timer, timerC = nil, nil
			flush()
		}
	}
}

// handle applies one provider event and returns the transition to batch, if any.
func (m *Monitor) handle(ctx context.Context, ev core.ProviderEvent) *core.GeofenceEvent {
	switch ev.Kind {
	case core.ProviderTransition:
		if ev.Transition == nil {
			return nil
		}
		m.count(func(s *EventStats) { s.Transitions++ })
		if !m.debouncer.Accept(*ev.Transition) {
			m.count(func(s *EventStats) { s.Debounced++ })
			return nil
		}
		m.tracker.RecordGeofenceEvent()
		t := *ev.Transition
		return &t

	case core.ProviderSample:
		if ev.Sample == nil {
			return nil
		}
		m.count(func(s *EventStats) { s.Samples++ })
		m.tracker.RecordLocationSample(ev.Sample.AccuracyMeters)

	case core.ProviderBattery:
		if ev.Battery == nil {
			return nil
		}
		m.count(func(s *EventStats) { s.Battery++ })
		b := ev.Battery
		m.tracker.RecordBatteryTick(b.Level, b.IsCharging, b.LowPowerMode)

	case core.ProviderFailure:
		if ev.Failure == nil {
			return nil
		}
		m.count(func(s *EventStats) { s.Failures++ })
		if ev.Failure.RegionID != "" {
			m.registry.HandleMonitoringFailure(ev.Failure.RegionID, *ev.Failure)
		} else {
			m.logger.Warn("Provider error: %v", *ev.Failure)
		}

	case core.ProviderLifecycle:
		m.count(func(s *EventStats) { s.Lifecycle++ })
		switch ev.Lifecycle {
		case core.LifecycleForeground:
			m.OnResume(ctx)
		case core.LifecycleBackground:
			m.OnBackground(ctx)
		}

	default:
		m.logger.Debug("Ignoring provider event of kind %q", ev.Kind)
	}
	return nil
}

// safely runs fn, logging instead of propagating a panic.
func (m *Monitor) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.count(func(s *EventStats) { s.Panics++ })
			m.logger.Error("Recovered panic handling %s: %v\n%s", what, r, debug.Stack())
		}
	}()
	fn()
}

func (m *Monitor) count(fn func(*EventStats)) {
	m.mu.Lock()
	fn(&m.events)
	m.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

// onTransition runs under the controller lock, so it only signals.
func (m *Monitor) onTransition(t optimization.Transition) {
	m.requestPersist()
}

func (m *Monitor) requestPersist() {
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}

// persister writes the snapshot whenever a change was signalled. Signals
// arriving during a write coalesce into one more write.
func (m *Monitor) persister() {
	defer m.wg.Done()
	ctx := m.context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.persistCh:
			if err := m.Persist(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("Failed to persist snapshot: %v", err)
			}
		}
	}
}

// Persist writes the metrics snapshot, the optimization level, the emergency
// flag and the active task set.
func (m *Monitor) Persist(ctx context.Context) error {
	err := m.snapshots.PutAll(ctx, map[string]any{
		storage.KeyBatteryMetrics:    m.tracker.Snapshot(),
		storage.KeyOptimizationLevel: m.controller.Current(),
		storage.KeyEmergency:         m.controller.Emergency(),
		storage.KeyActiveTasks:       m.ActiveTasks(),
	})
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// restore loads the persisted snapshot. A missing or unreadable entry keeps
// the defaults. It returns the task ids that were active.
func (m *Monitor) restore(ctx context.Context) []string {
	var snap battery.Snapshot
	if ok, err := m.snapshots.Get(ctx, storage.KeyBatteryMetrics, &snap); err != nil {
		m.logger.Warn("Ignoring stored metrics: %v", err)
	} else if ok {
		m.tracker.Restore(snap)
	}

	level := m.controller.Current()
	var stored optimization.Level
	if ok, err := m.snapshots.Get(ctx, storage.KeyOptimizationLevel, &stored); err != nil {
		m.logger.Warn("Ignoring stored optimization level: %v", err)
	} else if ok {
		level = stored
	}

	var emergency bool
	if _, err := m.snapshots.Get(ctx, storage.KeyEmergency, &emergency); err != nil {
		m.logger.Warn("Ignoring stored emergency flag: %v", err)
	}
	m.controller.Restore(level, emergency)

	var active []string
	if _, err := m.snapshots.Get(ctx, storage.KeyActiveTasks, &active); err != nil {
		m.logger.Warn("Ignoring stored active tasks: %v", err)
	}
	return active
}

// -----------------------------------------------------------------------------
// Work control
// -----------------------------------------------------------------------------

// workControl lets the controller pause maintenance work at Minimal and
// cancel everything in an emergency.
type workControl struct {
	queue     *scheduler.Queue
	scheduler *scheduler.Scheduler
}

func (w *workControl) PauseNonEssential() int {
	n := w.queue.CancelNonEssential()
	w.scheduler.SuspendTag(scheduler.TagMaintenance)
	return n
}

func (w *workControl) ResumeNonEssential() {
	w.scheduler.ResumeTag(scheduler.TagMaintenance)
}

func (w *workControl) CancelAll() int {
	return w.queue.CancelAll()
}
