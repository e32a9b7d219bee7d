package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/config"
	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/logging"
	"github.com/trilliondigital/near-me-sub005/internal/optimization"
	"github.com/trilliondigital/near-me-sub005/internal/scheduler"
	"github.com/trilliondigital/near-me-sub005/internal/storage"
	"github.com/trilliondigital/near-me-sub005/internal/testutil"
)

type harness struct {
	m          *Monitor
	provider   *testutil.FakeProvider
	dispatcher *testutil.FakeDispatcher
	db         *storage.DB
	clock      *testutil.ManualClock
}

func testConfig(clock *testutil.ManualClock) Config {
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	cfg.BatchWindow = 100 * time.Millisecond
	cfg.Processor.Backoff = scheduler.Backoff{Base: time.Millisecond, Max: time.Millisecond}
	return cfg
}

func newHarness(t *testing.T, db *storage.DB, mutate func(*Config)) *harness {
	t.Helper()
	if db == nil {
		db = testutil.TestDB(t)
	}
	h := &harness{
		provider:   testutil.NewFakeProvider(),
		dispatcher: &testutil.FakeDispatcher{},
		db:         db,
		clock:      testutil.NewManualClock(testutil.Epoch),
	}
	cfg := testConfig(h.clock)
	if mutate != nil {
		mutate(&cfg)
	}
	h.m = New(cfg, h.provider, h.dispatcher, db, logging.Nop())
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.m.Start(testutil.TestContext(t)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { h.m.Stop(context.Background()) })
}

func (h *harness) savePlaces(t *testing.T, taskID string) {
	t.Helper()
	for _, tier := range core.AllTiers {
		spec := core.GeofenceSpec{TaskID: taskID, Label: "Market", Center: testutil.Grocery, Tier: tier}
		if err := h.m.Tasks().SaveTaskPlace(context.Background(), spec); err != nil {
			t.Fatalf("SaveTaskPlace() error = %v", err)
		}
	}
}

func (h *harness) geofence(t *testing.T, taskID string, tier core.GeofenceTier) core.Geofence {
	t.Helper()
	for _, g := range h.m.Geofences() {
		if g.TaskID == taskID && g.Tier == tier {
			return g
		}
	}
	t.Fatalf("no %s geofence for %s", tier, taskID)
	return core.Geofence{}
}

func (h *harness) storedLevel(t *testing.T) (optimization.Level, bool) {
	t.Helper()
	var level optimization.Level
	ok, err := storage.NewMetricsStore(h.db).Get(context.Background(), storage.KeyOptimizationLevel, &level)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return level, ok
}

// ============================================================================
// Task Activation Tests
// ============================================================================

func TestMonitor_ActivateTask(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	ctx := testutil.TestContext(t)
	h.savePlaces(t, "grocery")

	added, err := h.m.ActivateTask(ctx, "grocery")
	if err != nil {
		t.Fatalf("ActivateTask() error = %v", err)
	}
	if len(added) != len(core.AllTiers) {
		t.Fatalf("ActivateTask() added %d geofences, want %d", len(added), len(core.AllTiers))
	}
	if added[0].Tier != core.TierPostArrival || added[len(added)-1].Tier != core.TierApproach5mi {
		t.Errorf("geofences should be added highest priority first: %v .. %v", added[0].Tier, added[len(added)-1].Tier)
	}
	for _, g := range added {
		if g.ID == "" || g.RadiusMeters != g.Tier.RadiusMeters() {
			t.Errorf("geofence = %+v", g)
		}
	}
	if got := h.provider.Count(testutil.OpRegister); got != 5 {
		t.Errorf("RegisterRegion calls = %d, want 5", got)
	}
	if got := h.m.ActiveTasks(); len(got) != 1 || got[0] != "grocery" {
		t.Errorf("ActiveTasks() = %v", got)
	}

	// Re-activation replaces the task's geofences
	if _, err := h.m.ActivateTask(ctx, "grocery"); err != nil {
		t.Fatalf("second ActivateTask() error = %v", err)
	}
	if got := len(h.m.Geofences()); got != 5 {
		t.Errorf("Geofences() = %d after re-activation, want 5", got)
	}
}

func TestMonitor_ActivateTaskErrors(t *testing.T) {
	t.Run("unknown task", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.start(t)
		_, err := h.m.ActivateTask(testutil.TestContext(t), "missing")
		if !errors.Is(err, core.ErrTaskNotFound) {
			t.Errorf("ActivateTask() error = %v, want ErrTaskNotFound", err)
		}
	})

	t.Run("permission denied", func(t *testing.T) {
		h := newHarness(t, nil, func(c *Config) {
			c.Permissions = testutil.StaticPermission(core.PermissionDenied)
		})
		h.start(t)
		h.savePlaces(t, "grocery")

		added, err := h.m.ActivateTask(testutil.TestContext(t), "grocery")
		if !errors.Is(err, core.ErrPermissionDenied) {
			t.Errorf("ActivateTask() error = %v, want ErrPermissionDenied", err)
		}
		if len(added) != 0 || len(h.m.ActiveTasks()) != 0 {
			t.Errorf("nothing should be active: added=%v active=%v", added, h.m.ActiveTasks())
		}
	})

	t.Run("capacity exceeded", func(t *testing.T) {
		h := newHarness(t, nil, func(c *Config) {
			c.Optimization.Initial = optimization.Minimal
		})
		h.start(t)
		ctx := testutil.TestContext(t)
		h.savePlaces(t, "first")
		h.savePlaces(t, "second")

		if _, err := h.m.ActivateTask(ctx, "first"); err != nil {
			t.Fatalf("ActivateTask(first) error = %v", err)
		}
		h.clock.Advance(time.Second)

		added, err := h.m.ActivateTask(ctx, "second")
		if !errors.Is(err, core.ErrCapacityExceeded) {
			t.Errorf("ActivateTask(second) error = %v, want ErrCapacityExceeded", err)
		}
		if len(added) != 3 {
			t.Errorf("ActivateTask(second) added %d, want 3", len(added))
		}
		if got := len(h.m.Geofences()); got != 5 {
			t.Errorf("registry size = %d, want capacity 5", got)
		}
	})
}

func TestMonitor_DeactivateAndDeleteTask(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	ctx := testutil.TestContext(t)
	h.savePlaces(t, "a")
	h.savePlaces(t, "b")
	h.m.ActivateTask(ctx, "a")
	h.m.ActivateTask(ctx, "b")

	if got := h.m.DeactivateTask(ctx, "a"); got != 5 {
		t.Errorf("DeactivateTask() = %d, want 5", got)
	}
	if got := h.m.ActiveTasks(); len(got) != 1 || got[0] != "b" {
		t.Errorf("ActiveTasks() = %v", got)
	}

	n, err := h.m.DeleteTask(ctx, "b")
	if err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if n != 5 {
		t.Errorf("DeleteTask() removed %d places, want 5", n)
	}
	if len(h.m.Geofences()) != 0 || len(h.provider.Monitored()) != 0 {
		t.Errorf("geofences left: %v / %v", h.m.Geofences(), h.provider.Monitored())
	}
	if _, err := h.m.Tasks().GeofencesForTask(ctx, "b"); !errors.Is(err, core.ErrTaskNotFound) {
		t.Errorf("places should be gone: %v", err)
	}
}

// ============================================================================
// Event Loop Tests
// ============================================================================

func TestMonitor_TransitionDispatchesReminder(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	h.savePlaces(t, "grocery")
	h.m.ActivateTask(testutil.TestContext(t), "grocery")

	g := h.geofence(t, "grocery", core.TierApproach1mi)
	h.provider.Emit(core.TransitionEvent(testutil.Enter(g.ID, testutil.Epoch)))

	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(h.dispatcher.Dispatched()) == 1
	}, "approach dispatched")

	d := h.dispatcher.Dispatched()[0]
	if d.Action != core.ActionApproach || d.TaskID != "grocery" || d.GeofenceID != g.ID {
		t.Errorf("dispatch = %+v", d)
	}
}

func TestMonitor_SimultaneousTransitionsAreBundled(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	h.savePlaces(t, "grocery")
	h.m.ActivateTask(testutil.TestContext(t), "grocery")

	for _, tier := range []core.GeofenceTier{core.TierApproach5mi, core.TierApproach3mi, core.TierApproach1mi, core.TierArrival} {
		g := h.geofence(t, "grocery", tier)
		h.provider.Emit(core.TransitionEvent(testutil.Enter(g.ID, testutil.Epoch)))
	}

	testutil.Eventually(t, 2*time.Second, func() bool {
		return h.m.Status().Events.Batches == 1
	}, "one batch processed")
	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(h.dispatcher.Dispatched()) == 1
	}, "one bundled dispatch")

	d := h.dispatcher.Dispatched()[0]
	if d.Action != core.ActionArrival || d.Bundled != 4 {
		t.Errorf("dispatch = %+v, want arrival bundling 4", d)
	}
}

func TestMonitor_RepeatedEnterIsDebounced(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.BatchWindow = 0 })
	h.start(t)
	h.savePlaces(t, "grocery")
	h.m.ActivateTask(testutil.TestContext(t), "grocery")

	g := h.geofence(t, "grocery", core.TierArrival)
	h.provider.Emit(core.TransitionEvent(testutil.Enter(g.ID, testutil.Epoch)))
	h.provider.Emit(core.TransitionEvent(testutil.Enter(g.ID, testutil.Epoch)))

	testutil.Eventually(t, 2*time.Second, func() bool {
		return h.m.Status().Events.Transitions == 2
	}, "both transitions seen")

	st := h.m.Status()
	if st.Events.Debounced != 1 {
		t.Errorf("Debounced = %d, want 1", st.Events.Debounced)
	}
	if st.Metrics.GeofenceEventsPerHour != 1 {
		t.Errorf("tracker should count only accepted transitions: %+v", st.Metrics)
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(h.dispatcher.Dispatched()) == 1
	}, "one arrival dispatched")
}

func TestMonitor_MonitoringFailureRemovesGeofence(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	h.savePlaces(t, "grocery")
	h.m.ActivateTask(testutil.TestContext(t), "grocery")

	g := h.geofence(t, "grocery", core.TierArrival)
	h.provider.Emit(core.FailureEvent(core.ProviderError{Code: "region_unavailable", RegionID: g.ID}))

	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(h.m.Geofences()) == 4
	}, "failed geofence removed")
	if h.m.Status().Registry.MonitorFailures != 1 {
		t.Errorf("Registry stats = %+v", h.m.Status().Registry)
	}
}

func TestMonitor_LowPowerTickDropsToMinimal(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)

	h.provider.Emit(core.BatteryEvent(core.BatteryReading{Level: 50, LowPowerMode: true, Timestamp: testutil.Epoch}))

	testutil.Eventually(t, 2*time.Second, func() bool {
		return h.m.Status().Optimization.Level == optimization.Minimal
	}, "level drops to minimal")

	interval, accuracy, on := h.provider.Sampling()
	if !on || interval != 5*time.Minute || accuracy != core.AccuracyThreeKilometers {
		t.Errorf("Sampling() = %v %v %v", interval, accuracy, on)
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		level, ok := h.storedLevel(t)
		return ok && level == optimization.Minimal
	}, "transition persisted")
}

func TestMonitor_ResumeReconcilesDroppedRegions(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	h.savePlaces(t, "grocery")
	h.m.ActivateTask(testutil.TestContext(t), "grocery")

	g := h.geofence(t, "grocery", core.TierArrival)
	h.provider.Drop(g.ID)

	h.provider.Emit(core.LifecycleEvent(core.LifecycleBackground))
	testutil.Eventually(t, 2*time.Second, func() bool {
		return !h.m.Status().Foreground
	}, "backgrounded")

	h.provider.Emit(core.LifecycleEvent(core.LifecycleForeground))
	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(h.provider.Monitored()) == 5
	}, "dropped region re-registered")

	st := h.m.Status()
	if !st.Foreground || st.LastReconcile == nil || len(st.LastReconcile.Reregistered) != 1 {
		t.Errorf("status = %+v", st)
	}
}

// ============================================================================
// Power and Persistence Tests
// ============================================================================

func TestMonitor_EmergencyPowerSave(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	ctx := testutil.TestContext(t)

	h.m.ActivateEmergencyPowerSave(ctx)
	st := h.m.Status().Optimization
	if !st.Emergency || st.Level != optimization.Minimal {
		t.Errorf("status = %+v", st)
	}

	// A charging tick cannot lift an emergency hold
	h.provider.Emit(core.BatteryEvent(core.BatteryReading{Level: 95, IsCharging: true}))
	testutil.Eventually(t, 2*time.Second, func() bool {
		return h.m.Status().Events.Battery == 1
	}, "tick processed")
	if h.m.Status().Optimization.Level != optimization.Minimal {
		t.Error("emergency should hold Minimal")
	}

	tr, changed := h.m.DeactivateEmergencyPowerSave(ctx)
	if !changed || tr.To != optimization.HighAccuracy {
		t.Errorf("DeactivateEmergencyPowerSave() = %+v, %v", tr, changed)
	}
}

func TestMonitor_RestartRestoresSnapshot(t *testing.T) {
	db := testutil.TestDB(t)
	ctx := testutil.TestContext(t)

	first := newHarness(t, db, nil)
	first.start(t)
	first.savePlaces(t, "grocery")
	first.m.ActivateTask(ctx, "grocery")
	first.provider.Emit(core.SampleEvent(core.LocationSample{Location: testutil.Grocery, AccuracyMeters: 20}))
	testutil.Eventually(t, 2*time.Second, func() bool {
		return first.m.Status().Events.Samples == 1
	}, "sample processed")
	first.m.ActivateEmergencyPowerSave(ctx)
	if err := first.m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := first.m.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("restart error = %v, want ErrStopped", err)
	}

	second := newHarness(t, db, nil)
	second.start(t)

	st := second.m.Status()
	if !st.Optimization.Emergency || st.Optimization.Level != optimization.Minimal {
		t.Errorf("optimization = %+v", st.Optimization)
	}
	if len(st.ActiveTasks) != 1 || st.ActiveTasks[0] != "grocery" {
		t.Errorf("ActiveTasks = %v", st.ActiveTasks)
	}
	if got := len(second.provider.Monitored()); got != 5 {
		t.Errorf("restored task registered %d regions, want 5", got)
	}
	if st.Metrics.AverageAccuracyMeters != 20 {
		t.Errorf("restored metrics = %+v", st.Metrics)
	}
}

func TestMonitor_ResetMetrics(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)
	ctx := testutil.TestContext(t)

	h.provider.Emit(core.SampleEvent(core.LocationSample{Location: testutil.Grocery, AccuracyMeters: 30}))
	testutil.Eventually(t, 2*time.Second, func() bool {
		return h.m.Status().Metrics.AverageAccuracyMeters == 30
	}, "sample recorded")

	if err := h.m.ResetMetrics(ctx); err != nil {
		t.Fatalf("ResetMetrics() error = %v", err)
	}
	if got := h.m.Status().Metrics.AverageAccuracyMeters; got != 0 {
		t.Errorf("AverageAccuracyMeters = %v after reset", got)
	}
	if _, ok := h.storedLevel(t); !ok {
		t.Error("reset should persist the snapshot")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.PlatformCapacity = 12
	cfg.Optimization.InitialLevel = "power_save"

	c, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if c.Optimization.Initial != optimization.PowerSave || c.Optimization.PlatformCapacity != 12 {
		t.Errorf("optimization = %+v", c.Optimization)
	}
	if c.Registry.Capacity != 10 || c.Cooldown != 30*time.Second {
		t.Errorf("registry/cooldown = %+v / %v", c.Registry, c.Cooldown)
	}
	if c.Processor.MaxAttempts != 3 || c.BatchWindow != 250*time.Millisecond {
		t.Errorf("processor = %+v, batch window %v", c.Processor, c.BatchWindow)
	}

	cfg.Optimization.InitialLevel = "turbo"
	if _, err := FromConfig(cfg); err == nil {
		t.Error("FromConfig() should reject an unknown level")
	}
}

func TestMonitor_ScheduleMaintenance(t *testing.T) {
	t.Run("runs at balanced", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		h.start(t)

		var runs atomic.Int32
		err := h.m.ScheduleMaintenance("cleanup", "Cleanup", 10*time.Millisecond, func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("ScheduleMaintenance() error = %v", err)
		}
		testutil.Eventually(t, 2*time.Second, func() bool { return runs.Load() > 0 }, "job ran")
	})

	t.Run("suspended at minimal", func(t *testing.T) {
		h := newHarness(t, nil, func(c *Config) {
			c.Optimization.Initial = optimization.Minimal
		})
		h.start(t)

		var runs atomic.Int32
		h.m.ScheduleMaintenance("cleanup", "Cleanup", 10*time.Millisecond, func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
		time.Sleep(100 * time.Millisecond)
		if got := runs.Load(); got != 0 {
			t.Errorf("maintenance ran %d times at Minimal", got)
		}
	})
}
