package location

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/logging"
	"github.com/trilliondigital/near-me-sub005/internal/testutil"
)

// drain returns every event currently buffered on ch.
func drain(ch <-chan core.ProviderEvent) []core.ProviderEvent {
	var out []core.ProviderEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func transitions(events []core.ProviderEvent) []core.GeofenceEvent {
	var out []core.GeofenceEvent
	for _, ev := range events {
		if ev.Kind == core.ProviderTransition {
			out = append(out, *ev.Transition)
		}
	}
	return out
}

func newTestSimulator(t *testing.T) *Simulator {
	t.Helper()
	sim := NewSimulator(SimulatorConfig{MaxRegions: 3, DwellAfter: 5 * time.Minute}, logging.Nop())
	t.Cleanup(sim.Close)
	return sim
}

var farAway = core.Coordinate{Lat: testutil.Grocery.Lat + 0.05, Lon: testutil.Grocery.Lon}

// ============================================================================
// Transition Tests
// ============================================================================

func TestSimulator_EnterDwellExit(t *testing.T) {
	sim := newTestSimulator(t)
	ctx := context.Background()
	ts := testutil.Epoch

	if err := sim.RegisterRegion(ctx, "arrival", testutil.Grocery, 100); err != nil {
		t.Fatalf("RegisterRegion() error = %v", err)
	}

	steps := []struct {
		name  string
		at    core.Coordinate
		after time.Duration
		want  []core.EventKind
	}{
		{"outside", farAway, 0, nil},
		{"enter", testutil.Grocery, time.Minute, []core.EventKind{core.EventEnter}},
		{"inside before dwell", testutil.Grocery, time.Minute, nil},
		{"dwell", testutil.Grocery, 5 * time.Minute, []core.EventKind{core.EventDwell}},
		{"dwell fires once", testutil.Grocery, 5 * time.Minute, nil},
		{"exit", farAway, time.Minute, []core.EventKind{core.EventExit}},
	}

	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			ts = ts.Add(step.after)
			if err := sim.Move(ctx, step.at, 5, ts); err != nil {
				t.Fatalf("Move() error = %v", err)
			}
			events := drain(sim.Events())
			if len(events) == 0 || events[0].Kind != core.ProviderSample {
				t.Fatalf("first event should be the sample, got %+v", events)
			}
			got := transitions(events)
			if len(got) != len(step.want) {
				t.Fatalf("transitions = %+v, want %v", got, step.want)
			}
			for i, kind := range step.want {
				if got[i].Kind != kind || got[i].GeofenceID != "arrival" || !got[i].Timestamp.Equal(ts) {
					t.Errorf("transition[%d] = %+v, want %s", i, got[i], kind)
				}
			}
		})
	}
}

func TestSimulator_NestedTiersOrderedByID(t *testing.T) {
	sim := newTestSimulator(t)
	ctx := context.Background()

	sim.RegisterRegion(ctx, "b-approach", testutil.Grocery, 1609.34)
	sim.RegisterRegion(ctx, "a-arrival", testutil.Grocery, 100)

	if err := sim.Move(ctx, testutil.Grocery, 5, testutil.Epoch); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	got := transitions(drain(sim.Events()))
	if len(got) != 2 || got[0].GeofenceID != "a-arrival" || got[1].GeofenceID != "b-approach" {
		t.Errorf("transitions = %+v", got)
	}
}

func TestSimulator_InvalidCoordinate(t *testing.T) {
	sim := newTestSimulator(t)
	err := sim.Move(context.Background(), core.Coordinate{Lat: 91}, 5, testutil.Epoch)
	if !errors.Is(err, core.ErrInvalidCoordinate) {
		t.Errorf("Move() error = %v, want ErrInvalidCoordinate", err)
	}
}

// ============================================================================
// Region Management Tests
// ============================================================================

func TestSimulator_RegionLimit(t *testing.T) {
	sim := newTestSimulator(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := sim.RegisterRegion(ctx, id, testutil.Grocery, 100); err != nil {
			t.Fatalf("RegisterRegion(%s) error = %v", id, err)
		}
	}
	if err := sim.RegisterRegion(ctx, "d", testutil.Grocery, 100); err == nil {
		t.Error("RegisterRegion() beyond the limit should fail")
	}
	if err := sim.RegisterRegion(ctx, "a", farAway, 200); err != nil {
		t.Errorf("re-registering an existing id should succeed: %v", err)
	}

	ids, _ := sim.MonitoredRegionIDs(ctx)
	if len(ids) != 3 {
		t.Errorf("MonitoredRegionIDs() = %v", ids)
	}
}

func TestSimulator_EvictAndFail(t *testing.T) {
	sim := newTestSimulator(t)
	ctx := context.Background()
	sim.RegisterRegion(ctx, "a", testutil.Grocery, 100)
	sim.RegisterRegion(ctx, "b", testutil.Grocery, 100)

	sim.Evict("a")
	if len(drain(sim.Events())) != 0 {
		t.Error("Evict() should be silent")
	}

	if err := sim.FailRegion(ctx, "b", "region_unavailable"); err != nil {
		t.Fatalf("FailRegion() error = %v", err)
	}
	events := drain(sim.Events())
	if len(events) != 1 || events[0].Kind != core.ProviderFailure || events[0].Failure.RegionID != "b" {
		t.Errorf("events = %+v", events)
	}
	if regions := sim.Regions(); len(regions) != 0 {
		t.Errorf("Regions() = %+v, want none", regions)
	}
}

func TestSimulator_SamplingAndSignals(t *testing.T) {
	sim := newTestSimulator(t)
	ctx := context.Background()

	sim.StartUpdates(ctx, 30*time.Second, core.AccuracyHundredMeters)
	if s := sim.Sampling(); !s.Active || s.Interval != 30*time.Second || s.Accuracy != core.AccuracyHundredMeters {
		t.Errorf("Sampling() = %+v", s)
	}
	sim.StopUpdates(ctx)
	if sim.Sampling().Active {
		t.Error("sampling should be inactive after StopUpdates")
	}

	sim.SetBattery(ctx, 80, false, true, testutil.Epoch)
	sim.SetLifecycle(ctx, core.LifecycleBackground)
	events := drain(sim.Events())
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Battery.Level != 80 || !events[0].Battery.LowPowerMode {
		t.Errorf("battery = %+v", events[0].Battery)
	}
	if events[1].Lifecycle != core.LifecycleBackground {
		t.Errorf("lifecycle = %s", events[1].Lifecycle)
	}
}

func TestSimulator_Close(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Buffer: 1}, logging.Nop())
	ctx := context.Background()

	sim.SetLifecycle(ctx, core.LifecycleForeground)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sim.SetLifecycle(ctx, core.LifecycleBackground)
	}()

	time.Sleep(20 * time.Millisecond)
	sim.Close()
	sim.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked emit error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked emit did not return after Close")
	}

	if err := sim.SetLifecycle(ctx, core.LifecycleForeground); !errors.Is(err, ErrClosed) {
		t.Errorf("emit after Close error = %v", err)
	}
}

func TestSimulator_EmitHonoursContext(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Buffer: 1}, logging.Nop())
	t.Cleanup(sim.Close)

	sim.SetLifecycle(context.Background(), core.LifecycleForeground)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sim.SetLifecycle(ctx, core.LifecycleBackground); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SetLifecycle() error = %v, want DeadlineExceeded", err)
	}
}
