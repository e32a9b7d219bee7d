package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/logging"
)

func newTestQueue(t *testing.T, workers int) *Queue {
	t.Helper()
	q := NewQueue(QueueConfig{Workers: workers, Capacity: 64, DefaultAttempts: 3}, logging.Nop())
	q.jitter = func() float64 { return 0 }
	t.Cleanup(q.Close)
	return q
}

// recordSleeps makes retries instant and records requested delays.
func recordSleeps(q *Queue) *[]time.Duration {
	var mu sync.Mutex
	delays := []time.Duration{}
	q.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return &delays
}

func waitHandle(t *testing.T, h *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("work item did not finish")
	}
	return err
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt, 0); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	jittered := Backoff{Base: time.Second, Jitter: 0.5}
	if got := jittered.Delay(1, 1); got != 500*time.Millisecond {
		t.Errorf("jittered Delay = %v, want 500ms", got)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad request")
	err := Permanent(base)

	if !IsPermanent(err) {
		t.Error("IsPermanent should be true")
	}
	if !errors.Is(err, base) {
		t.Error("Permanent should unwrap to the original error")
	}
	if IsPermanent(base) {
		t.Error("plain error should not be permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestQueue_Success(t *testing.T) {
	q := newTestQueue(t, 2)

	var ran atomic.Bool
	h, err := q.Enqueue(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, Constraints{Tag: TagEventDispatch, Essential: true})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if h.ID() == "" {
		t.Error("handle should have an id")
	}

	if err := waitHandle(t, h); err != nil {
		t.Errorf("Wait = %v, want nil", err)
	}
	if !ran.Load() {
		t.Error("work did not run")
	}
	if h.Attempts() != 1 {
		t.Errorf("Attempts = %d, want 1", h.Attempts())
	}
	if s := q.Stats(); s.Succeeded != 1 || s.Pending != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	q := newTestQueue(t, 1)
	delays := recordSleeps(q)

	var calls atomic.Int32
	h, _ := q.Enqueue(func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("offline")
		}
		return nil
	}, Constraints{MaxAttempts: 3, Backoff: Backoff{Base: 100 * time.Millisecond, Max: time.Second}})

	if err := waitHandle(t, h); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], want[i])
		}
	}
	if q.Stats().Retries != 2 {
		t.Errorf("Retries = %d, want 2", q.Stats().Retries)
	}
}

func TestQueue_ExhaustsAttempts(t *testing.T) {
	q := newTestQueue(t, 1)
	recordSleeps(q)

	transient := errors.New("offline")
	var calls atomic.Int32
	h, _ := q.Enqueue(func(ctx context.Context) error {
		calls.Add(1)
		return transient
	}, Constraints{MaxAttempts: 3})

	if err := waitHandle(t, h); !errors.Is(err, transient) {
		t.Errorf("Wait = %v, want %v", err, transient)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}

	// A dropped item must not block the next one.
	next, _ := q.Enqueue(func(ctx context.Context) error { return nil }, Constraints{})
	if err := waitHandle(t, next); err != nil {
		t.Errorf("next item: %v", err)
	}
	if s := q.Stats(); s.Failed != 1 || s.Succeeded != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestQueue_PermanentStopsRetries(t *testing.T) {
	q := newTestQueue(t, 1)
	recordSleeps(q)

	var calls atomic.Int32
	h, _ := q.Enqueue(func(ctx context.Context) error {
		calls.Add(1)
		return Permanent(errors.New("rejected"))
	}, Constraints{MaxAttempts: 5})

	waitHandle(t, h)
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestQueue_PanicIsContained(t *testing.T) {
	q := newTestQueue(t, 1)

	h, _ := q.Enqueue(func(ctx context.Context) error { panic("boom") }, Constraints{MaxAttempts: 3})
	if err := waitHandle(t, h); err == nil {
		t.Error("panicking work should finish with an error")
	}
	if h.Attempts() != 1 {
		t.Errorf("Attempts = %d, want 1", h.Attempts())
	}
}

// blockingItem enqueues work that waits for ctx cancellation.
func blockingItem(t *testing.T, q *Queue, c Constraints, started chan<- struct{}) *Handle {
	t.Helper()
	h, err := q.Enqueue(func(ctx context.Context) error {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return ctx.Err()
	}, c)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return h
}

func TestQueue_CancelTag(t *testing.T) {
	q := newTestQueue(t, 4)
	started := make(chan struct{}, 4)

	maint := blockingItem(t, q, Constraints{Tag: TagMaintenance}, started)
	dispatch := blockingItem(t, q, Constraints{Tag: TagEventDispatch, Essential: true}, started)
	<-started
	<-started

	if n := q.CancelTag(TagMaintenance); n != 1 {
		t.Errorf("CancelTag = %d, want 1", n)
	}
	if err := waitHandle(t, maint); !errors.Is(err, ErrCancelled) {
		t.Errorf("maintenance item err = %v, want ErrCancelled", err)
	}

	select {
	case <-dispatch.Done():
		t.Error("dispatch item should still be running")
	default:
	}
	dispatch.Cancel()
	waitHandle(t, dispatch)
}

func TestQueue_CancelNonEssentialAndAll(t *testing.T) {
	q := newTestQueue(t, 4)
	started := make(chan struct{}, 4)

	essential := blockingItem(t, q, Constraints{Tag: TagEventDispatch, Essential: true}, started)
	optional := blockingItem(t, q, Constraints{Tag: TagMaintenance}, started)
	<-started
	<-started

	if n := q.CancelNonEssential(); n != 1 {
		t.Errorf("CancelNonEssential = %d, want 1", n)
	}
	waitHandle(t, optional)

	if n := q.CancelAll(); n != 1 {
		t.Errorf("CancelAll = %d, want 1", n)
	}
	if err := waitHandle(t, essential); !errors.Is(err, ErrCancelled) {
		t.Errorf("essential err = %v, want ErrCancelled", err)
	}
	if s := q.Stats(); s.Cancelled != 2 {
		t.Errorf("Cancelled = %d, want 2", s.Cancelled)
	}
}

func TestQueue_CancelledWhileQueued(t *testing.T) {
	q := newTestQueue(t, 1)
	started := make(chan struct{}, 1)

	blocker := blockingItem(t, q, Constraints{}, started)
	<-started

	var ran atomic.Bool
	queued, _ := q.Enqueue(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, Constraints{Tag: TagMaintenance})

	q.CancelTag(TagMaintenance)
	blocker.Cancel()

	if err := waitHandle(t, queued); !errors.Is(err, ErrCancelled) {
		t.Errorf("queued err = %v, want ErrCancelled", err)
	}
	if ran.Load() {
		t.Error("cancelled item should never run")
	}
}

func TestQueue_Full(t *testing.T) {
	q := NewQueue(QueueConfig{Workers: 1, Capacity: 1}, logging.Nop())
	defer q.Close()
	started := make(chan struct{}, 1)

	blocker := blockingItem(t, q, Constraints{}, started)
	<-started
	blockingItem(t, q, Constraints{}, nil)

	if _, err := q.Enqueue(func(ctx context.Context) error { return nil }, Constraints{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue = %v, want ErrQueueFull", err)
	}
	blocker.Cancel()
}

func TestQueue_Closed(t *testing.T) {
	q := NewQueue(DefaultQueueConfig(), logging.Nop())
	q.Close()
	q.Close()

	if _, err := q.Enqueue(func(ctx context.Context) error { return nil }, Constraints{}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrQueueClosed", err)
	}
	if _, err := q.Enqueue(nil, Constraints{}); err == nil {
		t.Error("nil work should be rejected")
	}
}
