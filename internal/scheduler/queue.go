package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trilliondigital/near-me-sub005/internal/logging"
)

// Queue errors
var (
	ErrQueueClosed = errors.New("work queue closed")
	ErrQueueFull   = errors.New("work queue full")
	ErrCancelled   = errors.New("work item cancelled")
)

// permanentError marks a failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue gives up after the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff is an exponential backoff policy with jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter is the fraction of each delay that is randomised, 0..1.
	Jitter float64
}

// DefaultBackoff returns the policy used for dispatch retries.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 30 * time.Second, Jitter: 0.5}
}

// Delay returns the wait after the given failed attempt (1-based). r is in [0,1).
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		j := math.Min(b.Jitter, 1)
		d -= d * j * r
	}
	return time.Duration(d)
}

// Constraints control how a work item is retried and cancelled.
type Constraints struct {
	Tag string
	// Essential items survive CancelNonEssential.
	Essential   bool
	MaxAttempts int
	Backoff     Backoff
	// Timeout bounds each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
}

// WorkFunc is a unit of background work.
type WorkFunc func(ctx context.Context) error

// Handle tracks one enqueued item.
type Handle struct {
	id        string
	tag       string
	essential bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	err      error
	attempts int
}

// ID returns the item id
func (h *Handle) ID() string { return h.id }

// Tag returns the item tag
func (h *Handle) Tag() string { return h.tag }

// Done is closed when the item succeeds, exhausts retries or is cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops the item. Already finished items are unaffected.
func (h *Handle) Cancel() { h.cancel() }

// Err returns the final error once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Attempts returns how many times the work function ran.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// Wait blocks until the item finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type item struct {
	handle      *Handle
	work        WorkFunc
	constraints Constraints
}

// QueueConfig configures a Queue
type QueueConfig struct {
	Workers  int
	Capacity int
	// DefaultAttempts applies when an item leaves MaxAttempts unset.
	DefaultAttempts int
}

// DefaultQueueConfig returns default configuration
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:         4,
		Capacity:        1024,
		DefaultAttempts: 3,
	}
}

// QueueStats counts queue outcomes
type QueueStats struct {
	Enqueued  int64 `json:"enqueued"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Retries   int64 `json:"retries"`
	Pending   int   `json:"pending"`
}

// Queue is a worker pool with bounded retries and cancel-by-tag.
type Queue struct {
	cfg    QueueConfig
	items  chan *item
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]*Handle
	stats   QueueStats
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sleep and jitter are replaced in tests
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewQueue creates a queue and starts its workers
func NewQueue(cfg QueueConfig, logger *logging.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultQueueConfig().Capacity
	}
	if cfg.DefaultAttempts <= 0 {
		cfg.DefaultAttempts = 1
	}
	if logger == nil {
		logger = logging.WithField("component", "queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:     cfg,
		items:   make(chan *item, cfg.Capacity),
		logger:  logger,
		pending: make(map[string]*Handle),
		ctx:     ctx,
		cancel:  cancel,
		sleep:   sleepContext,
		jitter:  rand.Float64,
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

// Enqueue schedules work. It never blocks; a full queue returns ErrQueueFull.
func (q *Queue) Enqueue(work WorkFunc, c Constraints) (*Handle, error) {
	if work == nil {
		return nil, fmt.Errorf("work function is required")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = q.cfg.DefaultAttempts
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	ctx, cancel := context.WithCancel(q.ctx)
	h := &Handle{
		id:        uuid.New().String(),
		tag:       c.Tag,
		essential: c.Essential,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	select {
	case q.items <- &item{handle: h, work: work, constraints: c}:
	default:
		cancel()
		return nil, ErrQueueFull
	}

	q.pending[h.id] = h
	q.stats.Enqueued++
	return h, nil
}

// CancelTag cancels every pending or running item with the given tag.
func (q *Queue) CancelTag(tag string) int {
	return q.cancelWhere(func(h *Handle) bool { return h.tag == tag })
}

// CancelNonEssential cancels every item not marked Essential.
func (q *Queue) CancelNonEssential() int {
	return q.cancelWhere(func(h *Handle) bool { return !h.essential })
}

// CancelAll cancels every pending or running item.
func (q *Queue) CancelAll() int {
	return q.cancelWhere(func(*Handle) bool { return true })
}

func (q *Queue) cancelWhere(match func(*Handle) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, h := range q.pending {
		if match(h) && h.ctx.Err() == nil {
			h.cancel()
			n++
		}
	}
	return n
}

// Stats returns a snapshot of queue counters
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.pending)
	return s
}

// Close cancels outstanding work and waits for the workers to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.items)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for it := range q.items {
		q.run(it)
	}
}

func (q *Queue) run(it *item) {
	h := it.handle
	c := it.constraints
	var err error

	for attempt := 1; ; attempt++ {
		if h.ctx.Err() != nil {
			err = ErrCancelled
			break
		}

		h.mu.Lock()
		h.attempts = attempt
		h.mu.Unlock()

		err = q.attempt(h.ctx, it.work, c.Timeout)
		if err == nil {
			break
		}
		if h.ctx.Err() != nil {
			err = ErrCancelled
			break
		}
		if IsPermanent(err) || attempt >= c.MaxAttempts {
			break
		}

		q.mu.Lock()
		q.stats.Retries++
		q.mu.Unlock()

		delay := c.Backoff.Delay(attempt, q.jitter())
		q.logger.WithFields(map[string]interface{}{
			"item":    h.id,
			"tag":     h.tag,
			"attempt": attempt,
		}).Debug("Retrying in %v: %v", delay, err)

		if q.sleep(h.ctx, delay) != nil {
			err = ErrCancelled
			break
		}
	}

	q.finish(h, err, c.MaxAttempts)
}

func (q *Queue) attempt(ctx context.Context, work WorkFunc, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("work panicked: %v", r))
		}
	}()
	return work(ctx)
}

func (q *Queue) finish(h *Handle, err error, maxAttempts int) {
	h.mu.Lock()
	h.err = err
	attempts := h.attempts
	h.mu.Unlock()

	q.mu.Lock()
	delete(q.pending, h.id)
	switch {
	case err == nil:
		q.stats.Succeeded++
	case errors.Is(err, ErrCancelled):
		q.stats.Cancelled++
	default:
		q.stats.Failed++
	}
	q.mu.Unlock()

	if err != nil && !errors.Is(err, ErrCancelled) {
		q.logger.WithFields(map[string]interface{}{
			"item":     h.id,
			"tag":      h.tag,
			"attempts": fmt.Sprintf("%d/%d", attempts, maxAttempts),
		}).Warn("Dropping work item: %v", err)
	}

	h.cancel()
	close(h.done)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
