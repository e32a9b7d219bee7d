// Package scheduler provides periodic jobs and the bounded-retry background work queue.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/logging"
)

// Well-known tags shared by the scheduler and the queue.
const (
	TagEventDispatch = "event_dispatch"
	TagOptimization  = "optimization"
	TagMaintenance   = "maintenance"
)

// Scheduler runs periodic jobs such as optimization analysis and metrics persistence
type Scheduler struct {
	jobs    map[string]*Job
	running map[string]context.CancelFunc
	mu      sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	logger  *logging.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.WithField("component", "scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		jobs:    make(map[string]*Job),
		running: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Job is a periodic unit of work
type Job struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Tag        string        `json:"tag"`
	Schedule   Schedule      `json:"schedule"`
	Handler    JobHandler    `json:"-"`
	Enabled    bool          `json:"enabled"`
	Suspended  bool          `json:"suspended"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	RunCount   int64         `json:"run_count"`
	ErrorCount int64         `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	Timeout    time.Duration `json:"timeout"`
}

// JobHandler is the function executed for a job
type JobHandler func(ctx context.Context) error

// Schedule defines when a job runs
type Schedule struct {
	Type     ScheduleType  `json:"type"`
	Interval time.Duration `json:"interval,omitempty"` // For interval schedules
	At       time.Time     `json:"at,omitempty"`       // For once schedules
}

// ScheduleType represents the type of schedule
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval" // Run every X duration
	ScheduleOnce     ScheduleType = "once"     // Run once at specific time
)

// Register adds a job to the scheduler
func (s *Scheduler) Register(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if job.Handler == nil {
		return fmt.Errorf("job handler is required")
	}

	if job.Schedule.Type == ScheduleInterval && job.Schedule.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.ID)
	}

	if job.Timeout == 0 {
		job.Timeout = 5 * time.Minute
	}

	// Replacing a job stops the old loop first
	if cancel, ok := s.running[job.ID]; ok {
		cancel()
		delete(s.running, job.ID)
	}

	job.CreatedAt = time.Now()
	job.Enabled = true

	nextRun := s.calculateNextRun(job.Schedule)
	job.NextRun = &nextRun

	s.jobs[job.ID] = job

	if s.started {
		s.startJob(job)
	}

	return nil
}

// Unregister removes a job from the scheduler
func (s *Scheduler) Unregister(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.running[jobID]; ok {
		cancel()
		delete(s.running, jobID)
	}

	delete(s.jobs, jobID)
	return nil
}

// Enable enables a job
func (s *Scheduler) Enable(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}

	job.Enabled = true
	if s.started {
		s.startJob(job)
	}

	return nil
}

// Disable disables a job
func (s *Scheduler) Disable(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}

	job.Enabled = false
	s.stopJob(jobID)

	return nil
}

// SuspendTag stops every job carrying tag until ResumeTag. Returns how many were suspended.
func (s *Scheduler) SuspendTag(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, job := range s.jobs {
		if job.Tag != tag || job.Suspended {
			continue
		}
		job.Suspended = true
		s.stopJob(id)
		n++
	}
	if n > 0 {
		s.logger.WithField("tag", tag).Info("Suspended %d jobs", n)
	}
	return n
}

// ResumeTag restarts jobs suspended by SuspendTag.
func (s *Scheduler) ResumeTag(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.Tag != tag || !job.Suspended {
			continue
		}
		job.Suspended = false
		if s.started {
			s.startJob(job)
		}
		n++
	}
	return n
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	s.started = true

	for _, job := range s.jobs {
		s.startJob(job)
	}

	return nil
}

// Stop stops the scheduler and waits for running handlers to return
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}

	s.cancel()
	for _, cancel := range s.running {
		cancel()
	}
	s.running = make(map[string]context.CancelFunc)
	s.started = false

	// Create new context for potential restart
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	// Loops take the read lock, so wait outside the write lock
	s.wg.Wait()
	return nil
}

// startJob starts a single job loop. Caller holds s.mu.
func (s *Scheduler) startJob(job *Job) {
	if !job.Enabled || job.Suspended {
		return
	}
	if _, ok := s.running[job.ID]; ok {
		return
	}

	jobCtx, cancel := context.WithCancel(s.ctx)
	s.running[job.ID] = cancel

	s.wg.Add(1)
	go s.runJobLoop(jobCtx, job)
}

// stopJob cancels a running loop. Caller holds s.mu.
func (s *Scheduler) stopJob(jobID string) {
	if cancel, ok := s.running[jobID]; ok {
		cancel()
		delete(s.running, jobID)
	}
}

// runJobLoop is the main loop for a job
func (s *Scheduler) runJobLoop(ctx context.Context, job *Job) {
	defer s.wg.Done()

	for {
		var waitDuration time.Duration

		s.mu.RLock()
		if job.NextRun != nil {
			waitDuration = time.Until(*job.NextRun)
		} else {
			waitDuration = time.Until(s.calculateNextRun(job.Schedule))
		}
		s.mu.RUnlock()

		if waitDuration < 0 {
			waitDuration = 0
		}

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.executeJob(ctx, job)
		}

		if job.Schedule.Type == ScheduleOnce {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
			return
		}
	}
}

// executeJob executes a single job
func (s *Scheduler) executeJob(ctx context.Context, job *Job) {
	execCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	now := time.Now()
	s.mu.Lock()
	job.LastRun = &now
	job.RunCount++
	s.mu.Unlock()

	err := s.invoke(execCtx, job)

	s.mu.Lock()
	if err != nil {
		job.ErrorCount++
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}

	nextRun := s.calculateNextRun(job.Schedule)
	job.NextRun = &nextRun
	s.mu.Unlock()

	if err != nil {
		s.logger.WithField("job", job.ID).Warn("Job failed: %v", err)
	}
}

func (s *Scheduler) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return job.Handler(ctx)
}

// calculateNextRun calculates the next run time for a schedule
func (s *Scheduler) calculateNextRun(schedule Schedule) time.Time {
	now := time.Now()

	switch schedule.Type {
	case ScheduleInterval:
		return now.Add(schedule.Interval)
	case ScheduleOnce:
		if schedule.At.IsZero() {
			return now
		}
		return schedule.At
	default:
		return now.Add(time.Hour)
	}
}

// RunNow executes a job immediately
func (s *Scheduler) RunNow(jobID string) error {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	ctx := s.ctx
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(ctx, job)
	}()
	return nil
}

// GetJob returns a copy of a job by ID
func (s *Scheduler) GetJob(jobID string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// ListJobs returns copies of all jobs
func (s *Scheduler) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	return jobs
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Started:     s.started,
		TotalJobs:   len(s.jobs),
		RunningJobs: len(s.running),
	}

	for _, job := range s.jobs {
		if job.Enabled {
			stats.EnabledJobs++
		}
		if job.Suspended {
			stats.SuspendedJobs++
		}
		stats.TotalRuns += job.RunCount
		stats.TotalErrors += job.ErrorCount
	}

	return stats
}

// Stats contains scheduler statistics
type Stats struct {
	Started       bool  `json:"started"`
	TotalJobs     int   `json:"total_jobs"`
	EnabledJobs   int   `json:"enabled_jobs"`
	SuspendedJobs int   `json:"suspended_jobs"`
	RunningJobs   int   `json:"running_jobs"`
	TotalRuns     int64 `json:"total_runs"`
	TotalErrors   int64 `json:"total_errors"`
}

// JobBuilder provides fluent API for building jobs
type JobBuilder struct {
	job *Job
}

// NewJob creates a new job builder
func NewJob(id string) *JobBuilder {
	return &JobBuilder{
		job: &Job{
			ID:      id,
			Timeout: 5 * time.Minute,
		},
	}
}

// Name sets the job name
func (b *JobBuilder) Name(name string) *JobBuilder {
	b.job.Name = name
	return b
}

// Tag sets the job tag used by SuspendTag
func (b *JobBuilder) Tag(tag string) *JobBuilder {
	b.job.Tag = tag
	return b
}

// Every sets an interval schedule
func (b *JobBuilder) Every(interval time.Duration) *JobBuilder {
	b.job.Schedule = Schedule{Type: ScheduleInterval, Interval: interval}
	return b
}

// Once sets a one-time schedule
func (b *JobBuilder) Once(at time.Time) *JobBuilder {
	b.job.Schedule = Schedule{Type: ScheduleOnce, At: at}
	return b
}

// Timeout sets the job timeout
func (b *JobBuilder) Timeout(timeout time.Duration) *JobBuilder {
	b.job.Timeout = timeout
	return b
}

// Handler sets the job handler
func (b *JobBuilder) Handler(handler JobHandler) *JobBuilder {
	b.job.Handler = handler
	return b
}

// Build returns the constructed job
func (b *JobBuilder) Build() *Job {
	return b.job
}
