// Package monitor wires the geofence core together: it owns the registry,
// debouncer, metrics tracker, optimization controller, event processor and
// work queue, and drives them from the location provider's event channel.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trilliondigital/near-me-sub005/internal/battery"
	"github.com/trilliondigital/near-me-sub005/internal/config"
	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/geofence"
	"github.com/trilliondigital/near-me-sub005/internal/location"
	"github.com/trilliondigital/near-me-sub005/internal/logging"
	"github.com/trilliondigital/near-me-sub005/internal/optimization"
	"github.com/trilliondigital/near-me-sub005/internal/processor"
	"github.com/trilliondigital/near-me-sub005/internal/scheduler"
	"github.com/trilliondigital/near-me-sub005/internal/storage"
)

// ErrStopped is returned when starting a monitor that was already stopped.
var ErrStopped = errors.New("monitor stopped")

// Config configures a Monitor
type Config struct {
	Registry     geofence.RegistryConfig
	Cooldown     time.Duration
	Battery      battery.Config
	Optimization optimization.Config
	Processor    processor.Config
	Queue        scheduler.QueueConfig

	// BatchWindow collects transitions arriving together before bundling.
	// Zero processes each transition on its own.
	BatchWindow      time.Duration
	AnalysisInterval time.Duration
	PersistInterval  time.Duration

	// Permissions gates geofence registration. Nil means always allowed.
	Permissions geofence.PermissionGate
	Now         func() time.Time
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Registry:         geofence.DefaultRegistryConfig(),
		Cooldown:         30 * time.Second,
		Battery:          battery.DefaultConfig(),
		Optimization:     optimization.DefaultConfig(),
		Processor:        processor.DefaultConfig(),
		Queue:            scheduler.DefaultQueueConfig(),
		BatchWindow:      250 * time.Millisecond,
		AnalysisInterval: 15 * time.Minute,
		PersistInterval:  5 * time.Minute,
		Now:              time.Now,
	}
}

// FromConfig maps the daemon configuration onto monitor settings.
func FromConfig(cfg *config.Config) (Config, error) {
	c := DefaultConfig()

	level, err := optimization.ParseLevel(cfg.Optimization.InitialLevel)
	if err != nil {
		return c, fmt.Errorf("optimization.initial_level: %w", err)
	}

	c.Optimization.Initial = level
	c.Optimization.DailyTarget = cfg.Battery.DailyTargetPercent
	c.Optimization.PlatformCapacity = cfg.Registry.PlatformCapacity
	c.Optimization.StepDownCooldown = cfg.Optimization.StepDownCooldown()

	c.Registry.Capacity = level.Settings().MaxGeofences
	c.Registry.OpTimeout = cfg.Registry.RegistrationTimeout()
	c.Cooldown = cfg.Debounce.EnterCooldown()

	c.Battery.DailyTarget = cfg.Battery.DailyTargetPercent
	c.Battery.MinDrainWindow = cfg.Battery.MinDrainWindow()

	c.Processor.MaxAttempts = cfg.Processor.MaxAttempts
	c.Processor.Backoff.Base = cfg.Processor.BackoffBase()
	c.Processor.Backoff.Max = cfg.Processor.BackoffMax()
	c.Processor.DispatchTimeout = cfg.Processor.DispatchTimeout()
	c.BatchWindow = cfg.Processor.BatchWindow()

	c.Queue.Workers = cfg.Queue.Workers
	c.Queue.DefaultAttempts = cfg.Processor.MaxAttempts

	c.AnalysisInterval = cfg.Optimization.AnalysisInterval()
	c.PersistInterval = cfg.Optimization.PersistInterval()
	return c, nil
}

// EventStats counts provider events by kind
type EventStats struct {
	Transitions int64 `json:"transitions"`
	Debounced   int64 `json:"debounced"`
	Samples     int64 `json:"samples"`
	Battery     int64 `json:"battery"`
	Failures    int64 `json:"failures"`
	Lifecycle   int64 `json:"lifecycle"`
	Batches     int64 `json:"batches"`
	Panics      int64 `json:"panics"`
}

// Status is a snapshot of the whole core for display
type Status struct {
	Running       bool                      `json:"running"`
	Foreground    bool                      `json:"foreground"`
	Optimization  optimization.Status       `json:"optimization"`
	Metrics       battery.Metrics           `json:"metrics"`
	WithinTarget  bool                      `json:"within_target"`
	Registry      geofence.RegistryStats    `json:"registry"`
	Debounce      geofence.DebouncerStats   `json:"debounce"`
	Processor     processor.Stats           `json:"processor"`
	Queue         scheduler.QueueStats      `json:"queue"`
	Events        EventStats                `json:"events"`
	ActiveTasks   []string                  `json:"active_tasks"`
	LastReconcile *geofence.ReconcileResult `json:"last_reconcile,omitempty"`
}

// Monitor is the composition root of the geofence core.
type Monitor struct {
	cfg      Config
	provider location.Provider
	logger   *logging.Logger

	registry   *geofence.Registry
	debouncer  *geofence.Debouncer
	reconciler *geofence.Reconciler
	tracker    *battery.Tracker
	controller *optimization.Controller
	processor  *processor.Processor
	queue      *scheduler.Queue
	scheduler  *scheduler.Scheduler
	work       *workControl

	snapshots *storage.MetricsStore
	tasks     *storage.TaskStore

	mu            sync.Mutex
	running       bool
	stopped       bool
	foreground    bool
	active        map[string]struct{}
	events        EventStats
	lastReconcile *geofence.ReconcileResult

	persistCh chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a monitor over provider. Reminders go to dispatcher; task places
// and the metrics snapshot live in db.
func New(cfg Config, provider location.Provider, dispatcher processor.Dispatcher, db *storage.DB, logger *logging.Logger) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = DefaultConfig().AnalysisInterval
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = DefaultConfig().PersistInterval
	}
	if logger == nil {
		logger = logging.WithField("component", "monitor")
	}

	m := &Monitor{
		cfg:        cfg,
		provider:   provider,
		logger:     logger,
		snapshots:  storage.NewMetricsStore(db),
		tasks:      storage.NewTaskStore(db),
		foreground: true,
		active:     make(map[string]struct{}),
		persistCh:  make(chan struct{}, 1),
	}

	m.debouncer = geofence.NewDebouncer(cfg.Cooldown, cfg.Now)
	m.registry = geofence.NewRegistry(cfg.Registry, provider, cfg.Permissions, m.debouncer,
		logger.WithField("component", "registry"))
	m.reconciler = geofence.NewReconciler(m.registry, provider, logger.WithField("component", "reconciler"))

	cfg.Battery.Now = cfg.Now
	m.tracker = battery.NewTracker(cfg.Battery, logger.WithField("component", "battery"))

	m.queue = scheduler.NewQueue(cfg.Queue, logger.WithField("component", "queue"))
	m.scheduler = scheduler.NewScheduler(logger.WithField("component", "scheduler"))
	m.work = &workControl{queue: m.queue, scheduler: m.scheduler}

	oc := cfg.Optimization
	oc.Now = cfg.Now
	oc.OnTransition = m.onTransition
	m.controller = optimization.NewController(oc, provider, m.registry, m.work,
		logger.WithField("component", "optimization"))

	m.processor = processor.New(cfg.Processor, m.registry, dispatcher, m.queue,
		logger.WithField("component", "processor"))

	m.tracker.SetObserver(func(metrics battery.Metrics) {
		m.controller.AnalyzeAndOptimize(m.context(), metrics)
	})

	return m
}

// Start restores the persisted snapshot, pushes the current level's settings,
// re-activates the tasks that were active and starts the event loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	m.mu.Unlock()

	active := m.restore(ctx)
	m.controller.Apply(ctx)

	if err := m.schedule(); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.cancel()
		return err
	}
	if !m.controller.Current().Settings().BackgroundProcessing {
		m.work.PauseNonEssential()
	}

	m.wg.Add(2)
	go m.loop()
	go m.persister()

	for _, taskID := range active {
		if _, err := m.ActivateTask(ctx, taskID); err != nil {
			m.logger.WithField("task", taskID).Warn("Failed to restore task: %v", err)
		}
	}

	m.logger.WithFields(map[string]interface{}{
		"level":     m.controller.Current(),
		"geofences": m.registry.Size(),
	}).Info("Monitor started")
	return nil
}

func (m *Monitor) schedule() error {
	if err := m.controller.Schedule(m.scheduler, m.tracker, m.cfg.AnalysisInterval); err != nil {
		return fmt.Errorf("schedule analysis: %w", err)
	}
	persist := scheduler.NewJob("metrics-persist").
		Name("Persist metrics snapshot").
		Tag(scheduler.TagMaintenance).
		Every(m.cfg.PersistInterval).
		Timeout(30 * time.Second).
		Handler(m.Persist).
		Build()
	if err := m.scheduler.Register(persist); err != nil {
		return fmt.Errorf("schedule persistence: %w", err)
	}
	if err := m.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	return nil
}

// ScheduleMaintenance runs fn every interval as maintenance work, which is
// suspended while the optimization level disallows background processing.
func (m *Monitor) ScheduleMaintenance(id, name string, every time.Duration, fn scheduler.JobHandler) error {
	job := scheduler.NewJob(id).
		Name(name).
		Tag(scheduler.TagMaintenance).
		Every(every).
		Timeout(time.Minute).
		Handler(fn).
		Build()
	if err := m.scheduler.Register(job); err != nil {
		return err
	}
	if !m.controller.Current().Settings().BackgroundProcessing {
		m.scheduler.SuspendTag(scheduler.TagMaintenance)
	}
	return nil
}

// Stop ends the event loop and the scheduler, persists the snapshot and
// closes the work queue.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.scheduler.Stop()

	err := m.Persist(ctx)
	m.queue.Close()

	m.logger.Info("Monitor stopped")
	return err
}

func (m *Monitor) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// ActivateTask loads the task's places and adds one geofence per tier,
// highest priority first. Every tier is attempted; the first failure is
// returned along with the geofences that were added. Re-activating a task
// replaces its geofences.
func (m *Monitor) ActivateTask(ctx context.Context, taskID string) ([]core.Geofence, error) {
	specs, err := m.tasks.GeofencesForTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load places for %s: %w", taskID, err)
	}

	m.registry.RemoveAllForTask(ctx, taskID)

	now := m.cfg.Now()
	var (
		added    []core.Geofence
		firstErr error
	)
	for _, spec := range specs {
		g := core.NewGeofence(uuid.New().String(), taskID, spec.Center, spec.Tier, now)
		if err := m.registry.Add(ctx, g); err != nil {
			m.logger.WithFields(map[string]interface{}{
				"task": taskID,
				"tier": spec.Tier,
			}).Warn("Failed to add geofence: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		added = append(added, g)
	}

	if len(added) > 0 {
		m.mu.Lock()
		m.active[taskID] = struct{}{}
		m.mu.Unlock()
		m.requestPersist()
		m.logger.WithField("task", taskID).Info("Activated %d of %d geofences", len(added), len(specs))
	}
	return added, firstErr
}

// DeactivateTask removes every geofence of the task, as when it is
// completed, muted or deleted.
func (m *Monitor) DeactivateTask(ctx context.Context, taskID string) int {
	removed := m.registry.RemoveAllForTask(ctx, taskID)

	m.mu.Lock()
	_, was := m.active[taskID]
	delete(m.active, taskID)
	m.mu.Unlock()

	if was || removed > 0 {
		m.requestPersist()
	}
	return removed
}

// DeleteTask deactivates the task and deletes its stored places.
func (m *Monitor) DeleteTask(ctx context.Context, taskID string) (int, error) {
	m.DeactivateTask(ctx, taskID)
	return m.tasks.DeleteTask(ctx, taskID)
}

// ActiveTasks returns the active task ids, sorted
func (m *Monitor) ActiveTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Monitor) activeLocked() []string {
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// OnResume marks the app foregrounded, restores geofences the OS dropped and
// re-analyses the current metrics.
func (m *Monitor) OnResume(ctx context.Context) (geofence.ReconcileResult, error) {
	m.mu.Lock()
	m.foreground = true
	m.mu.Unlock()

	res, err := m.reconciler.Reconcile(ctx)
	if err != nil {
		m.logger.Warn("Reconciliation failed: %v", err)
	} else {
		m.mu.Lock()
		m.lastReconcile = &res
		m.mu.Unlock()
	}

	m.controller.SetBackground(ctx, false, m.tracker.Metrics())
	return res, err
}

// OnBackground marks the app backgrounded. In-flight registrations are untouched.
func (m *Monitor) OnBackground(ctx context.Context) {
	m.mu.Lock()
	m.foreground = false
	m.mu.Unlock()

	m.controller.SetBackground(ctx, true, m.tracker.Metrics())
}

// ActivateEmergencyPowerSave forces Minimal until deactivated.
func (m *Monitor) ActivateEmergencyPowerSave(ctx context.Context) optimization.Transition {
	t := m.controller.ActivateEmergencyPowerSave(ctx)
	m.requestPersist()
	return t
}

// DeactivateEmergencyPowerSave lifts the emergency hold and re-analyses.
func (m *Monitor) DeactivateEmergencyPowerSave(ctx context.Context) (optimization.Transition, bool) {
	t, changed := m.controller.DeactivateEmergencyPowerSave(ctx, m.tracker.Metrics())
	m.requestPersist()
	return t, changed
}

// ResetMetrics clears the tracker and persists the empty snapshot.
func (m *Monitor) ResetMetrics(ctx context.Context) error {
	m.tracker.Reset()
	return m.Persist(ctx)
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

// Geofences returns the registered geofences, highest ranked first
func (m *Monitor) Geofences() []core.Geofence {
	return m.registry.Snapshot()
}

// Tasks returns the task place store
func (m *Monitor) Tasks() *storage.TaskStore {
	return m.tasks
}

// Status returns a snapshot of the core
func (m *Monitor) Status() Status {
	metrics := m.tracker.Metrics()

	m.mu.Lock()
	st := Status{
		Running:       m.running,
		Foreground:    m.foreground,
		Events:        m.events,
		ActiveTasks:   m.activeLocked(),
		LastReconcile: m.lastReconcile,
	}
	m.mu.Unlock()

	st.Optimization = m.controller.Status()
	st.Metrics = metrics
	st.WithinTarget = metrics.IsWithinTarget(m.tracker.Target())
	st.Registry = m.registry.Stats()
	st.Debounce = m.debouncer.Stats()
	st.Processor = m.processor.Stats()
	st.Queue = m.queue.Stats()
	return st
}
