package optimization

import (
	"context"
	"sync"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/battery"
	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/logging"
	"github.com/trilliondigital/near-me-sub005/internal/scheduler"
)

// Reasons attached to decisions and transitions
const (
	ReasonEmergencyFloor = "low power mode or battery at or below 10%"
	ReasonCharging       = "charging above 80%"
	ReasonLowBattery     = "battery at or below 20%"
	ReasonOverBudget     = "daily usage over target"
	ReasonHighUpdateRate = "more than 120 location updates per hour"
	ReasonDefault        = "default"
	ReasonEmergency      = "emergency power save"
	ReasonBackgroundCap  = "capped while in background"
	ReasonRestored       = "restored"
)

// Thresholds used by Decide
const (
	emergencyLevel     = 10
	chargingFullLevel  = 80
	lowBatteryLevel    = 20
	maxUpdatesPerHour  = 120
	defaultStepDownGap = 15 * time.Minute
)

// Decision is the outcome of the decision list
type Decision struct {
	Level    Level  `json:"level"`
	Reason   string `json:"reason"`
	StepDown bool   `json:"step_down"`
}

// Decide evaluates the ordered decision list; the first matching rule wins.
func Decide(m battery.Metrics, current Level, dailyTarget float64) Decision {
	switch {
	case m.IsLowPowerMode || m.BatteryLevel <= emergencyLevel:
		return Decision{Level: Minimal, Reason: ReasonEmergencyFloor}
	case m.IsCharging && m.BatteryLevel > chargingFullLevel:
		return Decision{Level: HighAccuracy, Reason: ReasonCharging}
	case m.BatteryLevel <= lowBatteryLevel:
		return Decision{Level: PowerSave, Reason: ReasonLowBattery}
	case m.DailyUsagePercent > dailyTarget:
		return Decision{Level: current.StepDown(), Reason: ReasonOverBudget, StepDown: true}
	case m.LocationUpdatesPerHour > maxUpdatesPerHour:
		return Decision{Level: PowerSave, Reason: ReasonHighUpdateRate}
	default:
		return Decision{Level: Balanced, Reason: ReasonDefault}
	}
}

// SamplingConfigurer receives the sampling hints of the current level.
type SamplingConfigurer interface {
	StartUpdates(ctx context.Context, interval time.Duration, accuracy core.Accuracy) error
}

// CapacitySetter receives the geofence capacity of the current level.
type CapacitySetter interface {
	SetCapacity(ctx context.Context, capacity int) []core.Geofence
}

// WorkControl pauses and cancels queued background work.
type WorkControl interface {
	PauseNonEssential() int
	ResumeNonEssential()
	CancelAll() int
}

// MetricsSource supplies metrics for periodic analysis.
type MetricsSource interface {
	Metrics() battery.Metrics
}

// Transition records a level change
type Transition struct {
	From   Level     `json:"from"`
	To     Level     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Status is a snapshot of the controller
type Status struct {
	Level       Level     `json:"level"`
	Settings    Settings  `json:"settings"`
	Capacity    int       `json:"capacity"`
	Emergency   bool      `json:"emergency"`
	Background  bool      `json:"background"`
	Transitions int64     `json:"transitions"`
	LastReason  string    `json:"last_reason,omitempty"`
	LastChange  time.Time `json:"last_change,omitempty"`
}

// Config configures a Controller
type Config struct {
	Initial          Level
	DailyTarget      float64
	PlatformCapacity int
	StepDownCooldown time.Duration
	Now              func() time.Time
	// OnTransition runs under the controller lock after a change is applied.
	// It must not call back into the controller.
	OnTransition func(Transition)
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Initial:          Balanced,
		DailyTarget:      battery.DefaultDailyTarget,
		PlatformCapacity: 20,
		StepDownCooldown: defaultStepDownGap,
		Now:              time.Now,
	}
}

// Controller is the optimization state machine. It is the only writer of the current level.
type Controller struct {
	mu           sync.Mutex
	current      Level
	emergency    bool
	background   bool
	lastStepDown time.Time
	transitions  int64
	lastReason   string
	lastChange   time.Time

	cfg      Config
	sampling SamplingConfigurer
	capacity CapacitySetter
	work     WorkControl
	logger   *logging.Logger
}

// NewController creates a controller. Any collaborator may be nil.
func NewController(cfg Config, sampling SamplingConfigurer, capacity CapacitySetter, work WorkControl, logger *logging.Logger) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DailyTarget <= 0 {
		cfg.DailyTarget = battery.DefaultDailyTarget
	}
	if cfg.PlatformCapacity <= 0 {
		cfg.PlatformCapacity = DefaultConfig().PlatformCapacity
	}
	if !cfg.Initial.Valid() {
		cfg.Initial = Balanced
	}
	if logger == nil {
		logger = logging.WithField("component", "optimization")
	}
	return &Controller{
		current:  cfg.Initial,
		cfg:      cfg,
		sampling: sampling,
		capacity: capacity,
		work:     work,
		logger:   logger,
	}
}

// Decide runs the decision list against the current level.
func (c *Controller) Decide(m battery.Metrics) Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Decide(m, c.current, c.cfg.DailyTarget).Level
}

// Apply pushes the current level's settings without a transition. Used at start.
func (c *Controller) Apply(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.push(ctx, c.current.Settings())
}

// AnalyzeAndOptimize decides a level for m and applies it if it differs from
// the current one. Re-entering the current level is a no-op.
func (c *Controller) AnalyzeAndOptimize(ctx context.Context, m battery.Metrics) (Transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.emergency {
		return Transition{}, false
	}

	now := c.cfg.Now()
	d := Decide(m, c.current, c.cfg.DailyTarget)

	if d.StepDown && d.Level != c.current && !c.lastStepDown.IsZero() &&
		now.Sub(c.lastStepDown) < c.cfg.StepDownCooldown {
		return Transition{}, false
	}

	if c.background && d.Level == HighAccuracy {
		d = Decision{Level: Balanced, Reason: ReasonBackgroundCap}
	}

	if d.Level == c.current {
		return Transition{}, false
	}

	if d.StepDown {
		c.lastStepDown = now
	}
	return c.transition(ctx, d.Level, d.Reason, now), true
}

// transition applies level. Caller holds c.mu.
func (c *Controller) transition(ctx context.Context, to Level, reason string, now time.Time) Transition {
	from := c.current
	before := from.Settings()
	after := to.Settings()

	c.current = to
	c.transitions++
	c.lastReason = reason
	c.lastChange = now

	c.logger.WithFields(map[string]interface{}{
		"from": from,
		"to":   to,
	}).Info("Optimization level changed: %s", reason)

	c.push(ctx, after)

	if c.work != nil {
		switch {
		case before.BackgroundProcessing && !after.BackgroundProcessing:
			if n := c.work.PauseNonEssential(); n > 0 {
				c.logger.Info("Cancelled %d non-essential work items", n)
			}
		case !before.BackgroundProcessing && after.BackgroundProcessing:
			c.work.ResumeNonEssential()
		}
	}

	t := Transition{From: from, To: to, Reason: reason, At: now}
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(t)
	}
	return t
}

// push sends settings to the provider and the registry. Caller holds c.mu.
func (c *Controller) push(ctx context.Context, s Settings) {
	if c.sampling != nil {
		if err := c.sampling.StartUpdates(ctx, s.SamplingInterval, s.Accuracy); err != nil {
			c.logger.Warn("Failed to reconfigure location updates: %v", err)
		}
	}
	if c.capacity != nil {
		if evicted := c.capacity.SetCapacity(ctx, c.capacityFor(s)); len(evicted) > 0 {
			c.logger.Info("Capacity change evicted %d geofences", len(evicted))
		}
	}
}

func (c *Controller) capacityFor(s Settings) int {
	if s.MaxGeofences > c.cfg.PlatformCapacity {
		return c.cfg.PlatformCapacity
	}
	return s.MaxGeofences
}

// ActivateEmergencyPowerSave forces Minimal and cancels all queued work,
// bypassing the decision list. It stays active until deactivated.
func (c *Controller) ActivateEmergencyPowerSave(ctx context.Context) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	c.emergency = true

	var t Transition
	if c.current != Minimal {
		t = c.transition(ctx, Minimal, ReasonEmergency, now)
	} else {
		t = Transition{From: Minimal, To: Minimal, Reason: ReasonEmergency, At: now}
	}

	cancelled := 0
	if c.work != nil {
		cancelled = c.work.CancelAll()
	}
	c.logger.Warn("Emergency power save active, cancelled %d work items", cancelled)
	return t
}

// DeactivateEmergencyPowerSave lifts the emergency hold and re-analyses m.
func (c *Controller) DeactivateEmergencyPowerSave(ctx context.Context, m battery.Metrics) (Transition, bool) {
	c.mu.Lock()
	if !c.emergency {
		c.mu.Unlock()
		return Transition{}, false
	}
	c.emergency = false
	c.mu.Unlock()

	c.logger.Info("Emergency power save lifted")
	return c.AnalyzeAndOptimize(ctx, m)
}

// SetBackground records app visibility and re-analyses m. Backgrounding
// caps the level at Balanced; it never touches in-flight registrations.
func (c *Controller) SetBackground(ctx context.Context, background bool, m battery.Metrics) (Transition, bool) {
	c.mu.Lock()
	c.background = background
	c.mu.Unlock()
	return c.AnalyzeAndOptimize(ctx, m)
}

// Restore sets the persisted level and emergency flag without side effects.
// Call Apply afterwards to push the settings.
func (c *Controller) Restore(level Level, emergency bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if level.Valid() {
		c.current = level
		c.lastReason = ReasonRestored
	}
	c.emergency = emergency
}

// Schedule registers periodic analysis on s.
func (c *Controller) Schedule(s *scheduler.Scheduler, src MetricsSource, every time.Duration) error {
	job := scheduler.NewJob("optimization-analysis").
		Name("Optimization analysis").
		Tag(scheduler.TagOptimization).
		Every(every).
		Timeout(time.Minute).
		Handler(func(ctx context.Context) error {
			c.AnalyzeAndOptimize(ctx, src.Metrics())
			return nil
		}).
		Build()
	return s.Register(job)
}

// Current returns the current level
func (c *Controller) Current() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Emergency reports whether emergency power save is active
func (c *Controller) Emergency() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emergency
}

// Status returns a snapshot of the controller
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current.Settings()
	return Status{
		Level:       c.current,
		Settings:    s,
		Capacity:    c.capacityFor(s),
		Emergency:   c.emergency,
		Background:  c.background,
		Transitions: c.transitions,
		LastReason:  c.lastReason,
		LastChange:  c.lastChange,
	}
}
