package location

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/logging"
)

// SimulatorConfig configures a Simulator
type SimulatorConfig struct {
	// MaxRegions is the platform region limit; registering beyond it fails.
	MaxRegions int
	// DwellAfter is how long a position must stay inside a region before Dwell fires.
	DwellAfter time.Duration
	// Buffer is the event channel size.
	Buffer int
}

// DefaultSimulatorConfig returns default configuration
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		MaxRegions: 20,
		DwellAfter: 5 * time.Minute,
		Buffer:     256,
	}
}

type simRegion struct {
	Region
	inside    bool
	enteredAt time.Time
	dwelled   bool
}

// Simulator is an in-process provider that derives region transitions from
// positions fed to Move, the way the OS does from real fixes.
type Simulator struct {
	cfg    SimulatorConfig
	logger *logging.Logger

	mu       sync.Mutex
	regions  map[string]*simRegion
	sampling Sampling
	position *core.Coordinate

	events  chan core.ProviderEvent
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
}

// NewSimulator creates a simulator
func NewSimulator(cfg SimulatorConfig, logger *logging.Logger) *Simulator {
	def := DefaultSimulatorConfig()
	if cfg.MaxRegions <= 0 {
		cfg.MaxRegions = def.MaxRegions
	}
	if cfg.DwellAfter <= 0 {
		cfg.DwellAfter = def.DwellAfter
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if logger == nil {
		logger = logging.WithField("component", "simulator")
	}
	return &Simulator{
		cfg:     cfg,
		logger:  logger,
		regions: make(map[string]*simRegion),
		events:  make(chan core.ProviderEvent, cfg.Buffer),
		done:    make(chan struct{}),
	}
}

// StartUpdates records the sampling configuration.
func (s *Simulator) StartUpdates(ctx context.Context, interval time.Duration, accuracy core.Accuracy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampling = Sampling{Active: true, Interval: interval, Accuracy: accuracy}
	s.logger.Debug("Sampling every %v at %s", interval, accuracy)
	return nil
}

// StopUpdates turns sampling off.
func (s *Simulator) StopUpdates(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampling.Active = false
	return nil
}

// RegisterRegion starts monitoring a region. A region registered while the
// current position is already inside it fires Enter on the next Move.
func (s *Simulator) RegisterRegion(ctx context.Context, id string, center core.Coordinate, radiusMeters float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.regions[id]; !exists && len(s.regions) >= s.cfg.MaxRegions {
		return fmt.Errorf("region limit of %d reached", s.cfg.MaxRegions)
	}
	s.regions[id] = &simRegion{Region: Region{ID: id, Center: center, RadiusMeters: radiusMeters}}
	return nil
}

// UnregisterRegion stops monitoring a region.
func (s *Simulator) UnregisterRegion(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, id)
	return nil
}

// MonitoredRegionIDs returns the ids currently monitored.
func (s *Simulator) MonitoredRegionIDs(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(s.regions))
	for id := range s.regions {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// Events returns the event channel
func (s *Simulator) Events() <-chan core.ProviderEvent {
	return s.events
}

// Move reports a fix at ts. It emits the sample followed by any Exit, Enter
// and Dwell transitions it causes, ordered by region id.
func (s *Simulator) Move(ctx context.Context, p core.Coordinate, accuracyMeters float64, ts time.Time) error {
	if !p.Valid() {
		return core.ErrInvalidCoordinate
	}

	s.mu.Lock()
	pos := p
	s.position = &pos

	out := []core.ProviderEvent{core.SampleEvent(core.LocationSample{
		Location:       p,
		AccuracyMeters: accuracyMeters,
		Timestamp:      ts,
	})}

	ids := make([]string, 0, len(s.regions))
	for id := range s.regions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := s.regions[id]
		inside := r.Center.DistanceMeters(p) <= r.RadiusMeters
		switch {
		case inside && !r.inside:
			r.inside = true
			r.enteredAt = ts
			r.dwelled = false
			out = append(out, transition(id, core.EventEnter, p, ts))
		case !inside && r.inside:
			r.inside = false
			out = append(out, transition(id, core.EventExit, p, ts))
		case inside && !r.dwelled && ts.Sub(r.enteredAt) >= s.cfg.DwellAfter:
			r.dwelled = true
			out = append(out, transition(id, core.EventDwell, p, ts))
		}
	}
	s.mu.Unlock()

	for _, ev := range out {
		if err := s.emit(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func transition(id string, kind core.EventKind, p core.Coordinate, ts time.Time) core.ProviderEvent {
	loc := p
	return core.TransitionEvent(core.GeofenceEvent{GeofenceID: id, Kind: kind, Timestamp: ts, Location: &loc})
}

// SetBattery reports a power-state tick.
func (s *Simulator) SetBattery(ctx context.Context, level int, charging, lowPower bool, ts time.Time) error {
	return s.emit(ctx, core.BatteryEvent(core.BatteryReading{
		Level:        level,
		IsCharging:   charging,
		LowPowerMode: lowPower,
		Timestamp:    ts,
	}))
}

// SetLifecycle reports a foreground/background change.
func (s *Simulator) SetLifecycle(ctx context.Context, state core.LifecycleState) error {
	return s.emit(ctx, core.LifecycleEvent(state))
}

// FailRegion drops a region and reports the failure, as the OS does when it
// refuses to monitor one.
func (s *Simulator) FailRegion(ctx context.Context, id, code string) error {
	s.mu.Lock()
	delete(s.regions, id)
	s.mu.Unlock()
	return s.emit(ctx, core.FailureEvent(core.ProviderError{Code: code, RegionID: id, Message: "monitoring failed"}))
}

// Evict silently forgets a region, as after a reboot or under memory pressure.
func (s *Simulator) Evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, id)
}

// Regions returns the monitored regions sorted by id
func (s *Simulator) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Region, 0, len(s.regions))
	for _, r := range s.regions {
		out = append(out, r.Region)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sampling returns the current sampling configuration
func (s *Simulator) Sampling() Sampling {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampling
}

// emit blocks until the event is queued, ctx ends or the simulator closes.
func (s *Simulator) emit(ctx context.Context, ev core.ProviderEvent) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the event channel. Pending emits return ErrClosed.
func (s *Simulator) Close() {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
		close(s.done)
	}
	s.mu.Unlock()

	s.closeMu.Lock()
	s.closed = true
	close(s.events)
	s.closeMu.Unlock()
}
