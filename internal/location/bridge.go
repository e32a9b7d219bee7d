package location

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/logging"
)

// Frame types exchanged with the companion device.
const (
	FrameStartUpdates     = "start_updates"
	FrameStopUpdates      = "stop_updates"
	FrameRegisterRegion   = "register_region"
	FrameUnregisterRegion = "unregister_region"
	FrameListMonitored    = "list_monitored"

	FrameTransition       = "transition"
	FrameSample           = "sample"
	FrameBattery          = "battery"
	FrameMonitoringFailed = "monitoring_failed"
	FrameMonitored        = "monitored"
	FrameLifecycle        = "lifecycle"
)

// Frame is one JSON text frame in either direction. Timestamps are unix
// milliseconds; a missing timestamp means "now".
type Frame struct {
	Type      string   `json:"type"`
	ID        string   `json:"id,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	Kind      string   `json:"kind,omitempty"`
	Lat       *float64 `json:"lat,omitempty"`
	Lon       *float64 `json:"lon,omitempty"`
	RadiusM   float64  `json:"radius_m,omitempty"`
	AccuracyM float64  `json:"accuracy_m,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`

	IntervalMs int64  `json:"interval_ms,omitempty"`
	Accuracy   string `json:"accuracy,omitempty"`

	Level    int  `json:"level,omitempty"`
	Charging bool `json:"charging,omitempty"`
	LowPower bool `json:"low_power,omitempty"`

	Code  string   `json:"code,omitempty"`
	IDs   []string `json:"ids,omitempty"`
	State string   `json:"state,omitempty"`
}

// BridgeConfig configures a Bridge
type BridgeConfig struct {
	// EventsPerSecond and Burst bound inbound frames per device connection.
	EventsPerSecond float64
	Burst           int
	// RequestTimeout bounds a list_monitored round trip.
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	Buffer         int
}

// DefaultBridgeConfig returns default configuration
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		EventsPerSecond: 20,
		Burst:           50,
		RequestTimeout:  10 * time.Second,
		WriteTimeout:    10 * time.Second,
		Buffer:          256,
	}
}

// BridgeStatus describes the bridge for display
type BridgeStatus struct {
	Connected   bool      `json:"connected"`
	DeviceID    string    `json:"device_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Regions     int       `json:"regions"`
	Sampling    Sampling  `json:"sampling"`
	Dropped     int64     `json:"dropped"`
	Received    int64     `json:"received"`
}

type deviceConn struct {
	id          string
	ws          *websocket.Conn
	limiter     *rate.Limiter
	connectedAt time.Time
	writeMu     sync.Mutex
}

// Bridge is a Provider backed by a companion device over a websocket.
// It keeps the desired sampling and region set and replays them whenever a
// device connects, so registrations made while no device is attached take
// effect on the next connection. One device is attached at a time; a new
// connection replaces the old one.
type Bridge struct {
	cfg      BridgeConfig
	logger   *logging.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu       sync.Mutex
	conn     *deviceConn
	regions  map[string]Region
	sampling Sampling
	pending  map[string]chan []string
	received int64
	dropped  int64

	events  chan core.ProviderEvent
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
}

// NewBridge creates a device bridge
func NewBridge(cfg BridgeConfig, logger *logging.Logger) *Bridge {
	def := DefaultBridgeConfig()
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = def.EventsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if logger == nil {
		logger = logging.WithField("component", "bridge")
	}

	return &Bridge{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now:     time.Now,
		regions: make(map[string]Region),
		pending: make(map[string]chan []string),
		events:  make(chan core.ProviderEvent, cfg.Buffer),
		done:    make(chan struct{}),
	}
}

// Events returns the event channel
func (b *Bridge) Events() <-chan core.ProviderEvent {
	return b.events
}

// ServeHTTP upgrades the request and serves the device until it disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("Device upgrade failed: %v", err)
		return
	}
	b.Serve(conn)
}

// Serve attaches conn as the current device and reads from it until the
// connection fails or the bridge closes.
func (b *Bridge) Serve(conn *websocket.Conn) {
	dc := &deviceConn{
		id:          uuid.New().String(),
		ws:          conn,
		limiter:     rate.NewLimiter(rate.Limit(b.cfg.EventsPerSecond), b.cfg.Burst),
		connectedAt: b.now(),
	}

	b.mu.Lock()
	if b.isClosed() {
		b.mu.Unlock()
		conn.Close()
		return
	}
	prev := b.conn
	b.conn = dc
	sampling := b.sampling
	regions := b.sortedRegionsLocked()
	b.mu.Unlock()

	if prev != nil {
		b.logger.Info("Device %s replaced by %s", prev.id, dc.id)
		prev.ws.Close()
	}
	b.logger.Info("Device %s connected", dc.id)

	// Replay desired state onto the new device
	if sampling.Active {
		b.write(dc, startFrame(sampling.Interval, sampling.Accuracy))
	}
	for _, r := range regions {
		b.write(dc, registerFrame(r))
	}

	defer func() {
		conn.Close()
		b.mu.Lock()
		if b.conn == dc {
			b.conn = nil
		}
		b.mu.Unlock()
		b.logger.Info("Device %s disconnected", dc.id)
	}()

	// Devices may idle between events; drop any deadline the HTTP server left
	conn.SetReadDeadline(time.Time{})
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := b.handleMessage(dc, message); err != nil {
			return
		}
	}
}

// handleMessage decodes and routes one inbound frame. It only fails when the
// bridge is closed.
func (b *Bridge) handleMessage(dc *deviceConn, data []byte) error {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		b.logger.Warn("Device %s sent malformed frame: %v", dc.id, err)
		return nil
	}

	// Solicited responses bypass the limiter
	if f.Type == FrameMonitored {
		b.resolve(f.RequestID, f.IDs)
		return nil
	}

	if !dc.limiter.Allow() {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Warn("Device %s over rate limit, dropping %s frame", dc.id, f.Type)
		return nil
	}

	ev, err := b.translate(f)
	if err != nil {
		b.logger.Warn("Device %s sent invalid %s frame: %v", dc.id, f.Type, err)
		return nil
	}

	b.mu.Lock()
	b.received++
	b.mu.Unlock()

	if err := b.emit(ev); err != nil {
		return err
	}
	return nil
}

func (b *Bridge) translate(f Frame) (core.ProviderEvent, error) {
	ts := b.timestamp(f.Timestamp)

	switch f.Type {
	case FrameTransition:
		kind := core.EventKind(f.Kind)
		if f.ID == "" || !kind.Valid() {
			return core.ProviderEvent{}, fmt.Errorf("transition needs id and kind, got %q/%q", f.ID, f.Kind)
		}
		ev := core.GeofenceEvent{GeofenceID: f.ID, Kind: kind, Timestamp: ts}
		if f.Lat != nil && f.Lon != nil {
			c := core.Coordinate{Lat: *f.Lat, Lon: *f.Lon}
			if c.Valid() {
				ev.Location = &c
			}
		}
		return core.TransitionEvent(ev), nil

	case FrameSample:
		if f.Lat == nil || f.Lon == nil {
			return core.ProviderEvent{}, core.ErrInvalidCoordinate
		}
		c := core.Coordinate{Lat: *f.Lat, Lon: *f.Lon}
		if !c.Valid() {
			return core.ProviderEvent{}, core.ErrInvalidCoordinate
		}
		return core.SampleEvent(core.LocationSample{Location: c, AccuracyMeters: f.AccuracyM, Timestamp: ts}), nil

	case FrameBattery:
		if f.Level < 0 || f.Level > 100 {
			return core.ProviderEvent{}, fmt.Errorf("battery level %d out of range", f.Level)
		}
		return core.BatteryEvent(core.BatteryReading{
			Level:        f.Level,
			IsCharging:   f.Charging,
			LowPowerMode: f.LowPower,
			Timestamp:    ts,
		}), nil

	case FrameMonitoringFailed:
		if f.ID == "" {
			return core.ProviderEvent{}, fmt.Errorf("monitoring_failed needs id")
		}
		b.mu.Lock()
		delete(b.regions, f.ID)
		b.mu.Unlock()
		return core.FailureEvent(core.ProviderError{Code: f.Code, RegionID: f.ID, Message: "device refused region"}), nil

	case FrameLifecycle:
		state := core.LifecycleState(f.State)
		if state != core.LifecycleForeground && state != core.LifecycleBackground {
			return core.ProviderEvent{}, fmt.Errorf("unknown lifecycle state %q", f.State)
		}
		return core.LifecycleEvent(state), nil
	}

	return core.ProviderEvent{}, fmt.Errorf("unknown frame type %q", f.Type)
}

func (b *Bridge) timestamp(ms int64) time.Time {
	if ms <= 0 {
		return b.now()
	}
	return time.UnixMilli(ms).UTC()
}

// StartUpdates records and forwards the sampling configuration.
func (b *Bridge) StartUpdates(ctx context.Context, interval time.Duration, accuracy core.Accuracy) error {
	b.mu.Lock()
	b.sampling = Sampling{Active: true, Interval: interval, Accuracy: accuracy}
	dc := b.conn
	b.mu.Unlock()

	if dc == nil {
		return nil
	}
	return b.write(dc, startFrame(interval, accuracy))
}

// StopUpdates turns sampling off on the device.
func (b *Bridge) StopUpdates(ctx context.Context) error {
	b.mu.Lock()
	b.sampling.Active = false
	dc := b.conn
	b.mu.Unlock()

	if dc == nil {
		return nil
	}
	return b.write(dc, Frame{Type: FrameStopUpdates})
}

// RegisterRegion records the region and forwards it to the device. A send
// failure forgets the region again and is returned to the caller.
func (b *Bridge) RegisterRegion(ctx context.Context, id string, center core.Coordinate, radiusMeters float64) error {
	r := Region{ID: id, Center: center, RadiusMeters: radiusMeters}

	b.mu.Lock()
	b.regions[id] = r
	dc := b.conn
	b.mu.Unlock()

	if dc == nil {
		return nil
	}
	if err := b.write(dc, registerFrame(r)); err != nil {
		b.mu.Lock()
		delete(b.regions, id)
		b.mu.Unlock()
		return err
	}
	return nil
}

// UnregisterRegion forgets the region and tells the device.
func (b *Bridge) UnregisterRegion(ctx context.Context, id string) error {
	b.mu.Lock()
	delete(b.regions, id)
	dc := b.conn
	b.mu.Unlock()

	if dc == nil {
		return nil
	}
	return b.write(dc, Frame{Type: FrameUnregisterRegion, ID: id})
}

// MonitoredRegionIDs asks the device which regions it monitors.
func (b *Bridge) MonitoredRegionIDs(ctx context.Context) (map[string]struct{}, error) {
	b.mu.Lock()
	dc := b.conn
	if dc == nil {
		b.mu.Unlock()
		return nil, ErrNoDevice
	}
	reqID := uuid.New().String()
	ch := make(chan []string, 1)
	b.pending[reqID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, reqID)
		b.mu.Unlock()
	}()

	if err := b.write(dc, Frame{Type: FrameListMonitored, RequestID: reqID}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case ids := <-ch:
		out := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			out[id] = struct{}{}
		}
		return out, nil
	case <-timer.C:
		return nil, fmt.Errorf("list_monitored %s timed out after %v", reqID, b.cfg.RequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrClosed
	}
}

func (b *Bridge) resolve(reqID string, ids []string) {
	b.mu.Lock()
	ch, ok := b.pending[reqID]
	delete(b.pending, reqID)
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("Unsolicited monitored response %s", reqID)
		return
	}
	ch <- ids
}

// Regions returns the desired region set sorted by id
func (b *Bridge) Regions() []Region {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedRegionsLocked()
}

func (b *Bridge) sortedRegionsLocked() []Region {
	out := make([]Region, 0, len(b.regions))
	for _, r := range b.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the bridge status
func (b *Bridge) Status() BridgeStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BridgeStatus{
		Regions:  len(b.regions),
		Sampling: b.sampling,
		Dropped:  b.dropped,
		Received: b.received,
	}
	if b.conn != nil {
		st.Connected = true
		st.DeviceID = b.conn.id
		st.ConnectedAt = b.conn.connectedAt
	}
	return st
}

func (b *Bridge) write(dc *deviceConn, f Frame) error {
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	dc.ws.SetWriteDeadline(b.now().Add(b.cfg.WriteTimeout))
	if err := dc.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("send %s to device %s: %w", f.Type, dc.id, err)
	}
	return nil
}

func (b *Bridge) emit(ev core.ProviderEvent) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.events <- ev:
		return nil
	case <-b.done:
		return ErrClosed
	}
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Close disconnects the device and closes the event channel.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.isClosed() {
		b.mu.Unlock()
		return
	}
	close(b.done)
	dc := b.conn
	b.conn = nil
	b.mu.Unlock()

	if dc != nil {
		dc.ws.Close()
	}

	b.closeMu.Lock()
	b.closed = true
	close(b.events)
	b.closeMu.Unlock()
}

func startFrame(interval time.Duration, accuracy core.Accuracy) Frame {
	return Frame{Type: FrameStartUpdates, IntervalMs: interval.Milliseconds(), Accuracy: string(accuracy)}
}

func registerFrame(r Region) Frame {
	lat, lon := r.Center.Lat, r.Center.Lon
	return Frame{Type: FrameRegisterRegion, ID: r.ID, Lat: &lat, Lon: &lon, RadiusM: r.RadiusMeters}
}
