// Package core defines the fundamental types shared by the NearMe geofence core.
// Everything that crosses a package boundary lives here.
package core

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// COORDINATE - A point on the earth
// -----------------------------------------------------------------------------

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is finite and inside the WGS84 range.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

const earthRadiusMeters = 6371008.8

// DistanceMeters returns the great-circle distance to other (haversine).
func (c Coordinate) DistanceMeters(other Coordinate) float64 {
	lat1 := c.Lat * math.Pi / 180
	lat2 := other.Lat * math.Pi / 180
	dLat := (other.Lat - c.Lat) * math.Pi / 180
	dLon := (other.Lon - c.Lon) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

// -----------------------------------------------------------------------------
// TIER - One of the concentric notification distances
// -----------------------------------------------------------------------------

// GeofenceTier is a closed enum of notification distances around a place.
type GeofenceTier int

const (
	TierApproach5mi GeofenceTier = iota + 1
	TierApproach3mi
	TierApproach1mi
	TierArrival
	TierPostArrival
)

// AllTiers lists every tier from lowest to highest priority.
var AllTiers = []GeofenceTier{
	TierApproach5mi,
	TierApproach3mi,
	TierApproach1mi,
	TierArrival,
	TierPostArrival,
}

type tierInfo struct {
	name     string
	radius   float64
	priority int32
}

var tierTable = map[GeofenceTier]tierInfo{
	TierApproach5mi: {"approach_5mi", 8046.72, 1},
	TierApproach3mi: {"approach_3mi", 4828.03, 2},
	TierApproach1mi: {"approach_1mi", 1609.34, 3},
	TierArrival:     {"arrival", 100, 4},
	TierPostArrival: {"post_arrival", 200, 5},
}

// Valid reports whether t is one of the defined tiers.
func (t GeofenceTier) Valid() bool {
	_, ok := tierTable[t]
	return ok
}

// RadiusMeters is the fixed radius of the tier.
func (t GeofenceTier) RadiusMeters() float64 {
	return tierTable[t].radius
}

// Priority is derived from the tier; PostArrival is highest.
func (t GeofenceTier) Priority() int32 {
	return tierTable[t].priority
}

// IsApproach reports whether the tier is one of the three approach rings.
func (t GeofenceTier) IsApproach() bool {
	return t == TierApproach5mi || t == TierApproach3mi || t == TierApproach1mi
}

func (t GeofenceTier) String() string {
	if info, ok := tierTable[t]; ok {
		return info.name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier parses the string form produced by String.
func ParseTier(s string) (GeofenceTier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for tier, info := range tierTable {
		if info.name == s {
			return tier, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t GeofenceTier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: tier %d", ErrInvalidInput, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *GeofenceTier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// -----------------------------------------------------------------------------
// GEOFENCE - A monitored circular region
// -----------------------------------------------------------------------------

// Geofence is a circular region owned by a task. Identity is ID.
type Geofence struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"task_id"`
	Center       Coordinate   `json:"center"`
	RadiusMeters float64      `json:"radius_meters"`
	Tier         GeofenceTier `json:"tier"`
	Priority     int32        `json:"priority"`
	CreatedAt    time.Time    `json:"created_at"`
}

// NewGeofence builds a geofence whose radius and priority come from the tier.
func NewGeofence(id, taskID string, center Coordinate, tier GeofenceTier, createdAt time.Time) Geofence {
	return Geofence{
		ID:           id,
		TaskID:       taskID,
		Center:       center,
		RadiusMeters: tier.RadiusMeters(),
		Tier:         tier,
		Priority:     tier.Priority(),
		CreatedAt:    createdAt,
	}
}

// Validate checks the center, radius and tier.
func (g Geofence) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("%w: geofence id is required", ErrInvalidInput)
	}
	if !g.Center.Valid() {
		return ErrInvalidCoordinate
	}
	if math.IsNaN(g.RadiusMeters) || math.IsInf(g.RadiusMeters, 0) || g.RadiusMeters <= 0 {
		return ErrInvalidCoordinate
	}
	if !g.Tier.Valid() {
		return fmt.Errorf("%w: tier %d", ErrInvalidInput, int(g.Tier))
	}
	return nil
}

// Outranks reports whether g survives eviction ahead of other:
// higher priority first, then the more recently created.
func (g Geofence) Outranks(other Geofence) bool {
	if g.Priority != other.Priority {
		return g.Priority > other.Priority
	}
	return g.CreatedAt.After(other.CreatedAt)
}

// Contains reports whether p lies inside the region.
func (g Geofence) Contains(p Coordinate) bool {
	return g.Center.DistanceMeters(p) <= g.RadiusMeters
}

// GeofenceSpec is what the task store supplies when a task is (re)activated.
type GeofenceSpec struct {
	TaskID string       `json:"task_id"`
	Label  string       `json:"label,omitempty"`
	Center Coordinate   `json:"center"`
	Tier   GeofenceTier `json:"tier"`
}

// -----------------------------------------------------------------------------
// EVENTS - Raw input from the location provider
// -----------------------------------------------------------------------------

// EventKind is the kind of a region transition.
type EventKind string

const (
	EventEnter EventKind = "enter"
	EventExit  EventKind = "exit"
	EventDwell EventKind = "dwell"
)

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	return k == EventEnter || k == EventExit || k == EventDwell
}

// GeofenceEvent is an ephemeral transition callback. Never persisted.
type GeofenceEvent struct {
	GeofenceID string      `json:"geofence_id"`
	Kind       EventKind   `json:"kind"`
	Timestamp  time.Time   `json:"timestamp"`
	Location   *Coordinate `json:"location,omitempty"`
}

// LocationSample is a raw position fix.
type LocationSample struct {
	Location       Coordinate `json:"location"`
	AccuracyMeters float64    `json:"accuracy_meters"`
	Timestamp      time.Time  `json:"timestamp"`
}

// BatteryReading is a raw power-state tick.
type BatteryReading struct {
	Level        int       `json:"level"` // 0-100
	IsCharging   bool      `json:"is_charging"`
	LowPowerMode bool      `json:"low_power_mode"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProviderError is an error event reported asynchronously by the provider,
// e.g. the OS refusing to monitor a region.
type ProviderError struct {
	Code     string `json:"code"`
	RegionID string `json:"region_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (e ProviderError) Error() string {
	if e.RegionID != "" {
		return fmt.Sprintf("provider error %s for region %s: %s", e.Code, e.RegionID, e.Message)
	}
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// LifecycleState is the host app's visibility.
type LifecycleState string

const (
	LifecycleForeground LifecycleState = "foreground"
	LifecycleBackground LifecycleState = "background"
)

// ProviderEventKind tags a ProviderEvent.
type ProviderEventKind string

const (
	ProviderTransition ProviderEventKind = "transition"
	ProviderSample     ProviderEventKind = "sample"
	ProviderBattery    ProviderEventKind = "battery"
	ProviderFailure    ProviderEventKind = "failure"
	ProviderLifecycle  ProviderEventKind = "lifecycle"
)

// ProviderEvent is one message on the provider's event channel. Exactly one
// payload matching Kind is set.
type ProviderEvent struct {
	Kind       ProviderEventKind `json:"kind"`
	Transition *GeofenceEvent    `json:"transition,omitempty"`
	Sample     *LocationSample   `json:"sample,omitempty"`
	Battery    *BatteryReading   `json:"battery,omitempty"`
	Failure    *ProviderError    `json:"failure,omitempty"`
	Lifecycle  LifecycleState    `json:"lifecycle,omitempty"`
}

// TransitionEvent wraps ev for the provider channel.
func TransitionEvent(ev GeofenceEvent) ProviderEvent {
	return ProviderEvent{Kind: ProviderTransition, Transition: &ev}
}

// SampleEvent wraps s for the provider channel.
func SampleEvent(s LocationSample) ProviderEvent {
	return ProviderEvent{Kind: ProviderSample, Sample: &s}
}

// BatteryEvent wraps b for the provider channel.
func BatteryEvent(b BatteryReading) ProviderEvent {
	return ProviderEvent{Kind: ProviderBattery, Battery: &b}
}

// FailureEvent wraps e for the provider channel.
func FailureEvent(e ProviderError) ProviderEvent {
	return ProviderEvent{Kind: ProviderFailure, Failure: &e}
}

// LifecycleEvent wraps a visibility change for the provider channel.
func LifecycleEvent(s LifecycleState) ProviderEvent {
	return ProviderEvent{Kind: ProviderLifecycle, Lifecycle: s}
}

// -----------------------------------------------------------------------------
// NOTIFICATION - What the core decides to raise
// -----------------------------------------------------------------------------

// NotificationAction is the decision handed to the notification dispatcher.
type NotificationAction string

const (
	ActionApproach            NotificationAction = "approach"
	ActionArrival             NotificationAction = "arrival"
	ActionPostArrival         NotificationAction = "post_arrival"
	ActionSchedulePostArrival NotificationAction = "schedule_post_arrival"
	ActionDwell               NotificationAction = "dwell"
)

// Dispatch is a resolved action plus the context the dispatcher needs.
type Dispatch struct {
	Action     NotificationAction `json:"action"`
	TaskID     string             `json:"task_id"`
	GeofenceID string             `json:"geofence_id"`
	Tier       GeofenceTier       `json:"tier"`
	Timestamp  time.Time          `json:"timestamp"`
	// Bundled counts the geofences of the same task folded into this decision.
	Bundled int `json:"bundled"`
}

// -----------------------------------------------------------------------------
// SAMPLING - Hints pushed to the location provider
// -----------------------------------------------------------------------------

// Accuracy is the desired fix accuracy passed to the provider with the sampling interval.
type Accuracy string

const (
	AccuracyBest            Accuracy = "best"
	AccuracyHundredMeters   Accuracy = "hundred_meters"
	AccuracyKilometer       Accuracy = "kilometer"
	AccuracyThreeKilometers Accuracy = "three_kilometers"
)

// -----------------------------------------------------------------------------
// PERMISSION - What the OS allows
// -----------------------------------------------------------------------------

// PermissionStatus mirrors the platform location authorization states.
type PermissionStatus string

const (
	PermissionNotDetermined PermissionStatus = "not_determined"
	PermissionDenied        PermissionStatus = "denied"
	PermissionWhenInUse     PermissionStatus = "when_in_use"
	PermissionAlways        PermissionStatus = "always"
)

// AllowsMonitoring reports whether regions may be registered under this status.
func (p PermissionStatus) AllowsMonitoring() bool {
	return p == PermissionWhenInUse || p == PermissionAlways
}
