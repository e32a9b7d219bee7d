package core

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func TestCoordinate_Valid(t *testing.T) {
	tests := []struct {
		name string
		c    Coordinate
		want bool
	}{
		{"origin", Coordinate{0, 0}, true},
		{"north pole", Coordinate{90, 0}, true},
		{"antimeridian", Coordinate{10, -180}, true},
		{"lat too high", Coordinate{90.1, 0}, false},
		{"lon too low", Coordinate{0, -180.5}, false},
		{"nan", Coordinate{math.NaN(), 0}, false},
		{"inf", Coordinate{0, math.Inf(1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCoordinate_DistanceMeters(t *testing.T) {
	// One degree of latitude is roughly 111.2 km everywhere.
	a := Coordinate{Lat: 40, Lon: -74}
	b := Coordinate{Lat: 41, Lon: -74}

	d := a.DistanceMeters(b)
	if d < 110000 || d > 112500 {
		t.Errorf("DistanceMeters = %.0f, want ~111200", d)
	}
	if a.DistanceMeters(a) != 0 {
		t.Error("distance to self should be zero")
	}
}

func TestGeofenceTier_Table(t *testing.T) {
	tests := []struct {
		tier     GeofenceTier
		name     string
		priority int32
	}{
		{TierApproach5mi, "approach_5mi", 1},
		{TierApproach3mi, "approach_3mi", 2},
		{TierApproach1mi, "approach_1mi", 3},
		{TierArrival, "arrival", 4},
		{TierPostArrival, "post_arrival", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.tier.String() != tt.name {
				t.Errorf("String() = %q, want %q", tt.tier.String(), tt.name)
			}
			if tt.tier.Priority() != tt.priority {
				t.Errorf("Priority() = %d, want %d", tt.tier.Priority(), tt.priority)
			}
			if tt.tier.RadiusMeters() <= 0 {
				t.Error("radius must be positive")
			}
			parsed, err := ParseTier(tt.name)
			if err != nil || parsed != tt.tier {
				t.Errorf("ParseTier(%q) = %v, %v", tt.name, parsed, err)
			}
		})
	}

	// Radii shrink as priority grows, except post-arrival which wraps the arrival ring.
	if !(TierApproach5mi.RadiusMeters() > TierApproach3mi.RadiusMeters() &&
		TierApproach3mi.RadiusMeters() > TierApproach1mi.RadiusMeters() &&
		TierApproach1mi.RadiusMeters() > TierArrival.RadiusMeters()) {
		t.Error("approach radii should be concentric")
	}
}

func TestParseTier_Unknown(t *testing.T) {
	_, err := ParseTier("approach_10mi")
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestGeofenceTier_JSON(t *testing.T) {
	g := NewGeofence("g-1", "task-1", Coordinate{1, 2}, TierArrival, time.Unix(0, 0).UTC())

	data, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Geofence
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Tier != TierArrival {
		t.Errorf("tier = %v, want arrival", decoded.Tier)
	}
}

func TestGeofence_Validate(t *testing.T) {
	now := time.Now()
	valid := NewGeofence("g-1", "task-1", Coordinate{37.77, -122.41}, TierArrival, now)

	if err := valid.Validate(); err != nil {
		t.Fatalf("valid geofence rejected: %v", err)
	}

	badCenter := valid
	badCenter.Center = Coordinate{Lat: 123, Lon: 0}
	if err := badCenter.Validate(); !errors.Is(err, ErrInvalidCoordinate) {
		t.Errorf("bad center: got %v, want ErrInvalidCoordinate", err)
	}

	badRadius := valid
	badRadius.RadiusMeters = 0
	if err := badRadius.Validate(); !errors.Is(err, ErrInvalidCoordinate) {
		t.Errorf("bad radius: got %v, want ErrInvalidCoordinate", err)
	}

	noID := valid
	noID.ID = ""
	if err := noID.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing id: got %v, want ErrInvalidInput", err)
	}
}

func TestGeofence_Outranks(t *testing.T) {
	base := time.Now()
	older := NewGeofence("a", "t", Coordinate{}, TierArrival, base)
	newer := NewGeofence("b", "t", Coordinate{}, TierArrival, base.Add(time.Second))
	higher := NewGeofence("c", "t", Coordinate{}, TierPostArrival, base.Add(-time.Hour))

	if !newer.Outranks(older) {
		t.Error("newer geofence of the same tier should outrank older")
	}
	if older.Outranks(newer) {
		t.Error("older geofence should not outrank newer")
	}
	if !higher.Outranks(newer) {
		t.Error("higher tier should outrank regardless of age")
	}
	if older.Outranks(older) {
		t.Error("a geofence never outranks itself")
	}
}

func TestGeofence_Contains(t *testing.T) {
	g := NewGeofence("g", "t", Coordinate{40, -74}, TierApproach1mi, time.Now())

	if !g.Contains(Coordinate{40.005, -74}) {
		t.Error("point ~550m away should be inside the 1mi ring")
	}
	if g.Contains(Coordinate{40.05, -74}) {
		t.Error("point ~5.5km away should be outside the 1mi ring")
	}
}

func TestGeofenceError_Unwrap(t *testing.T) {
	err := NewGeofenceError("add", "g-1", ErrCapacityExceeded)

	if !errors.Is(err, ErrCapacityExceeded) {
		t.Error("errors.Is should see the wrapped sentinel")
	}
	if err.Error() != "add g-1: geofence capacity exceeded" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestPermissionStatus_AllowsMonitoring(t *testing.T) {
	tests := map[PermissionStatus]bool{
		PermissionNotDetermined: false,
		PermissionDenied:        false,
		PermissionWhenInUse:     true,
		PermissionAlways:        true,
	}
	for status, want := range tests {
		if got := status.AllowsMonitoring(); got != want {
			t.Errorf("%s.AllowsMonitoring() = %v, want %v", status, got, want)
		}
	}
}
