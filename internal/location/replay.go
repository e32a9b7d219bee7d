package location

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tkrajina/gpxgo/gpx"

	"github.com/trilliondigital/near-me-sub005/internal/core"
)

// ErrEmptyTrack is returned when a GPX file has no usable points.
var ErrEmptyTrack = errors.New("track has no points")

// TrackOptions controls how GPX points become samples.
type TrackOptions struct {
	// Step is the spacing used for points without timestamps.
	Step time.Duration
	// MaxStepMeters splits longer legs into interpolated samples so a fast
	// leg cannot jump over a small region. Zero disables densifying.
	MaxStepMeters float64
	// AccuracyMeters is reported on every sample.
	AccuracyMeters float64
	// Start anchors tracks without timestamps.
	Start time.Time
}

// DefaultTrackOptions returns default track options
func DefaultTrackOptions() TrackOptions {
	return TrackOptions{
		Step:           5 * time.Second,
		MaxStepMeters:  50,
		AccuracyMeters: 10,
	}
}

// LoadTrack reads a GPX file into location samples.
func LoadTrack(path string, opts TrackOptions) ([]core.LocationSample, error) {
	f, err := gpx.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GPX %s: %w", path, err)
	}
	return trackSamples(f, opts)
}

// ParseTrack parses GPX bytes into location samples.
func ParseTrack(data []byte, opts TrackOptions) ([]core.LocationSample, error) {
	f, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GPX: %w", err)
	}
	return trackSamples(f, opts)
}

func trackSamples(f *gpx.GPX, opts TrackOptions) ([]core.LocationSample, error) {
	def := DefaultTrackOptions()
	if opts.Step <= 0 {
		opts.Step = def.Step
	}
	if opts.AccuracyMeters <= 0 {
		opts.AccuracyMeters = def.AccuracyMeters
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().UTC()
	}

	var points []gpx.GPXPoint
	for _, track := range f.Tracks {
		for _, segment := range track.Segments {
			points = append(points, segment.Points...)
		}
	}
	// Fall back to routes when the file has no tracks
	if len(points) == 0 {
		for _, route := range f.Routes {
			points = append(points, route.Points...)
		}
	}
	if len(points) == 0 {
		return nil, ErrEmptyTrack
	}

	var (
		samples []core.LocationSample
		prev    core.LocationSample
		clock   = opts.Start
	)
	for i := range points {
		p := points[i]
		c := core.Coordinate{Lat: p.Latitude, Lon: p.Longitude}
		if !c.Valid() {
			continue
		}

		ts := p.Timestamp
		if ts.IsZero() {
			if len(samples) > 0 {
				clock = prev.Timestamp.Add(opts.Step)
			}
			ts = clock
		}

		cur := core.LocationSample{Location: c, AccuracyMeters: opts.AccuracyMeters, Timestamp: ts}
		if len(samples) > 0 {
			samples = append(samples, densify(prev, cur, opts.MaxStepMeters)...)
		}
		samples = append(samples, cur)
		prev = cur
	}

	if len(samples) == 0 {
		return nil, ErrEmptyTrack
	}
	return samples, nil
}

// LineTrack walks a straight line from one point to another at speedMps,
// one sample per opts.Step.
func LineTrack(from, to core.Coordinate, speedMps float64, opts TrackOptions) ([]core.LocationSample, error) {
	if !from.Valid() || !to.Valid() {
		return nil, core.ErrInvalidCoordinate
	}
	if speedMps <= 0 {
		return nil, fmt.Errorf("%w: speed must be positive", core.ErrInvalidInput)
	}
	def := DefaultTrackOptions()
	if opts.Step <= 0 {
		opts.Step = def.Step
	}
	if opts.AccuracyMeters <= 0 {
		opts.AccuracyMeters = def.AccuracyMeters
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().UTC()
	}

	dist := from.DistanceMeters(to)
	travel := time.Duration(dist / speedMps * float64(time.Second))
	a := core.LocationSample{Location: from, AccuracyMeters: opts.AccuracyMeters, Timestamp: opts.Start}
	b := core.LocationSample{Location: to, AccuracyMeters: opts.AccuracyMeters, Timestamp: opts.Start.Add(travel)}

	samples := []core.LocationSample{a}
	samples = append(samples, densify(a, b, speedMps*opts.Step.Seconds())...)
	if dist > 0 {
		samples = append(samples, b)
	}
	return samples, nil
}

// densify returns the interpolated samples strictly between a and b.
func densify(a, b core.LocationSample, maxStep float64) []core.LocationSample {
	if maxStep <= 0 {
		return nil
	}
	dist := a.Location.DistanceMeters(b.Location)
	n := int(math.Ceil(dist / maxStep))
	if n <= 1 {
		return nil
	}

	span := b.Timestamp.Sub(a.Timestamp)
	out := make([]core.LocationSample, 0, n-1)
	for i := 1; i < n; i++ {
		ratio := float64(i) / float64(n)
		out = append(out, core.LocationSample{
			Location: core.Coordinate{
				Lat: lerp(a.Location.Lat, b.Location.Lat, ratio),
				Lon: lerp(a.Location.Lon, b.Location.Lon, ratio),
			},
			AccuracyMeters: b.AccuracyMeters,
			Timestamp:      a.Timestamp.Add(time.Duration(float64(span) * ratio)),
		})
	}
	return out
}

func lerp(start, end, ratio float64) float64 {
	return start + (end-start)*ratio
}

// ReplayOptions controls Replay pacing.
type ReplayOptions struct {
	// Speed compresses wall time: 60 replays a minute of track per second.
	// Zero or negative replays without pausing.
	Speed float64
	// Sleep waits between samples; defaults to a ctx-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Replay feeds samples into the simulator in order, pausing between them in
// proportion to their timestamps.
func Replay(ctx context.Context, sim *Simulator, samples []core.LocationSample, opts ReplayOptions) error {
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for i, s := range samples {
		if i > 0 && opts.Speed > 0 {
			gap := s.Timestamp.Sub(samples[i-1].Timestamp)
			if gap > 0 {
				if err := sleep(ctx, time.Duration(float64(gap)/opts.Speed)); err != nil {
					return err
				}
			}
		}
		if err := sim.Move(ctx, s.Location, s.AccuracyMeters, s.Timestamp); err != nil {
			return fmt.Errorf("replay sample %d: %w", i, err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
