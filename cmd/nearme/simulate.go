package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/location"
	"github.com/trilliondigital/near-me-sub005/internal/logging"
	"github.com/trilliondigital/near-me-sub005/internal/monitor"
	"github.com/trilliondigital/near-me-sub005/internal/notifications"
	"github.com/trilliondigital/near-me-sub005/internal/storage"
)

// metersPerDegreeLat is close enough for placing a synthetic start point.
const metersPerDegreeLat = 111_320.0

// printer prints every reminder it receives
type printer struct{}

func (printer) ID() string { return "stdout" }

func (printer) Send(r notifications.Reminder) error {
	extra := ""
	if r.Bundled > 1 {
		extra = fmt.Sprintf(" (%d geofences)", r.Bundled)
	}
	fmt.Printf("🔔 %s  %-14s %s%s\n", r.EventAt.Local().Format("15:04:05"), r.Action, r.Title, extra)
	if r.Body != "" {
		fmt.Printf("   %s\n", r.Body)
	}
	return nil
}

type simulateOptions struct {
	gpxPath      string
	taskID       string
	lat, lon     float64
	approachFrom float64
	speedMps     float64
	replaySpeed  float64
	verbose      bool
}

// simulateCmd replays a route through an in-memory monitor
func simulateCmd() *cobra.Command {
	var opts simulateOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a route through the geofence core",
		Long: `Runs the monitor in-process against a simulated location provider and
prints each reminder it raises. The task's place is --lat/--lon. The route is
read from --gpx, or is a straight approach from --from-km north of the place.
Nothing is written to the data directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runSimulation(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.gpxPath, "gpx", "", "GPX track to replay")
	cmd.Flags().StringVar(&opts.taskID, "task", "demo", "task id")
	cmd.Flags().Float64Var(&opts.lat, "lat", 0, "latitude of the task's place")
	cmd.Flags().Float64Var(&opts.lon, "lon", 0, "longitude of the task's place")
	cmd.Flags().Float64Var(&opts.approachFrom, "from-km", 9, "start this far north of the place when no GPX is given")
	cmd.Flags().Float64Var(&opts.speedMps, "speed-mps", 13.9, "travel speed of the synthetic route")
	cmd.Flags().Float64Var(&opts.replaySpeed, "replay-speed", 0, "wall-clock compression; 0 replays without pausing")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "log core decisions")
	cmd.MarkFlagRequired("lat")
	cmd.MarkFlagRequired("lon")
	return cmd
}

func runSimulation(ctx context.Context, opts simulateOptions) error {
	place := core.Coordinate{Lat: opts.lat, Lon: opts.lon}
	if !place.Valid() {
		return core.ErrInvalidCoordinate
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.Nop()
	if opts.verbose {
		logger = logging.New(os.Stderr, logging.DEBUG)
	}

	samples, err := simulationTrack(place, opts)
	if err != nil {
		return err
	}

	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	reminders := notifications.NewService(db, logger)
	reminders.Subscribe(printer{})

	sim := location.NewSimulator(location.SimulatorConfig{
		MaxRegions: cfg.Registry.PlatformCapacity,
		Buffer:     len(samples) * 4,
	}, logger)
	defer sim.Close()

	mcfg, err := monitor.FromConfig(cfg)
	if err != nil {
		return err
	}
	mon := monitor.New(mcfg, sim, reminders, db, logger)

	tiers, _ := parseTiers(nil)
	if _, err := saveTaskPlace(ctx, mon.Tasks(), opts.taskID, "", place, tiers); err != nil {
		return err
	}
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop(context.Background())

	added, err := mon.ActivateTask(ctx, opts.taskID)
	if err != nil && len(added) == 0 {
		return fmt.Errorf("activate %s: %w", opts.taskID, err)
	}

	first, last := samples[0], samples[len(samples)-1]
	fmt.Printf("🚶 Replaying %d samples over %s toward %s (%d geofences)\n\n",
		len(samples), last.Timestamp.Sub(first.Timestamp).Round(time.Second), opts.taskID, len(added))

	if err := location.Replay(ctx, sim, samples, location.ReplayOptions{Speed: opts.replaySpeed}); err != nil {
		return err
	}
	waitIdle(ctx, sim, mon, mcfg.BatchWindow)

	st := mon.Status()
	fmt.Println()
	fmt.Printf("📊 %d transitions (%d debounced), %d reminders dispatched, level %s\n",
		st.Events.Transitions, st.Events.Debounced, st.Processor.Dispatched, st.Optimization.Level)
	return nil
}

func simulationTrack(place core.Coordinate, opts simulateOptions) ([]core.LocationSample, error) {
	trackOpts := location.DefaultTrackOptions()
	if opts.gpxPath != "" {
		return location.LoadTrack(opts.gpxPath, trackOpts)
	}
	from := core.Coordinate{
		Lat: place.Lat + opts.approachFrom*1000/metersPerDegreeLat,
		Lon: place.Lon,
	}
	return location.LineTrack(from, place, opts.speedMps, trackOpts)
}

// waitIdle returns once the provider channel is drained, the batch window
// has passed and the work queue has settled.
func waitIdle(ctx context.Context, sim *location.Simulator, mon *monitor.Monitor, window time.Duration) {
	deadline := time.Now().Add(10 * time.Second)
	tick := window
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	settled := 0
	for time.Now().Before(deadline) && settled < 2 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
		q := mon.Status().Queue
		if len(sim.Events()) == 0 && q.Pending == 0 && q.Enqueued == q.Succeeded+q.Failed+q.Cancelled {
			settled++
		} else {
			settled = 0
		}
	}
}
