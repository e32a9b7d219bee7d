// nearme is the command-line companion of the near-me daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/trilliondigital/near-me-sub005/internal/battery"
	"github.com/trilliondigital/near-me-sub005/internal/config"
	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/notifications"
	"github.com/trilliondigital/near-me-sub005/internal/optimization"
	"github.com/trilliondigital/near-me-sub005/internal/storage"
)

var (
	configPath string
	dataDir    string

	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nearme",
		Short: "near-me - location reminders for your tasks",
		Long: `near-me reminds you of tasks as you approach the places where
they can be done. This tool inspects and manages the daemon's data
and can replay a route through the geofence core.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func openDB() (*storage.DB, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(cfg.DBPath()); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("no database at %s; start nearmed or add a task first", cfg.DBPath())
	}
	db, err := storage.Open(storage.Config{Path: cfg.DBPath()})
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}
	return db, cfg, nil
}

// statusCmd prints the persisted snapshot
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last persisted monitor state",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()

			store := storage.NewMetricsStore(db)
			var (
				snap      battery.Snapshot
				level     = optimization.Balanced
				emergency bool
				active    []string
			)
			if _, err := store.Get(ctx, storage.KeyBatteryMetrics, &snap); err != nil {
				return err
			}
			if _, err := store.Get(ctx, storage.KeyOptimizationLevel, &level); err != nil {
				return err
			}
			if _, err := store.Get(ctx, storage.KeyEmergency, &emergency); err != nil {
				return err
			}
			if _, err := store.Get(ctx, storage.KeyActiveTasks, &active); err != nil {
				return err
			}
			updated, _, err := store.UpdatedAt(ctx, storage.KeyBatteryMetrics)
			if err != nil {
				return err
			}

			stats, err := notifications.NewService(db, nil).Stats(ctx)
			if err != nil {
				return err
			}

			fmt.Println("📍 near-me status")
			fmt.Println()
			fmt.Printf("   Data: %s\n", cfg.DataDir)
			if !updated.IsZero() {
				fmt.Printf("   Snapshot: %s\n", updated.Local().Format("2006-01-02 15:04:05"))
			}
			fmt.Println()
			s := level.Settings()
			fmt.Printf("   ⚙️  Level: %s (every %s, %s accuracy, up to %d geofences)\n",
				level, s.SamplingInterval, s.Accuracy, s.MaxGeofences)
			if emergency {
				fmt.Println("   🚨 Emergency power save is ON")
			}
			fmt.Printf("   🔋 Battery: %d%%", snap.BatteryLevel)
			if snap.IsCharging {
				fmt.Print(" (charging)")
			}
			if snap.IsLowPowerMode {
				fmt.Print(" (low power)")
			}
			fmt.Println()
			fmt.Printf("   📉 Daily usage: %.2f%% (target %.1f%%)\n", snap.DailyUsage, cfg.Battery.DailyTargetPercent)
			fmt.Printf("   📡 Samples: %d, geofence events: %d\n", snap.LocationSamples, snap.GeofenceEvents)
			fmt.Println()
			if len(active) == 0 {
				fmt.Println("   📋 Active tasks: none")
			} else {
				fmt.Printf("   📋 Active tasks: %s\n", strings.Join(active, ", "))
			}
			fmt.Printf("   🔔 Reminders: %d (%d unread)\n", stats.Total, stats.Unread)
			return nil
		},
	}
}

// tasksCmd manages task places
func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage task places",
	}

	var (
		lat, lon float64
		label    string
		tiers    []string
	)
	add := &cobra.Command{
		Use:   "add <task-id>",
		Short: "Store the place of a task",
		Long: `Stores a place for the task. Every tier is stored unless --tier is given.
Activate the task through the daemon API to start monitoring it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := storage.Open(storage.Config{Path: cfg.DBPath()})
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			selected, err := parseTiers(tiers)
			if err != nil {
				return err
			}
			n, err := saveTaskPlace(cmd.Context(), storage.NewTaskStore(db), args[0], label,
				core.Coordinate{Lat: lat, Lon: lon}, selected)
			if err != nil {
				return err
			}
			fmt.Printf("✅ Stored %d tiers for %s\n", n, args[0])
			return nil
		},
	}
	add.Flags().Float64Var(&lat, "lat", 0, "latitude of the place")
	add.Flags().Float64Var(&lon, "lon", 0, "longitude of the place")
	add.Flags().StringVar(&label, "label", "", "place label")
	add.Flags().StringSliceVar(&tiers, "tier", nil, "tiers to store (approach_5mi, approach_3mi, approach_1mi, arrival, post_arrival)")
	add.MarkFlagRequired("lat")
	add.MarkFlagRequired("lon")

	list := &cobra.Command{
		Use:   "list",
		Short: "List task places",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			tasks, err := storage.NewTaskStore(db).ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks yet. Add one with 'nearme tasks add'.")
				return nil
			}
			for _, t := range tasks {
				names := make([]string, len(t.Tiers))
				for i, tier := range t.Tiers {
					names[i] = tier.String()
				}
				label := t.Label
				if label == "" {
					label = "-"
				}
				fmt.Printf("📌 %-20s %-16s %.5f,%.5f  [%s]\n", t.TaskID, label, t.Center.Lat, t.Center.Lon,
					strings.Join(names, " "))
			}
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func parseTiers(names []string) ([]core.GeofenceTier, error) {
	if len(names) == 0 {
		return core.AllTiers, nil
	}
	out := make([]core.GeofenceTier, 0, len(names))
	for _, name := range names {
		tier, err := core.ParseTier(name)
		if err != nil {
			return nil, err
		}
		out = append(out, tier)
	}
	return out, nil
}

func saveTaskPlace(ctx context.Context, store *storage.TaskStore, taskID, label string, center core.Coordinate, tiers []core.GeofenceTier) (int, error) {
	for _, tier := range tiers {
		spec := core.GeofenceSpec{TaskID: taskID, Label: label, Center: center, Tier: tier}
		if err := store.SaveTaskPlace(ctx, spec); err != nil {
			return 0, err
		}
	}
	return len(tiers), nil
}

// metricsCmd manages the persisted metrics
func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Manage battery metrics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Reset the persisted battery metrics",
		Long: `Clears the persisted counters and drain estimate, keeping the last battery
reading. A running daemon overwrites the snapshot on its next write; use
POST /api/v1/metrics/reset against it instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()

			store := storage.NewMetricsStore(db)
			tracker := battery.NewTracker(battery.DefaultConfig(), nil)

			var snap battery.Snapshot
			ok, err := store.Get(ctx, storage.KeyBatteryMetrics, &snap)
			if err != nil {
				return err
			}
			if ok {
				tracker.Restore(snap)
			}
			tracker.Reset()

			if err := store.Put(ctx, storage.KeyBatteryMetrics, tracker.Snapshot()); err != nil {
				return err
			}
			fmt.Println("✅ Metrics reset")
			return nil
		},
	})
	return cmd
}

// versionCmd shows version
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show near-me version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("near-me %s\n", version)
		},
	}
}
