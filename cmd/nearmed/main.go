// nearmed is the near-me daemon: it serves the device bridge, the HTTP API
// and the reminder websocket, and runs the geofence monitor behind them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trilliondigital/near-me-sub005/internal/api"
	"github.com/trilliondigital/near-me-sub005/internal/config"
	"github.com/trilliondigital/near-me-sub005/internal/location"
	"github.com/trilliondigital/near-me-sub005/internal/logging"
	"github.com/trilliondigital/near-me-sub005/internal/monitor"
	"github.com/trilliondigital/near-me-sub005/internal/notifications"
	"github.com/trilliondigital/near-me-sub005/internal/storage"
)

const (
	reminderRetention = 30 * 24 * time.Hour
	shutdownTimeout   = 10 * time.Second
)

var (
	configPath string
	dataDir    string
	port       int
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "nearmed",
		Short:        "near-me daemon - location reminders for your tasks",
		RunE:         runDaemon,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file (JSON or YAML; default <data-dir>/config.json)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	// Local overrides first; godotenv never replaces variables already set
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	return cfg, cfg.Validate()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	log := logging.WithField("component", "nearmed")

	db, err := storage.Open(storage.Config{Path: cfg.DBPath()})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	reminders := notifications.NewService(db, nil)

	bridge := location.NewBridge(location.BridgeConfig{
		EventsPerSecond: cfg.Server.DeviceEventsPerSecond,
		Burst:           cfg.Server.DeviceEventBurst,
		RequestTimeout:  cfg.Registry.RegistrationTimeout(),
	}, nil)
	defer bridge.Close()

	mcfg, err := monitor.FromConfig(cfg)
	if err != nil {
		return err
	}
	mon := monitor.New(mcfg, bridge, reminders, db, nil)

	err = mon.ScheduleMaintenance("reminder-cleanup", "Delete reminders older than the retention period", 24*time.Hour,
		func(ctx context.Context) error {
			n, err := reminders.Cleanup(ctx, reminderRetention)
			if err == nil && n > 0 {
				log.Info("Deleted %d old reminders", n)
			}
			return err
		})
	if err != nil {
		return fmt.Errorf("schedule reminder cleanup: %w", err)
	}

	server := api.New(api.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		Monitor:       mon,
		Notifications: reminders,
		Bridge:        bridge,
		DeviceToken:   cfg.Server.DeviceToken,
	})
	if cfg.Server.DeviceToken == "" {
		log.Warn("No device token configured; any client may attach as the device")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		serverErr := server.Stop(shutdownCtx)
		bridge.Close()
		monitorErr := mon.Stop(shutdownCtx)
		return errors.Join(serverErr, monitorErr)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Goodbye")
	return nil
}
