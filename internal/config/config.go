// Package config handles NearMe configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Server
	Server ServerConfig `json:"server" yaml:"server"`

	// Core
	Registry     RegistryConfig     `json:"registry" yaml:"registry"`
	Debounce     DebounceConfig     `json:"debounce" yaml:"debounce"`
	Battery      BatteryConfig      `json:"battery" yaml:"battery"`
	Optimization OptimizationConfig `json:"optimization" yaml:"optimization"`
	Processor    ProcessorConfig    `json:"processor" yaml:"processor"`
	Queue        QueueConfig        `json:"queue" yaml:"queue"`

	// Ambient
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig for the HTTP API and device bridge
type ServerConfig struct {
	Port        int    `json:"port" yaml:"port"`
	Host        string `json:"host" yaml:"host"`
	DeviceToken string `json:"device_token,omitempty" yaml:"device_token,omitempty"`
	// Inbound device frames allowed per second, with burst.
	DeviceEventsPerSecond float64 `json:"device_events_per_second" yaml:"device_events_per_second"`
	DeviceEventBurst      int     `json:"device_event_burst" yaml:"device_event_burst"`
}

// RegistryConfig for the geofence registry
type RegistryConfig struct {
	// PlatformCapacity is the OS ceiling on concurrently monitored regions.
	PlatformCapacity      int `json:"platform_capacity" yaml:"platform_capacity"`
	RegistrationTimeoutMs int `json:"registration_timeout_ms" yaml:"registration_timeout_ms"`
}

// DebounceConfig for the transition debouncer
type DebounceConfig struct {
	EnterCooldownMs int `json:"enter_cooldown_ms" yaml:"enter_cooldown_ms"`
}

// BatteryConfig for the metrics tracker
type BatteryConfig struct {
	DailyTargetPercent float64 `json:"daily_target_percent" yaml:"daily_target_percent"`
	MinDrainWindowSec  int     `json:"min_drain_window_sec" yaml:"min_drain_window_sec"`
}

// OptimizationConfig for the optimization controller
type OptimizationConfig struct {
	AnalysisIntervalSec int    `json:"analysis_interval_sec" yaml:"analysis_interval_sec"`
	StepDownCooldownSec int    `json:"step_down_cooldown_sec" yaml:"step_down_cooldown_sec"`
	PersistIntervalSec  int    `json:"persist_interval_sec" yaml:"persist_interval_sec"`
	InitialLevel        string `json:"initial_level" yaml:"initial_level"`
}

// ProcessorConfig for event processing and dispatch retries
type ProcessorConfig struct {
	MaxAttempts       int `json:"max_attempts" yaml:"max_attempts"`
	BackoffBaseMs     int `json:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffMaxMs      int `json:"backoff_max_ms" yaml:"backoff_max_ms"`
	BatchWindowMs     int `json:"batch_window_ms" yaml:"batch_window_ms"`
	DispatchTimeoutMs int `json:"dispatch_timeout_ms" yaml:"dispatch_timeout_ms"`
}

// QueueConfig for the background work queue
type QueueConfig struct {
	Workers int `json:"workers" yaml:"workers"`
}

// StorageConfig for the local database
type StorageConfig struct {
	DBFile string `json:"db_file" yaml:"db_file"`
}

// LoggingConfig for the logger
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".nearme"),
		Server: ServerConfig{
			Port:                  8080,
			Host:                  "localhost",
			DeviceEventsPerSecond: 20,
			DeviceEventBurst:      50,
		},
		Registry: RegistryConfig{
			PlatformCapacity:      20,
			RegistrationTimeoutMs: 10000,
		},
		Debounce: DebounceConfig{
			EnterCooldownMs: 30000,
		},
		Battery: BatteryConfig{
			DailyTargetPercent: 3.0,
			MinDrainWindowSec:  300,
		},
		Optimization: OptimizationConfig{
			AnalysisIntervalSec: 900,
			StepDownCooldownSec: 900,
			PersistIntervalSec:  300,
			InitialLevel:        "balanced",
		},
		Processor: ProcessorConfig{
			MaxAttempts:       3,
			BackoffBaseMs:     2000,
			BackoffMaxMs:      30000,
			BatchWindowMs:     250,
			DispatchTimeoutMs: 10000,
		},
		Queue: QueueConfig{
			Workers: 4,
		},
		Storage: StorageConfig{
			DBFile: "nearme.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads config from file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	// Data dir from env decides where the default config file lives
	if dir := os.Getenv("NEARME_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err == nil {
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides file values from the environment
func (c *Config) applyEnv() error {
	if dir := os.Getenv("NEARME_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if port := os.Getenv("NEARME_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("NEARME_PORT: %w", err)
		}
		c.Server.Port = p
	}
	if level := os.Getenv("NEARME_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if token := os.Getenv("NEARME_DEVICE_TOKEN"); token != "" {
		c.Server.DeviceToken = token
	}
	return nil
}

// Validate rejects values the core cannot run with
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port out of range")
	}
	if c.Registry.PlatformCapacity <= 0 {
		problems = append(problems, "registry.platform_capacity must be positive")
	}
	if c.Debounce.EnterCooldownMs < 0 {
		problems = append(problems, "debounce.enter_cooldown_ms must not be negative")
	}
	if c.Battery.DailyTargetPercent <= 0 {
		problems = append(problems, "battery.daily_target_percent must be positive")
	}
	if c.Optimization.AnalysisIntervalSec <= 0 {
		problems = append(problems, "optimization.analysis_interval_sec must be positive")
	}
	if c.Processor.MaxAttempts <= 0 {
		problems = append(problems, "processor.max_attempts must be positive")
	}
	if c.Queue.Workers <= 0 {
		problems = append(problems, "queue.workers must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Don't save the device token to file
	safeCfg := *c
	safeCfg.Server.DeviceToken = ""

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(safeCfg)
	} else {
		data, err = json.MarshalIndent(safeCfg, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// DBPath returns the database file location
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, c.Storage.DBFile)
}

// Duration helpers

func (c RegistryConfig) RegistrationTimeout() time.Duration {
	return time.Duration(c.RegistrationTimeoutMs) * time.Millisecond
}

func (c DebounceConfig) EnterCooldown() time.Duration {
	return time.Duration(c.EnterCooldownMs) * time.Millisecond
}

func (c BatteryConfig) MinDrainWindow() time.Duration {
	return time.Duration(c.MinDrainWindowSec) * time.Second
}

func (c OptimizationConfig) AnalysisInterval() time.Duration {
	return time.Duration(c.AnalysisIntervalSec) * time.Second
}

func (c OptimizationConfig) StepDownCooldown() time.Duration {
	return time.Duration(c.StepDownCooldownSec) * time.Second
}

func (c OptimizationConfig) PersistInterval() time.Duration {
	return time.Duration(c.PersistIntervalSec) * time.Second
}

func (c ProcessorConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c ProcessorConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

func (c ProcessorConfig) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMs) * time.Millisecond
}

func (c ProcessorConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutMs) * time.Millisecond
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
