package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// WorkerConfig describes the supervised worker child process.
type WorkerConfig struct {
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
	InstanceID string            `yaml:"instance_id"`
	// SocketDir holds the per-instance Unix socket. Empty uses <home>/run.
	SocketDir string `yaml:"socket_dir"`

	RestartBackoffMS  int `yaml:"restart_backoff_ms"`
	InitTimeoutMS     int `yaml:"init_timeout_ms"`
	RequestTimeoutMS  int `yaml:"request_timeout_ms"`
	AnalyzeTimeoutMS  int `yaml:"analyze_timeout_ms"`
	ExecuteTimeoutMS  int `yaml:"execute_timeout_ms"`
	NotReadyRequeueMS int `yaml:"not_ready_requeue_ms"`
}

func (w WorkerConfig) RestartBackoff() time.Duration { return ms(w.RestartBackoffMS) }
func (w WorkerConfig) InitTimeout() time.Duration    { return ms(w.InitTimeoutMS) }
func (w WorkerConfig) RequestTimeout() time.Duration { return ms(w.RequestTimeoutMS) }
func (w WorkerConfig) AnalyzeTimeout() time.Duration { return ms(w.AnalyzeTimeoutMS) }
func (w WorkerConfig) ExecuteTimeout() time.Duration { return ms(w.ExecuteTimeoutMS) }
func (w WorkerConfig) NotReadyRequeue() time.Duration {
	return ms(w.NotReadyRequeueMS)
}

// SchedulerConfig bounds the task drainers.
type SchedulerConfig struct {
	CoreConcurrency int `yaml:"core_concurrency"`
	AppConcurrency  int `yaml:"app_concurrency"`
	// PollSchedule is a robfig/cron expression for the safety drain tick, e.g. "@every 5s".
	PollSchedule      string `yaml:"poll_schedule"`
	StaleAfterMinutes int    `yaml:"stale_after_minutes"`
}

func (s SchedulerConfig) StaleAfter() time.Duration {
	return time.Duration(s.StaleAfterMinutes) * time.Minute
}

// StorageConfig is used to presign object URLs handed to the worker.
type StorageConfig struct {
	Endpoint         string `yaml:"endpoint"`
	Bucket           string `yaml:"bucket"`
	SigningKey       string `yaml:"signing_key"`
	URLExpirySeconds int    `yaml:"url_expiry_seconds"`
}

func (s StorageConfig) URLExpiry() time.Duration {
	return time.Duration(s.URLExpirySeconds) * time.Second
}

// AppExecConfig tells the worker how to run an app's code.
type AppExecConfig struct {
	Runtime        string            `yaml:"runtime"`
	Entrypoint     string            `yaml:"entrypoint"`
	Env            map[string]string `yaml:"env"`
	MaxMemoryMB    int               `yaml:"max_memory_mb"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

// AppTaskKind declares a task kind contributed by an installed app.
type AppTaskKind struct {
	Kind string `yaml:"kind"`
	// InputSchema is an optional inline JSON Schema for the task input.
	InputSchema string `yaml:"input_schema"`
}

// AppConfig is an installed app.
type AppConfig struct {
	Identifier string        `yaml:"identifier"`
	UIBundle   string        `yaml:"ui_bundle"`
	Exec       AppExecConfig `yaml:"exec"`
	TaskKinds  []AppTaskKind `yaml:"task_kinds"`
	// Subscribes lists platform event kinds that enqueue this app's tasks,
	// keyed by event kind with the task kind as value.
	Subscribes map[string]string `yaml:"subscribes"`
}

type GatewayConfig struct {
	BindAddr     string   `yaml:"bind_addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`

	// Upgrade attempts per client per minute; BurstSize caps the bucket.
	ConnectsPerMinute int `yaml:"connects_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Apps      []AppConfig     `yaml:"apps"`
}

// App returns the installed app with the given identifier.
func (c Config) App(identifier string) (AppConfig, bool) {
	for _, app := range c.Apps {
		if app.Identifier == identifier {
			return app, true
		}
	}
	return AppConfig{}, false
}

// SocketDir returns the effective socket directory.
func (c Config) SocketDir() string {
	if c.Worker.SocketDir != "" {
		return c.Worker.SocketDir
	}
	return filepath.Join(c.HomeDir, "run")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect scheduling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "core=%d|app=%d|poll=%s|cmd=%s|args=%v|log=%s|apps=%d",
		c.Scheduler.CoreConcurrency, c.Scheduler.AppConcurrency, c.Scheduler.PollSchedule,
		c.Worker.Command, c.Worker.Args, c.LogLevel, len(c.Apps))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Worker: WorkerConfig{
			InstanceID:        "default",
			RestartBackoffMS:  5000,
			InitTimeoutMS:     10000,
			RequestTimeoutMS:  60000,
			AnalyzeTimeoutMS:  300000,
			ExecuteTimeoutMS:  600000,
			NotReadyRequeueMS: 10000,
		},
		Scheduler: SchedulerConfig{
			CoreConcurrency:   10,
			AppConcurrency:    5,
			PollSchedule:      "@every 5s",
			StaleAfterMinutes: 60,
		},
		Storage: StorageConfig{
			Endpoint:         "http://127.0.0.1:9000",
			Bucket:           "stowage",
			URLExpirySeconds: 3600,
		},
		Gateway: GatewayConfig{
			BindAddr:          "127.0.0.1:18790",
			ConnectsPerMinute: 60,
			BurstSize:         10,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("STOWAGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".stowage")
}

// Load reads config.yaml from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml on top of the defaults, then applies
// environment overrides and validation. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create stowage home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "stowage.db")
	}
	if strings.TrimSpace(cfg.Worker.InstanceID) == "" {
		cfg.Worker.InstanceID = def.Worker.InstanceID
	}
	positive(&cfg.Worker.RestartBackoffMS, def.Worker.RestartBackoffMS)
	positive(&cfg.Worker.InitTimeoutMS, def.Worker.InitTimeoutMS)
	positive(&cfg.Worker.RequestTimeoutMS, def.Worker.RequestTimeoutMS)
	positive(&cfg.Worker.AnalyzeTimeoutMS, def.Worker.AnalyzeTimeoutMS)
	positive(&cfg.Worker.ExecuteTimeoutMS, def.Worker.ExecuteTimeoutMS)
	positive(&cfg.Worker.NotReadyRequeueMS, def.Worker.NotReadyRequeueMS)
	positive(&cfg.Scheduler.CoreConcurrency, def.Scheduler.CoreConcurrency)
	positive(&cfg.Scheduler.AppConcurrency, def.Scheduler.AppConcurrency)
	positive(&cfg.Scheduler.StaleAfterMinutes, def.Scheduler.StaleAfterMinutes)
	if strings.TrimSpace(cfg.Scheduler.PollSchedule) == "" {
		cfg.Scheduler.PollSchedule = def.Scheduler.PollSchedule
	}
	positive(&cfg.Storage.URLExpirySeconds, def.Storage.URLExpirySeconds)
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = def.Gateway.BindAddr
	}
	positive(&cfg.Gateway.ConnectsPerMinute, def.Gateway.ConnectsPerMinute)
	positive(&cfg.Gateway.BurstSize, def.Gateway.BurstSize)
}

func validate(cfg Config) error {
	if _, err := cron.ParseStandard(cfg.Scheduler.PollSchedule); err != nil {
		return fmt.Errorf("scheduler.poll_schedule %q: %w", cfg.Scheduler.PollSchedule, err)
	}
	seen := make(map[string]bool, len(cfg.Apps))
	for _, app := range cfg.Apps {
		if strings.TrimSpace(app.Identifier) == "" {
			return fmt.Errorf("apps: identifier is required")
		}
		if seen[app.Identifier] {
			return fmt.Errorf("apps: duplicate identifier %q", app.Identifier)
		}
		seen[app.Identifier] = true
		for _, tk := range app.TaskKinds {
			if strings.TrimSpace(tk.Kind) == "" {
				return fmt.Errorf("apps[%s]: task kind is required", app.Identifier)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STOWAGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STOWAGE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("STOWAGE_WORKER_COMMAND"); raw != "" {
		cfg.Worker.Command = raw
	}
	if raw := os.Getenv("STOWAGE_CORE_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.CoreConcurrency = v
		}
	}
	if raw := os.Getenv("STOWAGE_APP_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.AppConcurrency = v
		}
	}
	if raw := os.Getenv("STOWAGE_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("STOWAGE_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("STOWAGE_SIGNING_KEY"); raw != "" {
		cfg.Storage.SigningKey = raw
	}
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
