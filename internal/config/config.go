// Package config loads the daemon/CLI-facing settings: queue
// capacities, per-job timeout, the fingerprint store backend, and the
// telemetry endpoint, layered from defaults, an optional YAML file, and
// environment variables via viper.
package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// StoreConfig selects and configures the fingerprint store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // mem | bolt | badger
	Path    string `mapstructure:"path"`
	Bucket  string `mapstructure:"bucket"`
}

// TelemetryConfig configures the OTLP exporters and structured logging.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	JSONLog      bool   `mapstructure:"json_log"`
	LogLevel     string `mapstructure:"log_level"`
}

// TriggersConfig configures the cron/event re-triggering subsystem.
type TriggersConfig struct {
	NATSURL      string `mapstructure:"nats_url"`
	SchedulesDB  string `mapstructure:"schedules_db"`
}

// Config is the full, mutable configuration surface of buildgraphd.
// Queues and JobTimeout are the only fields safe to swap in on a
// running daemon; DAG structure itself is frozen per run, by design.
type Config struct {
	Queues     map[string]int `mapstructure:"queues"`
	JobTimeout time.Duration  `mapstructure:"job_timeout"`

	Store     StoreConfig     `mapstructure:"store"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Triggers  TriggersConfig  `mapstructure:"triggers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queues", map[string]int{"default": 1})
	v.SetDefault("job_timeout", "24h")

	v.SetDefault("store.backend", "mem")
	v.SetDefault("store.path", "buildgraph.db")
	v.SetDefault("store.bucket", "fingerprints")

	v.SetDefault("telemetry.json_log", false)
	v.SetDefault("telemetry.log_level", "info")

	v.SetDefault("triggers.schedules_db", "buildgraph.db")
}

// Watcher wraps the loaded Config behind a mutex and refreshes it in
// place as the backing file changes, so callers always read through
// Current() rather than holding a stale copy.
type Watcher struct {
	mu  sync.RWMutex
	cur *Config
	v   *viper.Viper
}

// Load reads configuration from path (if non-empty) layered over
// defaults and BUILDGRAPH_-prefixed environment variables. When path is
// non-empty it also arms a fsnotify-backed watch so a running daemon
// can pick up queue-capacity and job-timeout edits without a restart --
// every other field requires a restart to take effect.
func Load(path string) (*Watcher, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BUILDGRAPH")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	w := &Watcher{cur: cfg, v: v}
	if path != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			next, err := unmarshal(v)
			if err != nil {
				slog.Warn("config reload failed, keeping previous values", "file", e.Name, "error", err)
				return
			}
			w.mu.Lock()
			w.cur.Queues = next.Queues
			w.cur.JobTimeout = next.JobTimeout
			w.mu.Unlock()
			slog.Info("config reloaded", "file", e.Name)
		})
		v.WatchConfig()
	}
	return w, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = map[string]int{"default": 1}
	}
	return &cfg, nil
}

// Current returns a snapshot of the live configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return *w.cur
}
