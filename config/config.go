package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use Go duration
// strings ("90s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the relay server configuration.
type Config struct {
	// Listen is the HTTP/WebSocket bind address.
	Listen string `yaml:"listen"`

	// DatabasePath is the sqlite file for the device store and session
	// audit log. Empty disables persistence.
	DatabasePath string `yaml:"database_path"`

	LogDir   string `yaml:"log_dir"`
	LogLevel string `yaml:"log_level"`

	// HeartbeatTimeout is how long a connection may stay silent before
	// the registry unregisters it.
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`

	// OfflineRetention is how long an offline device record is kept for
	// reconnection before it is purged.
	OfflineRetention Duration `yaml:"offline_retention"`

	// PendingTimeout bounds how long a control request may sit
	// unanswered before it is auto-rejected.
	PendingTimeout Duration `yaml:"pending_timeout"`

	// FrameQueueDepth is the per-session outbound frame queue size;
	// beyond it the oldest frame is dropped and quality is lowered.
	FrameQueueDepth int `yaml:"frame_queue_depth"`

	// MaxFrameBytes caps a single compressed frame payload.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:           ":8822",
		DatabasePath:     "./data/deskrelay.db",
		LogDir:           "log",
		LogLevel:         "info",
		HeartbeatTimeout: Duration(90 * time.Second),
		OfflineRetention: Duration(5 * time.Minute),
		PendingTimeout:   Duration(30 * time.Second),
		FrameQueueDepth:  2,
		MaxFrameBytes:    8 << 20,
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.FrameQueueDepth < 1 {
		return fmt.Errorf("frame_queue_depth must be at least 1")
	}
	if c.MaxFrameBytes < 1 {
		return fmt.Errorf("max_frame_bytes must be positive")
	}
	if c.HeartbeatTimeout.Std() <= 0 || c.PendingTimeout.Std() <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}
