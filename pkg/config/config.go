// Package config loads broker configuration from foreman.yaml or
// foreman.toml, selected by file extension. Missing fields fall back to
// defaults, so an empty file is a valid configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from strings like "15m" in
// both YAML and TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// Config is the full broker configuration surface.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path" toml:"db_path"`

	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`

	// SpoolDir, when set, is watched for dropped JSON task files.
	SpoolDir string `yaml:"spool_dir" toml:"spool_dir"`

	// MaxConcurrentWorkers is the per-account capacity ceiling.
	MaxConcurrentWorkers int `yaml:"max_concurrent_workers" toml:"max_concurrent_workers"`

	WorkerStaleAfter    Duration `yaml:"worker_stale_after" toml:"worker_stale_after"`
	HeartbeatLossAfter  Duration `yaml:"heartbeat_loss_after" toml:"heartbeat_loss_after"`
	PlanApprovalTimeout Duration `yaml:"plan_approval_timeout" toml:"plan_approval_timeout"`
	SweepInterval       Duration `yaml:"sweep_interval" toml:"sweep_interval"`

	// Webhooks maps workspace ids to dispatch webhook URLs.
	Webhooks map[string]string `yaml:"webhooks" toml:"webhooks"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	out := c
	if out.DBPath == "" {
		out.DBPath = "foreman.db"
	}
	if out.ListenAddr == "" {
		out.ListenAddr = "127.0.0.1:7180"
	}
	if out.MaxConcurrentWorkers == 0 {
		out.MaxConcurrentWorkers = 3
	}
	if out.WorkerStaleAfter == 0 {
		out.WorkerStaleAfter = Duration(15 * time.Minute)
	}
	if out.HeartbeatLossAfter == 0 {
		out.HeartbeatLossAfter = Duration(10 * time.Minute)
	}
	if out.PlanApprovalTimeout == 0 {
		out.PlanApprovalTimeout = Duration(24 * time.Hour)
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = Duration(time.Minute)
	}
	return out
}

// Load reads a config file, dispatching on extension (.yaml/.yml/.toml), and
// applies defaults to anything the file leaves unset.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config extension %q (want .yaml, .yml or .toml)", ext)
	}

	return cfg.withDefaults(), nil
}

// LoadOrDefault loads the first existing path from candidates, or the
// defaults when none exists. A file that exists but fails to parse is an
// error, never silently skipped.
func LoadOrDefault(candidates ...string) (Config, error) {
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return Load(path)
	}
	return Default(), nil
}
