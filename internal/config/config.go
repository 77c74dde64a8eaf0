// Package config loads slotctl settings: built-in defaults, then an optional
// YAML file, then SLOTCTL_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/slotctl/internal/cluster"
)

// EnvPrefix prefixes every environment override. The variable for key
// "migration.executor_bin" is SLOTCTL_MIGRATION_EXECUTOR_BIN.
const EnvPrefix = "SLOTCTL_"

// Config is the complete process configuration.
type Config struct {
	ListenAddr string          `mapstructure:"listen_addr" yaml:"listen_addr"`
	RESPAddr   string          `mapstructure:"resp_addr" yaml:"resp_addr"`
	Coord      CoordConfig     `mapstructure:"coord" yaml:"coord"`
	SlotMap    SlotMapConfig   `mapstructure:"slotmap" yaml:"slotmap"`
	Registry   RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Migration  MigrationConfig `mapstructure:"migration" yaml:"migration"`
	Stat       StatConfig      `mapstructure:"stat" yaml:"stat"`
	Health     HealthConfig    `mapstructure:"health" yaml:"health"`
}

// CoordConfig selects and configures the coordination store.
type CoordConfig struct {
	// Backend is one of "zookeeper", "badger" or "memory".
	Backend string        `mapstructure:"backend" yaml:"backend"`
	Servers []string      `mapstructure:"servers" yaml:"servers"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// DataDir is used by the badger backend; empty means in-memory.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// Endpoint is the coordination address handed to external executors.
func (c CoordConfig) Endpoint() string {
	if len(c.Servers) == 0 {
		return c.Backend
	}
	return strings.Join(c.Servers, ",")
}

type SlotMapConfig struct {
	SnapshotPath string `mapstructure:"snapshot_path" yaml:"snapshot_path"`
}

type RegistryConfig struct {
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ProbeAttempts int           `mapstructure:"probe_attempts" yaml:"probe_attempts"`
	// ProvisionBin, when set, is run before a node record is written.
	ProvisionBin string `mapstructure:"provision_bin" yaml:"provision_bin"`
}

type MigrationConfig struct {
	ExecutorBin     string        `mapstructure:"executor_bin" yaml:"executor_bin"`
	ExecutorTimeout time.Duration `mapstructure:"executor_timeout" yaml:"executor_timeout"`
	CommitAttempts  int           `mapstructure:"commit_attempts" yaml:"commit_attempts"`
	CommitBackoff   time.Duration `mapstructure:"commit_backoff" yaml:"commit_backoff"`
	History         int           `mapstructure:"history" yaml:"history"`
}

type StatConfig struct {
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ProbeAttempts int           `mapstructure:"probe_attempts" yaml:"probe_attempts"`
	MemInfoPort   int           `mapstructure:"meminfo_port" yaml:"meminfo_port"`
}

type HealthConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		RESPAddr:   ":7379",
		Coord: CoordConfig{
			Backend: "zookeeper",
			Servers: []string{"127.0.0.1:2181"},
			Timeout: 3 * time.Second,
		},
		SlotMap: SlotMapConfig{
			SnapshotPath: "./slotmap",
		},
		Registry: RegistryConfig{
			ProbeTimeout:  time.Second,
			ProbeAttempts: 2,
		},
		Migration: MigrationConfig{
			ExecutorBin:     "./migrate",
			ExecutorTimeout: 10 * time.Minute,
			CommitAttempts:  3,
			CommitBackoff:   200 * time.Millisecond,
			History:         256,
		},
		Stat: StatConfig{
			ProbeTimeout:  100 * time.Millisecond,
			ProbeAttempts: 2,
			MemInfoPort:   33333,
		},
		Health: HealthConfig{
			Interval:    5 * time.Second,
			MaxFailures: 3,
		},
	}
}

// keys lists every setting that can be overridden from the environment.
var keys = []string{
	"listen_addr",
	"resp_addr",
	"coord.backend",
	"coord.servers",
	"coord.timeout",
	"coord.data_dir",
	"slotmap.snapshot_path",
	"registry.probe_timeout",
	"registry.probe_attempts",
	"registry.provision_bin",
	"migration.executor_bin",
	"migration.executor_timeout",
	"migration.commit_attempts",
	"migration.commit_backoff",
	"migration.history",
	"stat.probe_timeout",
	"stat.probe_attempts",
	"stat.meminfo_port",
	"health.interval",
	"health.max_failures",
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load reads path (if not empty) and the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	raw := make(map[string]any)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: parse config %s: %v", cluster.ErrValidation, path, err)
		}
	}

	for _, key := range keys {
		if v := getenv(EnvName(key)); v != "" {
			setKey(raw, key, v)
		}
	}

	cfg := Default()
	if err := decode(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", cluster.ErrValidation, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setKey(raw map[string]any, key, value string) {
	parts := strings.Split(key, ".")
	m := raw
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func decode(raw map[string]any, out *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	var problems []string

	if c.ListenAddr == "" {
		problems = append(problems, "listen_addr is required")
	}
	switch c.Coord.Backend {
	case "zookeeper":
		if len(c.Coord.Servers) == 0 {
			problems = append(problems, "coord.servers is required for zookeeper")
		}
	case "badger", "memory":
	default:
		problems = append(problems, fmt.Sprintf("coord.backend %q unknown", c.Coord.Backend))
	}
	if c.Coord.Timeout <= 0 {
		problems = append(problems, "coord.timeout must be positive")
	}
	if c.SlotMap.SnapshotPath == "" {
		problems = append(problems, "slotmap.snapshot_path is required")
	}
	if c.Registry.ProbeTimeout <= 0 || c.Registry.ProbeAttempts < 1 {
		problems = append(problems, "registry probe timeout and attempts must be positive")
	}
	if c.Migration.ExecutorTimeout <= 0 {
		problems = append(problems, "migration.executor_timeout must be positive")
	}
	if c.Migration.CommitAttempts < 1 {
		problems = append(problems, "migration.commit_attempts must be at least 1")
	}
	if c.Migration.History < 0 {
		problems = append(problems, "migration.history must not be negative")
	}
	if c.Stat.ProbeTimeout <= 0 || c.Stat.ProbeAttempts < 1 {
		problems = append(problems, "stat probe timeout and attempts must be positive")
	}
	if c.Health.Interval <= 0 || c.Health.MaxFailures < 1 {
		problems = append(problems, "health interval and max_failures must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", cluster.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}
