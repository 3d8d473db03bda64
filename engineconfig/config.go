// Package engineconfig loads the engine process's bootstrap configuration:
// the --port/--data-dir/--verbose CLI surface (spec section 6) plus the
// event-loop tuning defaults that are not admin-editable at runtime. Layering
// follows defaults < optional YAML file < environment (VAYU_*) < CLI flags,
// koanf's own documented provider-layering idiom.
//
// This is distinct from the settings package (spec's Component B): that
// package is the runtime, storage-backed, admin-editable typed config cache
// reachable via PATCH /config. engineconfig is read once at boot.
package engineconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "VAYU_"

// Config is the engine daemon's complete bootstrap configuration.
type Config struct {
	Port     int    `koanf:"port"`
	DataDir  string `koanf:"data_dir"`
	Verbose  int    `koanf:"verbose"`
	LoopPort int    `koanf:"loop_port"`

	EventLoop EventLoopConfig `koanf:"event_loop"`
	Sandbox   SandboxConfig   `koanf:"sandbox"`
}

// EventLoopConfig holds Component C's tunables (spec section 4.C).
type EventLoopConfig struct {
	Workers           int           `koanf:"workers"`
	RingCapacity       int          `koanf:"ring_capacity"`
	PollTimeout        time.Duration `koanf:"poll_timeout"`
	MaxPerHost         int          `koanf:"max_per_host"`
	MaxGlobal          int          `koanf:"max_global"`
	DNSCacheTTL        time.Duration `koanf:"dns_cache_ttl"`
	KeepAliveIdle      time.Duration `koanf:"keep_alive_idle"`
	KeepAliveInterval  time.Duration `koanf:"keep_alive_interval"`
	DefaultBurstFactor float64       `koanf:"default_burst_factor"`
}

// SandboxConfig holds Component D's tunables (spec section 4.D).
type SandboxConfig struct {
	PoolSize    int           `koanf:"pool_size"`
	MemoryLimit int64         `koanf:"memory_limit_bytes"`
	StackLimit  int           `koanf:"stack_limit_bytes"`
	TimeLimit   time.Duration `koanf:"time_limit"`
}

func defaults() map[string]any {
	return map[string]any{
		"port":      9876,
		"data_dir":  defaultDataDir(),
		"verbose":   1,
		"loop_port": 0,

		"event_loop.workers":              0, // 0 => runtime.NumCPU()
		"event_loop.ring_capacity":        65536,
		"event_loop.poll_timeout":         10 * time.Millisecond,
		"event_loop.max_per_host":         100,
		"event_loop.max_global":           1000,
		"event_loop.dns_cache_ttl":        300 * time.Second,
		"event_loop.keep_alive_idle":      60 * time.Second,
		"event_loop.keep_alive_interval":  30 * time.Second,
		"event_loop.default_burst_factor": 2.0,

		"sandbox.pool_size":          64,
		"sandbox.memory_limit_bytes": int64(64 << 20),
		"sandbox.stack_limit_bytes":  256 << 10,
		"sandbox.time_limit":         5 * time.Second,
	}
}

// defaultDataDir mirrors spec section 6: $XDG_CONFIG_HOME/vayu, or the OS
// equivalent under the user's home directory.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "vayu")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vayu"
	}
	return filepath.Join(home, ".config", "vayu")
}

// Load builds a Config from defaults, an optional YAML file (configPath, or
// the first of the conventional search paths that exists), VAYU_*
// environment variables, and already-parsed CLI flags. flags may be nil to
// skip that layer (used by tests).
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("engineconfig: load defaults: %w", err)
	}

	if path := resolveConfigFile(configPath); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("engineconfig: load file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("engineconfig: load env: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("engineconfig: load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("engineconfig: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolveConfigFile(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}
	for _, candidate := range []string{"vayu.yaml", "vayu.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Validate applies structural sanity checks that don't belong in the wire
// validation layer (settings package) because these never change at runtime.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("engineconfig: port out of range: %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("engineconfig: data_dir must not be empty")
	}
	if c.EventLoop.RingCapacity <= 0 || c.EventLoop.RingCapacity&(c.EventLoop.RingCapacity-1) != 0 {
		return fmt.Errorf("engineconfig: event_loop.ring_capacity must be a power of two, got %d", c.EventLoop.RingCapacity)
	}
	if c.Sandbox.PoolSize <= 0 {
		return fmt.Errorf("engineconfig: sandbox.pool_size must be positive")
	}
	return nil
}
