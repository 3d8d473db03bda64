// Package settings implements the engine's runtime, admin-editable
// configuration cache (spec section 4.B) — distinct from engineconfig, which
// is the process bootstrap layer read once at startup. Settings live in the
// config table (storage.Store's ListConfig/UpsertConfig) and are mutable for the lifetime of the
// process via the control plane's PATCH /config endpoint.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/vayu-dev/vayu-engine/logger"
	"github.com/vayu-dev/vayu-engine/storage"
	"github.com/vayu-dev/vayu-engine/vayuerr"
)

// Definition describes one settable key: its type, default, and optional
// bounds, mirroring the logger's own RWMutex-guarded level field idiom —
// one authoritative cached value, rebuilt wholesale on write or reload.
type Definition struct {
	Key         string
	Type        string // "int" | "string" | "bool" | "double"
	Default     string
	Description string
	Min, Max    float64 // only enforced when Type is "int" or "double" and MinMaxSet
	MinMaxSet   bool
}

// Defaults returns the built-in set of tunables an admin may edit at
// runtime, matching spec section 4.B's examples (rate limits, sandbox
// caps, sampling rate).
func Defaults() []Definition {
	return []Definition{
		{Key: "default_burst_factor", Type: "double", Default: "1.5", MinMaxSet: true, Min: 1.0, Max: 10.0,
			Description: "token bucket burst size as a multiple of the configured rate"},
		{Key: "max_per_host", Type: "int", Default: "64", MinMaxSet: true, Min: 1, Max: 100000,
			Description: "max concurrent connections to a single host"},
		{Key: "max_global_connections", Type: "int", Default: "10000", MinMaxSet: true, Min: 1, Max: 1000000,
			Description: "max concurrent connections across all hosts"},
		{Key: "sample_rate", Type: "int", Default: "100", MinMaxSet: true, Min: 1, Max: 1000000,
			Description: "record every Nth response/latency sample"},
		{Key: "max_samples", Type: "int", Default: "1000", MinMaxSet: true, Min: 1, Max: 1000000,
			Description: "cap on retained response samples per run"},
		{Key: "sandbox_pool_size", Type: "int", Default: "64", MinMaxSet: true, Min: 1, Max: 10000,
			Description: "number of pooled script runtimes"},
		{Key: "sandbox_time_limit_ms", Type: "int", Default: "50", MinMaxSet: true, Min: 1, Max: 60000,
			Description: "max wall-clock time a pre/post-request script may run"},
	}
}

// Store is a process-wide, thread-safe typed configuration cache. Reads are
// not lock-free: every read takes a brief read lock to copy the current
// value out, while Load swaps in a new map and Set updates one entry under
// the write lock, mirroring the logger's own pattern of guarding mutable
// state with sync.RWMutex.
type Store struct {
	repo *storage.Store
	log  *logger.Logger

	mu    sync.RWMutex
	defs  map[string]Definition
	cache map[string]string
}

// New builds a Store over repo with the given key definitions (normally
// Defaults()). It does not read from storage; call Load to hydrate the
// cache from persisted rows, falling back to each Definition's Default.
func New(repo *storage.Store, log *logger.Logger, defs []Definition) *Store {
	defMap := make(map[string]Definition, len(defs))
	for _, d := range defs {
		defMap[d.Key] = d
	}
	return &Store{repo: repo, log: log, defs: defMap, cache: make(map[string]string)}
}

// Load hydrates the cache from storage, seeding any key with no persisted
// row from its Definition default and writing that default back so the
// config table always reflects the full set of known keys.
func (s *Store) Load(ctx context.Context) error {
	rows, err := s.repo.ListConfig(ctx)
	if err != nil {
		return fmt.Errorf("settings: load: %w", err)
	}
	persisted := make(map[string]string, len(rows))
	for _, r := range rows {
		persisted[r.Key] = r.Value
	}

	next := make(map[string]string, len(s.defs))
	for key, def := range s.defs {
		if v, ok := persisted[key]; ok {
			next[key] = v
			continue
		}
		next[key] = def.Default
		if err := s.repo.UpsertConfig(ctx, storage.ConfigEntry{
			Key: key, Value: def.Default, Type: def.Type, Description: def.Description,
		}); err != nil {
			return fmt.Errorf("settings: seed default %q: %w", key, err)
		}
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()
	return nil
}

// Reload re-reads every row from storage, replacing the cache wholesale.
// Used when an operator edits the config table out-of-band.
func (s *Store) Reload(ctx context.Context) error {
	return s.Load(ctx)
}

func (s *Store) get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

// GetString returns key's raw cached value, or def if unset.
func (s *Store) GetString(key, def string) string {
	if v, ok := s.get(key); ok {
		return v
	}
	return def
}

// GetInt returns key's value parsed as an int, or def if unset or
// unparseable. Unparseable stored values indicate corruption outside the
// write path (which validates), so they are logged rather than surfaced
// as an error to callers on the hot path.
func (s *Store) GetInt(key string, def int) int {
	v, ok := s.get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.log.Errorf("settings: key %q has non-int value %q, using default", key, v)
		return def
	}
	return n
}

// GetBool returns key's value parsed as a bool, or def if unset or
// unparseable.
func (s *Store) GetBool(key string, def bool) bool {
	v, ok := s.get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		s.log.Errorf("settings: key %q has non-bool value %q, using default", key, v)
		return def
	}
	return b
}

// GetDouble returns key's value parsed as a float64, or def if unset or
// unparseable.
func (s *Store) GetDouble(key string, def float64) float64 {
	v, ok := s.get(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.log.Errorf("settings: key %q has non-float value %q, using default", key, v)
		return def
	}
	return f
}

// Set validates and persists a new value for key, then updates the cache.
// Unknown keys are rejected with vayuerr.KindNotFound; type mismatches and
// out-of-range numeric values are rejected with vayuerr.KindEngineError
// (this is a config-write failure, not a request error).
func (s *Store) Set(ctx context.Context, key, value string) error {
	def, ok := s.defs[key]
	if !ok {
		return vayuerr.New(vayuerr.KindNotFound, fmt.Sprintf("unknown config key %q", key))
	}
	if err := validate(def, value); err != nil {
		return err
	}

	if err := s.repo.UpsertConfig(ctx, storage.ConfigEntry{
		Key: key, Value: value, Type: def.Type, Description: def.Description,
	}); err != nil {
		return vayuerr.Wrap(vayuerr.KindEngineError, "persist config", err)
	}

	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}

// All returns a point-in-time copy of every known key's current value, for
// the control plane's GET /config endpoint; Definitions returns the
// key definitions.
func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out
}

// Definitions returns the known key definitions, keyed by name.
func (s *Store) Definitions() map[string]Definition {
	out := make(map[string]Definition, len(s.defs))
	for k, v := range s.defs {
		out[k] = v
	}
	return out
}

func validate(def Definition, value string) error {
	switch def.Type {
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return vayuerr.New(vayuerr.KindEngineError, fmt.Sprintf("%q must be an integer", def.Key))
		}
		if def.MinMaxSet && (float64(n) < def.Min || float64(n) > def.Max) {
			return vayuerr.New(vayuerr.KindEngineError, fmt.Sprintf("%q must be between %v and %v", def.Key, def.Min, def.Max))
		}
	case "double":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return vayuerr.New(vayuerr.KindEngineError, fmt.Sprintf("%q must be a number", def.Key))
		}
		if def.MinMaxSet && (f < def.Min || f > def.Max) {
			return vayuerr.New(vayuerr.KindEngineError, fmt.Sprintf("%q must be between %v and %v", def.Key, def.Min, def.Max))
		}
	case "bool":
		if _, err := strconv.ParseBool(value); err != nil {
			return vayuerr.New(vayuerr.KindEngineError, fmt.Sprintf("%q must be a boolean", def.Key))
		}
	case "string":
		// no constraint beyond presence
	default:
		return vayuerr.New(vayuerr.KindEngineError, fmt.Sprintf("unknown type %q for key %q", def.Type, def.Key))
	}
	return nil
}
