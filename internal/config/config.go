// Package config defines the orchestrator configuration: pool bounds, batch
// sizing, health monitoring cadence, backend selection strategy, rate
// limiting, and audit sink destinations.
//
// Configuration is plain structured values loaded from a TOML file, with
// environment variable overrides applied on top (SWITCHBOARD_* prefix).
// Validation happens once at load; components receive already-validated
// sub-structs and may treat them as correct by construction.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "SWITCHBOARD"

// Duration wraps time.Duration for TOML string parsing ("30s", "2m").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML and envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level orchestrator configuration.
type Config struct {
	Pool     PoolConfig      `toml:"pool"`
	Batch    BatchConfig     `toml:"batch"`
	Cache    CacheConfig     `toml:"cache"`
	Manager  ManagerConfig   `toml:"manager"`
	Security SecurityConfig  `toml:"security"`
	Audit    AuditConfig     `toml:"audit"`
	Session  SessionConfig   `toml:"session"`
	Metrics  MetricsConfig   `toml:"metrics"`
	Backends []BackendConfig `toml:"backends" ignored:"true"`
}

// BackendConfig declares one backend registration for the daemon.
type BackendConfig struct {
	ID     string `toml:"id"`
	Type   string `toml:"type"` // "tmux" or "remote"
	Weight int    `toml:"weight"`

	// Tmux options.
	SocketName     string   `toml:"socket_name"`
	CommandTimeout Duration `toml:"command_timeout"`

	// Remote options.
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MinConnections int      `toml:"min_connections" envconfig:"POOL_MIN"`
	MaxConnections int      `toml:"max_connections" envconfig:"POOL_MAX"`
	AcquireTimeout Duration `toml:"acquire_timeout" envconfig:"POOL_ACQUIRE_TIMEOUT"`
	IdleTimeout    Duration `toml:"idle_timeout" envconfig:"POOL_IDLE_TIMEOUT"`
	ProbeInterval  Duration `toml:"probe_interval" envconfig:"POOL_PROBE_INTERVAL"`
}

// BatchConfig controls command batching.
type BatchConfig struct {
	MaxBatchSize int      `toml:"max_batch_size" envconfig:"BATCH_MAX_SIZE"`
	MaxWait      Duration `toml:"max_wait" envconfig:"BATCH_MAX_WAIT"`
	MaxInFlight  int      `toml:"max_in_flight" envconfig:"BATCH_MAX_IN_FLIGHT"`

	// Adaptive enables latency-driven batch size tuning. PerfThreshold is
	// the per-batch latency above which the target size shrinks; latency
	// under half the threshold lets it grow again. Tunable policy, not a
	// correctness invariant.
	Adaptive      bool     `toml:"adaptive" envconfig:"BATCH_ADAPTIVE"`
	PerfThreshold Duration `toml:"perf_threshold" envconfig:"BATCH_PERF_THRESHOLD"`
}

// CacheConfig controls the session metadata cache.
type CacheConfig struct {
	TTL           Duration `toml:"ttl" envconfig:"CACHE_TTL"`
	MaxEntries    int      `toml:"max_entries" envconfig:"CACHE_MAX_ENTRIES"`
	SweepInterval Duration `toml:"sweep_interval" envconfig:"CACHE_SWEEP_INTERVAL"`
}

// ManagerConfig controls backend selection, health monitoring, and failover.
type ManagerConfig struct {
	// Strategy selects the backend routing policy: primary_fallback,
	// performance, health, round_robin, weighted_random, least_connections.
	Strategy string `toml:"strategy" envconfig:"MANAGER_STRATEGY"`

	HealthInterval Duration `toml:"health_interval" envconfig:"MANAGER_HEALTH_INTERVAL"`

	// FailureThreshold consecutive probe failures flip a backend to
	// unhealthy; RecoveryThreshold consecutive successes flip it back.
	// Hysteresis between the two prevents flapping.
	FailureThreshold  int `toml:"failure_threshold" envconfig:"MANAGER_FAILURE_THRESHOLD"`
	RecoveryThreshold int `toml:"recovery_threshold" envconfig:"MANAGER_RECOVERY_THRESHOLD"`

	MaxRetries   int      `toml:"max_retries" envconfig:"MANAGER_MAX_RETRIES"`
	RetryBackoff Duration `toml:"retry_backoff" envconfig:"MANAGER_RETRY_BACKOFF"`
	DrainGrace   Duration `toml:"drain_grace" envconfig:"MANAGER_DRAIN_GRACE"`

	// OperationTimeout is the default deadline wrapped around every
	// backend-touching call.
	OperationTimeout Duration `toml:"operation_timeout" envconfig:"MANAGER_OPERATION_TIMEOUT"`

	// ABTesting enables sticky per-identity variant routing.
	ABTesting bool `toml:"ab_testing" envconfig:"MANAGER_AB_TESTING"`
}

// SecurityConfig controls the secure command executor.
type SecurityConfig struct {
	MaxCommandLength      int      `toml:"max_command_length" envconfig:"SECURITY_MAX_COMMAND_LENGTH"`
	AllowedRoot           string   `toml:"allowed_root" envconfig:"SECURITY_ALLOWED_ROOT"`
	RateLimitWindow       Duration `toml:"rate_limit_window" envconfig:"SECURITY_RATE_WINDOW"`
	RateLimitBudget       int      `toml:"rate_limit_budget" envconfig:"SECURITY_RATE_BUDGET"`
	BlockDuration         Duration `toml:"block_duration" envconfig:"SECURITY_BLOCK_DURATION"`
	MaxConcurrentCommands int      `toml:"max_concurrent_commands" envconfig:"SECURITY_MAX_CONCURRENT"`
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	// FilePath, when set, appends audit events as JSONL to this file.
	FilePath string `toml:"file_path" envconfig:"AUDIT_FILE"`

	// DatabasePath, when set, persists audit events to a sqlite database.
	DatabasePath string `toml:"database_path" envconfig:"AUDIT_DB"`

	// MemoryEvents is the size of the in-memory recent-events ring.
	MemoryEvents int `toml:"memory_events" envconfig:"AUDIT_MEMORY_EVENTS"`
}

// SessionConfig controls session lifecycle defaults.
type SessionConfig struct {
	CaptureBufferChunks int      `toml:"capture_buffer_chunks" envconfig:"SESSION_CAPTURE_CHUNKS"`
	InactivityTimeout   Duration `toml:"inactivity_timeout" envconfig:"SESSION_INACTIVITY_TIMEOUT"`
	JanitorInterval     Duration `toml:"janitor_interval" envconfig:"SESSION_JANITOR_INTERVAL"`
	CaptureInterval     Duration `toml:"capture_interval" envconfig:"SESSION_CAPTURE_INTERVAL"`
}

// MetricsConfig controls the metrics exporter.
type MetricsConfig struct {
	// ListenAddr, when set, serves prometheus metrics on /metrics.
	ListenAddr string `toml:"listen_addr" envconfig:"METRICS_LISTEN"`
}

// Default returns a Config with sample defaults. The numeric thresholds are
// tunable policy; nothing depends on these exact values for correctness.
func Default() Config {
	return Config{
		Pool: PoolConfig{
			MinConnections: 1,
			MaxConnections: 8,
			AcquireTimeout: Duration(5 * time.Second),
			IdleTimeout:    Duration(2 * time.Minute),
			ProbeInterval:  Duration(30 * time.Second),
		},
		Batch: BatchConfig{
			MaxBatchSize:  16,
			MaxWait:       Duration(25 * time.Millisecond),
			MaxInFlight:   4,
			Adaptive:      true,
			PerfThreshold: Duration(250 * time.Millisecond),
		},
		Cache: CacheConfig{
			TTL:           Duration(5 * time.Second),
			MaxEntries:    512,
			SweepInterval: Duration(10 * time.Second),
		},
		Manager: ManagerConfig{
			Strategy:          "primary_fallback",
			HealthInterval:    Duration(10 * time.Second),
			FailureThreshold:  3,
			RecoveryThreshold: 2,
			MaxRetries:        2,
			RetryBackoff:      Duration(200 * time.Millisecond),
			DrainGrace:        Duration(10 * time.Second),
			OperationTimeout:  Duration(15 * time.Second),
		},
		Security: SecurityConfig{
			MaxCommandLength:      10000,
			RateLimitWindow:       Duration(time.Minute),
			RateLimitBudget:       60,
			BlockDuration:         Duration(5 * time.Minute),
			MaxConcurrentCommands: 32,
		},
		Audit: AuditConfig{
			MemoryEvents: 1000,
		},
		Session: SessionConfig{
			CaptureBufferChunks: 256,
			InactivityTimeout:   Duration(2 * time.Minute),
			JanitorInterval:     Duration(15 * time.Second),
			CaptureInterval:     Duration(time.Second),
		},
		Backends: []BackendConfig{
			{ID: "local", Type: "tmux", Weight: 1},
		},
	}
}

// Load reads configuration from an optional TOML file, then applies
// environment overrides. An empty path skips the file and uses defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("applying env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// validStrategies are the recognized manager strategy names.
var validStrategies = map[string]bool{
	"primary_fallback":  true,
	"performance":       true,
	"health":            true,
	"round_robin":       true,
	"weighted_random":   true,
	"least_connections": true,
}

// Validate checks cross-field constraints. Invalid configuration is a
// programmer/operator error and fails construction immediately.
func (c Config) Validate() error {
	if c.Pool.MinConnections < 0 {
		return fmt.Errorf("pool.min_connections must be >= 0, got %d", c.Pool.MinConnections)
	}
	if c.Pool.MaxConnections < 1 {
		return fmt.Errorf("pool.max_connections must be >= 1, got %d", c.Pool.MaxConnections)
	}
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		return fmt.Errorf("pool.min_connections (%d) exceeds max_connections (%d)",
			c.Pool.MinConnections, c.Pool.MaxConnections)
	}
	if c.Batch.MaxBatchSize < 1 {
		return fmt.Errorf("batch.max_batch_size must be >= 1, got %d", c.Batch.MaxBatchSize)
	}
	if c.Batch.MaxInFlight < 1 {
		return fmt.Errorf("batch.max_in_flight must be >= 1, got %d", c.Batch.MaxInFlight)
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be >= 1, got %d", c.Cache.MaxEntries)
	}
	if !validStrategies[c.Manager.Strategy] {
		return fmt.Errorf("manager.strategy %q is not recognized", c.Manager.Strategy)
	}
	if c.Manager.FailureThreshold < 1 {
		return fmt.Errorf("manager.failure_threshold must be >= 1, got %d", c.Manager.FailureThreshold)
	}
	if c.Manager.RecoveryThreshold < 1 {
		return fmt.Errorf("manager.recovery_threshold must be >= 1, got %d", c.Manager.RecoveryThreshold)
	}
	if c.Manager.MaxRetries < 0 {
		return fmt.Errorf("manager.max_retries must be >= 0, got %d", c.Manager.MaxRetries)
	}
	if c.Security.RateLimitBudget < 1 {
		return fmt.Errorf("security.rate_limit_budget must be >= 1, got %d", c.Security.RateLimitBudget)
	}
	if c.Security.MaxConcurrentCommands < 1 {
		return fmt.Errorf("security.max_concurrent_commands must be >= 1, got %d", c.Security.MaxConcurrentCommands)
	}
	if c.Session.CaptureBufferChunks < 1 {
		return fmt.Errorf("session.capture_buffer_chunks must be >= 1, got %d", c.Session.CaptureBufferChunks)
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend id must not be empty")
		}
		if seen[b.ID] {
			return fmt.Errorf("backend id %q declared twice", b.ID)
		}
		seen[b.ID] = true
		switch b.Type {
		case "tmux":
		case "remote":
			if b.BaseURL == "" {
				return fmt.Errorf("backend %q: remote backends need base_url", b.ID)
			}
		default:
			return fmt.Errorf("backend %q: unknown type %q", b.ID, b.Type)
		}
	}
	return nil
}
