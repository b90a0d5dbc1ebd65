// Package config provides engine configuration loading and management.
//
// Configuration is infrastructure-light: bind addresses, queue sizes,
// admission defaults, and storage paths. Scoring weights, priority class
// boundaries, and the budget EMA factor are fixed constants owned by their
// packages, not configuration.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/typeutil"
)

// =============================================================================
// SECTIONS
// =============================================================================

// EngineConfig controls the scheduler and dispatch pipeline.
type EngineConfig struct {
	// Workers is the dispatch pool size. 0 resolves to #CPUs x 2 at start.
	Workers int `toml:"workers" json:"workers"`
	// QueueCapacity bounds each priority class queue.
	QueueCapacity int `toml:"queue_capacity" json:"queue_capacity"`
	// ShutdownGraceSecs is how long Shutdown waits for in-flight work.
	ShutdownGraceSecs int `toml:"shutdown_grace_secs" json:"shutdown_grace_secs"`
	// DefaultBudgetTokens seeds the ledger for agents registered without
	// an explicit budget.
	DefaultBudgetTokens int64 `toml:"default_budget_tokens" json:"default_budget_tokens"`
}

// AdmissionConfig controls rate limiting and tenant quota enforcement.
type AdmissionConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	BurstCapacity     int64   `toml:"burst_capacity" json:"burst_capacity"`
	// WindowSecs sizes the observational admission window.
	WindowSecs int64 `toml:"window_secs" json:"window_secs"`
	// GlobalMultiplier scales the per-key limits up to the system-wide bucket.
	GlobalMultiplier int64 `toml:"global_multiplier" json:"global_multiplier"`
	// TenancyEnabled turns on tier quota checks for messages that carry a tenant.
	TenancyEnabled bool `toml:"tenancy_enabled" json:"tenancy_enabled"`
}

// DedupConfig controls the deduplication cache.
type DedupConfig struct {
	TTLSecs           int64 `toml:"ttl_secs" json:"ttl_secs"`
	MaxEntries        int   `toml:"max_entries" json:"max_entries"`
	SweepIntervalSecs int64 `toml:"sweep_interval_secs" json:"sweep_interval_secs"`
}

// RegistryConfig controls endpoint health bookkeeping.
type RegistryConfig struct {
	// FailureThreshold is the consecutive-failure count that marks an
	// endpoint Unhealthy.
	FailureThreshold int `toml:"failure_threshold" json:"failure_threshold"`
	// CooldownSecs is how long a recovered endpoint stays Degraded before
	// returning to Healthy.
	CooldownSecs int64 `toml:"cooldown_secs" json:"cooldown_secs"`
}

// ServerConfig holds bind addresses for the external surfaces.
type ServerConfig struct {
	HTTPAddr           string `toml:"http_addr" json:"http_addr"`
	GRPCAddr           string `toml:"grpc_addr" json:"grpc_addr"`
	MetricsAddr        string `toml:"metrics_addr" json:"metrics_addr"`
	OTLPEndpoint       string `toml:"otlp_endpoint" json:"otlp_endpoint"`
	RequestTimeoutSecs int    `toml:"request_timeout_secs" json:"request_timeout_secs"`
}

// JournalConfig controls the acknowledgment journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Path    string `toml:"path" json:"path"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `toml:"level" json:"level"`
}

// Config is the root engine configuration.
type Config struct {
	Engine    EngineConfig    `toml:"engine" json:"engine"`
	Admission AdmissionConfig `toml:"admission" json:"admission"`
	Dedup     DedupConfig     `toml:"dedup" json:"dedup"`
	Registry  RegistryConfig  `toml:"registry" json:"registry"`
	Server    ServerConfig    `toml:"server" json:"server"`
	Journal   JournalConfig   `toml:"journal" json:"journal"`
	Log       LogConfig       `toml:"log" json:"log"`
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".aimesh")

	return &Config{
		Engine: EngineConfig{
			Workers:             0,
			QueueCapacity:       10_000,
			ShutdownGraceSecs:   30,
			DefaultBudgetTokens: 10_000,
		},
		Admission: AdmissionConfig{
			RequestsPerSecond: 100,
			BurstCapacity:     200,
			WindowSecs:        60,
			GlobalMultiplier:  10,
			TenancyEnabled:    true,
		},
		Dedup: DedupConfig{
			TTLSecs:           3600,
			MaxEntries:        100_000,
			SweepIntervalSecs: 60,
		},
		Registry: RegistryConfig{
			FailureThreshold: 3,
			CooldownSecs:     30,
		},
		Server: ServerConfig{
			HTTPAddr:           ":8080",
			GRPCAddr:           ":9090",
			MetricsAddr:        ":9091",
			OTLPEndpoint:       "",
			RequestTimeoutSecs: 30,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "journal.db"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the given TOML path.
// A missing file yields defaults; a malformed file is an error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(errors.KindInternal, "read config", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "parse config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the given path as TOML.
func (c *Config) Save(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.KindInternal, "create config dir", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "create config file", err)
	}
	defer file.Close()

	return toml.NewEncoder(file).Encode(c)
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Workers < 0 {
		return errors.Validation("engine.workers", "must not be negative")
	}
	if c.Engine.QueueCapacity <= 0 {
		return errors.Validation("engine.queue_capacity", "must be positive")
	}
	if c.Engine.ShutdownGraceSecs < 0 {
		return errors.Validation("engine.shutdown_grace_secs", "must not be negative")
	}
	if c.Admission.RequestsPerSecond <= 0 {
		return errors.Validation("admission.requests_per_second", "must be positive")
	}
	if c.Admission.BurstCapacity <= 0 {
		return errors.Validation("admission.burst_capacity", "must be positive")
	}
	if c.Dedup.TTLSecs <= 0 {
		return errors.Validation("dedup.ttl_secs", "must be positive")
	}
	if c.Dedup.MaxEntries <= 0 {
		return errors.Validation("dedup.max_entries", "must be positive")
	}
	if c.Registry.FailureThreshold <= 0 {
		return errors.Validation("registry.failure_threshold", "must be positive")
	}
	return nil
}

// ResolveWorkers returns the effective dispatch pool size.
func (c *Config) ResolveWorkers() int {
	if c.Engine.Workers > 0 {
		return c.Engine.Workers
	}
	return runtime.NumCPU() * 2
}

// =============================================================================
// MAP CONVERSION
// =============================================================================

// FromMap overlays runtime-tunable settings from a flat map onto defaults.
// Unknown keys are ignored; missing keys keep their defaults.
func FromMap(values map[string]any) *Config {
	c := Default()

	c.Engine.Workers = typeutil.SafeIntDefault(values["workers"], c.Engine.Workers)
	c.Engine.QueueCapacity = typeutil.SafeIntDefault(values["queue_capacity"], c.Engine.QueueCapacity)
	c.Engine.ShutdownGraceSecs = typeutil.SafeIntDefault(values["shutdown_grace_secs"], c.Engine.ShutdownGraceSecs)
	c.Engine.DefaultBudgetTokens = typeutil.SafeInt64Default(values["default_budget_tokens"], c.Engine.DefaultBudgetTokens)

	c.Admission.RequestsPerSecond = typeutil.SafeFloat64Default(values["requests_per_second"], c.Admission.RequestsPerSecond)
	c.Admission.BurstCapacity = typeutil.SafeInt64Default(values["burst_capacity"], c.Admission.BurstCapacity)
	c.Admission.WindowSecs = typeutil.SafeInt64Default(values["window_secs"], c.Admission.WindowSecs)
	c.Admission.GlobalMultiplier = typeutil.SafeInt64Default(values["global_multiplier"], c.Admission.GlobalMultiplier)
	c.Admission.TenancyEnabled = typeutil.SafeBoolDefault(values["tenancy_enabled"], c.Admission.TenancyEnabled)

	c.Dedup.TTLSecs = typeutil.SafeInt64Default(values["dedup_ttl_secs"], c.Dedup.TTLSecs)
	c.Dedup.MaxEntries = typeutil.SafeIntDefault(values["dedup_max_entries"], c.Dedup.MaxEntries)
	c.Dedup.SweepIntervalSecs = typeutil.SafeInt64Default(values["dedup_sweep_interval_secs"], c.Dedup.SweepIntervalSecs)

	c.Registry.FailureThreshold = typeutil.SafeIntDefault(values["failure_threshold"], c.Registry.FailureThreshold)
	c.Registry.CooldownSecs = typeutil.SafeInt64Default(values["cooldown_secs"], c.Registry.CooldownSecs)

	c.Server.HTTPAddr = typeutil.SafeStringDefault(values["http_addr"], c.Server.HTTPAddr)
	c.Server.GRPCAddr = typeutil.SafeStringDefault(values["grpc_addr"], c.Server.GRPCAddr)
	c.Server.MetricsAddr = typeutil.SafeStringDefault(values["metrics_addr"], c.Server.MetricsAddr)
	c.Server.OTLPEndpoint = typeutil.SafeStringDefault(values["otlp_endpoint"], c.Server.OTLPEndpoint)
	c.Server.RequestTimeoutSecs = typeutil.SafeIntDefault(values["request_timeout_secs"], c.Server.RequestTimeoutSecs)

	c.Journal.Enabled = typeutil.SafeBoolDefault(values["journal_enabled"], c.Journal.Enabled)
	c.Journal.Path = typeutil.SafeStringDefault(values["journal_path"], c.Journal.Path)

	c.Log.Level = typeutil.SafeStringDefault(values["log_level"], c.Log.Level)

	return c
}

// ToMap flattens the configuration into the same key space FromMap reads.
func (c *Config) ToMap() map[string]any {
	return map[string]any{
		"workers":                   c.Engine.Workers,
		"queue_capacity":            c.Engine.QueueCapacity,
		"shutdown_grace_secs":       c.Engine.ShutdownGraceSecs,
		"default_budget_tokens":     c.Engine.DefaultBudgetTokens,
		"requests_per_second":       c.Admission.RequestsPerSecond,
		"burst_capacity":            c.Admission.BurstCapacity,
		"window_secs":               c.Admission.WindowSecs,
		"global_multiplier":         c.Admission.GlobalMultiplier,
		"tenancy_enabled":           c.Admission.TenancyEnabled,
		"dedup_ttl_secs":            c.Dedup.TTLSecs,
		"dedup_max_entries":         c.Dedup.MaxEntries,
		"dedup_sweep_interval_secs": c.Dedup.SweepIntervalSecs,
		"failure_threshold":         c.Registry.FailureThreshold,
		"cooldown_secs":             c.Registry.CooldownSecs,
		"http_addr":                 c.Server.HTTPAddr,
		"grpc_addr":                 c.Server.GRPCAddr,
		"metrics_addr":              c.Server.MetricsAddr,
		"otlp_endpoint":             c.Server.OTLPEndpoint,
		"request_timeout_secs":      c.Server.RequestTimeoutSecs,
		"journal_enabled":           c.Journal.Enabled,
		"journal_path":              c.Journal.Path,
		"log_level":                 c.Log.Level,
	}
}

// =============================================================================
// GLOBAL CONFIG (set by the bootstrap in cmd)
// =============================================================================

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Get returns the injected configuration, or defaults when none was set.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalConfig == nil {
		return Default()
	}
	return globalConfig
}

// Set installs the configuration instance. Called once at bootstrap.
func Set(config *Config) {
	configMu.Lock()
	defer configMu.Unlock()

	globalConfig = config
}

// Reset clears the injected configuration. Useful for tests.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()

	globalConfig = nil
}
