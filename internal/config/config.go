package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides
// (SHMGUARD_LOCK_MAX_RETRIES overrides lock.max_retries).
const EnvPrefix = "SHMGUARD"

// EffectiveConfigName is the file the coordinator writes into a run
// directory; workers load exactly this file.
const EffectiveConfigName = "config.yaml"

// Config represents the complete shmguard configuration
type Config struct {
	Run         RunConfig         `mapstructure:"run" yaml:"run"`
	Region      RegionConfig      `mapstructure:"region" yaml:"region"`
	Lock        LockConfig        `mapstructure:"lock" yaml:"lock"`
	Worker      WorkerConfig      `mapstructure:"worker" yaml:"worker"`
	Consistency ConsistencyConfig `mapstructure:"consistency" yaml:"consistency"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot" yaml:"snapshot"`
	Watchdog    WatchdogConfig    `mapstructure:"watchdog" yaml:"watchdog"`
	Fault       FaultConfig       `mapstructure:"fault" yaml:"fault"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Stats       StatsConfig       `mapstructure:"stats" yaml:"stats"`
}

// RunConfig controls the shape of a run
type RunConfig struct {
	// ThreadCount is the number of worker processes (default: 5)
	ThreadCount int `mapstructure:"thread_count" yaml:"thread_count"`
	// IterationsPerThread is the number of iterations each worker runs (default: 100)
	IterationsPerThread int `mapstructure:"iterations_per_thread" yaml:"iterations_per_thread"`
	// Dir is the parent directory for run directories (default: $TMPDIR/shmguard)
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// RegionConfig controls the shared memory region
type RegionConfig struct {
	// SharedRegionSize is the size of the region in bytes (default: 4096)
	SharedRegionSize int `mapstructure:"shared_region_size" yaml:"shared_region_size"`
	// Dir is where the backing file lives. Empty uses /dev/shm when it
	// exists and the run directory otherwise.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LockConfig controls lock acquisition and escalation
type LockConfig struct {
	// MaxLockWaitMs is the soft wait threshold; exceeding it logs a warning (default: 50)
	MaxLockWaitMs int `mapstructure:"max_lock_wait_ms" yaml:"max_lock_wait_ms"`
	// MaxRetries is the number of acquisition attempts per iteration (default: 5)
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// BackoffMs is the fixed sleep between failed attempts (default: 10)
	BackoffMs int `mapstructure:"backoff_ms" yaml:"backoff_ms"`
	// EscalationThreshold is the nesting depth above which the escalation lock is engaged (default: 3)
	EscalationThreshold int `mapstructure:"escalation_threshold" yaml:"escalation_threshold"`
	// EscalationTimeoutMs is the soft escalation threshold (default: 20)
	EscalationTimeoutMs int `mapstructure:"escalation_timeout_ms" yaml:"escalation_timeout_ms"`
}

// WorkerConfig controls the per-worker loop
type WorkerConfig struct {
	// RateLimitPerSecond is the number of attempts allowed per one-second window (default: 50)
	RateLimitPerSecond int `mapstructure:"rate_limit_per_second" yaml:"rate_limit_per_second"`
	// RateLimitPenaltyMs is the extra sleep when the window is exceeded (default: 100)
	RateLimitPenaltyMs int `mapstructure:"rate_limit_penalty_ms" yaml:"rate_limit_penalty_ms"`
	// LoadMinMs and LoadMaxMs bound the randomized load sleep (default: 1 and 5)
	LoadMinMs int `mapstructure:"load_min_ms" yaml:"load_min_ms"`
	LoadMaxMs int `mapstructure:"load_max_ms" yaml:"load_max_ms"`
}

// ConsistencyConfig controls consistency checking
type ConsistencyConfig struct {
	// Interval is the number of local successes between checks (default: 10)
	Interval int `mapstructure:"interval" yaml:"interval"`
}

// SnapshotConfig controls region snapshots
type SnapshotConfig struct {
	// Interval is the number of global successes between snapshots (default: 50)
	Interval int `mapstructure:"interval" yaml:"interval"`
	// Level is the zstd level: "fastest", "default", "better" or "best"
	Level string `mapstructure:"level" yaml:"level"`
}

// WatchdogConfig controls the supervisor's liveness polling and recovery
type WatchdogConfig struct {
	// TickMs is the poll period (default: 500)
	TickMs int `mapstructure:"tick_ms" yaml:"tick_ms"`
	// TimeoutMs is how long a worker may go without a successful access (default: 1000)
	TimeoutMs int `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	// CancelGraceMs is how long a cooperative cancel may take before escalating (default: 250)
	CancelGraceMs int `mapstructure:"cancel_grace_ms" yaml:"cancel_grace_ms"`
	// ForcedUnlock enables destroy-and-recreate of the fine lock for a stuck
	// owner. Two workers can then believe they hold the lock. (default: false)
	ForcedUnlock bool `mapstructure:"forced_unlock" yaml:"forced_unlock"`
}

// FaultConfig injects a single fault at a designated (worker, iteration)
type FaultConfig struct {
	// Mode is "none", "crash", "stall" or "corrupt" (default: "none")
	Mode string `mapstructure:"mode" yaml:"mode"`
	// Worker and Iteration designate where the fault fires
	Worker    int `mapstructure:"worker" yaml:"worker"`
	Iteration int `mapstructure:"iteration" yaml:"iteration"`
	// StallMs is how long a stall holds the lock (default: 3000)
	StallMs int `mapstructure:"stall_ms" yaml:"stall_ms"`
	// CorruptDelta is added to the counter without a ledger update (default: 1000)
	CorruptDelta int `mapstructure:"corrupt_delta" yaml:"corrupt_delta"`
}

// LoggingConfig controls the audit log
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// MaxSizeKB is the audit file size that triggers rotation (default: 1024)
	MaxSizeKB int `mapstructure:"max_size_kb" yaml:"max_size_kb"`
	// MaxBackups is the number of archived files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips archived files (default: false)
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// StatsConfig controls report exports
type StatsConfig struct {
	// ReportYAML writes report.yaml into the run directory (default: true)
	ReportYAML bool `mapstructure:"report_yaml" yaml:"report_yaml"`
	// PrometheusTextfile writes metrics.prom into the run directory (default: true)
	PrometheusTextfile bool `mapstructure:"prometheus_textfile" yaml:"prometheus_textfile"`
}

// Fault modes
const (
	FaultNone    = "none"
	FaultCrash   = "crash"
	FaultStall   = "stall"
	FaultCorrupt = "corrupt"
)

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Run: RunConfig{
			ThreadCount:         5,
			IterationsPerThread: 100,
			Dir:                 filepath.Join(os.TempDir(), "shmguard"),
		},
		Region: RegionConfig{
			SharedRegionSize: 4096,
			Dir:              "", // Empty means /dev/shm when available
		},
		Lock: LockConfig{
			MaxLockWaitMs:       50,
			MaxRetries:          5,
			BackoffMs:           10,
			EscalationThreshold: 3,
			EscalationTimeoutMs: 20,
		},
		Worker: WorkerConfig{
			RateLimitPerSecond: 50,
			RateLimitPenaltyMs: 100,
			LoadMinMs:          1,
			LoadMaxMs:          5,
		},
		Consistency: ConsistencyConfig{
			Interval: 10,
		},
		Snapshot: SnapshotConfig{
			Interval: 50,
			Level:    "default",
		},
		Watchdog: WatchdogConfig{
			TickMs:        500,
			TimeoutMs:     1000,
			CancelGraceMs: 250,
			ForcedUnlock:  false, // Opt-in: can admit two holders
		},
		Fault: FaultConfig{
			Mode:         FaultNone,
			StallMs:      3000,
			CorruptDelta: 1000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeKB:  1024,
			MaxBackups: 3,
		},
		Stats: StatsConfig{
			ReportYAML:         true,
			PrometheusTextfile: true,
		},
	}
}

// MaxLockWait returns the soft lock wait threshold as a time.Duration
func (c *LockConfig) MaxLockWait() time.Duration {
	return time.Duration(c.MaxLockWaitMs) * time.Millisecond
}

// Backoff returns the retry backoff as a time.Duration
func (c *LockConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMs) * time.Millisecond
}

// EscalationTimeout returns the soft escalation threshold as a time.Duration
func (c *LockConfig) EscalationTimeout() time.Duration {
	return time.Duration(c.EscalationTimeoutMs) * time.Millisecond
}

// RateLimitPenalty returns the rate limit penalty as a time.Duration
func (c *WorkerConfig) RateLimitPenalty() time.Duration {
	return time.Duration(c.RateLimitPenaltyMs) * time.Millisecond
}

// Tick returns the watchdog tick as a time.Duration
func (c *WatchdogConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

// Timeout returns the watchdog staleness threshold as a time.Duration
func (c *WatchdogConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// CancelGrace returns the cooperative-cancel grace period as a time.Duration
func (c *WatchdogConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceMs) * time.Millisecond
}

// Stall returns the injected stall duration as a time.Duration
func (c *FaultConfig) Stall() time.Duration {
	return time.Duration(c.StallMs) * time.Millisecond
}

// Targets reports whether the fault fires for the given worker and iteration.
func (c *FaultConfig) Targets(worker, iteration int) bool {
	return c.Mode != FaultNone && c.Mode != "" && c.Worker == worker && c.Iteration == iteration
}

// MaxSizeBytes returns the rotation threshold in bytes
func (c *LoggingConfig) MaxSizeBytes() int64 {
	return int64(c.MaxSizeKB) * 1024
}

// SetDefaults registers default values with viper
func SetDefaults() {
	setDefaults(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	defaults := Default()

	// Run defaults
	v.SetDefault("run.thread_count", defaults.Run.ThreadCount)
	v.SetDefault("run.iterations_per_thread", defaults.Run.IterationsPerThread)
	v.SetDefault("run.dir", defaults.Run.Dir)

	// Region defaults
	v.SetDefault("region.shared_region_size", defaults.Region.SharedRegionSize)
	v.SetDefault("region.dir", defaults.Region.Dir)

	// Lock defaults
	v.SetDefault("lock.max_lock_wait_ms", defaults.Lock.MaxLockWaitMs)
	v.SetDefault("lock.max_retries", defaults.Lock.MaxRetries)
	v.SetDefault("lock.backoff_ms", defaults.Lock.BackoffMs)
	v.SetDefault("lock.escalation_threshold", defaults.Lock.EscalationThreshold)
	v.SetDefault("lock.escalation_timeout_ms", defaults.Lock.EscalationTimeoutMs)

	// Worker defaults
	v.SetDefault("worker.rate_limit_per_second", defaults.Worker.RateLimitPerSecond)
	v.SetDefault("worker.rate_limit_penalty_ms", defaults.Worker.RateLimitPenaltyMs)
	v.SetDefault("worker.load_min_ms", defaults.Worker.LoadMinMs)
	v.SetDefault("worker.load_max_ms", defaults.Worker.LoadMaxMs)

	// Consistency and snapshot defaults
	v.SetDefault("consistency.interval", defaults.Consistency.Interval)
	v.SetDefault("snapshot.interval", defaults.Snapshot.Interval)
	v.SetDefault("snapshot.level", defaults.Snapshot.Level)

	// Watchdog defaults
	v.SetDefault("watchdog.tick_ms", defaults.Watchdog.TickMs)
	v.SetDefault("watchdog.timeout_ms", defaults.Watchdog.TimeoutMs)
	v.SetDefault("watchdog.cancel_grace_ms", defaults.Watchdog.CancelGraceMs)
	v.SetDefault("watchdog.forced_unlock", defaults.Watchdog.ForcedUnlock)

	// Fault defaults
	v.SetDefault("fault.mode", defaults.Fault.Mode)
	v.SetDefault("fault.worker", defaults.Fault.Worker)
	v.SetDefault("fault.iteration", defaults.Fault.Iteration)
	v.SetDefault("fault.stall_ms", defaults.Fault.StallMs)
	v.SetDefault("fault.corrupt_delta", defaults.Fault.CorruptDelta)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.max_size_kb", defaults.Logging.MaxSizeKB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)

	// Stats defaults
	v.SetDefault("stats.report_yaml", defaults.Stats.ReportYAML)
	v.SetDefault("stats.prometheus_textfile", defaults.Stats.PrometheusTextfile)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return load(viper.GetViper())
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// LoadFile reads and validates a config file without touching the global
// viper instance. Unset keys take their defaults.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return load(v)
}

// WriteFile writes cfg as YAML to path.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "shmguard")
	}
	// Fall back to ~/.config/shmguard
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shmguard"
	}
	return filepath.Join(home, ".config", "shmguard")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidFaultModes returns the list of valid fault.mode values
func ValidFaultModes() []string {
	return []string{FaultNone, FaultCrash, FaultStall, FaultCorrupt}
}

// ValidSnapshotLevels returns the list of valid snapshot.level values
func ValidSnapshotLevels() []string {
	return []string{"fastest", "default", "better", "best"}
}
