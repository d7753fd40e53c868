package config

import (
	"strings"
	"testing"
)

func TestValidationErrors_Error(t *testing.T) {
	one := ValidationError{Field: "lock.max_retries", Value: 0, Message: "must be at least 1"}
	two := ValidationError{Field: "fault.mode", Value: "melt", Message: "must be one of: none, crash"}

	tests := []struct {
		name string
		errs ValidationErrors
		want string
	}{
		{"none", nil, ""},
		{"one", ValidationErrors{one}, "lock.max_retries: must be at least 1 (got: 0)"},
		{"two", ValidationErrors{one, two}, "2 validation errors:\n" +
			"  1. lock.max_retries: must be at least 1 (got: 0)\n" +
			"  2. fault.mode: must be one of: none, crash (got: melt)\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.errs.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChecker(t *testing.T) {
	k := &checker{}
	k.positive("a", 1)
	k.positive("b", 0)
	k.nonNegative("c", 0)
	k.nonNegative("d", -2)
	k.atMost("e", 5, 4, "KB")
	k.within("f", 3, 3)
	k.within("g", 0, 3)
	if !k.oneOf("h", "", []string{"x"}, true) {
		t.Error("optional empty value rejected")
	}
	if k.oneOf("i", "Y", []string{"x"}, false) {
		t.Error("oneOf accepted a value outside the set")
	}

	var fields []string
	for _, e := range k.errs {
		fields = append(fields, e.Field)
	}
	if got := strings.Join(fields, ","); got != "b,d,e,f,i" {
		t.Errorf("failed fields = %s, want b,d,e,f,i", got)
	}
	if msg := k.errs[2].Message; msg != "exceeds maximum of 4KB" {
		t.Errorf("atMost message = %q", msg)
	}
}

func TestConfig_Validate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Run.ThreadCount = 0
	cfg.Lock.MaxRetries = 0
	cfg.Logging.Level = "loud"

	errs := cfg.Validate()
	if len(errs) != 3 {
		t.Errorf("Validate() = %d errors, want 3: %v", len(errs), errs)
	}
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default config should be valid, got errors: %v", errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string
	}{
		{"zero workers", func(c *Config) { c.Run.ThreadCount = 0 }, "run.thread_count"},
		{"too many workers", func(c *Config) { c.Run.ThreadCount = maxThreadCount + 1 }, "run.thread_count"},
		{"zero iterations", func(c *Config) { c.Run.IterationsPerThread = 0 }, "run.iterations_per_thread"},
		{"empty run dir", func(c *Config) { c.Run.Dir = "  " }, "run.dir"},
		{"null in run dir", func(c *Config) { c.Run.Dir = "/tmp/a\x00b" }, "run.dir"},
		{"region too small for slots", func(c *Config) { c.Run.ThreadCount = 100 }, "region.shared_region_size"},
		{"region too large", func(c *Config) { c.Region.SharedRegionSize = maxRegionSize + 1 }, "region.shared_region_size"},
		{"no retries", func(c *Config) { c.Lock.MaxRetries = 0 }, "lock.max_retries"},
		{"negative backoff", func(c *Config) { c.Lock.BackoffMs = -1 }, "lock.backoff_ms"},
		{"negative wait", func(c *Config) { c.Lock.MaxLockWaitMs = -1 }, "lock.max_lock_wait_ms"},
		{"zero rate limit", func(c *Config) { c.Worker.RateLimitPerSecond = 0 }, "worker.rate_limit_per_second"},
		{"inverted load range", func(c *Config) { c.Worker.LoadMinMs = 10; c.Worker.LoadMaxMs = 5 }, "worker.load_min_ms"},
		{"zero consistency interval", func(c *Config) { c.Consistency.Interval = 0 }, "consistency.interval"},
		{"zero snapshot interval", func(c *Config) { c.Snapshot.Interval = 0 }, "snapshot.interval"},
		{"bad snapshot level", func(c *Config) { c.Snapshot.Level = "ultra" }, "snapshot.level"},
		{"watchdog tick too small", func(c *Config) { c.Watchdog.TickMs = 1 }, "watchdog.tick_ms"},
		{"zero watchdog timeout", func(c *Config) { c.Watchdog.TimeoutMs = 0 }, "watchdog.timeout_ms"},
		{"unknown fault mode", func(c *Config) { c.Fault.Mode = "explode" }, "fault.mode"},
		{"fault worker out of range", func(c *Config) { c.Fault.Mode = FaultCrash; c.Fault.Worker = 5 }, "fault.worker"},
		{"fault iteration out of range", func(c *Config) { c.Fault.Mode = FaultStall; c.Fault.Iteration = 100 }, "fault.iteration"},
		{"zero corrupt delta", func(c *Config) { c.Fault.Mode = FaultCorrupt; c.Fault.CorruptDelta = 0 }, "fault.corrupt_delta"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"zero log size", func(c *Config) { c.Logging.MaxSizeKB = 0 }, "logging.max_size_kb"},
		{"huge log size", func(c *Config) { c.Logging.MaxSizeKB = maxLogSizeKB + 1 }, "logging.max_size_kb"},
		{"negative backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			errs := cfg.Validate()
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error for %s, got %v", tt.wantField, errs)
			}
		})
	}
}

func TestConfig_Validate_FaultIgnoredWhenNone(t *testing.T) {
	cfg := Default()
	cfg.Fault.Worker = 99
	cfg.Fault.Iteration = -1

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("fault target should not be validated in none mode, got %v", errs)
	}
}

func TestConfig_Validate_CaseInsensitiveLevels(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "WARN"
	cfg.Snapshot.Level = "Best"

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("levels should be case-insensitive, got %v", errs)
	}
}
