package config_test

import (
	"testing"
	"time"

	"github.com/Iron-Ham/shmguard/internal/config"
	"github.com/Iron-Ham/shmguard/internal/worker"
)

// failingIterations replays a worker whose every acquisition fails for d and
// returns how many iterations it uses up. Each iteration sleeps the backoff
// between attempts, then pays the rate limit penalty when the window is full.
func failingIterations(cfg *config.Config, d time.Duration) int {
	limiter := worker.NewRateLimiter(cfg.Worker.RateLimitPerSecond, time.Second)
	perIteration := time.Duration(cfg.Lock.MaxRetries-1) * cfg.Lock.Backoff()

	now := time.Unix(0, 0)
	end := now.Add(d)
	n := 0
	for now.Before(end) {
		n++
		now = now.Add(perIteration)
		if _, exceeded := limiter.Record(now); exceeded {
			now = now.Add(cfg.Worker.RateLimitPenalty())
		}
	}
	return n
}

func TestDefault_StallRecoveryLeavesContenders(t *testing.T) {
	cfg := config.Default()

	// Worst case: the stall starts just after a tick.
	recovery := cfg.Watchdog.Tick() + cfg.Watchdog.Timeout() + cfg.Watchdog.CancelGrace()
	if cfg.Fault.Stall() <= recovery {
		t.Fatalf("stall %v ends before the watchdog can force the lock (%v)", cfg.Fault.Stall(), recovery)
	}

	used := failingIterations(cfg, recovery)
	left := cfg.Run.IterationsPerThread - used
	if left < cfg.Run.IterationsPerThread/4 {
		t.Errorf("contenders use %d of %d iterations before the forced unlock at %v; only %d left",
			used, cfg.Run.IterationsPerThread, recovery, left)
	}
}
