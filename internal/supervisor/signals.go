package supervisor

import (
	"context"
	"os"
	"syscall"

	"github.com/Iron-Ham/shmguard/internal/event"
	"github.com/Iron-Ham/shmguard/internal/logging"
)

// Signals is the set the coordinator subscribes to.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

// SignalRouter turns process signals into supervisor actions. The first
// stop signal fans SIGTERM out to the workers; any further stop signal
// sends SIGKILL. SIGHUP is accepted as a reload request and ignored.
type SignalRouter struct {
	sup    *Supervisor
	logger *logging.Logger
	bus    *event.Bus
	stops  int
}

// NewSignalRouter creates a router acting on sup.
func NewSignalRouter(sup *Supervisor, logger *logging.Logger, bus *event.Bus) *SignalRouter {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &SignalRouter{
		sup:    sup,
		logger: logger.WithComponent("signals"),
		bus:    bus,
	}
}

// Handle acts on one signal and reports whether it stops the run.
func (r *SignalRouter) Handle(sig os.Signal) bool {
	switch sig {
	case syscall.SIGHUP:
		r.logger.Info("reload requested; configuration is static, ignoring", "signal", sig.String())
		r.bus.Publish(event.NewSignalReceivedEvent(sig, false))
		return false

	case syscall.SIGINT, syscall.SIGTERM:
		r.stops++
		r.bus.Publish(event.NewSignalReceivedEvent(sig, true))
		if r.stops == 1 {
			r.logger.Warn("stop signal received; stopping workers", "signal", sig.String())
			r.sup.StopAll(syscall.SIGTERM)
		} else {
			r.logger.Warn("repeated stop signal; killing workers", "signal", sig.String())
			r.sup.StopAll(syscall.SIGKILL)
		}
		return true

	default:
		r.logger.Debug("ignoring signal", "signal", sig.String())
		return false
	}
}

// Run handles signals from sigs until ctx is done. onStop is called once,
// on the first stop signal.
func (r *SignalRouter) Run(ctx context.Context, sigs <-chan os.Signal, onStop func()) {
	stopped := false
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if r.Handle(sig) && !stopped {
				stopped = true
				if onStop != nil {
					onStop()
				}
			}
		}
	}
}
