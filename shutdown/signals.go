package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vinayprograms/overbot/logging"
)

// SignalConfig configures ListenSignals.
type SignalConfig struct {
	// Headless ignores SIGHUP so the process survives its terminal closing.
	Headless bool

	// Source replaces OS signal delivery. Used by tests.
	Source <-chan os.Signal

	// Logger receives one line per signal. Optional.
	Logger *logging.Logger
}

// watchedSignals are the interrupts that request shutdown.
var watchedSignals = []os.Signal{
	syscall.SIGHUP,
	syscall.SIGINT,
	syscall.SIGQUIT,
	syscall.SIGTERM,
}

// ListenSignals blocks until an interrupt arrives, obs is notified, or ctx
// ends. An interrupt fires trigger; SIGHUP is skipped in headless mode.
// Returning because of obs does not fire anything.
func ListenSignals(ctx context.Context, trigger *Trigger, obs *Observer, cfg SignalConfig) error {
	source := cfg.Source
	if source == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, watchedSignals...)
		defer signal.Stop(ch)
		source = ch
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-obs.C():
			return nil
		case sig, ok := <-source:
			if !ok {
				return nil
			}
			if cfg.Headless && sig == syscall.SIGHUP {
				if cfg.Logger != nil {
					cfg.Logger.Info("signal_ignored", map[string]interface{}{"signal": sig.String()})
				}
				continue
			}
			notified := trigger.Fire()
			if cfg.Logger != nil {
				cfg.Logger.Info("signal_received", map[string]interface{}{
					"signal":   sig.String(),
					"notified": notified,
				})
			}
			return nil
		}
	}
}
