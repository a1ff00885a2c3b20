package supervisor

import (
	"context"
	"errors"
	"sync"

	"github.com/vinayprograms/overbot/shards"
	"github.com/vinayprograms/overbot/shutdown"
)

// Signals runs the interrupt listener as a subsystem. Returning because
// ctx ended is not a failure.
func Signals(cfg shutdown.SignalConfig) Subsystem {
	return Func(func(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error {
		err := shutdown.ListenSignals(ctx, trigger, obs, cfg)
		if err != nil && errors.Is(err, ctx.Err()) {
			return nil
		}
		return err
	})
}

// FleetRunner is what ShardFleet needs from a shard supervisor.
type FleetRunner interface {
	Run(ctx context.Context) (*shards.Report, error)
}

// Fleet adapts a shard supervisor to Subsystem and keeps its report.
type Fleet struct {
	runner FleetRunner

	mu     sync.Mutex
	report *shards.Report
}

// ShardFleet wraps runner. The shard supervisor subscribes to the trigger
// itself, so the observer passed to Run is unused.
func ShardFleet(runner FleetRunner) *Fleet {
	return &Fleet{runner: runner}
}

// Run implements Subsystem.
func (f *Fleet) Run(ctx context.Context, _ *shutdown.Observer, _ *shutdown.Trigger) error {
	report, err := f.runner.Run(ctx)
	f.mu.Lock()
	f.report = report
	f.mu.Unlock()
	return err
}

// Report returns the fleet report once Run has returned.
func (f *Fleet) Report() *shards.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}
