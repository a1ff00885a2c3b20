package shutdown

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrAlreadyRun indicates the cleanup hooks were already executed.
	ErrAlreadyRun = errors.New("shutdown hooks already run")

	// ErrTimeout indicates cleanup did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHookFailed indicates one or more hooks failed during cleanup.
	ErrHookFailed = errors.New("one or more shutdown hooks failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Standard hook phases. Lower phases run first.
const (
	PhaseHandlers  = 5  // drain in-flight event handlers
	PhaseTransport = 10 // bus connections, outbound clients
	PhaseStorage   = 20 // search index, caches
	PhaseTelemetry = 30 // span exporters
)

// Handler is implemented by components that release resources once every
// subsystem has stopped.
type Handler interface {
	// OnShutdown is called after all subsystems have joined.
	// The context will be cancelled when the timeout is reached.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc is a convenience type for simple cleanup functions.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HookResult contains the result of a single hook.
type HookResult struct {
	// Name of the hook.
	Name string

	// Phase the hook was registered with.
	Phase int

	// Duration how long the hook took.
	Duration time.Duration

	// Err is any error returned by the hook.
	Err error
}

// Report contains the complete cleanup result.
type Report struct {
	// TotalDuration of the entire cleanup.
	TotalDuration time.Duration

	// Results for each hook that ran.
	Results []HookResult

	// Err is the overall error (nil if all hooks succeeded).
	Err error
}

// Failed returns true if any hook failed.
func (r *Report) Failed() bool {
	return r != nil && r.Err != nil
}

// FailedHooks returns the names of hooks that failed.
func (r *Report) FailedHooks() []string {
	if r == nil {
		return nil
	}
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the cleanup hooks.
type Config struct {
	// Timeout bounds the whole cleanup run.
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned to hooks registered without a phase.
	// Default: 100
	DefaultPhase int

	// ContinueOnError determines whether cleanup continues if a hook fails.
	// Default: true
	ContinueOnError bool

	// OnProgress is called when each hook completes.
	OnProgress func(result HookResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

// registration holds a registered hook with its metadata.
type registration struct {
	name    string
	handler Handler
	phase   int
}
