package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	boterrors "github.com/vinayprograms/overbot/errors"
	"github.com/vinayprograms/overbot/logging"
	"github.com/vinayprograms/overbot/shutdown"
	"github.com/vinayprograms/overbot/telemetry"
)

// Causes recorded when shutdown was not started by a subsystem ending.
const (
	CauseContext  = "context"
	CauseExternal = "external"
)

var (
	ErrStarted   = errors.New("supervisor: already started")
	ErrDuplicate = errors.New("supervisor: duplicate subsystem name")
)

// Subsystem is a long-running part of the process. It runs until it
// observes obs or fails, and may fire trigger to stop everything else.
type Subsystem interface {
	Run(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error
}

// Func adapts a function to Subsystem.
type Func func(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error

// Run calls f.
func (f Func) Run(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error {
	return f(ctx, obs, trigger)
}

// Outcome is how one subsystem ended.
type Outcome struct {
	Name     string
	Err      error
	Duration time.Duration
	// FiredShutdown is true for the subsystem whose exit fired the trigger.
	FiredShutdown bool
	Panicked      bool
}

// Result aggregates one Run.
type Result struct {
	// Outcomes in registration order.
	Outcomes []Outcome
	// Cause names what fired shutdown: a subsystem name, CauseContext or
	// CauseExternal.
	Cause    string
	Hooks    *shutdown.Report
	HooksErr error
	Duration time.Duration
}

// Err joins the subsystem errors.
func (r *Result) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// ExitCode is 1 when any subsystem failed, else 0.
func (r *Result) ExitCode() int {
	if r.Err() != nil {
		return 1
	}
	return 0
}

// Outcome returns the named subsystem's outcome.
func (r *Result) Outcome(name string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Name == name {
			return o, true
		}
	}
	return Outcome{}, false
}

type entry struct {
	name      string
	subsystem Subsystem
}

// Supervisor runs subsystems and turns the first exit into a global
// shutdown.
type Supervisor struct {
	trigger *shutdown.Trigger
	logger  *logging.Logger
	tracer  *telemetry.Tracer
	journal telemetry.Exporter
	hooks   *shutdown.Hooks

	mu         sync.Mutex
	started    bool
	subsystems []entry

	fireOnce sync.Once
	cause    string
	firedBy  string
}

// New creates a Supervisor around trigger.
func New(trigger *shutdown.Trigger, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.New()
	}
	return &Supervisor{
		trigger: trigger,
		logger:  logger.WithComponent("supervisor"),
		tracer:  telemetry.GetTracer(),
		journal: telemetry.NewNoopExporter(),
	}
}

// SetHooks sets the cleanup hooks run after every subsystem has returned.
func (s *Supervisor) SetHooks(h *shutdown.Hooks) { s.hooks = h }

// SetTracer sets the tracer used for subsystem spans.
func (s *Supervisor) SetTracer(t *telemetry.Tracer) { s.tracer = t }

// SetJournal sets the lifecycle journal.
func (s *Supervisor) SetJournal(j telemetry.Exporter) { s.journal = j }

// Add registers a subsystem. Names must be unique.
func (s *Supervisor) Add(name string, sub Subsystem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	for _, e := range s.subsystems {
		if e.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicate, name)
		}
	}
	s.subsystems = append(s.subsystems, entry{name: name, subsystem: sub})
	return nil
}

// Run starts every subsystem and waits for all of them. The first
// subsystem to return, for any reason, fires the trigger; so does ctx
// ending, or the trigger being fired from elsewhere. Cleanup hooks run once
// everything has joined.
func (s *Supervisor) Run(ctx context.Context) *Result {
	start := time.Now()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return &Result{Outcomes: []Outcome{{Name: "supervisor", Err: ErrStarted}}}
	}
	s.started = true
	subsystems := append([]entry(nil), s.subsystems...)
	s.mu.Unlock()

	s.journal.LogEvent(telemetry.EventRunStarted, map[string]interface{}{
		"subsystems": len(subsystems),
	})

	// Every subsystem gets its own observer before anything starts, so
	// none can miss an early fire.
	observers := make([]*shutdown.Observer, len(subsystems))
	for i := range subsystems {
		observers[i] = s.trigger.Subscribe()
	}

	stopWaiter := make(chan struct{})
	waiterDone := make(chan struct{})
	go s.waitForShutdown(ctx, s.trigger.Subscribe(), stopWaiter, waiterDone)

	outcomes := make([]Outcome, len(subsystems))
	var wg sync.WaitGroup
	for i, e := range subsystems {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer observers[i].Close()
			outcomes[i] = s.runSubsystem(ctx, e, observers[i])
		}()
	}
	wg.Wait()
	close(stopWaiter)
	<-waiterDone

	result := &Result{Outcomes: outcomes, Cause: s.cause}
	for i := range result.Outcomes {
		result.Outcomes[i].FiredShutdown = result.Outcomes[i].Name == s.firedBy
	}

	if s.hooks != nil {
		result.Hooks, result.HooksErr = s.hooks.Run(context.Background())
		data := map[string]interface{}{"hooks": s.hooks.Len()}
		if result.HooksErr != nil {
			data["error"] = result.HooksErr.Error()
			s.logger.Warn("hooks_failed", map[string]interface{}{
				"failed": result.Hooks.FailedHooks(),
				"error":  result.HooksErr.Error(),
			})
		}
		s.journal.LogEvent(telemetry.EventHooksCompleted, data)
	}

	result.Duration = time.Since(start)
	s.journal.LogEvent(telemetry.EventRunFinished, map[string]interface{}{
		"cause":     result.Cause,
		"exit_code": result.ExitCode(),
		"duration":  result.Duration.String(),
	})
	return result
}

// runSubsystem runs one subsystem to completion and fires shutdown.
func (s *Supervisor) runSubsystem(ctx context.Context, e entry, obs *shutdown.Observer) Outcome {
	start := time.Now()
	spanCtx, span := s.tracer.StartSubsystemSpan(ctx, e.name)

	err, panicked := s.invoke(spanCtx, e, obs)
	out := Outcome{Name: e.name, Duration: time.Since(start), Panicked: panicked}
	if err != nil {
		if panicked {
			out.Err = err
		} else {
			out.Err = boterrors.SubsystemFailed(e.name, err)
		}
	}

	s.logger.SubsystemExit(e.name, out.Duration, out.Err)
	data := map[string]interface{}{
		"subsystem": e.name,
		"duration":  out.Duration.String(),
	}
	if out.Err != nil {
		data["error"] = out.Err.Error()
	}
	s.journal.LogEvent(telemetry.EventSubsystemExit, data)

	// A subsystem returning because shutdown was already requested is not
	// the cause; the waiter records who fired.
	fired := false
	if !s.trigger.Fired() {
		fired = s.fire(e.name)
	}
	if fired {
		s.firedBy = e.name
	}
	s.tracer.EndSubsystemSpan(span, fired, out.Err)
	return out
}

// invoke calls the subsystem, converting a panic into an error.
func (s *Supervisor) invoke(ctx context.Context, e entry, obs *shutdown.Observer) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = boterrors.WrapWithCode(boterrors.RecoverPanic(r), boterrors.ErrCodePanic,
				fmt.Sprintf("%s panicked", e.name), boterrors.WithSubsystem(e.name))
			panicked = true
		}
	}()
	return e.subsystem.Run(ctx, obs, s.trigger), false
}

// fire fires the trigger at most once for the whole run and records cause.
// It reports whether this call was the one that fired.
func (s *Supervisor) fire(cause string) (fired bool) {
	s.fireOnce.Do(func() {
		notified := s.trigger.Fire()
		s.cause = cause
		fired = true
		s.logger.ShutdownFired(cause, notified)
		s.journal.LogEvent(telemetry.EventShutdownFired, map[string]interface{}{
			"cause":    cause,
			"notified": notified,
		})
	})
	return fired
}

// waitForShutdown is the internal waiter: it turns ctx ending, or a fire
// from outside the supervisor, into the recorded shutdown cause.
func (s *Supervisor) waitForShutdown(ctx context.Context, obs *shutdown.Observer, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer obs.Close()
	select {
	case <-stop:
		// A fire racing the last subsystem exit still needs a cause.
		select {
		case <-obs.C():
			s.fire(CauseExternal)
		default:
			if ctx.Err() != nil {
				s.fire(CauseContext)
			}
		}
	case <-ctx.Done():
		s.fire(CauseContext)
	case <-obs.C():
		s.fire(CauseExternal)
	}
}
