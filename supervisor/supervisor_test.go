package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vinayprograms/overbot/cache"
	boterrors "github.com/vinayprograms/overbot/errors"
	"github.com/vinayprograms/overbot/gateway"
	"github.com/vinayprograms/overbot/logging"
	"github.com/vinayprograms/overbot/shards"
	"github.com/vinayprograms/overbot/shutdown"
	"github.com/vinayprograms/overbot/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetLevel(logging.LevelError)
	return l
}

// recordingJournal counts journal events by name.
type recordingJournal struct {
	mu     sync.Mutex
	events map[string]int
}

func (j *recordingJournal) LogEvent(name string, data map[string]interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.events == nil {
		j.events = make(map[string]int)
	}
	j.events[name]++
}
func (j *recordingJournal) Flush() error { return nil }
func (j *recordingJournal) Close() error { return nil }

func (j *recordingJournal) count(name string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.events[name]
}

// untilShutdown returns nil once obs is notified.
func untilShutdown(observed *atomic.Int32) Subsystem {
	return Func(func(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error {
		<-obs.C()
		if observed != nil {
			observed.Add(1)
		}
		return nil
	})
}

func runWithTimeout(t *testing.T, sup *Supervisor, ctx context.Context) *Result {
	t.Helper()
	done := make(chan *Result, 1)
	go func() { done <- sup.Run(ctx) }()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not return")
		return nil
	}
}

// --- Unit Tests ---

// TestFirstExitFiresShutdown tests that one subsystem ending stops the rest.
func TestFirstExitFiresShutdown(t *testing.T) {
	trigger := shutdown.NewTrigger()
	journal := &recordingJournal{}
	sup := New(trigger, quietLogger())
	sup.SetJournal(journal)

	var observed atomic.Int32
	sup.Add("a", Func(func(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}))
	sup.Add("b", untilShutdown(&observed))
	sup.Add("c", untilShutdown(&observed))

	result := runWithTimeout(t, sup, context.Background())

	if result.Cause != "a" {
		t.Fatalf("cause = %q, want a", result.Cause)
	}
	if observed.Load() != 2 {
		t.Fatalf("observers notified = %d, want 2", observed.Load())
	}
	if result.ExitCode() != 0 || result.Err() != nil {
		t.Fatalf("clean exit expected, got %v", result.Err())
	}
	if out, _ := result.Outcome("a"); !out.FiredShutdown {
		t.Fatal("a should be recorded as firing shutdown")
	}
	if got := journal.count(telemetry.EventShutdownFired); got != 1 {
		t.Fatalf("shutdown fired %d times, want 1", got)
	}
	if got := journal.count(telemetry.EventSubsystemExit); got != 3 {
		t.Fatalf("subsystem exits = %d, want 3", got)
	}
}

// TestFailureIsReported tests that an error from the first subsystem is
// recorded and sets a non-zero exit code.
func TestFailureIsReported(t *testing.T) {
	sup := New(shutdown.NewTrigger(), quietLogger())
	boom := errors.New("listen: address in use")
	sup.Add("web", Func(func(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error {
		return boom
	}))
	sup.Add("other", untilShutdown(nil))

	result := runWithTimeout(t, sup, context.Background())
	if result.ExitCode() != 1 {
		t.Fatalf("exit code = %d, want 1", result.ExitCode())
	}
	out, ok := result.Outcome("web")
	if !ok || !errors.Is(out.Err, boom) || !boterrors.Is(out.Err, boterrors.ErrCodeSubsystem) {
		t.Fatalf("unexpected web outcome %+v", out)
	}
	if other, _ := result.Outcome("other"); other.Err != nil {
		t.Fatalf("other should end cleanly: %v", other.Err)
	}
}

// TestSimultaneousExitsFireOnce tests idempotence when many subsystems end together.
func TestSimultaneousExitsFireOnce(t *testing.T) {
	journal := &recordingJournal{}
	sup := New(shutdown.NewTrigger(), quietLogger())
	sup.SetJournal(journal)

	start := make(chan struct{})
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, name := range names {
		sup.Add(name, Func(func(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error {
			<-start
			return nil
		}))
	}

	done := make(chan *Result, 1)
	go func() { done <- sup.Run(context.Background()) }()
	close(start)

	var result *Result
	select {
	case result = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not return")
	}

	if got := journal.count(telemetry.EventShutdownFired); got != 1 {
		t.Fatalf("shutdown fired %d times, want 1", got)
	}
	fired := 0
	for _, o := range result.Outcomes {
		if o.FiredShutdown {
			fired++
			if o.Name != result.Cause {
				t.Fatalf("firing subsystem %q does not match cause %q", o.Name, result.Cause)
			}
		}
	}
	if fired != 1 {
		t.Fatalf("%d subsystems recorded as firing, want 1", fired)
	}
}

// TestPanicTreatedAsTermination tests that a panicking subsystem is caught.
func TestPanicTreatedAsTermination(t *testing.T) {
	sup := New(shutdown.NewTrigger(), quietLogger())
	var observed atomic.Int32
	sup.Add("crashy", Func(func(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error {
		panic("nil map write")
	}))
	sup.Add("steady", untilShutdown(&observed))

	result := runWithTimeout(t, sup, context.Background())
	out, _ := result.Outcome("crashy")
	if !out.Panicked || !boterrors.Is(out.Err, boterrors.ErrCodePanic) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if observed.Load() != 1 {
		t.Fatal("sibling should observe shutdown after a panic")
	}
	if result.ExitCode() != 1 {
		t.Fatal("panic should fail the run")
	}
}

// TestContextCancelFiresShutdown tests the internal waiter.
func TestContextCancelFiresShutdown(t *testing.T) {
	sup := New(shutdown.NewTrigger(), quietLogger())
	sup.Add("a", untilShutdown(nil))
	sup.Add("b", untilShutdown(nil))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	result := runWithTimeout(t, sup, ctx)
	if result.Cause != CauseContext {
		t.Fatalf("cause = %q, want %q", result.Cause, CauseContext)
	}
	for _, o := range result.Outcomes {
		if o.FiredShutdown {
			t.Fatalf("%s should not be recorded as firing", o.Name)
		}
	}
}

// TestExternalFireObserved tests a trigger fired from outside any subsystem exit.
func TestExternalFireObserved(t *testing.T) {
	trigger := shutdown.NewTrigger()
	sup := New(trigger, quietLogger())
	sup.Add("a", untilShutdown(nil))

	time.AfterFunc(20*time.Millisecond, func() { trigger.Fire() })
	result := runWithTimeout(t, sup, context.Background())
	if result.Cause != CauseExternal {
		t.Fatalf("cause = %q, want %q", result.Cause, CauseExternal)
	}
}

// TestHooksRunAfterJoin tests that cleanup only starts once every subsystem returned.
func TestHooksRunAfterJoin(t *testing.T) {
	sup := New(shutdown.NewTrigger(), quietLogger())

	var running atomic.Int32
	for _, name := range []string{"fast", "slow"} {
		delay := 0 * time.Millisecond
		if name == "slow" {
			delay = 30 * time.Millisecond
		}
		running.Add(1)
		sup.Add(name, Func(func(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error {
			defer running.Add(-1)
			<-obs.C()
			time.Sleep(delay)
			return nil
		}))
	}
	sup.Add("trigger", Func(func(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error {
		return nil
	}))

	var sawRunning atomic.Int32
	hooks := shutdown.NewHooks(shutdown.DefaultConfig())
	hooks.RegisterFuncWithPhase("bus", func(ctx context.Context) error {
		sawRunning.Store(running.Load())
		return nil
	}, shutdown.PhaseTransport)
	sup.SetHooks(hooks)

	result := runWithTimeout(t, sup, context.Background())
	if sawRunning.Load() != 0 {
		t.Fatalf("hook ran with %d subsystems still running", sawRunning.Load())
	}
	if result.Hooks == nil || len(result.Hooks.Results) != 1 || result.HooksErr != nil {
		t.Fatalf("unexpected hook report %+v (%v)", result.Hooks, result.HooksErr)
	}
}

// TestAddValidation tests duplicate names and adding after start.
func TestAddValidation(t *testing.T) {
	sup := New(shutdown.NewTrigger(), quietLogger())
	noop := Func(func(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error { return nil })

	if err := sup.Add("a", noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := sup.Add("a", noop); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	runWithTimeout(t, sup, context.Background())
	if err := sup.Add("b", noop); !errors.Is(err, ErrStarted) {
		t.Fatalf("expected ErrStarted, got %v", err)
	}
	if r := sup.Run(context.Background()); !errors.Is(r.Err(), ErrStarted) {
		t.Fatalf("second Run should fail with ErrStarted, got %v", r.Err())
	}
}

// TestSignalsSubsystem tests the signal listener adapter.
func TestSignalsSubsystem(t *testing.T) {
	trigger := shutdown.NewTrigger()
	sup := New(trigger, quietLogger())

	source := make(chan os.Signal, 1)
	source <- syscall.SIGTERM
	sup.Add("signals", Signals(shutdown.SignalConfig{Source: source}))
	var observed atomic.Int32
	sup.Add("web", untilShutdown(&observed))

	result := runWithTimeout(t, sup, context.Background())
	if result.ExitCode() != 0 {
		t.Fatalf("signal shutdown should be clean: %v", result.Err())
	}
	if observed.Load() != 1 {
		t.Fatal("web did not observe the signal shutdown")
	}
}

// --- End-to-end ---

// e2eConn is a single-shard gateway session that confirms close frames.
type e2eConn struct {
	items  chan *gateway.Event
	closes atomic.Int32
}

func (c *e2eConn) NextEvent(ctx context.Context) (*gateway.Event, error) {
	select {
	case ev, ok := <-c.items:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *e2eConn) Close(code int) error {
	if c.closes.Add(1) == 1 {
		c.items <- &gateway.Event{Kind: gateway.KindGatewayClose, Close: &gateway.CloseFrame{Code: code}}
	}
	return nil
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(ctx context.Context, ev *gateway.Event) error { return nil }

// TestEndToEndSiblingFailure runs one shard and a sibling service that
// fails; the shard must close gracefully and the result must report the
// sibling's failure.
func TestEndToEndSiblingFailure(t *testing.T) {
	trigger := shutdown.NewTrigger()
	conn := &e2eConn{items: make(chan *gateway.Event, 4)}
	conn.items <- &gateway.Event{
		Kind:    gateway.KindDispatch,
		Type:    gateway.EventMessageCreate,
		Seq:     1,
		Message: &gateway.Message{ID: "1", ChannelID: "c"},
	}

	fleetSup, err := shards.NewSupervisor(shards.Config{
		Query: shards.ShardQueryFunc(func(ctx context.Context) (int, error) { return 1, nil }),
		Connector: gateway.ConnectorFunc(func(ctx context.Context, id gateway.ShardID) (gateway.Conn, error) {
			return conn, nil
		}),
		Cache:      cache.New(cache.Config{}),
		Dispatcher: nopDispatcher{},
		Trigger:    trigger,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	fleet := ShardFleet(fleetSup)

	sup := New(trigger, quietLogger())
	sup.Add("shards", fleet)
	webErr := errors.New("web: listener died")
	sup.Add("web", Func(func(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error {
		time.Sleep(30 * time.Millisecond)
		return webErr
	}))

	result := runWithTimeout(t, sup, context.Background())

	if result.Cause != "web" {
		t.Fatalf("cause = %q, want web", result.Cause)
	}
	if conn.closes.Load() != 1 {
		t.Fatalf("close frames = %d, want 1", conn.closes.Load())
	}
	web, _ := result.Outcome("web")
	if !errors.Is(web.Err, webErr) {
		t.Fatalf("web outcome = %v, want its failure", web.Err)
	}
	if shardsOut, _ := result.Outcome("shards"); shardsOut.Err != nil {
		t.Fatalf("shard subsystem failed: %v", shardsOut.Err)
	}

	report := fleet.Report()
	if report == nil || len(report.Outcomes) != 1 {
		t.Fatalf("unexpected fleet report %+v", report)
	}
	out := report.Outcomes[0]
	if out.Err != nil || !out.CloseSent || out.CloseCode != gateway.CloseNormal {
		t.Fatalf("shard did not close gracefully: %+v", out)
	}
	if boterrors.Is(report.Err(), boterrors.ErrCodeDecode) {
		t.Fatal("unexpected decode error")
	}
	if result.ExitCode() != 1 {
		t.Fatal("sibling failure should produce a non-zero exit code")
	}
}
