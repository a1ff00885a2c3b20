package shutdown

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// expectNotified fails unless obs has a pending notification.
func expectNotified(t *testing.T, obs *Observer) {
	t.Helper()
	select {
	case <-obs.C():
	case <-time.After(time.Second):
		t.Fatal("expected observer to be notified")
	}
}

// expectSilent fails if obs has a pending notification.
func expectSilent(t *testing.T, obs *Observer) {
	t.Helper()
	select {
	case <-obs.C():
		t.Fatal("observer received a second notification")
	default:
	}
}

// TestTriggerFireNotifiesAll tests that every live observer is notified once.
func TestTriggerFireNotifiesAll(t *testing.T) {
	trigger := NewTrigger()
	observers := []*Observer{trigger.Subscribe(), trigger.Subscribe(), trigger.Subscribe()}

	if n := trigger.Fire(); n != 3 {
		t.Fatalf("Fire() = %d, want 3", n)
	}
	for _, obs := range observers {
		expectNotified(t, obs)
		expectSilent(t, obs)
	}
}

// TestTriggerFireIdempotent tests that later fires change nothing.
func TestTriggerFireIdempotent(t *testing.T) {
	trigger := NewTrigger()
	obs := trigger.Subscribe()

	if n := trigger.Fire(); n != 1 {
		t.Fatalf("first Fire() = %d, want 1", n)
	}
	if n := trigger.Fire(); n != 0 {
		t.Fatalf("second Fire() = %d, want 0", n)
	}

	expectNotified(t, obs)
	expectSilent(t, obs)
	if !trigger.Fired() {
		t.Fatal("Fired() should be true")
	}
}

// TestTriggerFireWithoutObservers tests that firing with nobody listening is fine.
func TestTriggerFireWithoutObservers(t *testing.T) {
	trigger := NewTrigger()
	if n := trigger.Fire(); n != 0 {
		t.Fatalf("Fire() = %d, want 0", n)
	}
}

// TestTriggerLateSubscriber tests that subscribing after fire observes shutdown immediately.
func TestTriggerLateSubscriber(t *testing.T) {
	trigger := NewTrigger()
	trigger.Fire()

	obs := trigger.Subscribe()
	expectNotified(t, obs)
	expectSilent(t, obs)
}

// TestObserverClose tests that closed observers are not notified or counted.
func TestObserverClose(t *testing.T) {
	trigger := NewTrigger()
	kept := trigger.Subscribe()
	dropped := trigger.Subscribe()

	dropped.Close()
	dropped.Close()

	if n := trigger.Fire(); n != 1 {
		t.Fatalf("Fire() = %d, want 1", n)
	}
	expectNotified(t, kept)
	expectSilent(t, dropped)
}

// TestTriggerConcurrentFire tests that concurrent fires notify each observer exactly once.
func TestTriggerConcurrentFire(t *testing.T) {
	trigger := NewTrigger()

	var observers []*Observer
	for i := 0; i < 50; i++ {
		observers = append(observers, trigger.Subscribe())
	}

	var wg sync.WaitGroup
	results := make(chan int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- trigger.Fire()
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for n := range results {
		total += n
	}
	if total != 50 {
		t.Fatalf("total notified = %d, want 50", total)
	}
	for _, obs := range observers {
		expectNotified(t, obs)
		expectSilent(t, obs)
	}
}

// TestTriggerSubscribeRace tests that subscribing concurrently with Fire never misses.
func TestTriggerSubscribeRace(t *testing.T) {
	for i := 0; i < 100; i++ {
		trigger := NewTrigger()
		got := make(chan *Observer, 1)
		go func() { got <- trigger.Subscribe() }()
		trigger.Fire()
		expectNotified(t, <-got)
	}
}

// TestTriggerDoneAndContext tests the channel and context views of the trigger.
func TestTriggerDoneAndContext(t *testing.T) {
	trigger := NewTrigger()
	ctx, cancel := trigger.Context(context.Background())
	defer cancel()

	select {
	case <-trigger.Done():
		t.Fatal("Done closed before fire")
	default:
	}

	trigger.Fire()

	select {
	case <-trigger.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after fire")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled after fire")
	}
}

// TestTriggerContextCancel tests that canceling the derived context releases its watcher.
func TestTriggerContextCancel(t *testing.T) {
	trigger := NewTrigger()
	ctx, cancel := trigger.Context(context.Background())
	cancel()
	<-ctx.Done()
	if trigger.Fired() {
		t.Fatal("canceling the context must not fire the trigger")
	}
}

// --- Signal listener ---

// TestListenSignalsFires tests that an interrupt fires the trigger.
func TestListenSignalsFires(t *testing.T) {
	trigger := NewTrigger()
	other := trigger.Subscribe()
	obs := trigger.Subscribe()
	defer obs.Close()

	source := make(chan os.Signal, 1)
	source <- syscall.SIGTERM

	if err := ListenSignals(context.Background(), trigger, obs, SignalConfig{Source: source}); err != nil {
		t.Fatalf("ListenSignals: %v", err)
	}
	if !trigger.Fired() {
		t.Fatal("expected trigger to fire")
	}
	expectNotified(t, other)
}

// TestListenSignalsHeadlessIgnoresHangup tests that SIGHUP is skipped in headless mode.
func TestListenSignalsHeadlessIgnoresHangup(t *testing.T) {
	trigger := NewTrigger()
	obs := trigger.Subscribe()
	defer obs.Close()

	source := make(chan os.Signal, 2)
	source <- syscall.SIGHUP

	done := make(chan error, 1)
	go func() {
		done <- ListenSignals(context.Background(), trigger, obs, SignalConfig{Headless: true, Source: source})
	}()

	time.Sleep(50 * time.Millisecond)
	if trigger.Fired() {
		t.Fatal("SIGHUP should be ignored in headless mode")
	}

	source <- syscall.SIGINT
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not return after SIGINT")
	}
	if !trigger.Fired() {
		t.Fatal("expected SIGINT to fire the trigger")
	}
}

// TestListenSignalsHangupFiresAttached tests that SIGHUP fires outside headless mode.
func TestListenSignalsHangupFiresAttached(t *testing.T) {
	trigger := NewTrigger()
	obs := trigger.Subscribe()
	defer obs.Close()

	source := make(chan os.Signal, 1)
	source <- syscall.SIGHUP

	ListenSignals(context.Background(), trigger, obs, SignalConfig{Source: source})
	if !trigger.Fired() {
		t.Fatal("expected SIGHUP to fire the trigger")
	}
}

// TestListenSignalsReturnsOnShutdown tests that the listener exits when another subsystem fires.
func TestListenSignalsReturnsOnShutdown(t *testing.T) {
	trigger := NewTrigger()
	obs := trigger.Subscribe()
	defer obs.Close()

	done := make(chan error, 1)
	go func() {
		done <- ListenSignals(context.Background(), trigger, obs, SignalConfig{Source: make(chan os.Signal)})
	}()

	if n := trigger.Fire(); n != 1 {
		t.Fatalf("Fire() = %d, want 1", n)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("listener did not observe shutdown")
	}
}
