package shutdown

import (
	"context"
	"sync"
)

// Trigger is the process-wide "shutdown requested" flag. Any subsystem may
// fire it; every observer, whether subscribed before or after firing,
// receives exactly one notification.
type Trigger struct {
	mu        sync.Mutex
	fired     bool
	observers map[*Observer]struct{}
	done      chan struct{}
}

// NewTrigger creates an unfired trigger.
func NewTrigger() *Trigger {
	return &Trigger{
		observers: make(map[*Observer]struct{}),
		done:      make(chan struct{}),
	}
}

// Fire requests shutdown and returns the number of observers notified by
// this call. Only the first call has an effect; later calls return 0.
// Fire never blocks.
func (t *Trigger) Fire() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fired {
		return 0
	}
	t.fired = true
	close(t.done)

	notified := 0
	for o := range t.observers {
		if o.notify() {
			notified++
		}
	}
	t.observers = nil
	return notified
}

// Subscribe registers a new observer. When the trigger has already fired
// the observer is returned with its notification pending.
func (t *Trigger) Subscribe() *Observer {
	o := &Observer{
		c:       make(chan struct{}, 1),
		trigger: t,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fired {
		o.notify()
		return o
	}
	t.observers[o] = struct{}{}
	return o
}

// Fired reports whether Fire has been called.
func (t *Trigger) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Done returns a channel that is closed when the trigger fires. Unlike an
// Observer it can be selected on any number of times.
func (t *Trigger) Done() <-chan struct{} {
	return t.done
}

// Context returns a child of parent that is canceled when the trigger
// fires. The caller must call the returned cancel function.
func (t *Trigger) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (t *Trigger) unsubscribe(o *Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.observers, o)
}

// Observer is one subscription to a Trigger.
type Observer struct {
	c         chan struct{}
	trigger   *Trigger
	sent      bool // guarded by trigger.mu
	closeOnce sync.Once
}

// notify delivers the single notification. Caller holds trigger.mu.
func (o *Observer) notify() bool {
	if o.sent {
		return false
	}
	o.sent = true
	o.c <- struct{}{}
	return true
}

// C returns the channel that receives the shutdown notification. Exactly
// one value is ever sent on it.
func (o *Observer) C() <-chan struct{} {
	return o.c
}

// Close unregisters the observer. It is safe to call more than once.
func (o *Observer) Close() {
	o.closeOnce.Do(func() {
		o.trigger.unsubscribe(o)
	})
}
