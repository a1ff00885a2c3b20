package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	boterrors "github.com/vinayprograms/overbot/errors"
	"github.com/vinayprograms/overbot/gateway"
	"github.com/vinayprograms/overbot/logging"
	"github.com/vinayprograms/overbot/telemetry"
)

// DefaultMaxInFlight bounds concurrently running handler tasks.
const DefaultMaxInFlight = 1024

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher closed")

// Config configures a Dispatcher.
type Config struct {
	// MaxInFlight bounds running handler tasks. Dispatch blocks while the
	// bound is reached. Zero means DefaultMaxInFlight.
	MaxInFlight int64

	// HandlerTimeout bounds each handler task. Zero means no bound.
	HandlerTimeout time.Duration

	// OnError is called, on the task goroutine, for every failed or
	// panicking handler. Optional.
	OnError func(ev *gateway.Event, err error)

	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// Stats counts handler tasks.
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Panics     int64 `json:"panics"`
	InFlight   int64 `json:"in_flight"`
}

// Dispatcher runs one handler task per event. Dispatch returns as soon as
// the task has started; the caller never waits for the handler.
type Dispatcher struct {
	handler Handler
	config  Config
	sem     *semaphore.Weighted
	logger  *logging.Logger
	tracer  *telemetry.Tracer

	// base is the parent of every task context; Close cancels it once the
	// drain deadline passes.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dispatched atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	panics     atomic.Int64
	inFlight   atomic.Int64
}

// New creates a Dispatcher that runs handler for every event.
func New(handler Handler, cfg Config) *Dispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler: handler,
		config:  cfg,
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		logger:  logger.WithComponent("dispatch"),
		tracer:  tracer,
		base:    base,
		cancel:  cancel,
	}
}

// Dispatch starts a handler task for ev. It blocks only while MaxInFlight
// tasks are running, and returns ctx's error if ctx ends first. A free slot
// is taken even when ctx has already ended.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *gateway.Event) error {
	if !d.sem.TryAcquire(1) {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		d.sem.Release(1)
		return ErrClosed
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	d.dispatched.Add(1)
	d.inFlight.Add(1)
	go d.run(ev)
	return nil
}

func (d *Dispatcher) run(ev *gateway.Event) {
	defer func() {
		d.inFlight.Add(-1)
		d.sem.Release(1)
		d.wg.Done()
	}()

	ctx := d.base
	if d.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.HandlerTimeout)
		defer cancel()
	}
	ctx, span := d.tracer.StartHandlerSpan(ctx, ev.Type, ev.Shard.String(), ev.Seq)

	err := d.invoke(ctx, ev)
	d.tracer.EndHandlerSpan(span, ev.Raw, err)

	if err == nil {
		d.completed.Add(1)
		return
	}
	d.failed.Add(1)
	d.logger.Warn("handler_failed", map[string]interface{}{
		"shard": ev.Shard.String(),
		"event": ev.Type,
		"seq":   ev.Seq,
		"error": err.Error(),
	})
	if d.config.OnError != nil {
		d.config.OnError(ev, err)
	}
}

// invoke calls the handler, turning a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, ev *gateway.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			err = boterrors.RecoverPanic(r)
		}
	}()
	return d.handler.Handle(ctx, ev)
}

// Wait blocks until every started task has returned or ctx ends. Call it
// once no more events are being dispatched.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and drains running tasks until ctx ends.
// Tasks still running at that point have their context canceled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	err := d.Wait(ctx)
	running := d.inFlight.Load()
	d.cancel()
	if err != nil {
		return fmt.Errorf("drain handlers: %d still running: %w", running, err)
	}
	return nil
}

// OnShutdown drains the dispatcher as a cleanup hook.
func (d *Dispatcher) OnShutdown(ctx context.Context) error {
	return d.Close(ctx)
}

// Stats returns a snapshot of the task counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Completed:  d.completed.Load(),
		Failed:     d.failed.Load(),
		Panics:     d.panics.Load(),
		InFlight:   d.inFlight.Load(),
	}
}
