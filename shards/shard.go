package shards

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	boterrors "github.com/vinayprograms/overbot/errors"
	"github.com/vinayprograms/overbot/gateway"
	"github.com/vinayprograms/overbot/logging"
	"github.com/vinayprograms/overbot/shutdown"
	"github.com/vinayprograms/overbot/telemetry"
)

// State is the lifecycle stage of one shard connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventCache records inbound events before they are dispatched.
type EventCache interface {
	Apply(ev *gateway.Event)
}

// Dispatcher hands events to handler tasks without waiting for them.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *gateway.Event) error
}

// Outcome is how one shard loop ended.
type Outcome struct {
	Shard gateway.ShardID `json:"shard"`
	State State           `json:"state"`
	Err   error           `json:"-"`
	// Events counts frames cached and dispatched.
	Events int64 `json:"events"`
	// Dropped counts cached events no handler task was started for,
	// because the pool stayed full until shutdown or the dispatcher closed.
	Dropped int64 `json:"dropped,omitempty"`
	// CloseSent is true once the local close frame was written.
	CloseSent bool `json:"close_sent"`
	// CloseCode is the remote's close code, zero when the stream ended
	// without a close frame.
	CloseCode int           `json:"close_code,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Graceful reports whether the loop ended without error.
func (o Outcome) Graceful() bool {
	return o.Err == nil
}

// readResult is one NextEvent return.
type readResult struct {
	ev  *gateway.Event
	err error
}

// shardLoop drives one gateway session. Only its own goroutine mutates it;
// state and events are atomics so Status can read them.
type shardLoop struct {
	id           gateway.ShardID
	connector    gateway.Connector
	cache        EventCache
	dispatcher   Dispatcher
	obs          *shutdown.Observer
	logger       *logging.Logger
	tracer       *telemetry.Tracer
	closeTimeout time.Duration

	state  atomic.Int32
	events atomic.Int64
}

func (l *shardLoop) setState(to State) {
	from := State(l.state.Swap(int32(to)))
	if from != to {
		l.logger.ShardState(l.id.String(), from.String(), to.String())
	}
}

// State returns the current lifecycle stage.
func (l *shardLoop) State() State {
	return State(l.state.Load())
}

// run executes the loop to completion. It never retries a failed connect.
func (l *shardLoop) run(ctx context.Context) Outcome {
	start := time.Now()
	ctx, span := l.tracer.StartShardSpan(ctx, l.id.String())

	out := l.loop(ctx)
	out.Shard = l.id
	out.State = StateClosed
	out.Events = l.events.Load()
	out.Duration = time.Since(start)
	l.setState(StateClosed)

	l.tracer.EndShardSpan(span, telemetry.ShardSpanOptions{
		State:     out.State.String(),
		Events:    out.Events,
		CloseSent: out.CloseSent,
		CloseCode: out.CloseCode,
	}, out.Err)
	return out
}

// watchShutdown turns the one-shot observer notification into a channel
// closed on shutdown and a context canceled right after it. Connect and
// Dispatch use the context so neither can hold the loop past shutdown.
func (l *shardLoop) watchShutdown(ctx context.Context) (context.Context, <-chan struct{}, func()) {
	stopCtx, cancel := context.WithCancel(ctx)
	fired := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-l.obs.C():
			close(fired)
			cancel()
		case <-stopCtx.Done():
		}
	}()
	return stopCtx, fired, func() {
		cancel()
		<-done
	}
}

func (l *shardLoop) loop(ctx context.Context) (out Outcome) {
	shard := l.id.String()

	stopCtx, requested, release := l.watchShutdown(ctx)
	defer release()

	conn, err := l.connector.Connect(stopCtx, l.id)
	if err != nil {
		select {
		case <-requested:
			l.logger.Info("shard_connect_aborted", map[string]interface{}{"shard": shard})
			return out
		default:
		}
		if boterrors.Is(err, boterrors.ErrCodeConnect) {
			out.Err = err
		} else {
			out.Err = boterrors.ConnectFailed(shard, err)
		}
		return out
	}
	l.setState(StateOpen)

	readCtx, cancelRead := context.WithCancel(ctx)
	next := make(chan struct{}, 1)
	frames := make(chan readResult, 1)
	readerDone := make(chan struct{})

	// The reader performs exactly one NextEvent per request on next, so the
	// following frame is not read until this one has been handled.
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-next:
			case <-readCtx.Done():
				return
			}
			ev, err := conn.NextEvent(readCtx)
			frames <- readResult{ev: ev, err: err}
			if err != nil || ev == nil || ev.Kind == gateway.KindGatewayClose {
				return
			}
		}
	}()
	defer func() {
		cancelRead()
		<-readerDone
	}()
	next <- struct{}{}

	shutdownC := requested
	var watchdog <-chan time.Time

	for {
		select {
		case <-shutdownC:
			shutdownC = nil
			l.setState(StateClosing)
			if err := conn.Close(gateway.CloseNormal); err != nil {
				l.logger.Warn("close_frame_failed", map[string]interface{}{
					"shard": shard,
					"error": err.Error(),
				})
			}
			out.CloseSent = true
			if l.closeTimeout > 0 {
				timer := time.NewTimer(l.closeTimeout)
				defer timer.Stop()
				watchdog = timer.C
			}

		case <-watchdog:
			out.Err = boterrors.New(boterrors.ErrCodeTimeout, "close handshake not confirmed",
				boterrors.WithShard(shard),
				boterrors.WithMetadata("close_timeout", l.closeTimeout.String()))
			return out

		case r := <-frames:
			if r.err != nil {
				out.Err = l.readError(ctx, r.err)
				return out
			}
			ev := r.ev
			if ev == nil {
				return out
			}
			if ev.Kind == gateway.KindGatewayClose {
				if ev.Close != nil {
					out.CloseCode = ev.Close.Code
				}
				l.logger.Info("shard_closed", map[string]interface{}{
					"shard": shard,
					"code":  out.CloseCode,
				})
				return out
			}

			l.events.Add(1)
			l.logger.EventReceived(shard, ev.Type, ev.Seq)
			l.cache.Apply(ev)
			if err := l.dispatcher.Dispatch(stopCtx, ev); err != nil {
				out.Dropped++
				l.logger.Warn("event_dropped", map[string]interface{}{
					"shard": shard,
					"event": ev.Type,
					"seq":   ev.Seq,
					"error": err.Error(),
				})
			}
			next <- struct{}{}
		}
	}
}

// readError classifies a terminal NextEvent error. A stream that ended
// without a close frame is a normal end.
func (l *shardLoop) readError(ctx context.Context, err error) error {
	shard := l.id.String()
	var decodeErr *gateway.DecodeError
	switch {
	case errors.Is(err, io.EOF):
		l.logger.Info("shard_disconnected", map[string]interface{}{"shard": shard})
		return nil
	case errors.As(err, &decodeErr):
		return boterrors.DecodeFailed(shard, err)
	case ctx.Err() != nil:
		return boterrors.Wrap(err, "shard read aborted", boterrors.WithShard(shard))
	default:
		return boterrors.WrapWithCode(err, boterrors.ErrCodeShardFailed, "shard read failed", boterrors.WithShard(shard))
	}
}
