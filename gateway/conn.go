package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	boterrors "github.com/vinayprograms/overbot/errors"
	"github.com/vinayprograms/overbot/logging"
)

// Conn is one established gateway session.
type Conn interface {
	// NextEvent blocks until the next inbound event. It returns an event
	// of KindGatewayClose when the remote closes, io.EOF when the stream
	// ends without a close frame, and a *DecodeError for malformed frames.
	// Reconnect requests and invalidated sessions are handled below this
	// call; a failed reconnect is returned as a CONNECT_FAILED error.
	// Canceling ctx aborts the transport.
	NextEvent(ctx context.Context) (*Event, error)

	// Close sends a close frame with code. Reading may continue until the
	// remote confirms. Only the first call writes.
	Close(code int) error
}

// Connector establishes gateway sessions.
type Connector interface {
	Connect(ctx context.Context, id ShardID) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, id ShardID) (Conn, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, id ShardID) (Conn, error) {
	return f(ctx, id)
}

// errSessionEnded stops a reconnect that raced a local close.
var errSessionEnded = errors.New("session closed during reconnect")

// wsConn implements Conn over a gorilla websocket. A reconnect swaps the
// socket and its heartbeat goroutine; mu guards that swap.
type wsConn struct {
	dialer *Dialer
	shard  ShardID
	logger *logging.Logger

	mu        sync.Mutex
	ws        *websocket.Conn
	stopHB    chan struct{}
	hbDone    chan struct{}
	sessionID string
	resumeURL string
	closing   bool

	writeMu    sync.Mutex
	seq        atomic.Int64
	hasSeq     atomic.Bool
	acked      atomic.Bool
	zombie     atomic.Bool
	reconnects atomic.Int64

	closeOnce   sync.Once
	closeErr    error
	releaseOnce sync.Once
	released    atomic.Bool
}

func newConn(d *Dialer, ws *websocket.Conn, shard ShardID) *wsConn {
	c := &wsConn{
		dialer: d,
		shard:  shard,
		logger: d.config.Logger,
		ws:     ws,
		stopHB: make(chan struct{}),
		hbDone: make(chan struct{}),
	}
	c.acked.Store(true)
	return c
}

func (c *wsConn) socket() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

// SessionID returns the session id from READY, if received.
func (c *wsConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Reconnects counts sessions resumed or re-identified on this connection.
func (c *wsConn) Reconnects() int64 {
	return c.reconnects.Load()
}

// NextEvent implements Conn.
func (c *wsConn) NextEvent(ctx context.Context) (*Event, error) {
	if c.released.Load() {
		return nil, io.EOF
	}

	stop := context.AfterFunc(ctx, func() { c.socket().Close() })
	defer stop()

	for {
		messageType, data, err := c.socket().ReadMessage()
		if err != nil {
			return c.readFailed(ctx, err)
		}

		f, err := decodeFrame(messageType, data)
		if err != nil {
			c.release()
			return nil, err
		}
		if f.S != nil {
			c.seq.Store(*f.S)
			c.hasSeq.Store(true)
		}

		switch f.Op {
		case OpHeartbeat:
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Warn("heartbeat_failed", map[string]interface{}{
					"shard": c.shard.String(),
					"error": err.Error(),
				})
			}
		case OpHeartbeatACK:
			c.acked.Store(true)
		case OpReconnect, OpInvalidSession:
			ev := f.toEvent(c.shard)
			if c.isClosing() {
				// The remote ends the socket next; that close is the confirmation.
				continue
			}
			resume := ev.Kind == KindReconnect || ev.Resumable
			if err := c.reconnect(ctx, resume); err != nil {
				c.release()
				if errors.Is(err, errSessionEnded) {
					return nil, io.EOF
				}
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, boterrors.ConnectFailed(c.shard.String(), err,
					boterrors.WithMetadata("trigger", ev.Kind.String()))
			}
		case OpDispatch:
			ev := f.toEvent(c.shard)
			if ev.Ready != nil {
				c.mu.Lock()
				c.sessionID = ev.Ready.SessionID
				c.resumeURL = ev.Ready.ResumeGatewayURL
				c.mu.Unlock()
			}
			return ev, nil
		default:
			// Hello after connect and unknown opcodes carry nothing for the loop.
		}
	}
}

// reconnect replaces the socket. With resume and a known session it sends
// Resume to the resume URL; otherwise it waits for the identify bucket and
// starts a new session.
func (c *wsConn) reconnect(ctx context.Context, resume bool) error {
	c.mu.Lock()
	old, stopHB, hbDone := c.ws, c.stopHB, c.hbDone
	sessionID, resumeURL := c.sessionID, c.resumeURL
	c.mu.Unlock()

	close(stopHB)
	old.Close()
	<-hbDone

	if sessionID == "" {
		resume = false
	}
	if !resume {
		c.hasSeq.Store(false)
		c.seq.Store(0)
		resumeURL = ""
	}

	d := c.dialer
	if !resume && d.config.Limiter != nil {
		if err := d.config.Limiter.Wait(ctx, c.shard.Number); err != nil {
			return err
		}
	}
	ws, hello, err := d.open(ctx, resumeURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		ws.Close()
		return errSessionEnded
	}
	c.ws = ws
	c.stopHB = make(chan struct{})
	c.hbDone = make(chan struct{})
	if !resume {
		c.sessionID = ""
		c.resumeURL = ""
	}
	c.mu.Unlock()

	c.acked.Store(true)
	c.zombie.Store(false)
	go c.heartbeat(hello.Interval(), d.config.Jitter())

	if resume {
		err = c.send(OpResume, Resume{Token: d.config.Token, SessionID: sessionID, Seq: c.seq.Load()})
	} else {
		err = c.send(OpIdentify, d.identify(c.shard))
	}
	if err != nil {
		return err
	}

	c.reconnects.Add(1)
	c.logger.Warn("session_reconnected", map[string]interface{}{
		"shard":  c.shard.String(),
		"resume": resume,
	})
	return nil
}

// readFailed maps a transport read error onto the Conn contract.
func (c *wsConn) readFailed(ctx context.Context, err error) (*Event, error) {
	c.release()

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &Event{
			Kind:  KindGatewayClose,
			Shard: c.shard,
			Close: &CloseFrame{Code: ce.Code, Reason: ce.Text},
		}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if c.zombie.Load() {
		c.logger.Warn("zombie_connection", map[string]interface{}{"shard": c.shard.String()})
	}
	return nil, io.EOF
}

func (c *wsConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Close implements Conn.
func (c *wsConn) Close(code int) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		ws := c.ws
		c.mu.Unlock()
		c.closeErr = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(c.dialer.config.WriteTimeout),
		)
	})
	return c.closeErr
}

// release stops heartbeats and closes the transport.
func (c *wsConn) release() {
	c.releaseOnce.Do(func() {
		c.released.Store(true)
		c.mu.Lock()
		ws, stopHB, hbDone := c.ws, c.stopHB, c.hbDone
		c.mu.Unlock()
		select {
		case <-stopHB:
			// Already stopped by a reconnect that never finished.
		default:
			close(stopHB)
		}
		ws.Close()
		<-hbDone
	})
}

// send writes one outbound frame.
func (c *wsConn) send(op Opcode, d interface{}) error {
	data, err := encodeFrame(op, d)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ws := c.socket()
	if timeout := c.dialer.config.WriteTimeout; timeout > 0 {
		ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) sendHeartbeat() error {
	var d interface{}
	if c.hasSeq.Load() {
		d = c.seq.Load()
	}
	return c.send(OpHeartbeat, d)
}

// heartbeat sends op 1 every interval, the first after interval*jitter.
// A beat that was never acknowledged marks the connection a zombie and
// closes the transport, which ends the stream.
func (c *wsConn) heartbeat(interval time.Duration, jitter float64) {
	c.mu.Lock()
	ws, stop, done := c.ws, c.stopHB, c.hbDone
	c.mu.Unlock()
	defer close(done)

	timer := time.NewTimer(time.Duration(float64(interval) * jitter))
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		if !c.acked.Swap(false) {
			c.zombie.Store(true)
			ws.Close()
			return
		}
		if err := c.sendHeartbeat(); err != nil {
			return
		}
		timer.Reset(interval)
	}
}
