package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	boterrors "github.com/vinayprograms/overbot/errors"
	"github.com/vinayprograms/overbot/logging"
)

// APIVersion is the gateway protocol version requested on dial.
const APIVersion = "10"

// IdentifyWaiter throttles session starts per shard.
type IdentifyWaiter interface {
	Wait(ctx context.Context, shard int) error
}

// URLResolver supplies the gateway URL when none is configured.
type URLResolver interface {
	GatewayURL(ctx context.Context) (string, error)
}

// DialerConfig holds gateway connection configuration.
type DialerConfig struct {
	// URL is the websocket endpoint. Empty means ask Resolver.
	URL      string
	Resolver URLResolver

	Token          string
	Intents        int
	Compress       bool
	LargeThreshold int
	Properties     IdentifyProperties

	// Limiter spaces identify calls. Optional.
	Limiter IdentifyWaiter

	// HandshakeTimeout bounds dial plus the wait for Hello.
	HandshakeTimeout time.Duration

	// WriteTimeout for outbound frames.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// Jitter returns the fraction of the first heartbeat interval to wait.
	// Default: math/rand.
	Jitter func() float64

	Logger *logging.Logger
}

// DefaultDialerConfig returns configuration with sensible defaults.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		LargeThreshold: 50,
		Properties: IdentifyProperties{
			OS:      "linux",
			Browser: "overbot",
			Device:  "overbot",
		},
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   16 << 20,
	}
}

// Dialer opens gateway sessions. It implements Connector.
type Dialer struct {
	config DialerConfig
	ws     *websocket.Dialer
}

// NewDialer validates cfg and fills zero values from DefaultDialerConfig.
func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if cfg.Token == "" {
		return nil, boterrors.InvalidConfig("gateway dialer requires a bot token")
	}
	if cfg.URL == "" && cfg.Resolver == nil {
		return nil, boterrors.InvalidConfig("gateway dialer requires a URL or a resolver")
	}

	def := DefaultDialerConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.Properties == (IdentifyProperties{}) {
		cfg.Properties = def.Properties
	}
	if cfg.Jitter == nil {
		cfg.Jitter = rand.Float64
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New().WithComponent("gateway")
	}

	return &Dialer{
		config: cfg,
		ws: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}, nil
}

// Connect dials, waits for Hello, starts heartbeats and identifies.
func (d *Dialer) Connect(ctx context.Context, id ShardID) (Conn, error) {
	if d.config.Limiter != nil {
		if err := d.config.Limiter.Wait(ctx, id.Number); err != nil {
			return nil, boterrors.ConnectFailed(id.String(), fmt.Errorf("identify wait: %w", err))
		}
	}

	ws, hello, err := d.open(ctx, "")
	if err != nil {
		return nil, boterrors.ConnectFailed(id.String(), err)
	}

	c := newConn(d, ws, id)
	go c.heartbeat(hello.Interval(), d.config.Jitter())

	if err := c.send(OpIdentify, d.identify(id)); err != nil {
		c.release()
		return nil, boterrors.ConnectFailed(id.String(), fmt.Errorf("identify: %w", err))
	}

	d.config.Logger.Debug("identified", map[string]interface{}{
		"shard":              id.String(),
		"heartbeat_interval": hello.Interval().String(),
	})
	return c, nil
}

// open dials raw, or the configured endpoint when raw is empty, and reads
// Hello.
func (d *Dialer) open(ctx context.Context, raw string) (*websocket.Conn, *Hello, error) {
	endpoint, err := d.endpoint(ctx, raw)
	if err != nil {
		return nil, nil, err
	}

	ws, _, err := d.ws.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	ws.SetReadLimit(d.config.MaxMessageSize)

	hello, err := d.readHello(ws)
	if err != nil {
		ws.Close()
		return nil, nil, err
	}
	return ws, hello, nil
}

func (d *Dialer) identify(id ShardID) Identify {
	return Identify{
		Token:          d.config.Token,
		Intents:        d.config.Intents,
		Shard:          id,
		Properties:     d.config.Properties,
		Compress:       d.config.Compress,
		LargeThreshold: d.config.LargeThreshold,
	}
}

// endpoint returns the websocket URL with version and encoding set.
func (d *Dialer) endpoint(ctx context.Context, raw string) (string, error) {
	if raw == "" {
		raw = d.config.URL
	}
	if raw == "" {
		resolved, err := d.config.Resolver.GatewayURL(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve gateway url: %w", err)
		}
		raw = resolved
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("v", APIVersion)
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// readHello reads the first frame, which must be op 10.
func (d *Dialer) readHello(ws *websocket.Conn) (*Hello, error) {
	ws.SetReadDeadline(time.Now().Add(d.config.HandshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	messageType, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	f, err := decodeFrame(messageType, data)
	if err != nil {
		return nil, err
	}
	if f.Op != OpHello {
		return nil, fmt.Errorf("expected hello (op %d), got op %d", OpHello, f.Op)
	}

	var hello Hello
	if err := json.Unmarshal(f.D, &hello); err != nil {
		return nil, &DecodeError{Data: f.D, Err: err}
	}
	if hello.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("hello carried heartbeat interval %d", hello.HeartbeatInterval)
	}
	return &hello, nil
}

// Ensure Dialer implements Connector.
var _ Connector = (*Dialer)(nil)
