package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"

	boterrors "github.com/vinayprograms/overbot/errors"
)

// --- Test helpers ---

// fakeGateway serves one scripted websocket session per connection.
func fakeGateway(t *testing.T, script func(ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("v") != APIVersion || r.URL.Query().Get("encoding") != "json" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade error: %v", err)
			return
		}
		defer ws.Close()
		script(ws)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func writeFrame(t *testing.T, ws *websocket.Conn, op Opcode, event string, seq int64, d interface{}) {
	t.Helper()
	f := map[string]interface{}{"op": op, "d": d, "s": nil, "t": nil}
	if event != "" {
		f["t"] = event
		f["s"] = seq
	}
	data, _ := json.Marshal(f)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func sendHello(t *testing.T, ws *websocket.Conn, intervalMS int64) {
	writeFrame(t, ws, OpHello, "", 0, map[string]int64{"heartbeat_interval": intervalMS})
}

// readIdentify reads frames until identify, skipping heartbeats.
func readIdentify(t *testing.T, ws *websocket.Conn) Identify {
	t.Helper()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Errorf("server read identify: %v", err)
			return Identify{}
		}
		var f struct {
			Op Opcode          `json:"op"`
			D  json.RawMessage `json:"d"`
		}
		json.Unmarshal(data, &f)
		if f.Op != OpIdentify {
			continue
		}
		var id Identify
		if err := json.Unmarshal(f.D, &id); err != nil {
			t.Errorf("identify payload: %v", err)
		}
		return id
	}
}

// drain reads until the client goes away.
func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestDialer(t *testing.T, server *httptest.Server) *Dialer {
	t.Helper()
	d, err := NewDialer(DialerConfig{
		URL:     wsURL(server),
		Token:   "secret-token",
		Intents: 513,
		Jitter:  func() float64 { return 1 },
	})
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	return d
}

func nextEvent(t *testing.T, conn Conn) (*Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.NextEvent(ctx)
}

// --- Unit Tests ---

func TestShardID_String(t *testing.T) {
	id := ShardID{Number: 1, Total: 4}
	if id.String() != "[1, 4]" {
		t.Errorf("String() = %q", id.String())
	}
}

func TestShardID_JSON(t *testing.T) {
	data, err := json.Marshal(ShardID{Number: 2, Total: 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "[2,3]" {
		t.Errorf("marshal = %s, want [2,3]", data)
	}

	var id ShardID
	if err := json.Unmarshal([]byte("[5, 8]"), &id); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if id.Number != 5 || id.Total != 8 {
		t.Errorf("unmarshal = %+v", id)
	}
}

func TestNewShardID(t *testing.T) {
	if _, err := NewShardID(0, 1); err != nil {
		t.Errorf("[0, 1] should be valid: %v", err)
	}
	for _, tc := range [][2]int{{1, 1}, {-1, 2}, {0, 0}} {
		if _, err := NewShardID(tc[0], tc[1]); err == nil {
			t.Errorf("%v should be invalid", tc)
		}
	}
	if ids := Fleet(3); len(ids) != 3 || ids[2].Number != 2 || ids[2].Total != 3 {
		t.Errorf("Fleet(3) = %v", ids)
	}
}

func TestDecodeFrame_Dispatch(t *testing.T) {
	raw := `{"op":0,"s":7,"t":"MESSAGE_CREATE","d":{"id":"m1","channel_id":"c1","content":"hi","author":{"id":"u1","username":"ann"},"timestamp":"2026-01-02T03:04:05.000000+00:00"}}`
	f, err := decodeFrame(websocket.TextMessage, []byte(raw))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	ev := f.toEvent(ShardID{Number: 0, Total: 1})
	if ev.Kind != KindDispatch || ev.Type != EventMessageCreate || ev.Seq != 7 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Message == nil || ev.Message.Content != "hi" || ev.Message.Author.Username != "ann" {
		t.Fatalf("message not decoded: %+v", ev.Message)
	}
}

func TestDecodeFrame_MalformedPayloadIsNotFatal(t *testing.T) {
	raw := `{"op":0,"s":1,"t":"MESSAGE_DELETE","d":{"id":42}}`
	f, err := decodeFrame(websocket.TextMessage, []byte(raw))
	if err != nil {
		t.Fatalf("envelope should decode: %v", err)
	}
	ev := f.toEvent(ShardID{Total: 1})
	if ev.MessageDelete != nil {
		t.Error("malformed payload should leave MessageDelete nil")
	}
}

func TestDecodeFrame_BadJSON(t *testing.T) {
	_, err := decodeFrame(websocket.TextMessage, []byte("{not json"))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
}

func TestDecodeFrame_Compressed(t *testing.T) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write([]byte(`{"op":11,"d":null}`))
	zw.Close()

	f, err := decodeFrame(websocket.BinaryMessage, buf.Bytes())
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if f.Op != OpHeartbeatACK {
		t.Errorf("op = %d, want %d", f.Op, OpHeartbeatACK)
	}

	if _, err := decodeFrame(websocket.BinaryMessage, []byte("not zlib")); err == nil {
		t.Error("expected error for corrupt zlib payload")
	}
}

func TestDecodeFrame_InvalidSession(t *testing.T) {
	f, _ := decodeFrame(websocket.TextMessage, []byte(`{"op":9,"d":true}`))
	ev := f.toEvent(ShardID{Total: 1})
	if ev.Kind != KindInvalidSession || !ev.Resumable {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestNewDialer_Validation(t *testing.T) {
	if _, err := NewDialer(DialerConfig{URL: "wss://x"}); !boterrors.Is(err, boterrors.ErrCodeConfig) {
		t.Errorf("missing token should be a config error, got %v", err)
	}
	if _, err := NewDialer(DialerConfig{Token: "t"}); !boterrors.Is(err, boterrors.ErrCodeConfig) {
		t.Errorf("missing url should be a config error, got %v", err)
	}
}

// --- Integration Tests ---

func TestDialer_HandshakeAndDispatch(t *testing.T) {
	identified := make(chan Identify, 1)
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 45000)
		identified <- readIdentify(t, ws)
		writeFrame(t, ws, OpDispatch, EventReady, 1, map[string]interface{}{"session_id": "sess-1", "user": map[string]string{"id": "b1"}})
		writeFrame(t, ws, OpDispatch, EventMessageCreate, 2, map[string]interface{}{
			"id": "m1", "channel_id": "c1", "content": "hello",
		})
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "bye"))
		drain(ws)
	})

	id := ShardID{Number: 1, Total: 2}
	conn, err := newTestDialer(t, server).Connect(context.Background(), id)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case got := <-identified:
		if got.Token != "secret-token" || got.Shard != id || got.Intents != 513 {
			t.Errorf("unexpected identify: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received identify")
	}

	ev, err := nextEvent(t, conn)
	if err != nil || ev.Type != EventReady {
		t.Fatalf("expected READY, got %+v, %v", ev, err)
	}
	if conn.(*wsConn).SessionID() != "sess-1" {
		t.Errorf("SessionID() = %q", conn.(*wsConn).SessionID())
	}

	ev, err = nextEvent(t, conn)
	if err != nil || ev.Message == nil || ev.Message.Content != "hello" || ev.Seq != 2 || ev.Shard != id {
		t.Fatalf("expected MESSAGE_CREATE, got %+v, %v", ev, err)
	}

	ev, err = nextEvent(t, conn)
	if err != nil || ev.Kind != KindGatewayClose {
		t.Fatalf("expected gateway close, got %+v, %v", ev, err)
	}
	if ev.Close.Code != 4000 || ev.Close.Reason != "bye" {
		t.Errorf("close frame = %+v", ev.Close)
	}

	if _, err := nextEvent(t, conn); err != io.EOF {
		t.Errorf("reads after close should return io.EOF, got %v", err)
	}
}

func TestConn_CloseHandshake(t *testing.T) {
	received := make(chan int, 1)
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 45000)
		readIdentify(t, ws)
		// One more event still in flight when the client asks to close.
		writeFrame(t, ws, OpDispatch, EventMessageCreate, 1, map[string]string{"id": "m1", "channel_id": "c1"})
		for {
			_, _, err := ws.ReadMessage()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				received <- ce.Code
				return // gorilla echoes the close frame
			}
			if err != nil {
				return
			}
		}
	})

	conn, err := newTestDialer(t, server).Connect(context.Background(), ShardID{Total: 1})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := conn.Close(CloseNormal); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(CloseNormal); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}

	select {
	case code := <-received:
		if code != CloseNormal {
			t.Errorf("server saw close code %d, want %d", code, CloseNormal)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the close frame")
	}

	// The in-flight event is still delivered, then the confirmation.
	ev, err := nextEvent(t, conn)
	if err != nil || ev.Type != EventMessageCreate {
		t.Fatalf("expected the in-flight event, got %+v, %v", ev, err)
	}
	ev, err = nextEvent(t, conn)
	if err != nil || ev.Kind != KindGatewayClose || ev.Close.Code != CloseNormal {
		t.Fatalf("expected close confirmation, got %+v, %v", ev, err)
	}
}

func TestConn_HeartbeatAndAck(t *testing.T) {
	var beats atomic.Int32
	done := make(chan struct{})
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 50)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f struct {
				Op Opcode `json:"op"`
			}
			json.Unmarshal(data, &f)
			if f.Op != OpHeartbeat {
				continue
			}
			if beats.Add(1) == 3 {
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseNormal, ""))
				close(done)
				return
			}
			writeFrame(t, ws, OpHeartbeatACK, "", 0, nil)
		}
	})

	d := newTestDialer(t, server)
	d.config.Jitter = func() float64 { return 0 }
	conn, err := d.Connect(context.Background(), ShardID{Total: 1})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev, err := nextEvent(t, conn)
	if err != nil || ev.Kind != KindGatewayClose {
		t.Fatalf("expected close after acknowledged beats, got %+v, %v", ev, err)
	}
	<-done
	if beats.Load() < 3 {
		t.Errorf("expected at least 3 heartbeats, got %d", beats.Load())
	}
}

func TestConn_HeartbeatRequest(t *testing.T) {
	got := make(chan json.RawMessage, 1)
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 45000)
		readIdentify(t, ws)
		writeFrame(t, ws, OpDispatch, EventMessageCreate, 9, map[string]string{"id": "m", "channel_id": "c"})
		writeFrame(t, ws, OpHeartbeat, "", 0, nil)
		_, data, err := ws.ReadMessage()
		if err == nil {
			var f struct {
				Op Opcode          `json:"op"`
				D  json.RawMessage `json:"d"`
			}
			json.Unmarshal(data, &f)
			if f.Op == OpHeartbeat {
				got <- f.D
			}
		}
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseNormal, ""))
		drain(ws)
	})

	conn, err := newTestDialer(t, server).Connect(context.Background(), ShardID{Total: 1})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nextEvent(t, conn) // MESSAGE_CREATE, seq 9
	go nextEvent(t, conn)

	select {
	case d := <-got:
		if string(d) != "9" {
			t.Errorf("heartbeat should carry the last sequence, got %s", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("requested heartbeat never arrived")
	}
}

func TestConn_ZombieEndsStream(t *testing.T) {
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 30)
		drain(ws) // never acknowledges
	})

	d := newTestDialer(t, server)
	d.config.Jitter = func() float64 { return 0 }
	conn, err := d.Connect(context.Background(), ShardID{Total: 1})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := nextEvent(t, conn); err != io.EOF {
		t.Fatalf("expected io.EOF from zombie connection, got %v", err)
	}
	if !conn.(*wsConn).zombie.Load() {
		t.Error("connection should be marked zombie")
	}
}

func TestConn_DecodeError(t *testing.T) {
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 45000)
		readIdentify(t, ws)
		ws.WriteMessage(websocket.TextMessage, []byte("garbage"))
		drain(ws)
	})

	conn, err := newTestDialer(t, server).Connect(context.Background(), ShardID{Total: 1})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err = nextEvent(t, conn)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
}

func TestConn_AbruptDisconnect(t *testing.T) {
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 45000)
		readIdentify(t, ws)
		ws.UnderlyingConn().Close()
	})

	conn, err := newTestDialer(t, server).Connect(context.Background(), ShardID{Total: 1})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := nextEvent(t, conn); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestConn_ContextCancelAbortsRead(t *testing.T) {
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 45000)
		drain(ws)
	})

	conn, err := newTestDialer(t, server).Connect(context.Background(), ShardID{Total: 1})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.NextEvent(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDialer_RejectsNonHello(t *testing.T) {
	server := fakeGateway(t, func(ws *websocket.Conn) {
		writeFrame(t, ws, OpHeartbeatACK, "", 0, nil)
		drain(ws)
	})

	_, err := newTestDialer(t, server).Connect(context.Background(), ShardID{Total: 1})
	if !boterrors.Is(err, boterrors.ErrCodeConnect) {
		t.Fatalf("expected connect failure, got %v", err)
	}
}

func TestDialer_DialFailure(t *testing.T) {
	d, _ := NewDialer(DialerConfig{URL: "ws://127.0.0.1:1", Token: "t"})
	_, err := d.Connect(context.Background(), ShardID{Number: 3, Total: 4})
	if !boterrors.Is(err, boterrors.ErrCodeConnect) {
		t.Fatalf("expected connect failure, got %v", err)
	}
	if be, ok := boterrors.AsBotError(err).(*boterrors.Error); !ok || be.Shard() != "[3, 4]" {
		t.Errorf("error should carry the shard: %v", err)
	}
}

type recordingLimiter struct{ shards []int }

func (r *recordingLimiter) Wait(ctx context.Context, shard int) error {
	r.shards = append(r.shards, shard)
	return nil
}

func TestDialer_WaitsForIdentifyBucket(t *testing.T) {
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 45000)
		drain(ws)
	})

	limiter := &recordingLimiter{}
	d := newTestDialer(t, server)
	d.config.Limiter = limiter

	conn, err := d.Connect(context.Background(), ShardID{Number: 5, Total: 6})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.(*wsConn).release()

	if len(limiter.shards) != 1 || limiter.shards[0] != 5 {
		t.Errorf("limiter calls = %v", limiter.shards)
	}
}

func TestDialer_ResolvesURL(t *testing.T) {
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 45000)
		drain(ws)
	})
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(BotGateway{URL: wsURL(server), Shards: 1})
	}))
	defer api.Close()

	d, err := NewDialer(DialerConfig{
		Resolver: NewClient(ClientConfig{APIURL: api.URL, Token: "t"}),
		Token:    "t",
	})
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	conn, err := d.Connect(context.Background(), ShardID{Total: 1})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.(*wsConn).release()
}

// --- REST client ---

func TestClient_BotGateway(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gateway/bot" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bot secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"url":"wss://gw.example","shards":3,"session_start_limit":{"total":1000,"remaining":999,"reset_after":1000,"max_concurrency":2}}`))
	}))
	defer api.Close()

	c := NewClient(ClientConfig{APIURL: api.URL + "/", Token: "secret"})
	n, err := c.RecommendedShards(context.Background())
	if err != nil {
		t.Fatalf("RecommendedShards: %v", err)
	}
	if n != 3 {
		t.Errorf("shards = %d, want 3", n)
	}
	if c.Last().SessionStartLimit.MaxConcurrency != 2 {
		t.Errorf("max_concurrency = %d", c.Last().SessionStartLimit.MaxConcurrency)
	}
	url, err := c.GatewayURL(context.Background())
	if err != nil || url != "wss://gw.example" {
		t.Errorf("GatewayURL = %q, %v", url, err)
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   boterrors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"401: Unauthorized"}`, boterrors.ErrCodeUnauthorized},
		{"rate limited", http.StatusTooManyRequests, `{}`, boterrors.ErrCodeRateLimit},
		{"server error", http.StatusBadGateway, `oops`, boterrors.ErrCodeGatewayQuery},
		{"zero shards", http.StatusOK, `{"url":"wss://x","shards":0}`, boterrors.ErrCodeGatewayQuery},
		{"bad body", http.StatusOK, `{`, boterrors.ErrCodeGatewayQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer api.Close()

			_, err := NewClient(ClientConfig{APIURL: api.URL, Token: "t"}).RecommendedShards(context.Background())
			if !boterrors.Is(err, tt.want) {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
		})
	}
}

// readOp reads frames until op arrives, skipping heartbeats, and decodes
// its payload into v.
func readOp(t *testing.T, ws *websocket.Conn, op Opcode, v interface{}) {
	t.Helper()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Errorf("server read op %d: %v", op, err)
			return
		}
		var f struct {
			Op Opcode          `json:"op"`
			D  json.RawMessage `json:"d"`
		}
		json.Unmarshal(data, &f)
		if f.Op != op {
			continue
		}
		if err := json.Unmarshal(f.D, v); err != nil {
			t.Errorf("op %d payload: %v", op, err)
		}
		return
	}
}

func TestConn_ReconnectResumesSession(t *testing.T) {
	var sessions atomic.Int32
	var resumeURL atomic.Value
	resumed := make(chan Resume, 1)
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 45000)
		if sessions.Add(1) == 1 {
			readIdentify(t, ws)
			writeFrame(t, ws, OpDispatch, EventReady, 1, map[string]interface{}{
				"session_id":         "sess-1",
				"resume_gateway_url": resumeURL.Load(),
			})
			writeFrame(t, ws, OpReconnect, "", 0, nil)
			drain(ws)
			return
		}
		var r Resume
		readOp(t, ws, OpResume, &r)
		resumed <- r
		writeFrame(t, ws, OpDispatch, EventMessageCreate, 2, map[string]string{"id": "m2", "channel_id": "c1"})
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseNormal, ""))
		drain(ws)
	})
	resumeURL.Store(wsURL(server))

	conn, err := newTestDialer(t, server).Connect(context.Background(), ShardID{Total: 1})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if ev, err := nextEvent(t, conn); err != nil || ev.Type != EventReady {
		t.Fatalf("expected READY, got %+v, %v", ev, err)
	}
	ev, err := nextEvent(t, conn)
	if err != nil || ev.Kind != KindDispatch || ev.Message == nil || ev.Message.ID != "m2" {
		t.Fatalf("expected the resumed MESSAGE_CREATE, got %+v, %v", ev, err)
	}

	select {
	case r := <-resumed:
		if r.SessionID != "sess-1" || r.Seq != 1 || r.Token != "secret-token" {
			t.Errorf("unexpected resume: %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received resume")
	}

	ev, err = nextEvent(t, conn)
	if err != nil || ev.Kind != KindGatewayClose || ev.Close.Code != CloseNormal {
		t.Fatalf("expected close, got %+v, %v", ev, err)
	}
	if n := conn.(*wsConn).Reconnects(); n != 1 {
		t.Errorf("Reconnects() = %d, want 1", n)
	}
}

func TestConn_InvalidSessionReidentifies(t *testing.T) {
	var sessions atomic.Int32
	identified := make(chan Identify, 2)
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 45000)
		identified <- readIdentify(t, ws)
		if sessions.Add(1) == 1 {
			writeFrame(t, ws, OpDispatch, EventReady, 1, map[string]string{"session_id": "sess-1"})
			writeFrame(t, ws, OpInvalidSession, "", 0, false)
			drain(ws)
			return
		}
		writeFrame(t, ws, OpDispatch, EventReady, 1, map[string]string{"session_id": "sess-2"})
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseNormal, ""))
		drain(ws)
	})

	limiter := &recordingLimiter{}
	d := newTestDialer(t, server)
	d.config.Limiter = limiter

	id := ShardID{Number: 2, Total: 3}
	conn, err := d.Connect(context.Background(), id)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if ev, err := nextEvent(t, conn); err != nil || ev.Type != EventReady {
		t.Fatalf("expected first READY, got %+v, %v", ev, err)
	}
	if ev, err := nextEvent(t, conn); err != nil || ev.Type != EventReady || ev.Ready.SessionID != "sess-2" {
		t.Fatalf("expected READY of the new session, got %+v, %v", ev, err)
	}
	if got := conn.(*wsConn).SessionID(); got != "sess-2" {
		t.Errorf("SessionID() = %q, want sess-2", got)
	}

	for i := 0; i < 2; i++ {
		select {
		case got := <-identified:
			if got.Shard != id {
				t.Errorf("identify %d carried shard %v", i, got.Shard)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("server saw %d identifies, want 2", i)
		}
	}
	if len(limiter.shards) != 2 || limiter.shards[1] != 2 {
		t.Errorf("limiter calls = %v, want two waits for shard 2", limiter.shards)
	}

	if ev, err := nextEvent(t, conn); err != nil || ev.Kind != KindGatewayClose {
		t.Fatalf("expected close, got %+v, %v", ev, err)
	}
}

func TestConn_FailedReconnectIsConnectFailure(t *testing.T) {
	server := fakeGateway(t, func(ws *websocket.Conn) {
		sendHello(t, ws, 45000)
		readIdentify(t, ws)
		writeFrame(t, ws, OpDispatch, EventReady, 1, map[string]string{
			"session_id":         "sess-1",
			"resume_gateway_url": "ws://127.0.0.1:1",
		})
		writeFrame(t, ws, OpReconnect, "", 0, nil)
		drain(ws)
	})

	conn, err := newTestDialer(t, server).Connect(context.Background(), ShardID{Number: 0, Total: 1})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ev, err := nextEvent(t, conn); err != nil || ev.Type != EventReady {
		t.Fatalf("expected READY, got %+v, %v", ev, err)
	}

	_, err = nextEvent(t, conn)
	if !boterrors.Is(err, boterrors.ErrCodeConnect) {
		t.Fatalf("expected connect failure after lost session, got %v", err)
	}
	if _, err := nextEvent(t, conn); err != io.EOF {
		t.Errorf("reads after a failed reconnect should return io.EOF, got %v", err)
	}
}
