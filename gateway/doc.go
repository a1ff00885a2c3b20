// Package gateway speaks the real-time push gateway protocol: JSON frames
// {"op","d","s","t"} over a websocket, optionally zlib-compressed.
//
// A Dialer opens one session per shard:
//
//	conn, err := dialer.Connect(ctx, gateway.ShardID{Number: 0, Total: 2})
//	for {
//	    ev, err := conn.NextEvent(ctx)
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	}
//
// Connect waits for the shard's identify bucket, dials, reads Hello, starts
// the heartbeat loop and sends Identify. Heartbeat requests and ACKs are
// handled inside NextEvent, and so are Reconnect (op 7) and Invalid Session
// (op 9): the connection resumes the session when it can and starts a new
// one through the identify bucket when it cannot. The caller only sees
// dispatches and the final close frame.
//
// The Client covers the single REST call the bot needs, GET /gateway/bot,
// for the recommended shard count and session start limits.
package gateway
