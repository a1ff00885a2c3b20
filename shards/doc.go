// Package shards runs the gateway shard fleet.
//
// A Supervisor asks for the recommended shard total once, starts one loop
// per shard in [0, total), and returns after every loop has ended. Each loop
// owns one gateway.Conn and moves through
//
//	connecting -> open -> closing -> closed
//
// While open, every iteration handles exactly one of: a shutdown
// notification, or the next inbound frame. Shutdown sends a single close
// frame (code 1000) and the loop keeps reading, caching and dispatching
// until the remote confirms the close or the stream ends. A frame is
// applied to the cache before it is dispatched, and the next frame is not
// read until both have happened.
//
// A connect failure or an undecodable frame ends only that shard's loop;
// siblings keep draining and the error is reported in the Report.
//
// The close handshake is unbounded unless Config.CloseTimeout is set.
package shards
