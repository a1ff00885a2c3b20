// Package dispatch runs event handlers off the shard loops.
//
// A shard loop hands every event to Dispatcher.Dispatch and moves on to the
// next frame; the handler runs on its own goroutine. At most MaxInFlight
// handler tasks run at once. When the bound is reached Dispatch blocks, which
// stalls only the shard that is dispatching.
//
//	mux := dispatch.NewMux()
//	mux.Register(dispatch.AnyEvent, dispatch.LogHandler(logger))
//	mux.Register(dispatch.AnyEvent, dispatch.NewPublisher(b, "overbot.events"))
//
//	d := dispatch.New(mux, dispatch.Config{MaxInFlight: 1024})
//	hooks.RegisterWithPhase("handlers", d, shutdown.PhaseHandlers)
//
// Handler panics are recovered and counted. Tasks are not tied to the shard
// that produced them; Close drains them during cleanup.
package dispatch
