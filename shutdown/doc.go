// Package shutdown provides process-wide shutdown coordination for the bot.
//
// # Overview
//
// A Trigger is a one-way "shutdown requested" flag with broadcast delivery.
// Any subsystem may fire it and every subsystem observes it exactly once,
// regardless of whether it subscribed before or after the trigger fired.
//
//	┌───────────┐   Fire()    ┌───────────┐
//	│ web server│────────────▶│  Trigger  │
//	└───────────┘             └─────┬─────┘
//	                    ┌───────────┼───────────┐
//	                    ▼           ▼           ▼
//	              shard [0, 2]  shard [1, 2]  signal listener
//	              (Observer)    (Observer)    (Observer)
//
// Once every subsystem has returned, cleanup Hooks release shared resources
// in phase order.
//
// # Usage
//
//	trigger := shutdown.NewTrigger()
//
//	obs := trigger.Subscribe()
//	defer obs.Close()
//	select {
//	case <-obs.C():
//	    // begin close handshake
//	case ev := <-frames:
//	    ...
//	}
//
// Cleanup hooks:
//
//	hooks := shutdown.NewHooks(shutdown.DefaultConfig())
//	hooks.RegisterFuncWithPhase("bus", bus.Close, shutdown.PhaseTransport)
//	hooks.RegisterFuncWithPhase("tracing", provider.OnShutdown, shutdown.PhaseTelemetry)
//	report, err := hooks.Run(ctx)
//
// # Phases
//
// Lower phase numbers run first; hooks sharing a phase run concurrently.
//
//   - 5: handlers (drain in-flight event handler tasks)
//   - 10: transport (message bus, outbound clients)
//   - 20: storage (search index)
//   - 30: telemetry (flush span exporters)
//
// # Signals
//
// ListenSignals turns SIGHUP, SIGINT, SIGQUIT and SIGTERM into a Fire. In
// headless mode SIGHUP is ignored.
package shutdown
