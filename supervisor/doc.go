// Package supervisor owns the process lifecycle.
//
// Subsystems (the shard fleet, the web service, the signal listener) run
// concurrently. Whichever returns first, with or without an error, fires
// the shutdown trigger; a panic counts as returning. The supervisor then
// waits for the rest, runs the cleanup hooks and reports every outcome:
//
//	sup := supervisor.New(trigger, logger)
//	sup.Add("shards", supervisor.ShardFleet(fleet))
//	sup.Add("web", server)
//	sup.Add("signals", supervisor.Signals(shutdown.SignalConfig{}))
//	result := sup.Run(ctx)
//	os.Exit(result.ExitCode())
//
// The trigger is fired at most once by the supervisor, no matter how many
// subsystems end together.
package supervisor
