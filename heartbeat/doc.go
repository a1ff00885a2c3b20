// Package heartbeat publishes process liveness beacons on the message bus.
//
// # Overview
//
// While the bot runs, a Sender publishes a Heartbeat every interval. Each
// beat carries the process run id, shard states and the number of running
// handler tasks, so an external monitor can tell a live bot from a dead
// one without talking to the gateway.
//
//	┌─────────────┐   overbot.events.heartbeat.<instance>   ┌─────────────┐
//	│   Sender    │ ─────────────────────────────────────▶  │   monitor   │
//	│  (overbot)  │                                         │ (external)  │
//	└─────────────┘                                         └─────────────┘
//
// When shutdown is observed the sender publishes one last beat with status
// "draining" and returns.
//
// # Usage
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      natsBus,
//	    Instance: runID,
//	    Interval: 10 * time.Second,
//	    Fill: func(hb *heartbeat.Heartbeat) {
//	        hb.InFlight = dispatcher.Stats().InFlight
//	    },
//	})
//	sup.Add("heartbeat", sender)
//
// Monitors subscribe to "<prefix>.heartbeat.>" and should treat two or
// three missed intervals as a dead process.
package heartbeat
