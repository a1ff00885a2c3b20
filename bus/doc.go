// Package bus publishes gateway events for consumers outside the process.
//
// # Overview
//
// The MessageBus interface is a small pub/sub abstraction. Every event a
// shard receives may be wrapped in an Envelope and published on
// EventSubject(prefix, type), e.g. "overbot.events.message_create".
//
// # Available Implementations
//
//   - NATSBus: NATS client, used when a server URL is configured
//   - MemoryBus: in-process implementation with the same subject rules
//
// # Subjects
//
// Subjects are dot-separated tokens. Subscriptions may use "*" for one
// token or a trailing ">" for the remainder:
//
//	sub, _ := bus.Subscribe("overbot.events.>")
//	for msg := range sub.Messages() {
//	    var env bus.Envelope
//	    json.Unmarshal(msg.Data, &env)
//	}
//
// Queue subscriptions spread messages across workers:
//
//	sub, _ := bus.QueueSubscribe("overbot.events.message_create", "indexers")
//
// Delivery never blocks the publisher. A subscriber whose buffer is full
// misses the message.
package bus
