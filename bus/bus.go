// Package bus fans gateway events out to other processes.
//
// The MessageBus interface is a pub/sub abstraction over NATS or an
// in-process backend. All implementations use channel-based subscriptions.
package bus

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// DefaultSubjectPrefix is where events are published unless configured.
const DefaultSubjectPrefix = "overbot.events"

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides pub/sub messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject pattern.
	// All subscribers receive all matching messages.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Messages are load-balanced across queue members.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// Envelope is the published form of one gateway event.
type Envelope struct {
	Type       string            `json:"type"`
	Shard      [2]int            `json:"shard"`
	Seq        int64             `json:"seq"`
	ReceivedAt time.Time         `json:"received_at"`
	Trace      map[string]string `json:"trace,omitempty"`
	Data       json.RawMessage   `json:"d,omitempty"`
}

// EventSubject returns the subject an event type is published on, e.g.
// "overbot.events.message_create".
func EventSubject(prefix, eventType string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if eventType == "" {
		eventType = "unknown"
	}
	return prefix + "." + strings.ToLower(eventType)
}

// ValidateSubject checks a subscription subject. Tokens are separated by
// dots; "*" matches one token and a trailing ">" matches the rest.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if tok == "" {
			return ErrInvalidSubject
		}
		if tok == ">" && i != len(tokens)-1 {
			return ErrInvalidSubject
		}
	}
	return nil
}

// validatePublish rejects wildcards on top of ValidateSubject.
func validatePublish(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "*" || tok == ">" {
			return ErrInvalidSubject
		}
	}
	return nil
}

// matchSubject reports whether a literal subject matches pattern.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
