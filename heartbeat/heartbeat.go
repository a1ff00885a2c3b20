package heartbeat

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/vinayprograms/overbot/bus"
)

// Common errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Subject token appended to the bus prefix.
const subjectToken = "heartbeat"

// Status values carried in a Heartbeat.
const (
	StatusRunning  = "running"
	StatusDraining = "draining"
)

// Heartbeat is one liveness beacon from a bot process.
type Heartbeat struct {
	// Instance is the process run id.
	Instance string `json:"instance"`

	// Timestamp when the heartbeat was generated.
	Timestamp time.Time `json:"timestamp"`

	// Status is StatusRunning, or StatusDraining for the final beacon.
	Status string `json:"status"`

	// Shards counts shards per state name.
	Shards map[string]int `json:"shards,omitempty"`

	// InFlight is the number of running handler tasks.
	InFlight int64 `json:"in_flight"`

	// Metadata contains additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Subject returns "<prefix>.heartbeat.<instance>".
func Subject(prefix, instance string) string {
	if prefix == "" {
		prefix = bus.DefaultSubjectPrefix
	}
	return strings.TrimSuffix(prefix, ".") + "." + subjectToken + "." + instance
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Bus to publish on (required).
	Bus bus.MessageBus

	// Instance identifies this process (required).
	Instance string

	// Prefix is the subject prefix. Default bus.DefaultSubjectPrefix.
	Prefix string

	// Interval between heartbeats. Default 10s.
	Interval time.Duration

	// Fill sets the live fields of each beat. Optional.
	Fill func(hb *Heartbeat)

	// Metadata is copied into every beat.
	Metadata map[string]string
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Prefix:   bus.DefaultSubjectPrefix,
		Interval: 10 * time.Second,
	}
}

// Validate checks the configuration.
func (c SenderConfig) Validate() error {
	if c.Bus == nil {
		return errors.Join(ErrInvalidConfig, errors.New("bus is required"))
	}
	if c.Instance == "" {
		return errors.Join(ErrInvalidConfig, errors.New("instance is required"))
	}
	if c.Interval < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("interval must not be negative"))
	}
	return bus.ValidateSubject(Subject(c.Prefix, c.Instance))
}
