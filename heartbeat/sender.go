package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/overbot/bus"
	"github.com/vinayprograms/overbot/shutdown"
)

// Sender publishes heartbeats over a message bus until shutdown. It runs as
// a supervised subsystem.
type Sender struct {
	bus      bus.MessageBus
	subject  string
	instance string
	interval time.Duration
	fill     func(hb *Heartbeat)
	metadata map[string]string

	sent   atomic.Int64
	failed atomic.Int64
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}

	metadata := make(map[string]string, len(cfg.Metadata))
	for k, v := range cfg.Metadata {
		metadata[k] = v
	}

	return &Sender{
		bus:      cfg.Bus,
		subject:  Subject(cfg.Prefix, cfg.Instance),
		instance: cfg.Instance,
		interval: interval,
		fill:     cfg.Fill,
		metadata: metadata,
	}, nil
}

// Run sends a heartbeat immediately and then every interval. Once
// shutdown is observed it sends one final StatusDraining beat and returns.
// Publish failures are counted, not returned: a flapping bus must not stop
// the bot.
func (s *Sender) Run(ctx context.Context, obs *shutdown.Observer, trigger *shutdown.Trigger) error {
	s.send(StatusRunning)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-obs.C():
			s.send(StatusDraining)
			return nil
		case <-ticker.C:
			s.send(StatusRunning)
		}
	}
}

// send publishes one heartbeat.
func (s *Sender) send(status string) {
	data, err := s.build(status).Marshal()
	if err == nil {
		err = s.bus.Publish(s.subject, data)
	}
	if err != nil {
		s.failed.Add(1)
		return
	}
	s.sent.Add(1)
}

// build creates a heartbeat with current state.
func (s *Sender) build(status string) *Heartbeat {
	hb := &Heartbeat{
		Instance:  s.instance,
		Timestamp: time.Now(),
		Status:    status,
	}
	if len(s.metadata) > 0 {
		hb.Metadata = make(map[string]string, len(s.metadata))
		for k, v := range s.metadata {
			hb.Metadata[k] = v
		}
	}
	if s.fill != nil {
		s.fill(hb)
	}
	return hb
}

// Subject returns the subject heartbeats are published on.
func (s *Sender) Subject() string {
	return s.subject
}

// Sent returns the number of heartbeats published and the number that
// failed.
func (s *Sender) Sent() (sent, failed int64) {
	return s.sent.Load(), s.failed.Load()
}
