package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vinayprograms/overbot/bus"
	"github.com/vinayprograms/overbot/gateway"
	"github.com/vinayprograms/overbot/telemetry"
)

// Publisher forwards dispatch events to a message bus.
type Publisher struct {
	bus    bus.MessageBus
	prefix string
	now    func() time.Time
}

// NewPublisher creates a Publisher that publishes on
// bus.EventSubject(prefix, type).
func NewPublisher(b bus.MessageBus, prefix string) *Publisher {
	return &Publisher{bus: b, prefix: prefix, now: time.Now}
}

// Handle publishes a dispatch event with the handler span's trace context.
// Other kinds are skipped.
func (p *Publisher) Handle(ctx context.Context, ev *gateway.Event) error {
	if ev.Kind != gateway.KindDispatch {
		return nil
	}

	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)

	env := bus.Envelope{
		Type:       ev.Type,
		Shard:      [2]int{ev.Shard.Number, ev.Shard.Total},
		Seq:        ev.Seq,
		ReceivedAt: p.now().UTC(),
		Data:       ev.Raw,
	}
	if len(carrier) > 0 {
		env.Trace = carrier
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	subject := bus.EventSubject(p.prefix, ev.Type)
	if err := p.bus.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
