package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/vinayprograms/overbot/gateway"
	"github.com/vinayprograms/overbot/logging"
)

// AnyEvent registers a Mux handler for every event type.
const AnyEvent = "*"

// Handler processes one inbound event. Handlers run concurrently with the
// shard loop that received the event and with each other.
type Handler interface {
	Handle(ctx context.Context, ev *gateway.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *gateway.Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev *gateway.Event) error {
	return f(ctx, ev)
}

// Mux routes events to handlers by dispatch type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string][]Handler)}
}

// Register adds h for eventType, or for every event when eventType is
// AnyEvent.
func (m *Mux) Register(eventType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], h)
}

// RegisterFunc adds f for eventType.
func (m *Mux) RegisterFunc(eventType string, f func(ctx context.Context, ev *gateway.Event) error) {
	m.Register(eventType, HandlerFunc(f))
}

// Len returns the number of registered handlers.
func (m *Mux) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, hs := range m.handlers {
		n += len(hs)
	}
	return n
}

// Handle runs the handlers for ev.Type, then the AnyEvent handlers, in
// registration order. Every handler runs; errors are joined.
func (m *Mux) Handle(ctx context.Context, ev *gateway.Event) error {
	m.mu.RLock()
	typed := m.handlers[ev.Type]
	wildcard := m.handlers[AnyEvent]
	m.mu.RUnlock()

	var errs []error
	for _, h := range typed {
		if err := h.Handle(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	for _, h := range wildcard {
		if err := h.Handle(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogHandler records each event at debug level.
func LogHandler(logger *logging.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, ev *gateway.Event) error {
		logger.EventReceived(ev.Shard.String(), ev.Type, ev.Seq)
		return nil
	})
}
