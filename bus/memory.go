package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Used for single-process runs and tests.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        map[string][]*memorySub
	queueGroups map[string]map[string]*queueGroup // pattern -> queue -> group
	closed      atomic.Bool
	dropped     atomic.Int64
}

type queueGroup struct {
	members []*memorySub
	next    atomic.Int64
}

type memorySub struct {
	subject string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		subs:        make(map[string][]*memorySub),
		queueGroups: make(map[string]map[string]*queueGroup),
	}
}

// Publish sends a message to all matching subscribers. Subscribers with a
// full buffer miss the message; Dropped counts those.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := validatePublish(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	// Holding the read lock keeps Close from closing channels mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliverToSubscribers(msg)
	b.deliverToQueueGroups(msg)

	return nil
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *MemoryBus) deliverToSubscribers(msg *Message) {
	for pattern, subs := range b.subs {
		if !matchSubject(pattern, msg.Subject) {
			continue
		}
		for _, sub := range subs {
			if sub.closed.Load() {
				continue
			}
			select {
			case sub.ch <- msg:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

func (b *MemoryBus) deliverToQueueGroups(msg *Message) {
	for pattern, queues := range b.queueGroups {
		if !matchSubject(pattern, msg.Subject) {
			continue
		}
		for _, group := range queues {
			if !group.deliver(msg) {
				b.dropped.Add(1)
			}
		}
	}
}

// deliver hands msg to one member, starting after the last one served.
func (g *queueGroup) deliver(msg *Message) bool {
	n := len(g.members)
	start := int(g.next.Load())
	for i := 0; i < n; i++ {
		sub := g.members[(start+i)%n]
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- msg:
			g.next.Store(int64((start + i + 1) % n))
			return true
		default:
		}
	}
	return false
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	b.subs[subject] = append(b.subs[subject], sub)

	return sub, nil
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if b.queueGroups[subject] == nil {
		b.queueGroups[subject] = make(map[string]*queueGroup)
	}
	group := b.queueGroups[subject][queue]
	if group == nil {
		group = &queueGroup{}
		b.queueGroups[subject][queue] = group
	}
	group.members = append(group.members, sub)

	return sub, nil
}

// Close shuts down the bus and ends every subscription.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.end()
		}
	}
	for _, queues := range b.queueGroups {
		for _, group := range queues {
			for _, sub := range group.members {
				sub.end()
			}
		}
	}

	b.subs = nil
	b.queueGroups = nil

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed.Load() {
		return nil
	}
	if s.queue == "" {
		s.bus.removeSub(s.subject, s)
	} else {
		s.bus.removeQueueSub(s.subject, s.queue, s)
	}
	s.end()
	return nil
}

// end closes the channel once. Callers hold the bus write lock.
func (s *memorySub) end() {
	if !s.closed.Swap(true) {
		close(s.ch)
	}
}

func (b *MemoryBus) removeSub(subject string, target *memorySub) {
	subs := b.subs[subject]
	for i, sub := range subs {
		if sub == target {
			b.subs[subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[subject]) == 0 {
		delete(b.subs, subject)
	}
}

func (b *MemoryBus) removeQueueSub(subject, queue string, target *memorySub) {
	group := b.queueGroups[subject][queue]
	if group == nil {
		return
	}
	for i, sub := range group.members {
		if sub == target {
			group.members = append(group.members[:i], group.members[i+1:]...)
			break
		}
	}
	if len(group.members) == 0 {
		delete(b.queueGroups[subject], queue)
	} else {
		group.next.Store(group.next.Load() % int64(len(group.members)))
	}
}
