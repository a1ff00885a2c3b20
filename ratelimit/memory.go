package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket pairs a token bucket with the window it was configured with.
type bucket struct {
	limiter *rate.Limiter
	window  time.Duration
}

// MemoryLimiter provides local rate limiting using token buckets.
// It is safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	done    chan struct{}
}

// NewMemoryLimiter creates a new in-memory rate limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
}

// SetCapacity configures the rate limit for a resource. Buckets start
// full. Non-positive values remove the resource.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	limit := rate.Limit(float64(capacity) / window.Seconds())
	if b, exists := m.buckets[resource]; exists {
		b.limiter.SetLimit(limit)
		b.limiter.SetBurst(capacity)
		b.window = window
		return
	}
	m.buckets[resource] = &bucket{
		limiter: rate.NewLimiter(limit, capacity),
		window:  window,
	}
}

// GetCapacity returns the current capacity info for a resource.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[resource]
	if !exists {
		return nil
	}

	available := int(b.limiter.Tokens())
	if available < 0 {
		available = 0
	}
	return &Capacity{
		Resource:  resource,
		Available: available,
		Total:     b.limiter.Burst(),
		Window:    b.window,
	}
}

func (m *MemoryLimiter) lookup(resource string) (*rate.Limiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	b, exists := m.buckets[resource]
	if !exists {
		return nil, ErrResourceUnknown
	}
	return b.limiter, nil
}

// Acquire blocks until a token is available for the resource.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	limiter, err := m.lookup(resource)
	if err != nil {
		return err
	}

	// Close wakes every waiter.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if err := limiter.Wait(waitCtx); err != nil {
		select {
		case <-m.done:
			return ErrClosed
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The limiter refuses waits that would outlive the deadline.
		return context.DeadlineExceeded
	}
	return nil
}

// TryAcquire attempts to acquire a token without blocking.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	limiter, err := m.lookup(resource)
	if err != nil {
		return false
	}
	return limiter.Allow()
}

// Close shuts down the limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	m.buckets = make(map[string]*bucket)
	return nil
}

// Ensure MemoryLimiter implements RateLimiter.
var _ RateLimiter = (*MemoryLimiter)(nil)
