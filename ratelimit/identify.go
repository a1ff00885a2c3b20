package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// IdentifyLimiter serializes gateway session starts. Shards share a bucket
// when their numbers are congruent modulo the gateway's max_concurrency,
// and each bucket admits one identify per interval.
type IdentifyLimiter struct {
	limiter        *MemoryLimiter
	maxConcurrency int
}

// NewIdentifyLimiter creates buckets for maxConcurrency parallel session
// starts. A zero interval means IdentifyInterval.
func NewIdentifyLimiter(maxConcurrency int, interval time.Duration) (*IdentifyLimiter, error) {
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("%w: max concurrency must be at least 1, got %d", ErrInvalidConfig, maxConcurrency)
	}
	if interval < 0 {
		return nil, fmt.Errorf("%w: negative identify interval", ErrInvalidConfig)
	}
	if interval == 0 {
		interval = IdentifyInterval
	}

	m := NewMemoryLimiter()
	for i := 0; i < maxConcurrency; i++ {
		m.SetCapacity(bucketName(i), 1, interval)
	}
	return &IdentifyLimiter{limiter: m, maxConcurrency: maxConcurrency}, nil
}

func bucketName(bucket int) string {
	return fmt.Sprintf("identify:%d", bucket)
}

// Bucket returns the concurrency bucket for a shard number.
func (l *IdentifyLimiter) Bucket(shard int) int {
	return shard % l.maxConcurrency
}

// Wait blocks until shard may send its identify.
func (l *IdentifyLimiter) Wait(ctx context.Context, shard int) error {
	return l.limiter.Acquire(ctx, bucketName(l.Bucket(shard)))
}

// Close releases any callers still waiting.
func (l *IdentifyLimiter) Close() error {
	return l.limiter.Close()
}
