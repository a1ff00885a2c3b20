// Package ratelimit provides token-bucket rate limiting for outbound gateway
// traffic.
//
// # Local Rate Limiting
//
// The MemoryLimiter keeps one token bucket per named resource, backed by
// golang.org/x/time/rate:
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity("gateway-bot", 2, time.Second)
//
//	if err := limiter.Acquire(ctx, "gateway-bot"); err != nil {
//	    return err // context cancelled or limiter closed
//	}
//
// # Session Starts
//
// The gateway allows max_concurrency session starts at a time, one per
// bucket every five seconds. IdentifyLimiter hands shard n the bucket
// n % max_concurrency:
//
//	identify, _ := ratelimit.NewIdentifyLimiter(info.SessionStartLimit.MaxConcurrency, 0)
//	if err := identify.Wait(ctx, id.Number); err != nil {
//	    return err
//	}
package ratelimit
