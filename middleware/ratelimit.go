package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/wire"
)

type (
	// RateLimitConfig parameterizes the token bucket.
	RateLimitConfig struct {
		// RequestsPerSecond is the sustained refill rate. Defaults to 100.
		RequestsPerSecond float64
		// BurstSize is the bucket capacity. Defaults to RequestsPerSecond
		// rounded up, minimum 1.
		BurstSize int
		// PerPrincipal keys buckets by the authenticated principal instead
		// of a single global bucket. Requests with no principal share the
		// anonymous bucket.
		PerPrincipal bool
	}

	// RateLimiter applies a non-blocking token bucket to invocations.
	RateLimiter struct {
		cfg RateLimitConfig

		mu      sync.Mutex
		buckets map[string]*rate.Limiter
	}
)

const globalBucketKey = "global"

// NewRateLimiter builds a rate limiter from cfg, applying defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = int(cfg.RequestsPerSecond)
		if float64(cfg.BurstSize) < cfg.RequestsPerSecond {
			cfg.BurstSize++
		}
		if cfg.BurstSize < 1 {
			cfg.BurstSize = 1
		}
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Middleware rejects invocations when the bucket is exhausted. Rejection is
// immediate, never queued: a loaded server answers fast with a failure so
// the client can back off.
func (l *RateLimiter) Middleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
			key := l.bucketKey(ctx)
			if !l.bucket(key).Allow() {
				e := &rpcerrors.RateLimitError{Key: key}
				return wire.FailureResponse(inv.CallID, e.Error())
			}
			return next(ctx, inv, def)
		}
	}
}

func (l *RateLimiter) bucketKey(ctx context.Context) string {
	if !l.cfg.PerPrincipal {
		return globalBucketKey
	}
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return "anonymous"
	}
	return p.Key()
}

func (l *RateLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)
		l.buckets[key] = b
	}
	return b
}
