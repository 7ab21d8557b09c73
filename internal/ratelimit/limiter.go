package ratelimit

import "context"

// RateLimiter throttles calls to the extraction service per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
