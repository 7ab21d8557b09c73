package executor

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"github.com/kursadbilgin/docbatch-engine/internal/ratelimit"
)

// RateLimitedExecutor waits for a token before every call. The wait counts
// against the attempt's timeout.
type RateLimitedExecutor struct {
	next    Executor
	limiter ratelimit.RateLimiter
	key     string
}

func NewRateLimitedExecutor(next Executor, limiter ratelimit.RateLimiter, key string) *RateLimitedExecutor {
	if key == "" {
		key = "extractor"
	}
	return &RateLimitedExecutor{next: next, limiter: limiter, key: key}
}

func (r *RateLimitedExecutor) Execute(ctx context.Context, file domain.File, category string) (*Result, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, r.key); err != nil {
			return nil, &ExecutorError{
				Message:   "rate limit wait aborted",
				Transient: true,
				Cause:     fmt.Errorf("%w: %w", domain.ErrTemporary, err),
			}
		}
	}
	return r.next.Execute(ctx, file, category)
}
