package executor

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	Name            string
	HalfOpenMaxCall uint32
	OpenTimeout     time.Duration
	MinRequests     uint32
	FailureRatio    float64
}

func (c BreakerConfig) normalize() BreakerConfig {
	if c.Name == "" {
		c.Name = "extractor"
	}
	if c.HalfOpenMaxCall == 0 {
		c.HalfOpenMaxCall = 1
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.MinRequests == 0 {
		c.MinRequests = 5
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0.6
	}
	return c
}

// BreakerExecutor stops calling the extraction service while it keeps
// failing. An open circuit fails the attempt immediately, so the item goes
// through the normal retry path.
type BreakerExecutor struct {
	next    Executor
	breaker *gobreaker.CircuitBreaker[*Result]
}

func NewBreakerExecutor(next Executor, cfg BreakerConfig, logger *zap.Logger) *BreakerExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalize()

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxCall,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &BreakerExecutor{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[*Result](settings),
	}
}

func (b *BreakerExecutor) Execute(ctx context.Context, file domain.File, category string) (*Result, error) {
	return b.breaker.Execute(func() (*Result, error) {
		return b.next.Execute(ctx, file, category)
	})
}

// State exposes the current breaker state for readiness reporting.
func (b *BreakerExecutor) State() string {
	return b.breaker.State().String()
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
