package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"github.com/kursadbilgin/docbatch-engine/internal/executor"
)

const (
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 5 * time.Second
	defaultRetryMaxDelay  = 5 * time.Minute
)

// Decision is what the retry controller did with a finished attempt.
type Decision string

const (
	DecisionCompleted Decision = "completed"
	DecisionRetry     Decision = "retry"
	DecisionFailed    Decision = "failed"
	DecisionCancelled Decision = "cancelled"
)

// Outcome is the raw result of one executor invocation.
type Outcome struct {
	Result *executor.Result
	Err    error
}

// Succeeded reports whether the attempt produced a usable result.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Result != nil && o.Result.Success
}

// Message returns the failure text kept on the item.
func (o Outcome) Message() string {
	switch {
	case o.Err != nil:
		return o.Err.Error()
	case o.Result == nil:
		return "extractor returned no result"
	case strings.TrimSpace(o.Result.Error) != "":
		return o.Result.Error
	default:
		return "extractor reported failure"
	}
}

// RetryController applies the attempt ceiling and the backoff schedule.
type RetryController struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewRetryController(maxAttempts int, baseDelay time.Duration, maxDelay time.Duration) *RetryController {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}

	return &RetryController{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

func (c *RetryController) MaxAttempts() int {
	return c.maxAttempts
}

// Delay grows linearly with the number of failed attempts, capped at maxDelay.
func (c *RetryController) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := c.baseDelay * time.Duration(attempts)
	if delay > c.maxDelay || delay <= 0 {
		return c.maxDelay
	}
	return delay
}

// OnResult moves the processing item at index to its next state and updates
// the batch counters. It must run while the caller holds the batch.
func (c *RetryController) OnResult(b *domain.Batch, index int, outcome Outcome, now time.Time) (Decision, error) {
	item, ok := b.Item(index)
	if !ok {
		return "", fmt.Errorf("%w: batch %s has no item %d", domain.ErrNotFound, b.ID, index)
	}
	if item.Status != domain.ItemStatusProcessing {
		return "", fmt.Errorf("%w: item %s is %s, not processing", domain.ErrConflict, item.Key(), item.Status)
	}

	if outcome.Succeeded() {
		if err := item.MarkCompleted(outcome.Result.Data, now); err != nil {
			return "", err
		}
		b.Counts.Succeeded++
		b.Counts.Processed++
		return DecisionCompleted, nil
	}

	msg := outcome.Message()
	item.Attempts++
	if item.Attempts >= c.maxAttempts {
		if err := item.MarkFailed(msg, now); err != nil {
			return "", err
		}
		b.Counts.Failed++
		b.Counts.Processed++
		return DecisionFailed, nil
	}

	if err := item.MarkRetrying(msg, now.Add(c.Delay(item.Attempts)), now); err != nil {
		return "", err
	}
	// A batch being cancelled does not get new attempts.
	if b.CancelRequested {
		if err := item.MarkCancelled(now); err != nil {
			return "", err
		}
		b.Counts.Cancelled++
		return DecisionCancelled, nil
	}
	return DecisionRetry, nil
}
