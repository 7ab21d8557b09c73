package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ExecutorError describes a failed call to the extraction service. The scheduler
// retries every failure until the attempt ceiling; Transient only feeds logs
// and metrics.
type ExecutorError struct {
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ExecutorError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "executor error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ExecutorError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether a failure is likely to go away on its own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || IsCircuitOpen(err) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		return execErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// Reason returns a short, low-cardinality label for a failure.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case IsCircuitOpen(err):
		return "circuit_open"
	case IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
