package executor

import (
	"context"
	"encoding/json"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
)

// Executor runs the extraction task for one file.
type Executor interface {
	Execute(ctx context.Context, file domain.File, category string) (*Result, error)
}

// Result is what the extraction service reported. A result with Success
// false is a failed attempt even though the call itself went through.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, file domain.File, category string) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, file domain.File, category string) (*Result, error) {
	return f(ctx, file, category)
}
