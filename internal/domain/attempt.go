package domain

import "time"

// Attempt records a single executor invocation for an item.
type Attempt struct {
	Number     int
	StartedAt  time.Time
	FinishedAt time.Time
	Error      *string
}

// Succeeded reports whether the attempt finished without error.
func (a Attempt) Succeeded() bool {
	return a.Error == nil
}
