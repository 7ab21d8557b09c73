package domain

import (
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a user-facing notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

func (l Level) String() string { return string(l) }

// Summary describes the outcome of a finished batch.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Cancelled int
	Elapsed   time.Duration
}

// Notification is emitted once when a batch reaches a terminal state.
type Notification struct {
	ID        string
	BatchID   string
	Category  string
	Status    BatchStatus
	Summary   Summary
	Message   string
	Level     Level
	CreatedAt time.Time
}

// NewCompletionNotification builds the notification for a terminal batch.
func NewCompletionNotification(id string, b *Batch, now time.Time) Notification {
	summary := b.Summary(now)
	return Notification{
		ID:        id,
		BatchID:   b.ID,
		Category:  b.Category,
		Status:    b.Status,
		Summary:   summary,
		Message:   completionMessage(b, summary),
		Level:     completionLevel(b.Status, summary),
		CreatedAt: now,
	}
}

func completionLevel(status BatchStatus, s Summary) Level {
	switch {
	case s.Total > 0 && s.Failed == s.Total:
		return LevelError
	case s.Failed > 0 || status == BatchStatusCancelled:
		return LevelWarning
	default:
		return LevelInfo
	}
}

func completionMessage(b *Batch, s Summary) string {
	category := strings.TrimSpace(b.Category)
	if category == "" {
		category = "document"
	}

	var sb strings.Builder
	if b.Status == BatchStatusCancelled {
		fmt.Fprintf(&sb, "%s batch cancelled: ", category)
	} else {
		fmt.Fprintf(&sb, "%s batch finished: ", category)
	}
	fmt.Fprintf(&sb, "%d/%d succeeded", s.Succeeded, s.Total)
	if s.Failed > 0 {
		fmt.Fprintf(&sb, ", %d failed", s.Failed)
	}
	if s.Cancelled > 0 {
		fmt.Fprintf(&sb, ", %d cancelled", s.Cancelled)
	}
	fmt.Fprintf(&sb, " in %s", s.Elapsed.Round(time.Second))
	return sb.String()
}
