package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
)

// CompletionMessage is the broker payload announcing a finished batch.
type CompletionMessage struct {
	NotificationID string             `json:"notificationId"`
	BatchID        string             `json:"batchId"`
	Category       string             `json:"category,omitempty"`
	Status         domain.BatchStatus `json:"status"`
	Level          domain.Level       `json:"level"`
	Message        string             `json:"message"`
	Total          int                `json:"total"`
	Succeeded      int                `json:"succeeded"`
	Failed         int                `json:"failed"`
	Cancelled      int                `json:"cancelled"`
	ElapsedMs      int64              `json:"elapsedMs"`
	CreatedAt      time.Time          `json:"createdAt"`
}

func NewCompletionMessage(n domain.Notification) CompletionMessage {
	return CompletionMessage{
		NotificationID: n.ID,
		BatchID:        n.BatchID,
		Category:       n.Category,
		Status:         n.Status,
		Level:          n.Level,
		Message:        n.Message,
		Total:          n.Summary.Total,
		Succeeded:      n.Summary.Succeeded,
		Failed:         n.Summary.Failed,
		Cancelled:      n.Summary.Cancelled,
		ElapsedMs:      n.Summary.Elapsed.Milliseconds(),
		CreatedAt:      n.CreatedAt,
	}
}

func (m CompletionMessage) Validate() error {
	if strings.TrimSpace(m.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	if !m.Status.IsTerminal() {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	switch m.Level {
	case domain.LevelInfo, domain.LevelWarning, domain.LevelError:
	default:
		return fmt.Errorf("invalid level %q", m.Level)
	}
	return nil
}
