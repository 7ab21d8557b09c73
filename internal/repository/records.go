package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
)

// BatchRecord is the persisted projection of a batch and its items.
type BatchRecord struct {
	Version         uint64             `json:"version"`
	ID              string             `json:"id"`
	Category        string             `json:"category"`
	Seq             uint64             `json:"seq"`
	Priority        domain.Priority    `json:"priority"`
	NotifyOnDone    bool               `json:"notifyOnComplete"`
	AutoPersist     bool               `json:"autoPersistResults"`
	Status          domain.BatchStatus `json:"status"`
	Total           int                `json:"total"`
	Processed       int                `json:"processed"`
	Succeeded       int                `json:"succeeded"`
	Failed          int                `json:"failed"`
	Cancelled       int                `json:"cancelled"`
	CancelRequested bool               `json:"cancelRequested"`
	CreatedAt       time.Time          `json:"createdAt"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
	Items           []ItemRecord       `json:"items"`
}

// ItemRecord is the persisted projection of an item.
type ItemRecord struct {
	Index       int               `json:"index"`
	FileName    string            `json:"fileName"`
	FileSize    int64             `json:"fileSize"`
	MimeType    string            `json:"mimeType,omitempty"`
	StorageKey  string            `json:"storageKey,omitempty"`
	Status      domain.ItemStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	LastError   *string           `json:"lastError,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	NextRetryAt *time.Time        `json:"nextRetryAt,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	History     []AttemptRecord   `json:"history,omitempty"`
}

type AttemptRecord struct {
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      *string   `json:"error,omitempty"`
}

// NotificationRecord is the persisted form of a pending notification.
type NotificationRecord struct {
	ID        string             `json:"id"`
	BatchID   string             `json:"batchId"`
	Category  string             `json:"category"`
	Status    domain.BatchStatus `json:"status"`
	Total     int                `json:"total"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Cancelled int                `json:"cancelled"`
	ElapsedMs int64              `json:"elapsedMs"`
	Message   string             `json:"message"`
	Level     domain.Level       `json:"level"`
	CreatedAt time.Time          `json:"createdAt"`
}

func batchRecordFromDomain(b *domain.Batch, version uint64) *BatchRecord {
	if b == nil {
		return nil
	}

	rec := &BatchRecord{
		Version:         version,
		ID:              b.ID,
		Category:        b.Category,
		Seq:             b.Seq,
		Priority:        b.Options.Priority,
		NotifyOnDone:    b.Options.NotifyOnComplete,
		AutoPersist:     b.Options.AutoPersistResults,
		Status:          b.Status,
		Total:           b.Counts.Total,
		Processed:       b.Counts.Processed,
		Succeeded:       b.Counts.Succeeded,
		Failed:          b.Counts.Failed,
		Cancelled:       b.Counts.Cancelled,
		CancelRequested: b.CancelRequested,
		CreatedAt:       b.CreatedAt,
		CompletedAt:     b.CompletedAt,
		Items:           make([]ItemRecord, 0, len(b.Items)),
	}
	for _, item := range b.Items {
		ir := ItemRecord{
			Index:       item.Index,
			FileName:    item.File.Name,
			FileSize:    item.File.Size,
			MimeType:    item.File.MimeType,
			StorageKey:  item.File.StorageKey,
			Status:      item.Status,
			Attempts:    item.Attempts,
			LastError:   item.LastError,
			StartedAt:   item.StartedAt,
			CompletedAt: item.CompletedAt,
			NextRetryAt: item.NextRetryAt,
			Result:      item.Result,
		}
		for _, a := range item.History {
			ir.History = append(ir.History, AttemptRecord{
				Number:     a.Number,
				StartedAt:  a.StartedAt,
				FinishedAt: a.FinishedAt,
				Error:      a.Error,
			})
		}
		rec.Items = append(rec.Items, ir)
	}
	return rec
}

func batchRecordToDomain(rec *BatchRecord) (*domain.Batch, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: empty batch record", domain.ErrValidation)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: batch record without id", domain.ErrValidation)
	}
	if !rec.Status.IsValid() {
		return nil, fmt.Errorf("%w: batch %s has invalid status %q", domain.ErrValidation, rec.ID, rec.Status)
	}
	if !rec.Priority.IsValid() {
		return nil, fmt.Errorf("%w: batch %s has invalid priority %q", domain.ErrValidation, rec.ID, rec.Priority)
	}

	b := &domain.Batch{
		ID:       rec.ID,
		Category: rec.Category,
		Seq:      rec.Seq,
		Options: domain.Options{
			Priority:           rec.Priority,
			NotifyOnComplete:   rec.NotifyOnDone,
			AutoPersistResults: rec.AutoPersist,
		},
		Status: rec.Status,
		Counts: domain.Counts{
			Total:     rec.Total,
			Processed: rec.Processed,
			Succeeded: rec.Succeeded,
			Failed:    rec.Failed,
			Cancelled: rec.Cancelled,
		},
		CancelRequested: rec.CancelRequested,
		CreatedAt:       rec.CreatedAt,
		CompletedAt:     rec.CompletedAt,
		Items:           make([]*domain.Item, 0, len(rec.Items)),
	}
	for i, ir := range rec.Items {
		if ir.Index != i {
			return nil, fmt.Errorf("%w: batch %s item %d stored at position %d", domain.ErrValidation, rec.ID, ir.Index, i)
		}
		if !ir.Status.IsValid() {
			return nil, fmt.Errorf("%w: batch %s item %d has invalid status %q", domain.ErrValidation, rec.ID, i, ir.Status)
		}
		item := &domain.Item{
			BatchID: rec.ID,
			Index:   ir.Index,
			File: domain.File{
				Name:       ir.FileName,
				Size:       ir.FileSize,
				MimeType:   ir.MimeType,
				StorageKey: ir.StorageKey,
			},
			Status:      ir.Status,
			Attempts:    ir.Attempts,
			LastError:   ir.LastError,
			StartedAt:   ir.StartedAt,
			CompletedAt: ir.CompletedAt,
			NextRetryAt: ir.NextRetryAt,
			Result:      ir.Result,
		}
		for _, a := range ir.History {
			item.History = append(item.History, domain.Attempt{
				Number:     a.Number,
				StartedAt:  a.StartedAt,
				FinishedAt: a.FinishedAt,
				Error:      a.Error,
			})
		}
		b.Items = append(b.Items, item)
	}
	if err := b.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("%w: batch %s: %v", domain.ErrValidation, rec.ID, err)
	}
	return b, nil
}

// EncodeBatch serializes a batch snapshot with its version.
func EncodeBatch(b *domain.Batch, version uint64) ([]byte, error) {
	rec := batchRecordFromDomain(b, version)
	if rec == nil {
		return nil, fmt.Errorf("%w: batch is required", domain.ErrValidation)
	}
	return json.Marshal(rec)
}

// DecodeBatch parses a stored batch record. Corrupt or inconsistent records
// are reported with domain.ErrValidation.
func DecodeBatch(raw []byte) (*domain.Batch, uint64, error) {
	var rec BatchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, 0, fmt.Errorf("%w: decode batch record: %v", domain.ErrValidation, err)
	}
	b, err := batchRecordToDomain(&rec)
	if err != nil {
		return nil, 0, err
	}
	return b, rec.Version, nil
}

func notificationRecordFromDomain(n domain.Notification) NotificationRecord {
	return NotificationRecord{
		ID:        n.ID,
		BatchID:   n.BatchID,
		Category:  n.Category,
		Status:    n.Status,
		Total:     n.Summary.Total,
		Succeeded: n.Summary.Succeeded,
		Failed:    n.Summary.Failed,
		Cancelled: n.Summary.Cancelled,
		ElapsedMs: n.Summary.Elapsed.Milliseconds(),
		Message:   n.Message,
		Level:     n.Level,
		CreatedAt: n.CreatedAt,
	}
}

func notificationRecordToDomain(r NotificationRecord) domain.Notification {
	return domain.Notification{
		ID:       r.ID,
		BatchID:  r.BatchID,
		Category: r.Category,
		Status:   r.Status,
		Summary: domain.Summary{
			Total:     r.Total,
			Succeeded: r.Succeeded,
			Failed:    r.Failed,
			Cancelled: r.Cancelled,
			Elapsed:   time.Duration(r.ElapsedMs) * time.Millisecond,
		},
		Message:   r.Message,
		Level:     r.Level,
		CreatedAt: r.CreatedAt,
	}
}

// EncodeNotifications serializes the pending notification list.
func EncodeNotifications(list []domain.Notification) ([]byte, error) {
	recs := make([]NotificationRecord, 0, len(list))
	for _, n := range list {
		recs = append(recs, notificationRecordFromDomain(n))
	}
	return json.Marshal(recs)
}

func DecodeNotifications(raw []byte) ([]domain.Notification, error) {
	var recs []NotificationRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("%w: decode notifications: %v", domain.ErrValidation, err)
	}
	out := make([]domain.Notification, 0, len(recs))
	for _, r := range recs {
		out = append(out, notificationRecordToDomain(r))
	}
	return out, nil
}
