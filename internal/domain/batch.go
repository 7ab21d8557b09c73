package domain

import (
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the processing state of a batch.
type BatchStatus string

const (
	BatchStatusQueued     BatchStatus = "QUEUED"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusCancelled  BatchStatus = "CANCELLED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusQueued, BatchStatusProcessing, BatchStatusCompleted, BatchStatusCancelled:
		return true
	}
	return false
}

func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusCancelled
}

// Priority represents the scheduling class of a batch.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// PriorityOrder is the strict dispatch order across classes.
var PriorityOrder = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

func ParsePriorityFromString(s string) (Priority, error) {
	pr := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

// Options is the caller supplied batch configuration.
type Options struct {
	Priority           Priority
	NotifyOnComplete   bool
	AutoPersistResults bool
}

// DefaultOptions returns normal priority with completion notifications on
// and result auto-persistence off.
func DefaultOptions() Options {
	return Options{
		Priority:         PriorityNormal,
		NotifyOnComplete: true,
	}
}

func (o Options) Validate() error {
	if !o.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, o.Priority)
	}
	return nil
}

// Counts aggregates item outcomes. Processed is always Succeeded + Failed.
type Counts struct {
	Total     int
	Processed int
	Succeeded int
	Failed    int
	Cancelled int
}

// Batch groups the files submitted together and owns their items.
type Batch struct {
	ID              string
	Category        string
	Seq             uint64
	Options         Options
	Status          BatchStatus
	Counts          Counts
	CancelRequested bool
	CreatedAt       time.Time
	CompletedAt     *time.Time
	Items           []*Item
}

// NewBatch creates a queued batch with one queued item per file.
func NewBatch(id string, category string, seq uint64, opts Options, files []File, now time.Time) *Batch {
	b := &Batch{
		ID:        id,
		Category:  category,
		Seq:       seq,
		Options:   opts,
		Status:    BatchStatusQueued,
		CreatedAt: now,
		Items:     make([]*Item, 0, len(files)),
		Counts:    Counts{Total: len(files)},
	}
	for i, f := range files {
		b.Items = append(b.Items, &Item{
			BatchID: id,
			Index:   i,
			File:    f,
			Status:  ItemStatusQueued,
		})
	}
	return b
}

// Item returns the item at index.
func (b *Batch) Item(index int) (*Item, bool) {
	if index < 0 || index >= len(b.Items) {
		return nil, false
	}
	return b.Items[index], true
}

// Evaluate recomputes the batch status after an item transition and reports
// whether the batch just became terminal.
func (b *Batch) Evaluate(now time.Time) bool {
	if b.Status.IsTerminal() {
		return false
	}

	allTerminal := true
	started := false
	for _, item := range b.Items {
		if !item.Status.IsTerminal() {
			allTerminal = false
		}
		if item.Status != ItemStatusQueued || len(item.History) > 0 {
			started = true
		}
	}

	if allTerminal {
		b.Status = BatchStatusCompleted
		if b.CancelRequested {
			b.Status = BatchStatusCancelled
		}
		completed := now
		b.CompletedAt = &completed
		return true
	}

	if started {
		b.Status = BatchStatusProcessing
	}
	return false
}

// RequestCancel cancels every item that is not running and returns how many
// were cancelled. In-flight items are left to finish.
func (b *Batch) RequestCancel(now time.Time) int {
	if b.Status.IsTerminal() {
		return 0
	}
	b.CancelRequested = true

	cancelled := 0
	for _, item := range b.Items {
		if item.Status != ItemStatusQueued && item.Status != ItemStatusRetrying {
			continue
		}
		if err := item.MarkCancelled(now); err == nil {
			cancelled++
		}
	}
	b.Counts.Cancelled += cancelled
	return cancelled
}

// ResetFailed re-queues every failed item and reopens the batch if needed.
// A batch still winding down after a cancel request has nothing to retry
// until it finishes.
func (b *Batch) ResetFailed() int {
	if b.CancelRequested && !b.Status.IsTerminal() {
		return 0
	}

	reset := 0
	for _, item := range b.Items {
		if item.Reset() {
			reset++
		}
	}
	if reset == 0 {
		return 0
	}

	b.Counts.Failed -= reset
	b.Counts.Processed -= reset
	if b.Status.IsTerminal() {
		b.Status = BatchStatusProcessing
		b.CompletedAt = nil
		b.CancelRequested = false
	}
	return reset
}

// Remaining returns the number of items that are not terminal.
func (b *Batch) Remaining() int {
	remaining := 0
	for _, item := range b.Items {
		if !item.Status.IsTerminal() {
			remaining++
		}
	}
	return remaining
}

// Progress returns the share of terminal items as a percentage.
func (b *Batch) Progress() float64 {
	if len(b.Items) == 0 {
		return 100
	}
	done := len(b.Items) - b.Remaining()
	return float64(done) * 100 / float64(len(b.Items))
}

// MeanItemDuration averages the execution time of completed items.
func (b *Batch) MeanItemDuration() (time.Duration, bool) {
	var total time.Duration
	n := 0
	for _, item := range b.Items {
		if d, ok := item.Duration(); ok {
			total += d
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return total / time.Duration(n), true
}

// Summary builds the completion summary of the batch.
func (b *Batch) Summary(now time.Time) Summary {
	end := now
	if b.CompletedAt != nil {
		end = *b.CompletedAt
	}
	elapsed := end.Sub(b.CreatedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return Summary{
		Total:     b.Counts.Total,
		Succeeded: b.Counts.Succeeded,
		Failed:    b.Counts.Failed,
		Cancelled: b.Counts.Cancelled,
		Elapsed:   elapsed,
	}
}

// CheckInvariants verifies the counter invariants against the items.
func (b *Batch) CheckInvariants() error {
	c := b.Counts
	if c.Processed != c.Succeeded+c.Failed {
		return fmt.Errorf("%w: processed %d != succeeded %d + failed %d", ErrConflict, c.Processed, c.Succeeded, c.Failed)
	}
	if c.Processed > c.Total {
		return fmt.Errorf("%w: processed %d > total %d", ErrConflict, c.Processed, c.Total)
	}
	if c.Total != len(b.Items) {
		return fmt.Errorf("%w: total %d != items %d", ErrConflict, c.Total, len(b.Items))
	}
	for _, item := range b.Items {
		if item.Status == ItemStatusProcessing && item.StartedAt == nil {
			return fmt.Errorf("%w: item %s processing without start time", ErrConflict, item.Key())
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand out of the registry.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	out := *b
	out.CompletedAt = cloneTime(b.CompletedAt)
	out.Items = make([]*Item, len(b.Items))
	for i, item := range b.Items {
		out.Items[i] = item.Clone()
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
