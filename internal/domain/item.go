package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ItemStatus represents the lifecycle state of a single submitted file.
type ItemStatus string

const (
	ItemStatusQueued     ItemStatus = "QUEUED"
	ItemStatusProcessing ItemStatus = "PROCESSING"
	ItemStatusCompleted  ItemStatus = "COMPLETED"
	ItemStatusRetrying   ItemStatus = "RETRYING"
	ItemStatusFailed     ItemStatus = "FAILED"
	ItemStatusCancelled  ItemStatus = "CANCELLED"
)

func (s ItemStatus) String() string { return string(s) }

func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemStatusQueued, ItemStatusProcessing, ItemStatusCompleted,
		ItemStatusRetrying, ItemStatusFailed, ItemStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition can happen.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemStatusCompleted, ItemStatusFailed, ItemStatusCancelled:
		return true
	}
	return false
}

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemStatusQueued:     {ItemStatusProcessing, ItemStatusCancelled},
	ItemStatusProcessing: {ItemStatusCompleted, ItemStatusRetrying, ItemStatusFailed},
	ItemStatusRetrying:   {ItemStatusQueued, ItemStatusCancelled},
}

// CanTransition reports whether from -> to is a legal item transition.
func CanTransition(from, to ItemStatus) bool {
	for _, allowed := range itemTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// File describes a submitted document. Content lives in blob storage under StorageKey.
type File struct {
	Name       string
	Size       int64
	MimeType   string
	StorageKey string
}

func (f File) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: file name is required", ErrValidation)
	}
	if f.Size < 0 {
		return fmt.Errorf("%w: file size must be >= 0", ErrValidation)
	}
	return nil
}

// Item is one file within a batch and its processing state.
type Item struct {
	BatchID     string
	Index       int
	File        File
	Status      ItemStatus
	Attempts    int
	LastError   *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRetryAt *time.Time
	Result      json.RawMessage
	History     []Attempt
}

// ItemKey builds the globally unique composite key of an item.
func ItemKey(batchID string, index int) string {
	return batchID + ":" + strconv.Itoa(index)
}

func (i *Item) Key() string {
	return ItemKey(i.BatchID, i.Index)
}

func (i *Item) transition(to ItemStatus) error {
	if !CanTransition(i.Status, to) {
		return fmt.Errorf("%w: item %s cannot move from %s to %s", ErrConflict, i.Key(), i.Status, to)
	}
	i.Status = to
	return nil
}

// MarkProcessing dispatches a queued item.
func (i *Item) MarkProcessing(now time.Time) error {
	if err := i.transition(ItemStatusProcessing); err != nil {
		return err
	}
	started := now
	i.StartedAt = &started
	i.CompletedAt = nil
	i.NextRetryAt = nil
	return nil
}

// MarkCompleted attaches the result of a successful execution.
func (i *Item) MarkCompleted(result json.RawMessage, now time.Time) error {
	if err := i.transition(ItemStatusCompleted); err != nil {
		return err
	}
	i.Result = result
	i.LastError = nil
	i.recordAttempt(nil, now)
	finished := now
	i.CompletedAt = &finished
	return nil
}

// MarkRetrying records a failed attempt that will be retried at nextRetryAt.
func (i *Item) MarkRetrying(errMsg string, nextRetryAt time.Time, now time.Time) error {
	if err := i.transition(ItemStatusRetrying); err != nil {
		return err
	}
	i.LastError = &errMsg
	i.recordAttempt(&errMsg, now)
	next := nextRetryAt
	i.NextRetryAt = &next
	return nil
}

// MarkFailed records the last failed attempt once the retry ceiling is reached.
func (i *Item) MarkFailed(errMsg string, now time.Time) error {
	if err := i.transition(ItemStatusFailed); err != nil {
		return err
	}
	i.LastError = &errMsg
	i.recordAttempt(&errMsg, now)
	finished := now
	i.CompletedAt = &finished
	i.NextRetryAt = nil
	return nil
}

// MarkQueued moves a retrying item back into the dispatch pool.
func (i *Item) MarkQueued() error {
	if err := i.transition(ItemStatusQueued); err != nil {
		return err
	}
	i.NextRetryAt = nil
	return nil
}

// MarkCancelled cancels an item that has not been dispatched.
func (i *Item) MarkCancelled(now time.Time) error {
	if err := i.transition(ItemStatusCancelled); err != nil {
		return err
	}
	finished := now
	i.CompletedAt = &finished
	i.NextRetryAt = nil
	return nil
}

// Requeue downgrades an item found in processing after a restart.
// The executor that was running it is assumed lost.
func (i *Item) Requeue() bool {
	if i.Status != ItemStatusProcessing {
		return false
	}
	i.Status = ItemStatusQueued
	i.StartedAt = nil
	return true
}

// Reset puts a failed item back into the queue with a fresh attempt budget.
func (i *Item) Reset() bool {
	if i.Status != ItemStatusFailed {
		return false
	}
	i.Status = ItemStatusQueued
	i.Attempts = 0
	i.LastError = nil
	i.StartedAt = nil
	i.CompletedAt = nil
	i.NextRetryAt = nil
	return true
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	cp := *i
	cp.LastError = cloneString(i.LastError)
	cp.StartedAt = cloneTime(i.StartedAt)
	cp.CompletedAt = cloneTime(i.CompletedAt)
	cp.NextRetryAt = cloneTime(i.NextRetryAt)
	if i.Result != nil {
		cp.Result = append(json.RawMessage(nil), i.Result...)
	}
	cp.History = append([]Attempt(nil), i.History...)
	return &cp
}

// Duration returns how long the last execution took, if finished.
func (i *Item) Duration() (time.Duration, bool) {
	if i.Status != ItemStatusCompleted || i.StartedAt == nil || i.CompletedAt == nil {
		return 0, false
	}
	return i.CompletedAt.Sub(*i.StartedAt), true
}

func (i *Item) recordAttempt(errMsg *string, now time.Time) {
	attempt := Attempt{
		Number:     len(i.History) + 1,
		FinishedAt: now,
		Error:      errMsg,
	}
	if i.StartedAt != nil {
		attempt.StartedAt = *i.StartedAt
	}
	i.History = append(i.History, attempt)
}
