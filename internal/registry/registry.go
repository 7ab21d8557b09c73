package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
)

// Snapshot is a deep copy of a batch taken under the registry lock together
// with the version it was taken at.
type Snapshot struct {
	Batch   *domain.Batch
	Version uint64
}

// Dispatch describes an item that was just moved to processing.
type Dispatch struct {
	Snapshot
	Item domain.Item
}

// Registry is the in-memory owner of every live batch. All batch and item
// mutations go through it so they are serialized by a single mutex.
type Registry struct {
	mu       sync.Mutex
	batches  map[string]*domain.Batch
	order    []*domain.Batch
	versions map[string]uint64
	retained map[string]time.Time
	seq      uint64
	inFlight int
}

func New() *Registry {
	return &Registry{
		batches:  make(map[string]*domain.Batch),
		versions: make(map[string]uint64),
		retained: make(map[string]time.Time),
	}
}

// NextSeq reserves the next submission sequence number.
func (r *Registry) NextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	return r.seq
}

// Add registers a new batch and returns its first snapshot.
func (r *Registry) Add(b *domain.Batch) (Snapshot, error) {
	if b == nil {
		return Snapshot{}, fmt.Errorf("%w: batch is required", domain.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.batches[b.ID]; exists {
		return Snapshot{}, fmt.Errorf("%w: batch %s already registered", domain.ErrConflict, b.ID)
	}
	if b.Seq > r.seq {
		r.seq = b.Seq
	}

	delete(r.retained, b.ID)
	r.batches[b.ID] = b
	r.insertOrdered(b)
	return r.snapshotLocked(b), nil
}

// Restore registers a batch loaded from the store, keeping its version.
func (r *Registry) Restore(b *domain.Batch, version uint64) error {
	if _, err := r.Add(b); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.versions[b.ID] {
		r.versions[b.ID] = version
	}
	return nil
}

// Retain remembers a terminal batch that only lives in the store so it can be
// purged once its retention elapses.
func (r *Registry) Retain(batchID string, completedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.batches[batchID]; live {
		return
	}
	r.retained[batchID] = completedAt
}

// Retained returns the ids of terminal batches kept only in the store.
func (r *Registry) Retained() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.retained))
	for id := range r.retained {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) insertOrdered(b *domain.Batch) {
	idx := sort.Search(len(r.order), func(i int) bool {
		return r.order[i].Seq > b.Seq
	})
	r.order = append(r.order, nil)
	copy(r.order[idx+1:], r.order[idx:])
	r.order[idx] = b
}

// Get returns a snapshot of the batch.
func (r *Registry) Get(batchID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[batchID]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshotLocked(b), true
}

// List returns snapshots of every registered batch, newest first.
func (r *Registry) List(includeTerminal bool) []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.batches))
	for _, b := range r.batches {
		if !includeTerminal && b.Status.IsTerminal() {
			continue
		}
		out = append(out, r.snapshotLocked(b))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Batch, out[j].Batch
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Seq > b.Seq
	})
	return out
}

// Snapshots returns a snapshot of every registered batch in submission order.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.order))
	for _, b := range r.order {
		out = append(out, r.snapshotLocked(b))
	}
	return out
}

// Mutate runs fn against the live batch under the lock. A successful mutation
// bumps the batch version and returns the resulting snapshot.
func (r *Registry) Mutate(batchID string, fn func(b *domain.Batch) error) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.mutateLocked(batchID, fn)
}

// Finish is Mutate for the completion of a dispatched item. It releases the
// concurrency slot held by the item even if fn fails.
func (r *Registry) Finish(batchID string, fn func(b *domain.Batch) error) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
	return r.mutateLocked(batchID, fn)
}

func (r *Registry) mutateLocked(batchID string, fn func(b *domain.Batch) error) (Snapshot, error) {
	b, ok := r.batches[batchID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
	}
	if err := fn(b); err != nil {
		return Snapshot{}, err
	}
	r.versions[batchID]++
	return r.snapshotLocked(b), nil
}

// Dispatch picks the next eligible queued item and moves it to processing,
// provided fewer than ceiling items are in flight. Eligibility is strict
// priority class first, then batch submission order, then item index.
// Lower classes can starve while higher ones have work.
func (r *Registry) Dispatch(ceiling int, now time.Time) (Dispatch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= ceiling {
		return Dispatch{}, false
	}

	for _, priority := range domain.PriorityOrder {
		for _, b := range r.order {
			if b.Options.Priority != priority || b.Status.IsTerminal() || b.CancelRequested {
				continue
			}
			for _, item := range b.Items {
				if item.Status != domain.ItemStatusQueued {
					continue
				}
				if err := item.MarkProcessing(now); err != nil {
					continue
				}
				b.Evaluate(now)
				r.inFlight++
				r.versions[b.ID]++
				return Dispatch{Snapshot: r.snapshotLocked(b), Item: *item.Clone()}, true
			}
		}
	}
	return Dispatch{}, false
}

// PromoteDue moves every retrying item whose backoff elapsed back to queued
// and returns snapshots of the batches that changed.
func (r *Registry) PromoteDue(now time.Time) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Snapshot
	for _, b := range r.order {
		if b.Status.IsTerminal() {
			continue
		}
		changed := false
		for _, item := range b.Items {
			if item.Status != domain.ItemStatusRetrying || item.NextRetryAt == nil || item.NextRetryAt.After(now) {
				continue
			}
			if err := item.MarkQueued(); err == nil {
				changed = true
			}
		}
		if changed {
			r.versions[b.ID]++
			out = append(out, r.snapshotLocked(b))
		}
	}
	return out
}

// InFlight returns the number of items currently executing.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// Expired returns the ids of terminal batches, live or retained, that
// completed at or before cutoff.
func (r *Registry) Expired(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, b := range r.batches {
		if b.Status.IsTerminal() && b.CompletedAt != nil && !b.CompletedAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	for id, completedAt := range r.retained {
		if !completedAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Remove forgets a batch. Non-terminal batches are never removed.
func (r *Registry) Remove(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.retained[batchID]; ok {
		delete(r.retained, batchID)
		return true
	}

	b, ok := r.batches[batchID]
	if !ok || !b.Status.IsTerminal() {
		return false
	}
	delete(r.batches, batchID)
	delete(r.versions, batchID)
	for i, candidate := range r.order {
		if candidate.ID == batchID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of live batches.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *Registry) snapshotLocked(b *domain.Batch) Snapshot {
	return Snapshot{Batch: b.Clone(), Version: r.versions[b.ID]}
}
