package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"github.com/kursadbilgin/docbatch-engine/internal/observability"
	"github.com/kursadbilgin/docbatch-engine/internal/registry"
	"github.com/kursadbilgin/docbatch-engine/internal/repository"
	"go.uber.org/zap"
)

// Checkpointer writes batch snapshots to the store. Writes are best effort:
// failures are logged and counted, never returned to the scheduler. A
// snapshot older than the last one written for the same batch is dropped.
type Checkpointer struct {
	store   repository.Store
	logger  *zap.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	slots map[string]*checkpointSlot
}

type checkpointSlot struct {
	mu      sync.Mutex
	written uint64
	has     bool
}

func NewCheckpointer(store repository.Store, metrics *observability.Metrics, logger *zap.Logger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{
		store:   store,
		logger:  logger,
		metrics: metrics,
		slots:   make(map[string]*checkpointSlot),
	}
}

func (c *Checkpointer) slot(batchID string) *checkpointSlot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[batchID]
	if !ok {
		s = &checkpointSlot{}
		c.slots[batchID] = s
	}
	return s
}

// Save writes snap unless an equal or newer version was already written.
func (c *Checkpointer) Save(ctx context.Context, snap registry.Snapshot) {
	c.save(ctx, snap, false)
}

// CheckpointAll rewrites every snapshot, including versions already written.
func (c *Checkpointer) CheckpointAll(ctx context.Context, snaps []registry.Snapshot) {
	for _, snap := range snaps {
		c.save(ctx, snap, true)
	}
}

func (c *Checkpointer) save(ctx context.Context, snap registry.Snapshot, force bool) {
	if snap.Batch == nil {
		return
	}

	s := c.slot(snap.Batch.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.has && (snap.Version < s.written || (!force && snap.Version == s.written)) {
		return
	}

	raw, err := repository.EncodeBatch(snap.Batch, snap.Version)
	if err != nil {
		c.fail("encode", snap.Batch.ID, err)
		return
	}
	if err := c.store.Put(ctx, repository.BatchKey(snap.Batch.ID), raw); err != nil {
		c.fail("put", snap.Batch.ID, err)
		return
	}
	s.written = snap.Version
	s.has = true
}

// SaveResult stores the extraction result of an item. Rewriting the same
// item overwrites the previous value.
func (c *Checkpointer) SaveResult(ctx context.Context, batchID string, index int, result []byte) {
	if len(result) == 0 {
		return
	}
	if err := c.store.Put(ctx, repository.ResultKey(batchID, index), result); err != nil {
		c.fail("result", batchID, err)
	}
}

// Purge deletes the batch record and its stored results.
func (c *Checkpointer) Purge(ctx context.Context, batchID string) error {
	var errs []error
	if err := c.store.Delete(ctx, repository.BatchKey(batchID)); err != nil {
		errs = append(errs, err)
	}

	keys, err := c.store.Keys(ctx, repository.ResultKeysPrefix(batchID))
	if err != nil {
		errs = append(errs, err)
	}
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	delete(c.slots, batchID)
	c.mu.Unlock()

	if len(errs) > 0 {
		c.metrics.IncCheckpointFailure("purge")
		return fmt.Errorf("purge batch %s: %w", batchID, errors.Join(errs...))
	}
	return nil
}

// Load reads a single batch record back from the store.
func (c *Checkpointer) Load(ctx context.Context, batchID string) (*domain.Batch, uint64, error) {
	raw, err := c.store.Get(ctx, repository.BatchKey(batchID))
	if err != nil {
		return nil, 0, err
	}
	return repository.DecodeBatch(raw)
}

func (c *Checkpointer) fail(op string, batchID string, err error) {
	c.metrics.IncCheckpointFailure(op)
	c.logger.Error("checkpoint failed",
		zap.String("op", op),
		zap.String("batchId", batchID),
		zap.Error(err),
	)
}
