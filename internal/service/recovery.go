package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"github.com/kursadbilgin/docbatch-engine/internal/repository"
	"go.uber.org/zap"
)

// RecoveryReport summarizes what LoadAll found in the store.
type RecoveryReport struct {
	Loaded    int
	Requeued  int
	Cancelled int
	Retained  int
	Skipped   int
}

type recoveredBatch struct {
	batch   *domain.Batch
	version uint64
}

// LoadAll rebuilds the registry from the store. Items that were running when
// the previous process stopped are queued again, so an item may execute more
// than once, unless their batch was being cancelled: those items are cancelled
// instead and the batch finishes. Unreadable records are skipped one by one.
func (s *Scheduler) LoadAll(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	store := s.checkpoints.store

	// Pending notifications load first so batches finishing below append to
	// the restored list.
	if s.notifier != nil {
		if err := s.notifier.Load(ctx); err != nil {
			s.logger.Warn("failed to restore pending notifications", zap.Error(err))
		}
	}

	keys, err := store.Keys(ctx, repository.BatchKeyPrefix)
	if err != nil {
		return report, fmt.Errorf("failed to list batch records: %w", err)
	}

	var live []recoveredBatch
	for _, key := range keys {
		raw, err := store.Get(ctx, key)
		if err != nil {
			report.Skipped++
			s.logger.Warn("skipping unreadable batch record", zap.String("key", key), zap.Error(err))
			continue
		}
		b, version, err := repository.DecodeBatch(raw)
		if err != nil {
			report.Skipped++
			s.logger.Warn("skipping corrupt batch record", zap.String("key", key), zap.Error(err))
			continue
		}

		if b.Status.IsTerminal() {
			completedAt := b.CreatedAt
			if b.CompletedAt != nil {
				completedAt = *b.CompletedAt
			}
			s.registry.Retain(b.ID, completedAt)
			report.Retained++
			continue
		}

		for _, item := range b.Items {
			if item.Requeue() {
				report.Requeued++
			}
			if item.Status == domain.ItemStatusRetrying && item.NextRetryAt == nil {
				_ = item.MarkQueued()
			}
		}
		live = append(live, recoveredBatch{batch: b, version: version})
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].batch.Seq < live[j].batch.Seq
	})

	now := s.now()
	for _, rb := range live {
		if err := s.registry.Restore(rb.batch, rb.version); err != nil {
			report.Skipped++
			s.logger.Warn("skipping batch record", zap.String("batchId", rb.batch.ID), zap.Error(err))
			continue
		}
		report.Loaded++

		cancelled := 0
		terminal := false
		snap, err := s.registry.Mutate(rb.batch.ID, func(b *domain.Batch) error {
			if b.CancelRequested {
				cancelled = b.RequestCancel(now)
				terminal = b.Evaluate(now)
			}
			return nil
		})
		if err != nil {
			continue
		}
		s.checkpoints.Save(ctx, snap)

		if cancelled > 0 {
			report.Cancelled += cancelled
			s.metrics.IncItemFinished("cancelled", cancelled)
		}
		if terminal {
			s.onTerminal(ctx, snap.Batch)
			continue
		}

		for _, item := range snap.Batch.Items {
			if item.Status == domain.ItemStatusRetrying && item.NextRetryAt.After(now) {
				s.armRetry(item.BatchID, item.Index, item.NextRetryAt.Sub(now))
			}
		}
	}

	for _, snap := range s.registry.PromoteDue(now) {
		s.checkpoints.Save(ctx, snap)
	}

	s.logger.Info("scheduler state recovered",
		zap.Int("loaded", report.Loaded),
		zap.Int("requeued", report.Requeued),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("retained", report.Retained),
		zap.Int("skipped", report.Skipped),
	)

	s.Tick(ctx)
	return report, nil
}
