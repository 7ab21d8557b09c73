package service

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"go.uber.org/zap"
)

const retentionErrorBackoff = 30 * time.Second

// RunRetention purges expired batches on the retention cron schedule.
func (s *Scheduler) RunRetention(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		next, err := gronx.NextTickAfter(s.cfg.RetentionCron, s.now(), false)
		if err != nil {
			s.logger.Error("failed to compute next retention run",
				zap.String("cron", s.cfg.RetentionCron),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retentionErrorBackoff):
				continue
			}
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if purged := s.PurgeExpired(ctx); purged > 0 {
			s.logger.Info("retention sweep purged batches", zap.Int("purged", purged))
		}
	}
}

// PurgeExpired removes terminal batches whose retention elapsed from the
// registry, the store and blob storage. It returns how many were purged.
func (s *Scheduler) PurgeExpired(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.Retention)
	purged := 0

	for _, id := range s.registry.Expired(cutoff) {
		var files []domain.File
		if snap, ok := s.registry.Get(id); ok {
			files = batchFiles(snap.Batch)
		} else if b, _, err := s.checkpoints.Load(ctx, id); err == nil {
			files = batchFiles(b)
		}

		if !s.registry.Remove(id) {
			continue
		}
		if err := s.checkpoints.Purge(ctx, id); err != nil {
			s.logger.Error("failed to purge batch records", zap.String("batchId", id), zap.Error(err))
		}
		s.deleteBlobs(ctx, files)
		s.metrics.IncBatch("purged")
		purged++
	}
	return purged
}

func batchFiles(b *domain.Batch) []domain.File {
	files := make([]domain.File, 0, len(b.Items))
	for _, item := range b.Items {
		files = append(files, item.File)
	}
	return files
}
