package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"github.com/kursadbilgin/docbatch-engine/internal/observability"
	"github.com/kursadbilgin/docbatch-engine/internal/queue"
	"github.com/kursadbilgin/docbatch-engine/internal/repository"
	"go.uber.org/zap"
)

// Notifier delivers completion notifications when the consumer is active and
// keeps them on a durable pending list otherwise.
type Notifier struct {
	sink     queue.Sink
	store    repository.Store
	presence Presence
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	newID    func() string

	flushMu sync.Mutex

	mu       sync.Mutex
	pending  []domain.Notification
	flushing []domain.Notification
}

func NewNotifier(
	sink queue.Sink,
	store repository.Store,
	presence Presence,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*Notifier, error) {
	if sink == nil {
		return nil, fmt.Errorf("%w: notification sink is required", domain.ErrValidation)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", domain.ErrValidation)
	}
	if presence == nil {
		presence = NewActivityTracker(true)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Notifier{
		sink:     sink,
		store:    store,
		presence: presence,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Load restores the pending list persisted by a previous run.
func (n *Notifier) Load(ctx context.Context) error {
	raw, err := n.store.Get(ctx, repository.PendingNotificationsKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load pending notifications: %w", err)
	}

	list, err := repository.DecodeNotifications(raw)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(list, n.pending...)
	return nil
}

// Notify builds the completion notification for a terminal batch and either
// delivers it or parks it on the pending list.
func (n *Notifier) Notify(ctx context.Context, b *domain.Batch) domain.Notification {
	notification := domain.NewCompletionNotification(n.newID(), b, n.now())

	if !n.presence.IsActive() {
		n.park(ctx, notification, "deferred")
		return notification
	}

	if err := n.sink.Deliver(ctx, notification); err != nil {
		n.logger.Warn("notification delivery failed, keeping it pending",
			zap.String("notificationId", notification.ID),
			zap.String("batchId", notification.BatchID),
			zap.Error(err),
		)
		n.park(ctx, notification, "failed")
		return notification
	}

	n.metrics.IncNotification("delivered")
	return notification
}

func (n *Notifier) park(ctx context.Context, notification domain.Notification, result string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.pending = append(n.pending, notification)
	n.persistLocked(ctx)
	n.metrics.IncNotification(result)
}

// Flush delivers every pending notification. The list is taken in one step,
// so a second flush right after delivers nothing. The stored copy still holds
// the taken notifications until delivery ends, and the ones the sink rejects
// go back on the list.
func (n *Notifier) Flush(ctx context.Context) (int, error) {
	n.flushMu.Lock()
	defer n.flushMu.Unlock()

	n.mu.Lock()
	batch := n.pending
	n.pending = nil
	n.flushing = batch
	n.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	delivered := 0
	var failed []domain.Notification
	var errs []error
	for _, notification := range batch {
		if err := n.sink.Deliver(ctx, notification); err != nil {
			failed = append(failed, notification)
			errs = append(errs, err)
			continue
		}
		delivered++
		n.metrics.IncNotification("delivered")
	}

	n.mu.Lock()
	n.flushing = nil
	n.pending = append(failed, n.pending...)
	n.persistLocked(ctx)
	n.mu.Unlock()
	if len(failed) > 0 {
		n.metrics.IncNotification("failed")
	}

	n.logger.Info("pending notifications flushed",
		zap.Int("delivered", delivered),
		zap.Int("failed", len(failed)),
	)
	return delivered, errors.Join(errs...)
}

// Pending returns a copy of the notifications waiting for the consumer.
func (n *Notifier) Pending() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.pending...)
}

// persistLocked stores the pending list together with any notification a
// running flush has not delivered yet.
func (n *Notifier) persistLocked(ctx context.Context) {
	stored := n.pending
	if len(n.flushing) > 0 {
		stored = append(append([]domain.Notification(nil), n.flushing...), n.pending...)
	}
	raw, err := repository.EncodeNotifications(stored)
	if err == nil {
		err = n.store.Put(ctx, repository.PendingNotificationsKey, raw)
	}
	if err != nil {
		n.metrics.IncCheckpointFailure("notifications")
		n.logger.Error("failed to persist pending notifications",
			zap.Int("pending", len(stored)),
			zap.Error(err),
		)
	}
}
