package service

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Presence reports whether the consumer is currently able to receive
// notifications.
type Presence interface {
	IsActive() bool
}

// ActivityTracker is the Presence fed by the consumer activity routes.
type ActivityTracker struct {
	active atomic.Bool
}

func NewActivityTracker(active bool) *ActivityTracker {
	t := &ActivityTracker{}
	t.active.Store(active)
	return t
}

func (t *ActivityTracker) IsActive() bool {
	return t.active.Load()
}

func (t *ActivityTracker) SetActive(active bool) {
	t.active.Store(active)
}

// Lifecycle connects host lifecycle events to the scheduler.
type Lifecycle struct {
	scheduler *Scheduler
	notifier  *Notifier
	tracker   *ActivityTracker
	logger    *zap.Logger
}

func NewLifecycle(scheduler *Scheduler, notifier *Notifier, tracker *ActivityTracker, logger *zap.Logger) *Lifecycle {
	if tracker == nil {
		tracker = NewActivityTracker(true)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		scheduler: scheduler,
		notifier:  notifier,
		tracker:   tracker,
		logger:    logger,
	}
}

// OnResume marks the consumer active, flushes pending notifications and
// kicks the scheduler. It returns how many notifications were delivered.
func (l *Lifecycle) OnResume(ctx context.Context) (int, error) {
	l.tracker.SetActive(true)

	delivered := 0
	var err error
	if l.notifier != nil {
		delivered, err = l.notifier.Flush(ctx)
		if err != nil {
			l.logger.Warn("some pending notifications could not be delivered", zap.Error(err))
		}
	}
	if l.scheduler != nil {
		l.scheduler.Tick(ctx)
	}

	l.logger.Info("consumer resumed", zap.Int("delivered", delivered))
	return delivered, err
}

// OnSuspend marks the consumer inactive. New notifications are kept pending.
func (l *Lifecycle) OnSuspend() {
	l.tracker.SetActive(false)
	l.logger.Info("consumer suspended")
}

// OnTerminate stops dispatching and writes every batch to the store.
func (l *Lifecycle) OnTerminate(ctx context.Context) error {
	if l.scheduler == nil {
		return nil
	}
	err := l.scheduler.Stop(ctx)
	l.scheduler.CheckpointAll(ctx)
	l.logger.Info("scheduler terminated", zap.Error(err))
	return err
}

func (l *Lifecycle) IsActive() bool {
	return l.tracker.IsActive()
}
