package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"github.com/kursadbilgin/docbatch-engine/internal/executor"
	"github.com/kursadbilgin/docbatch-engine/internal/observability"
	"github.com/kursadbilgin/docbatch-engine/internal/registry"
	"github.com/kursadbilgin/docbatch-engine/internal/repository"
	"github.com/kursadbilgin/docbatch-engine/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultMaxConcurrent    = 3
	defaultTickInterval     = 10 * time.Second
	defaultExecutorTimeout  = 2 * time.Minute
	defaultRetention        = 24 * time.Hour
	defaultRetentionCron    = "*/5 * * * *"
	defaultEstimatedPerItem = 15 * time.Second
)

var (
	errNotRetrying     = errors.New("item is not waiting for a retry")
	errAlreadyTerminal = errors.New("batch already finished")
	errNothingToRetry  = errors.New("batch has no failed items")
)

// SchedulerConfig holds the scheduling knobs. Zero values fall back to defaults.
type SchedulerConfig struct {
	MaxConcurrent    int
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	TickInterval     time.Duration
	ExecutorTimeout  time.Duration
	Retention        time.Duration
	RetentionCron    string
	EstimatedPerItem time.Duration
}

func (c SchedulerConfig) normalize() SchedulerConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.ExecutorTimeout <= 0 {
		c.ExecutorTimeout = defaultExecutorTimeout
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if strings.TrimSpace(c.RetentionCron) == "" {
		c.RetentionCron = defaultRetentionCron
	}
	if c.EstimatedPerItem <= 0 {
		c.EstimatedPerItem = defaultEstimatedPerItem
	}
	return c
}

// Upload is one file of a submission. Content may be nil when no blob
// storage is configured.
type Upload struct {
	Name     string
	Size     int64
	MimeType string
	Content  io.Reader
}

type SubmitRequest struct {
	Category string
	Files    []Upload
	Options  domain.Options
}

type SubmitResult struct {
	BatchID          string
	TotalFiles       int
	EstimatedSeconds int
}

// BatchStatus is the read model returned by status queries.
type BatchStatus struct {
	Batch                     *domain.Batch
	Progress                  float64
	EstimatedRemainingSeconds int
}

type stopper interface {
	Stop() bool
}

type retryTimer struct {
	stop stopper
}

// Scheduler admits batches and dispatches their items to the executor under
// a global concurrency ceiling.
type Scheduler struct {
	cfg         SchedulerConfig
	registry    *registry.Registry
	executor    executor.Executor
	retry       *RetryController
	checkpoints *Checkpointer
	notifier    *Notifier
	blobs       storage.Blobs
	metrics     *observability.Metrics
	logger      *zap.Logger

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper
	newID     func() string

	runCtx    context.Context
	cancelRun context.CancelFunc
	running   sync.WaitGroup
	stopped   atomic.Bool

	timersMu sync.Mutex
	timers   map[string]*retryTimer
}

func NewScheduler(
	cfg SchedulerConfig,
	reg *registry.Registry,
	exec executor.Executor,
	store repository.Store,
	notifier *Notifier,
	blobs storage.Blobs,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*Scheduler, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: registry is required", domain.ErrValidation)
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: executor is required", domain.ErrValidation)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", domain.ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.normalize()
	if !gronx.New().IsValid(cfg.RetentionCron) {
		return nil, fmt.Errorf("%w: invalid retention cron %q", domain.ErrValidation, cfg.RetentionCron)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:         cfg,
		registry:    reg,
		executor:    exec,
		retry:       NewRetryController(cfg.MaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		checkpoints: NewCheckpointer(store, metrics, logger),
		notifier:    notifier,
		blobs:       blobs,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		newID:     uuid.NewString,
		runCtx:    runCtx,
		cancelRun: cancel,
		timers:    make(map[string]*retryTimer),
	}, nil
}

// Submit validates and registers a new batch, then dispatches what it can.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	category := strings.TrimSpace(req.Category)
	if category == "" {
		return nil, fmt.Errorf("%w: category is required", domain.ErrValidation)
	}

	opts := req.Options
	if opts.Priority == "" {
		opts.Priority = domain.PriorityNormal
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	batchID := s.newID()
	files := make([]domain.File, 0, len(req.Files))
	for i, upload := range req.Files {
		file := domain.File{
			Name:     strings.TrimSpace(upload.Name),
			Size:     upload.Size,
			MimeType: upload.MimeType,
		}
		if err := file.Validate(); err != nil {
			return nil, fmt.Errorf("file %d: %w", i, err)
		}
		files = append(files, file)
	}

	if err := s.saveUploads(ctx, batchID, req.Files, files); err != nil {
		return nil, err
	}

	now := s.now()
	b := domain.NewBatch(batchID, category, s.registry.NextSeq(), opts, files, now)
	terminal := b.Evaluate(now)

	snap, err := s.registry.Add(b)
	if err != nil {
		s.deleteBlobs(ctx, files)
		return nil, err
	}
	s.checkpoints.Save(ctx, snap)
	s.metrics.IncBatch("submitted")

	s.logger.Info("batch submitted",
		zap.String("batchId", batchID),
		zap.String("category", category),
		zap.String("priority", opts.Priority.String()),
		zap.Int("totalFiles", len(files)),
	)

	if terminal {
		s.onTerminal(ctx, snap.Batch)
	}
	s.Tick(ctx)

	return &SubmitResult{
		BatchID:          batchID,
		TotalFiles:       len(files),
		EstimatedSeconds: s.estimateSeconds(snap.Batch),
	}, nil
}

func (s *Scheduler) saveUploads(ctx context.Context, batchID string, uploads []Upload, files []domain.File) error {
	if s.blobs == nil {
		return nil
	}
	for i, upload := range uploads {
		if upload.Content == nil {
			continue
		}
		key := path.Join(batchID, strconv.Itoa(i)+"-"+path.Base(files[i].Name))
		if err := s.blobs.Save(ctx, key, upload.Content); err != nil {
			s.deleteBlobs(ctx, files[:i])
			return fmt.Errorf("failed to store file %q: %w", files[i].Name, err)
		}
		files[i].StorageKey = key
	}
	return nil
}

func (s *Scheduler) deleteBlobs(ctx context.Context, files []domain.File) {
	if s.blobs == nil {
		return
	}
	for _, f := range files {
		if f.StorageKey == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, f.StorageKey); err != nil {
			s.logger.Warn("failed to delete stored file",
				zap.String("storageKey", f.StorageKey),
				zap.Error(err),
			)
		}
	}
}

// Tick dispatches queued items until the concurrency ceiling is reached or no
// eligible item is left. It is safe to call from any goroutine at any time.
func (s *Scheduler) Tick(ctx context.Context) {
	for !s.stopped.Load() {
		d, ok := s.registry.Dispatch(s.cfg.MaxConcurrent, s.now())
		if !ok {
			return
		}

		s.metrics.IncItemDispatched(d.Batch.Options.Priority.String())
		s.checkpoints.Save(ctx, d.Snapshot)
		s.logger.Debug("item dispatched",
			append(observability.ItemFields(d.Item.BatchID, d.Item.Index, d.Item.Attempts+1),
				zap.Int("inFlight", s.registry.InFlight()))...,
		)

		s.running.Add(1)
		go func(category string, item domain.Item) {
			defer s.running.Done()
			s.complete(item, s.execute(category, item))
		}(d.Batch.Category, d.Item)
	}
}

func (s *Scheduler) execute(category string, item domain.Item) (out Outcome) {
	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.ExecutorTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("executor panicked",
				append(observability.ItemFields(item.BatchID, item.Index, item.Attempts+1), zap.Any("panic", r))...,
			)
			out = Outcome{Err: fmt.Errorf("executor panic: %v", r)}
		}
		s.metrics.ObserveExecute(outcomeLabel(out), time.Since(start))
	}()

	result, err := s.executor.Execute(ctx, item.File, category)
	return Outcome{Result: result, Err: err}
}

func outcomeLabel(o Outcome) string {
	if o.Succeeded() {
		return "success"
	}
	return "failure"
}

// complete applies an executor outcome. Completions that arrive after Stop
// are dropped: the item stays in processing and is requeued on recovery.
func (s *Scheduler) complete(item domain.Item, outcome Outcome) {
	if s.stopped.Load() {
		return
	}

	ctx := s.runCtx
	now := s.now()

	var decision Decision
	var terminal bool
	snap, err := s.registry.Finish(item.BatchID, func(b *domain.Batch) error {
		d, err := s.retry.OnResult(b, item.Index, outcome, now)
		if err != nil {
			return err
		}
		decision = d
		terminal = b.Evaluate(now)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to apply item outcome",
			append(observability.ItemFields(item.BatchID, item.Index, item.Attempts+1), zap.Error(err))...,
		)
		s.Tick(ctx)
		return
	}

	updated := snap.Batch.Items[item.Index]
	fields := observability.ItemFields(item.BatchID, item.Index, updated.Attempts)

	switch decision {
	case DecisionCompleted:
		s.metrics.IncItemFinished("completed", 1)
		if snap.Batch.Options.AutoPersistResults {
			s.checkpoints.SaveResult(ctx, item.BatchID, item.Index, updated.Result)
		}
		s.logger.Debug("item completed", fields...)
	case DecisionRetry:
		s.metrics.IncAttemptFailed(executor.Reason(outcome.Err))
		s.metrics.IncRetryScheduled(snap.Batch.Options.Priority.String())
		delay := updated.NextRetryAt.Sub(now)
		s.armRetry(item.BatchID, item.Index, delay)
		s.logger.Warn("item attempt failed, retry scheduled",
			append(fields, zap.Duration("delay", delay), zap.String("error", outcome.Message()))...,
		)
	case DecisionFailed:
		s.metrics.IncAttemptFailed(executor.Reason(outcome.Err))
		s.metrics.IncItemFinished("failed", 1)
		s.logger.Warn("item failed permanently",
			append(fields, zap.String("error", outcome.Message()))...,
		)
	case DecisionCancelled:
		s.metrics.IncAttemptFailed(executor.Reason(outcome.Err))
		s.metrics.IncItemFinished("cancelled", 1)
	}

	s.checkpoints.Save(ctx, snap)
	if terminal {
		s.onTerminal(ctx, snap.Batch)
	}
	s.Tick(ctx)
}

func (s *Scheduler) armRetry(batchID string, index int, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	key := domain.ItemKey(batchID, index)

	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if s.stopped.Load() {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.stop.Stop()
	}
	t := &retryTimer{}
	s.timers[key] = t
	t.stop = s.afterFunc(delay, func() { s.onRetryDue(batchID, index, t) })
}

func (s *Scheduler) onRetryDue(batchID string, index int, t *retryTimer) {
	key := domain.ItemKey(batchID, index)
	s.timersMu.Lock()
	if s.timers[key] == t {
		delete(s.timers, key)
	}
	s.timersMu.Unlock()

	if s.stopped.Load() {
		return
	}

	ctx := s.runCtx
	now := s.now()
	snap, err := s.registry.Mutate(batchID, func(b *domain.Batch) error {
		item, ok := b.Item(index)
		if !ok || item.Status != domain.ItemStatusRetrying {
			return errNotRetrying
		}
		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			return errNotRetrying
		}
		return item.MarkQueued()
	})
	if err == nil {
		s.checkpoints.Save(ctx, snap)
	}
	s.Tick(ctx)
}

func (s *Scheduler) stopTimers(b *domain.Batch) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	for _, item := range b.Items {
		key := item.Key()
		if t, ok := s.timers[key]; ok {
			t.stop.Stop()
			delete(s.timers, key)
		}
	}
}

func (s *Scheduler) onTerminal(ctx context.Context, b *domain.Batch) {
	s.stopTimers(b)
	s.metrics.IncBatch(b.Status.String())

	summary := b.Summary(s.now())
	s.logger.Info("batch finished",
		zap.String("batchId", b.ID),
		zap.String("status", b.Status.String()),
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("cancelled", summary.Cancelled),
		zap.Duration("elapsed", summary.Elapsed),
	)

	if b.Options.NotifyOnComplete && s.notifier != nil {
		s.notifier.Notify(ctx, b)
	}
}

// GetStatus returns the live state of a batch, falling back to its stored
// record once it left the registry.
func (s *Scheduler) GetStatus(ctx context.Context, batchID string) (*BatchStatus, error) {
	if snap, ok := s.registry.Get(batchID); ok {
		return s.status(snap.Batch), nil
	}

	b, _, err := s.checkpoints.Load(ctx, batchID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
		}
		return nil, fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}
	return s.status(b), nil
}

// ListActiveBatches returns the batches that still have work, newest first.
func (s *Scheduler) ListActiveBatches() []BatchStatus {
	return s.statuses(s.registry.List(false))
}

// ListBatches is ListActiveBatches plus, when includeTerminal is set, the
// finished batches that are still retained.
func (s *Scheduler) ListBatches(ctx context.Context, includeTerminal bool) []BatchStatus {
	out := s.statuses(s.registry.List(includeTerminal))
	if !includeTerminal {
		return out
	}

	for _, id := range s.registry.Retained() {
		b, _, err := s.checkpoints.Load(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load retained batch", zap.String("batchId", id), zap.Error(err))
			continue
		}
		out = append(out, *s.status(b))
	}
	return out
}

func (s *Scheduler) statuses(snaps []registry.Snapshot) []BatchStatus {
	out := make([]BatchStatus, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, *s.status(snap.Batch))
	}
	return out
}

func (s *Scheduler) status(b *domain.Batch) *BatchStatus {
	return &BatchStatus{
		Batch:                     b,
		Progress:                  b.Progress(),
		EstimatedRemainingSeconds: s.estimateSeconds(b),
	}
}

// estimateSeconds spreads the remaining items over the concurrency ceiling and
// prices each wave at the batch's mean item duration, or the configured
// fallback before any item finished.
func (s *Scheduler) estimateSeconds(b *domain.Batch) int {
	remaining := b.Remaining()
	if remaining == 0 {
		return 0
	}

	perItem := s.cfg.EstimatedPerItem
	if mean, ok := b.MeanItemDuration(); ok && mean > 0 {
		perItem = mean
	}
	waves := math.Ceil(float64(remaining) / float64(s.cfg.MaxConcurrent))
	return int(math.Ceil(waves * perItem.Seconds()))
}

// Cancel cancels every item of the batch that is not running. It returns
// false when the batch already finished.
func (s *Scheduler) Cancel(ctx context.Context, batchID string) (bool, error) {
	now := s.now()
	var cancelled int
	var terminal bool
	snap, err := s.registry.Mutate(batchID, func(b *domain.Batch) error {
		if b.Status.IsTerminal() {
			return errAlreadyTerminal
		}
		cancelled = b.RequestCancel(now)
		terminal = b.Evaluate(now)
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return false, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		// Retained batches are finished by definition.
		if _, _, loadErr := s.checkpoints.Load(ctx, batchID); loadErr == nil {
			return false, nil
		}
	}
	if err != nil {
		return false, err
	}

	s.stopTimers(snap.Batch)
	s.metrics.IncItemFinished("cancelled", cancelled)
	s.checkpoints.Save(ctx, snap)
	s.logger.Info("batch cancel requested",
		zap.String("batchId", batchID),
		zap.Int("cancelled", cancelled),
		zap.Int("remaining", snap.Batch.Remaining()),
	)

	if terminal {
		s.onTerminal(ctx, snap.Batch)
	}
	return true, nil
}

// RetryFailed puts every failed item of the batch back in the queue with a
// fresh attempt budget. It returns false when nothing failed.
func (s *Scheduler) RetryFailed(ctx context.Context, batchID string) (bool, error) {
	reset := 0
	retry := func(b *domain.Batch) error {
		reset = b.ResetFailed()
		if reset == 0 {
			return errNothingToRetry
		}
		return nil
	}

	snap, err := s.registry.Mutate(batchID, retry)
	if errors.Is(err, domain.ErrNotFound) {
		if err := s.reload(ctx, batchID); err != nil {
			return false, err
		}
		snap, err = s.registry.Mutate(batchID, retry)
	}
	if errors.Is(err, errNothingToRetry) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.metrics.IncBatch("retried")
	s.checkpoints.Save(ctx, snap)
	s.logger.Info("failed items requeued",
		zap.String("batchId", batchID),
		zap.Int("requeued", reset),
	)
	s.Tick(ctx)
	return true, nil
}

// reload brings a retained batch back from the store into the registry.
func (s *Scheduler) reload(ctx context.Context, batchID string) error {
	b, version, err := s.checkpoints.Load(ctx, batchID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
		}
		return fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}
	if err := s.registry.Restore(b, version); err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	return nil
}

// CheckpointAll writes every registered batch to the store.
func (s *Scheduler) CheckpointAll(ctx context.Context) {
	s.checkpoints.CheckpointAll(ctx, s.registry.Snapshots())
}

// Start runs the safety-net loop: it promotes retrying items whose backoff
// elapsed and dispatches queued work every TickInterval.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if s.stopped.Load() {
		return
	}
	for _, snap := range s.registry.PromoteDue(s.now()) {
		s.checkpoints.Save(ctx, snap)
	}
	s.Tick(ctx)
}

// Stop stops dispatching, cancels running executor calls and waits for their
// goroutines until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.cancelRun()

	s.timersMu.Lock()
	for key, t := range s.timers {
		t.stop.Stop()
		delete(s.timers, key)
	}
	s.timersMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}
