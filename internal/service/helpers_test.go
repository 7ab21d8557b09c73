package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"github.com/kursadbilgin/docbatch-engine/internal/executor"
	"github.com/kursadbilgin/docbatch-engine/internal/registry"
	"github.com/kursadbilgin/docbatch-engine/internal/repository"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	pending := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type recordingSink struct {
	mu        sync.Mutex
	delivered []domain.Notification
	err       error
}

func (s *recordingSink) Deliver(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, n)
	return nil
}

func (s *recordingSink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSink) Delivered() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Notification(nil), s.delivered...)
}

type failingStore struct {
	*repository.MemoryStore

	mu     sync.Mutex
	putErr error
}

func (s *failingStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	err := s.putErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Put(ctx, key, value)
}

type testEnv struct {
	scheduler *Scheduler
	store     repository.Store
	notifier  *Notifier
	sink      *recordingSink
	tracker   *ActivityTracker
	clock     *fakeClock
}

var testEpoch = time.Unix(1_700_000_000, 0).UTC()

func newTestEnv(t *testing.T, cfg SchedulerConfig, exec executor.Executor) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, cfg, exec, repository.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, cfg SchedulerConfig, exec executor.Executor, store repository.Store) *testEnv {
	t.Helper()

	clock := newFakeClock(testEpoch)
	sink := &recordingSink{}
	tracker := NewActivityTracker(true)

	notifier, err := NewNotifier(sink, store, tracker, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewNotifier() error = %v", err)
	}
	notifier.now = clock.Now

	scheduler, err := NewScheduler(cfg, registry.New(), exec, store, notifier, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	scheduler.now = clock.Now
	scheduler.afterFunc = clock.AfterFunc

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = scheduler.Stop(ctx)
	})

	return &testEnv{
		scheduler: scheduler,
		store:     store,
		notifier:  notifier,
		sink:      sink,
		tracker:   tracker,
		clock:     clock,
	}
}

func (e *testEnv) submit(t *testing.T, priority domain.Priority, names ...string) string {
	t.Helper()

	uploads := make([]Upload, 0, len(names))
	for _, name := range names {
		uploads = append(uploads, Upload{Name: name, Size: 128, MimeType: "application/pdf"})
	}
	opts := domain.DefaultOptions()
	opts.Priority = priority

	res, err := e.scheduler.Submit(context.Background(), SubmitRequest{
		Category: "invoice",
		Files:    uploads,
		Options:  opts,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return res.BatchID
}

func (e *testEnv) batch(t *testing.T, batchID string) *domain.Batch {
	t.Helper()

	status, err := e.scheduler.GetStatus(context.Background(), batchID)
	if err != nil {
		t.Fatalf("GetStatus(%s) error = %v", batchID, err)
	}
	return status.Batch
}

func (e *testEnv) waitTerminal(t *testing.T, batchID string) *domain.Batch {
	t.Helper()

	var b *domain.Batch
	waitFor(t, "batch "+batchID+" to finish", func() bool {
		b = e.batch(t, batchID)
		return b.Status.IsTerminal()
	})
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func succeed(data string) executor.ExecutorFunc {
	return func(ctx context.Context, file domain.File, category string) (*executor.Result, error) {
		return &executor.Result{Success: true, Data: []byte(data)}, nil
	}
}

// gatedExecutor blocks every call until the gate is opened or the call
// context ends.
type gatedExecutor struct {
	gate    chan struct{}
	once    sync.Once
	started chan string

	mu      sync.Mutex
	current int
	peak    int
	calls   []string
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		gate:    make(chan struct{}),
		started: make(chan string, 64),
	}
}

func (g *gatedExecutor) Execute(ctx context.Context, file domain.File, category string) (*executor.Result, error) {
	g.mu.Lock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
	g.calls = append(g.calls, file.Name)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.current--
		g.mu.Unlock()
	}()

	g.started <- file.Name

	select {
	case <-g.gate:
		return &executor.Result{Success: true, Data: []byte(`{}`)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedExecutor) Open() {
	g.once.Do(func() { close(g.gate) })
}

func (g *gatedExecutor) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func (g *gatedExecutor) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *gatedExecutor) awaitStarted(t *testing.T, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-g.started:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for executor call %d", i+1)
		}
	}
}
