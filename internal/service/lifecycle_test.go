package service

import (
	"context"
	"testing"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"go.uber.org/zap"
)

func TestLifecycleSuspendResume(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, SchedulerConfig{}, succeed(`{}`))
	lifecycle := NewLifecycle(env.scheduler, env.notifier, env.tracker, zap.NewNop())

	lifecycle.OnSuspend()
	if lifecycle.IsActive() {
		t.Fatal("consumer still active after OnSuspend")
	}

	id := env.submit(t, domain.PriorityNormal, "a.pdf")
	env.waitTerminal(t, id)
	waitFor(t, "pending notification", func() bool { return len(env.notifier.Pending()) == 1 })
	if len(env.sink.Delivered()) != 0 {
		t.Fatalf("delivered while suspended = %d", len(env.sink.Delivered()))
	}

	delivered, err := lifecycle.OnResume(context.Background())
	if err != nil || delivered != 1 {
		t.Fatalf("OnResume() = %d, %v, want 1", delivered, err)
	}
	if !lifecycle.IsActive() {
		t.Fatal("consumer not active after OnResume")
	}

	delivered, err = lifecycle.OnResume(context.Background())
	if err != nil || delivered != 0 {
		t.Fatalf("second OnResume() = %d, %v, want 0", delivered, err)
	}
	if got := env.sink.Delivered(); len(got) != 1 || got[0].BatchID != id {
		t.Fatalf("delivered = %+v", got)
	}
}

func TestActivityTracker(t *testing.T) {
	t.Parallel()

	tracker := NewActivityTracker(false)
	if tracker.IsActive() {
		t.Fatal("new tracker should start inactive")
	}
	tracker.SetActive(true)
	if !tracker.IsActive() {
		t.Fatal("tracker should be active")
	}
}
