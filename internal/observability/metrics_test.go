package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsSchedulerCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncBatch("submitted")
	metrics.IncItemDispatched("HIGH")
	metrics.IncItemDispatched("high")
	metrics.ObserveExecute("failure", 120*time.Millisecond)
	metrics.IncAttemptFailed("timeout")
	metrics.IncRetryScheduled("high")
	metrics.IncItemFinished("cancelled", 3)
	metrics.IncItemFinished("succeeded", 0)
	metrics.IncCheckpointFailure("put")
	metrics.IncNotification("deferred")

	if got := testutil.ToFloat64(metrics.batchesTotal.WithLabelValues("submitted")); got != 1 {
		t.Fatalf("batches_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.itemsDispatchedTotal.WithLabelValues("high")); got != 2 {
		t.Fatalf("items_dispatched_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.itemsInflight); got != 1 {
		t.Fatalf("items_inflight = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.attemptFailuresTotal.WithLabelValues("timeout")); got != 1 {
		t.Fatalf("attempt_failures_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.retryScheduledTotal.WithLabelValues("high")); got != 1 {
		t.Fatalf("retry_scheduled_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.itemsFinishedTotal.WithLabelValues("cancelled")); got != 3 {
		t.Fatalf("items_finished_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.checkpointFailuresTotal.WithLabelValues("put")); got != 1 {
		t.Fatalf("checkpoint_failures_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.notificationsTotal.WithLabelValues("deferred")); got != 1 {
		t.Fatalf("notifications_total = %v, want 1", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.IncBatch("submitted")
	metrics.IncItemDispatched("low")
	metrics.ObserveExecute("success", time.Second)
	metrics.IncNotification("delivered")
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
