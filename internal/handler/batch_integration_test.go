package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"github.com/kursadbilgin/docbatch-engine/internal/observability"
	"github.com/kursadbilgin/docbatch-engine/internal/service"
	"github.com/kursadbilgin/docbatch-engine/internal/transport"
	"go.uber.org/zap"
)

func TestBatchIntegration_SubmitBatch(t *testing.T) {
	t.Parallel()

	var got service.SubmitRequest
	var contents []string
	svc := &stubBatchService{
		submitFn: func(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error) {
			got = req
			for _, f := range req.Files {
				raw, err := io.ReadAll(f.Content)
				if err != nil {
					return nil, err
				}
				contents = append(contents, string(raw))
			}
			return &service.SubmitResult{BatchID: "b-created", TotalFiles: len(req.Files), EstimatedSeconds: 30}, nil
		},
	}

	app := newBatchTestApp(t, svc)

	resp, body := performMultipartRequest(t, app, "/v1/batches",
		map[string]string{"category": "invoice", "priority": "high", "autoPersistResults": "true"},
		map[string]string{"a.pdf": "first", "b.pdf": "second"},
	)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}

	var accepted map[string]any
	if err := json.Unmarshal(body, &accepted); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if accepted["batchId"] != "b-created" {
		t.Fatalf("batchId = %v, want b-created", accepted["batchId"])
	}
	if accepted["totalFiles"] != float64(2) || accepted["estimatedSeconds"] != float64(30) {
		t.Fatalf("response = %v", accepted)
	}

	if got.Category != "invoice" {
		t.Fatalf("category = %q, want invoice", got.Category)
	}
	want := domain.Options{Priority: domain.PriorityHigh, NotifyOnComplete: true, AutoPersistResults: true}
	if got.Options != want {
		t.Fatalf("options = %+v, want %+v", got.Options, want)
	}
	if len(got.Files) != 2 || got.Files[0].Name != "a.pdf" || got.Files[1].Size != int64(len("second")) {
		t.Fatalf("files = %+v", got.Files)
	}
	if strings.Join(contents, ",") != "first,second" {
		t.Fatalf("contents = %v", contents)
	}
}

func TestBatchIntegration_SubmitBatchRejectsBadInput(t *testing.T) {
	t.Parallel()

	svc := &stubBatchService{
		submitFn: func(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error) {
			if strings.TrimSpace(req.Category) == "" {
				return nil, fmt.Errorf("%w: category is required", domain.ErrValidation)
			}
			return &service.SubmitResult{BatchID: "b1"}, nil
		},
	}
	app := newBatchTestApp(t, svc)

	tests := []struct {
		name   string
		fields map[string]string
	}{
		{name: "unknown priority", fields: map[string]string{"category": "invoice", "priority": "urgent"}},
		{name: "bad notify flag", fields: map[string]string{"category": "invoice", "notifyOnComplete": "maybe"}},
		{name: "bad persist flag", fields: map[string]string{"category": "invoice", "autoPersistResults": "yes please"}},
		{name: "missing category", fields: map[string]string{}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, body := performMultipartRequest(t, app, "/v1/batches", tt.fields, map[string]string{"a.pdf": "x"})
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body=%s", resp.StatusCode, string(body))
			}
		})
	}

	t.Run("not multipart", func(t *testing.T) {
		t.Parallel()

		resp, _ := performRequest(t, app, http.MethodPost, "/v1/batches", `{"category":"invoice"}`)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("status = %d, want 400 for a json body", resp.StatusCode)
		}
	})
}

func TestBatchIntegration_GetBatch(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := &stubBatchService{
		getStatusFn: func(ctx context.Context, batchID string) (*service.BatchStatus, error) {
			if batchID != "b1" {
				return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
			}
			b := domain.NewBatch("b1", "invoice", 1, domain.DefaultOptions(),
				[]domain.File{{Name: "a.pdf", Size: 10}, {Name: "b.pdf", Size: 20}}, now)
			_ = b.Items[0].MarkProcessing(now)
			_ = b.Items[0].MarkCompleted(json.RawMessage(`{"total":42}`), now.Add(time.Second))
			b.Counts.Processed, b.Counts.Succeeded = 1, 1
			b.Evaluate(now.Add(time.Second))
			return &service.BatchStatus{Batch: b, Progress: 50, EstimatedRemainingSeconds: 15}, nil
		},
	}
	app := newBatchTestApp(t, svc)

	resp, body := performRequest(t, app, http.MethodGet, "/v1/batches/b1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var got batchResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if got.BatchID != "b1" || got.Status != domain.BatchStatusProcessing.String() {
		t.Fatalf("batch = %+v", got)
	}
	if got.Progress != 50 || got.EstimatedRemainingSeconds != 15 {
		t.Fatalf("progress = %v, eta = %d", got.Progress, got.EstimatedRemainingSeconds)
	}
	if len(got.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(got.Items))
	}
	if got.Items[0].Status != domain.ItemStatusCompleted.String() || string(got.Items[0].Result) != `{"total":42}` {
		t.Fatalf("first item = %+v", got.Items[0])
	}
	if len(got.Items[0].History) != 1 {
		t.Fatalf("history = %+v, want one attempt", got.Items[0].History)
	}
	if got.Items[1].Status != domain.ItemStatusQueued.String() || got.Items[1].Result != nil {
		t.Fatalf("second item = %+v", got.Items[1])
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/batches/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", resp.StatusCode, string(body))
	}
	var errBody map[string]string
	if err := json.Unmarshal(body, &errBody); err != nil || !strings.Contains(errBody["error"], "missing") {
		t.Fatalf("error body = %s", string(body))
	}
}

func TestBatchIntegration_ListBatches(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := &stubBatchService{
		listFn: func(ctx context.Context, includeTerminal bool) []service.BatchStatus {
			out := []service.BatchStatus{{
				Batch: domain.NewBatch("b-active", "invoice", 2, domain.DefaultOptions(), []domain.File{{Name: "a.pdf"}}, now),
			}}
			if includeTerminal {
				done := domain.NewBatch("b-done", "invoice", 1, domain.DefaultOptions(), nil, now)
				done.Evaluate(now)
				out = append(out, service.BatchStatus{Batch: done, Progress: 100})
			}
			return out
		},
	}
	app := newBatchTestApp(t, svc)

	tests := []struct {
		name      string
		path      string
		wantCode  int
		wantCount int
	}{
		{name: "active only", path: "/v1/batches", wantCode: fiber.StatusOK, wantCount: 1},
		{name: "explicit false", path: "/v1/batches?all=false", wantCode: fiber.StatusOK, wantCount: 1},
		{name: "include terminal", path: "/v1/batches?all=true", wantCode: fiber.StatusOK, wantCount: 2},
		{name: "bad flag", path: "/v1/batches?all=sometimes", wantCode: fiber.StatusBadRequest},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, body := performRequest(t, app, http.MethodGet, tt.path, "")
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.wantCode, string(body))
			}
			if tt.wantCode != fiber.StatusOK {
				return
			}

			var got listBatchesResponse
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("json unmarshal error = %v", err)
			}
			if len(got.Data) != tt.wantCount {
				t.Fatalf("batches = %d, want %d", len(got.Data), tt.wantCount)
			}
			for _, b := range got.Data {
				if len(b.Items) != 0 {
					t.Fatalf("list entry %s carries items", b.BatchID)
				}
			}
		})
	}
}

func TestBatchIntegration_CancelAndRetry(t *testing.T) {
	t.Parallel()

	svc := &stubBatchService{
		cancelFn: func(ctx context.Context, batchID string) (bool, error) {
			switch batchID {
			case "b-running":
				return true, nil
			case "b-done":
				return false, nil
			default:
				return false, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
			}
		},
		retryFn: func(ctx context.Context, batchID string) (bool, error) {
			switch batchID {
			case "b-failed":
				return true, nil
			case "b-clean":
				return false, nil
			case "b-busy":
				return false, fmt.Errorf("%w: batch %s is cancelling", domain.ErrConflict, batchID)
			default:
				return false, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
			}
		},
	}
	app := newBatchTestApp(t, svc)

	tests := []struct {
		name     string
		path     string
		wantCode int
		field    string
		want     bool
	}{
		{name: "cancel running", path: "/v1/batches/b-running/cancel", wantCode: fiber.StatusOK, field: "cancelled", want: true},
		{name: "cancel finished", path: "/v1/batches/b-done/cancel", wantCode: fiber.StatusOK, field: "cancelled", want: false},
		{name: "cancel unknown", path: "/v1/batches/nope/cancel", wantCode: fiber.StatusNotFound},
		{name: "retry failed", path: "/v1/batches/b-failed/retry", wantCode: fiber.StatusOK, field: "requeued", want: true},
		{name: "retry clean", path: "/v1/batches/b-clean/retry", wantCode: fiber.StatusOK, field: "requeued", want: false},
		{name: "retry conflict", path: "/v1/batches/b-busy/retry", wantCode: fiber.StatusConflict},
		{name: "retry unknown", path: "/v1/batches/nope/retry", wantCode: fiber.StatusNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, body := performRequest(t, app, http.MethodPost, tt.path, "")
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.wantCode, string(body))
			}
			if tt.field == "" {
				return
			}

			var got map[string]any
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("json unmarshal error = %v", err)
			}
			if got[tt.field] != tt.want {
				t.Fatalf("%s = %v, want %v", tt.field, got[tt.field], tt.want)
			}
		})
	}
}

func TestCorrelationMiddleware(t *testing.T) {
	t.Parallel()

	var seen string
	svc := &stubBatchService{
		getStatusFn: func(ctx context.Context, batchID string) (*service.BatchStatus, error) {
			seen, _ = observability.CorrelationIDFromContext(ctx)
			return nil, domain.ErrNotFound
		},
	}
	app := newBatchTestApp(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/b1", nil)
	req.Header.Set(fiber.HeaderXRequestID, "corr-123")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	_ = resp.Body.Close()

	if seen != "corr-123" {
		t.Fatalf("service saw correlation id %q, want corr-123", seen)
	}
	if got := resp.Header.Get(fiber.HeaderXRequestID); got != "corr-123" {
		t.Fatalf("response header = %q", got)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/batches/b1", "")
	if resp.Header.Get(fiber.HeaderXRequestID) == "" {
		t.Fatal("generated correlation id missing from response")
	}
}

type stubBatchService struct {
	submitFn    func(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	getStatusFn func(ctx context.Context, batchID string) (*service.BatchStatus, error)
	listFn      func(ctx context.Context, includeTerminal bool) []service.BatchStatus
	cancelFn    func(ctx context.Context, batchID string) (bool, error)
	retryFn     func(ctx context.Context, batchID string) (bool, error)
}

func (s *stubBatchService) Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error) {
	if s.submitFn != nil {
		return s.submitFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (s *stubBatchService) GetStatus(ctx context.Context, batchID string) (*service.BatchStatus, error) {
	if s.getStatusFn != nil {
		return s.getStatusFn(ctx, batchID)
	}
	return nil, domain.ErrNotFound
}

func (s *stubBatchService) ListBatches(ctx context.Context, includeTerminal bool) []service.BatchStatus {
	if s.listFn != nil {
		return s.listFn(ctx, includeTerminal)
	}
	return nil
}

func (s *stubBatchService) Cancel(ctx context.Context, batchID string) (bool, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, batchID)
	}
	return false, nil
}

func (s *stubBatchService) RetryFailed(ctx context.Context, batchID string) (bool, error) {
	if s.retryFn != nil {
		return s.retryFn(ctx, batchID)
	}
	return false, nil
}

func newBatchTestApp(t *testing.T, svc BatchService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
	app.Use(CorrelationMiddleware())

	if err := RegisterBatchRoutes(app, svc); err != nil {
		t.Fatalf("RegisterBatchRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	return doRequest(t, app, req)
}

func performMultipartRequest(
	t *testing.T,
	app *fiber.App,
	path string,
	fields map[string]string,
	files map[string]string,
) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(files)) {
		part, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := part.Write([]byte(files[name])); err != nil {
			t.Fatalf("part.Write() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("multipart close error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())

	return doRequest(t, app, req)
}

func doRequest(t *testing.T, app *fiber.App, req *http.Request) (*http.Response, []byte) {
	t.Helper()

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}
