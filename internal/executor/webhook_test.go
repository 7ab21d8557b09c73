package executor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/docbatch-engine/internal/domain"
)

type fakeBlobs struct {
	files map[string]string
}

func (f fakeBlobs) Save(context.Context, string, io.Reader) error { return nil }

func (f fakeBlobs) Open(_ context.Context, key string) (io.ReadCloser, error) {
	content, ok := f.files[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (f fakeBlobs) Delete(context.Context, string) error { return nil }

var testFile = domain.File{Name: "po-1.pdf", Size: 4, MimeType: "application/pdf", StorageKey: "b1/0"}

func newTestBlobs() fakeBlobs {
	return fakeBlobs{files: map[string]string{"b1/0": "%PDF"}}
}

func TestWebhookExecutorExecuteSuccess(t *testing.T) {
	t.Parallel()

	var (
		gotCategory string
		gotFileName string
		gotContent  string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
			return
		}
		gotCategory = r.FormValue("category")
		f, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
			return
		}
		defer f.Close()
		gotFileName = header.Filename
		data, _ := io.ReadAll(f)
		gotContent = string(data)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"orderNumber":"PO-1"}}`))
	}))
	defer server.Close()

	e, err := NewWebhookExecutor(server.URL, newTestBlobs())
	if err != nil {
		t.Fatalf("NewWebhookExecutor() error = %v", err)
	}

	result, err := e.Execute(context.Background(), testFile, "purchase_order")
	if err != nil {
		t.Fatalf("Execute() unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatal("Success = false, want true")
	}
	if string(result.Data) != `{"orderNumber":"PO-1"}` {
		t.Fatalf("Data = %s", result.Data)
	}
	if gotCategory != "purchase_order" {
		t.Fatalf("category = %q, want purchase_order", gotCategory)
	}
	if gotFileName != testFile.Name || gotContent != "%PDF" {
		t.Fatalf("uploaded %q with %q", gotFileName, gotContent)
	}
}

func TestWebhookExecutorExecuteReportedFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"unreadable scan"}`))
	}))
	defer server.Close()

	e, err := NewWebhookExecutor(server.URL, newTestBlobs())
	if err != nil {
		t.Fatalf("NewWebhookExecutor() error = %v", err)
	}

	result, err := e.Execute(context.Background(), testFile, "purchase_order")
	if err != nil {
		t.Fatalf("Execute() unexpected error: %v", err)
	}
	if result.Success || result.Error != "unreadable scan" {
		t.Fatalf("result = %+v, want reported failure", result)
	}
}

func TestWebhookExecutorExecuteStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		wantTransient bool
	}{
		{name: "too many requests is transient", statusCode: http.StatusTooManyRequests, wantTransient: true},
		{name: "unprocessable entity is permanent", statusCode: http.StatusUnprocessableEntity, wantTransient: false},
		{name: "bad gateway is transient", statusCode: http.StatusBadGateway, wantTransient: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte("extractor failed"))
			}))
			defer server.Close()

			e, err := NewWebhookExecutor(server.URL, newTestBlobs())
			if err != nil {
				t.Fatalf("NewWebhookExecutor() error = %v", err)
			}

			_, err = e.Execute(context.Background(), testFile, "purchase_order")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}

			var execErr *ExecutorError
			if !errors.As(err, &execErr) {
				t.Fatalf("expected ExecutorError, got %T", err)
			}
			if execErr.StatusCode != tc.statusCode {
				t.Fatalf("ExecutorError.StatusCode = %d, want %d", execErr.StatusCode, tc.statusCode)
			}
		})
	}
}

func TestWebhookExecutorExecuteTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	e, err := NewWebhookExecutorWithClient(server.URL, newTestBlobs(), client)
	if err != nil {
		t.Fatalf("NewWebhookExecutorWithClient() error = %v", err)
	}

	_, err = e.Execute(context.Background(), testFile, "purchase_order")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
}

func TestWebhookExecutorMissingBlob(t *testing.T) {
	t.Parallel()

	e, err := NewWebhookExecutor("http://127.0.0.1:1/extract", fakeBlobs{})
	if err != nil {
		t.Fatalf("NewWebhookExecutor() error = %v", err)
	}

	_, err = e.Execute(context.Background(), testFile, "purchase_order")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Execute() error = %v, want ErrNotFound", err)
	}
	if IsTransient(err) {
		t.Fatal("missing source file should not be transient")
	}
}

func TestNewWebhookExecutorValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewWebhookExecutor("", newTestBlobs()); err == nil {
		t.Fatal("empty endpoint should be rejected")
	}
	if _, err := NewWebhookExecutor("not a url", newTestBlobs()); err == nil {
		t.Fatal("invalid endpoint should be rejected")
	}
	if _, err := NewWebhookExecutor("http://localhost/extract", nil); err == nil {
		t.Fatal("nil blobs should be rejected")
	}
}
