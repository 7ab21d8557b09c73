package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"github.com/kursadbilgin/docbatch-engine/internal/storage"
)

const defaultWebhookTimeout = 2 * time.Minute

// WebhookExecutor uploads a stored file to an HTTP extraction service as a
// multipart form and decodes its JSON verdict.
type WebhookExecutor struct {
	client   *resty.Client
	endpoint string
	blobs    storage.Blobs
}

func NewWebhookExecutor(endpoint string, blobs storage.Blobs) (*WebhookExecutor, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookExecutorWithClient(endpoint, blobs, client)
}

func NewWebhookExecutorWithClient(endpoint string, blobs storage.Blobs, client *resty.Client) (*WebhookExecutor, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("extractor endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid extractor endpoint: %w", err)
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob storage is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	// Retries belong to the scheduler, which counts attempts.
	client.SetRetryCount(0)

	return &WebhookExecutor{
		client:   client,
		endpoint: trimmedEndpoint,
		blobs:    blobs,
	}, nil
}

func (e *WebhookExecutor) Execute(ctx context.Context, file domain.File, category string) (*Result, error) {
	if e == nil || e.client == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("invalid file: %w", err)
	}

	content, err := e.blobs.Open(ctx, file.StorageKey)
	if err != nil {
		return nil, &ExecutorError{
			Message: "source file unavailable",
			Cause:   err,
		}
	}
	defer content.Close()

	response, err := e.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetFileReader("file", file.Name, content).
		SetFormData(map[string]string{
			"category": category,
			"fileName": file.Name,
			"mimeType": file.MimeType,
		}).
		Post(e.endpoint)
	if err != nil {
		return nil, &ExecutorError{
			Message:   "extractor request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ExecutorError{
			Message:   "extractor returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, &ExecutorError{
			StatusCode: statusCode,
			Message:    extractorErrorMessage(statusCode, responseBody),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	var result Result
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return nil, &ExecutorError{
			StatusCode: statusCode,
			Message:    "extractor returned invalid json",
			Cause:      err,
		}
	}
	return &result, nil
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func extractorErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("extractor returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
