package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	"github.com/kursadbilgin/docbatch-engine/internal/service"
)

const maxFilesPerBatch = 500

type BatchService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	GetStatus(ctx context.Context, batchID string) (*service.BatchStatus, error)
	ListBatches(ctx context.Context, includeTerminal bool) []service.BatchStatus
	Cancel(ctx context.Context, batchID string) (bool, error)
	RetryFailed(ctx context.Context, batchID string) (bool, error)
}

type BatchHandler struct {
	service BatchService
}

func NewBatchHandler(service BatchService) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	return &BatchHandler{service: service}, nil
}

func RegisterBatchRoutes(router fiber.Router, service BatchService) error {
	h, err := NewBatchHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches", h.SubmitBatch)
	v1.Get("/batches", h.ListBatches)
	v1.Get("/batches/:batchId", h.GetBatch)
	v1.Post("/batches/:batchId/cancel", h.CancelBatch)
	v1.Post("/batches/:batchId/retry", h.RetryBatch)

	return nil
}

type submitBatchResponse struct {
	BatchID          string `json:"batchId"`
	TotalFiles       int    `json:"totalFiles"`
	EstimatedSeconds int    `json:"estimatedSeconds"`
}

type batchResponse struct {
	BatchID                   string         `json:"batchId"`
	Category                  string         `json:"category"`
	Status                    string         `json:"status"`
	Priority                  string         `json:"priority"`
	NotifyOnComplete          bool           `json:"notifyOnComplete"`
	AutoPersistResults        bool           `json:"autoPersistResults"`
	CancelRequested           bool           `json:"cancelRequested"`
	Progress                  float64        `json:"progress"`
	EstimatedRemainingSeconds int            `json:"estimatedRemainingSeconds"`
	Counts                    countsResponse `json:"counts"`
	CreatedAt                 time.Time      `json:"createdAt"`
	CompletedAt               *time.Time     `json:"completedAt,omitempty"`
	Items                     []itemResponse `json:"items,omitempty"`
}

type countsResponse struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type itemResponse struct {
	Index       int               `json:"index"`
	FileName    string            `json:"fileName"`
	FileSize    int64             `json:"fileSize"`
	MimeType    string            `json:"mimeType,omitempty"`
	Status      string            `json:"status"`
	Attempts    int               `json:"attempts"`
	LastError   *string           `json:"lastError,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	NextRetryAt *time.Time        `json:"nextRetryAt,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	History     []attemptResponse `json:"history,omitempty"`
}

type attemptResponse struct {
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      *string   `json:"error,omitempty"`
}

type listBatchesResponse struct {
	Data []batchResponse `json:"data"`
}

func (h *BatchHandler) SubmitBatch(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid multipart form")
	}

	opts, err := parseOptions(form.Value)
	if err != nil {
		return toHTTPError(err)
	}

	headers := form.File["files"]
	if len(headers) > maxFilesPerBatch {
		return toHTTPError(fmt.Errorf("%w: at most %d files per batch", domain.ErrValidation, maxFilesPerBatch))
	}

	uploads := make([]service.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("cannot read file %q", fh.Filename))
		}
		defer f.Close()

		uploads = append(uploads, service.Upload{
			Name:     fh.Filename,
			Size:     fh.Size,
			MimeType: fh.Header.Get(fiber.HeaderContentType),
			Content:  f,
		})
	}

	res, err := h.service.Submit(c.UserContext(), service.SubmitRequest{
		Category: formValue(form.Value, "category"),
		Files:    uploads,
		Options:  opts,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(submitBatchResponse{
		BatchID:          res.BatchID,
		TotalFiles:       res.TotalFiles,
		EstimatedSeconds: res.EstimatedSeconds,
	})
}

func (h *BatchHandler) GetBatch(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	status, err := h.service.GetStatus(c.UserContext(), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toBatchResponse(*status, true))
}

func (h *BatchHandler) ListBatches(c *fiber.Ctx) error {
	includeTerminal := false
	if raw := strings.TrimSpace(c.Query("all")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return toHTTPError(fmt.Errorf("%w: all must be a boolean", domain.ErrValidation))
		}
		includeTerminal = v
	}

	statuses := h.service.ListBatches(c.UserContext(), includeTerminal)
	data := make([]batchResponse, 0, len(statuses))
	for _, s := range statuses {
		data = append(data, toBatchResponse(s, false))
	}

	return c.Status(fiber.StatusOK).JSON(listBatchesResponse{Data: data})
}

func (h *BatchHandler) CancelBatch(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	cancelled, err := h.service.Cancel(c.UserContext(), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batchId":   batchID,
		"cancelled": cancelled,
	})
}

func (h *BatchHandler) RetryBatch(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	requeued, err := h.service.RetryFailed(c.UserContext(), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batchId":  batchID,
		"requeued": requeued,
	})
}

func parseOptions(values map[string][]string) (domain.Options, error) {
	opts := domain.DefaultOptions()

	if raw := formValue(values, "priority"); raw != "" {
		priority, err := domain.ParsePriorityFromString(raw)
		if err != nil {
			return domain.Options{}, err
		}
		opts.Priority = priority
	}

	var err error
	if opts.NotifyOnComplete, err = parseBoolField(values, "notifyOnComplete", opts.NotifyOnComplete); err != nil {
		return domain.Options{}, err
	}
	if opts.AutoPersistResults, err = parseBoolField(values, "autoPersistResults", opts.AutoPersistResults); err != nil {
		return domain.Options{}, err
	}

	return opts, nil
}

func parseBoolField(values map[string][]string, field string, fallback bool) (bool, error) {
	raw := formValue(values, field)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", domain.ErrValidation, field)
	}
	return v, nil
}

func formValue(values map[string][]string, field string) string {
	if v := values[field]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func toBatchResponse(s service.BatchStatus, withItems bool) batchResponse {
	b := s.Batch
	resp := batchResponse{
		BatchID:                   b.ID,
		Category:                  b.Category,
		Status:                    b.Status.String(),
		Priority:                  b.Options.Priority.String(),
		NotifyOnComplete:          b.Options.NotifyOnComplete,
		AutoPersistResults:        b.Options.AutoPersistResults,
		CancelRequested:           b.CancelRequested,
		Progress:                  s.Progress,
		EstimatedRemainingSeconds: s.EstimatedRemainingSeconds,
		Counts: countsResponse{
			Total:     b.Counts.Total,
			Processed: b.Counts.Processed,
			Succeeded: b.Counts.Succeeded,
			Failed:    b.Counts.Failed,
			Cancelled: b.Counts.Cancelled,
		},
		CreatedAt:   b.CreatedAt,
		CompletedAt: b.CompletedAt,
	}
	if !withItems {
		return resp
	}

	resp.Items = make([]itemResponse, 0, len(b.Items))
	for _, item := range b.Items {
		ir := itemResponse{
			Index:       item.Index,
			FileName:    item.File.Name,
			FileSize:    item.File.Size,
			MimeType:    item.File.MimeType,
			Status:      item.Status.String(),
			Attempts:    item.Attempts,
			LastError:   item.LastError,
			StartedAt:   item.StartedAt,
			CompletedAt: item.CompletedAt,
			NextRetryAt: item.NextRetryAt,
			Result:      item.Result,
		}
		for _, a := range item.History {
			ir.History = append(ir.History, attemptResponse{
				Number:     a.Number,
				StartedAt:  a.StartedAt,
				FinishedAt: a.FinishedAt,
				Error:      a.Error,
			})
		}
		resp.Items = append(resp.Items, ir)
	}
	return resp
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
