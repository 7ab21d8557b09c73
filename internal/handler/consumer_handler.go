package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/docbatch-engine/internal/domain"
)

// ConsumerLifecycle is the foreground/background switch of the notification
// consumer.
type ConsumerLifecycle interface {
	OnResume(ctx context.Context) (int, error)
	OnSuspend()
	IsActive() bool
}

type PendingNotifications interface {
	Pending() []domain.Notification
}

type ConsumerHandler struct {
	lifecycle ConsumerLifecycle
	pending   PendingNotifications
}

func NewConsumerHandler(lifecycle ConsumerLifecycle, pending PendingNotifications) (*ConsumerHandler, error) {
	if lifecycle == nil {
		return nil, fmt.Errorf("consumer lifecycle is required")
	}
	if pending == nil {
		return nil, fmt.Errorf("pending notification source is required")
	}
	return &ConsumerHandler{lifecycle: lifecycle, pending: pending}, nil
}

func RegisterConsumerRoutes(router fiber.Router, lifecycle ConsumerLifecycle, pending PendingNotifications) error {
	h, err := NewConsumerHandler(lifecycle, pending)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Get("/consumer", h.GetConsumer)
	v1.Post("/consumer/active", h.Activate)
	v1.Post("/consumer/inactive", h.Deactivate)
	v1.Get("/notifications/pending", h.ListPending)

	return nil
}

type notificationResponse struct {
	ID        string          `json:"id"`
	BatchID   string          `json:"batchId"`
	Category  string          `json:"category"`
	Status    string          `json:"status"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Summary   summaryResponse `json:"summary"`
	CreatedAt time.Time       `json:"createdAt"`
}

type summaryResponse struct {
	Total          int     `json:"total"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	Cancelled      int     `json:"cancelled"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

func (h *ConsumerHandler) GetConsumer(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"active":  h.lifecycle.IsActive(),
		"pending": len(h.pending.Pending()),
	})
}

func (h *ConsumerHandler) Activate(c *fiber.Ctx) error {
	delivered, err := h.lifecycle.OnResume(c.UserContext())
	if err != nil {
		// Undelivered notifications stay pending; the consumer is active regardless.
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"active":    true,
			"delivered": delivered,
			"error":     err.Error(),
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"active":    true,
		"delivered": delivered,
	})
}

func (h *ConsumerHandler) Deactivate(c *fiber.Ctx) error {
	h.lifecycle.OnSuspend()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"active": false,
	})
}

func (h *ConsumerHandler) ListPending(c *fiber.Ctx) error {
	pending := h.pending.Pending()
	data := make([]notificationResponse, 0, len(pending))
	for _, n := range pending {
		data = append(data, notificationResponse{
			ID:       n.ID,
			BatchID:  n.BatchID,
			Category: n.Category,
			Status:   n.Status.String(),
			Level:    n.Level.String(),
			Message:  n.Message,
			Summary: summaryResponse{
				Total:          n.Summary.Total,
				Succeeded:      n.Summary.Succeeded,
				Failed:         n.Summary.Failed,
				Cancelled:      n.Summary.Cancelled,
				ElapsedSeconds: n.Summary.Elapsed.Seconds(),
			},
			CreatedAt: n.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": data,
	})
}
