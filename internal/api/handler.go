package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/order"
	"github.com/Checker-Finance/order-router/internal/store"
	"github.com/Checker-Finance/order-router/pkg/model"
)

// OrderService defines the order operations used by the handlers.
type OrderService interface {
	Submit(ctx context.Context, req model.SubmitRequest) (model.Order, error)
	History(ctx context.Context, orderID string) ([]model.StatusEvent, error)
	Get(ctx context.Context, orderID string) (*model.Order, error)
	List(ctx context.Context, limit int) ([]model.Order, error)
}

// QueueStats reports dead-lettered jobs.
type QueueStats interface {
	FailedCount(ctx context.Context) (int64, error)
}

// OrderHandler handles the order HTTP endpoints.
type OrderHandler struct {
	logger  *zap.Logger
	service OrderService
	queue   QueueStats
}

func NewOrderHandler(logger *zap.Logger, service OrderService, queue QueueStats) *OrderHandler {
	return &OrderHandler{logger: logger, service: service, queue: queue}
}

// Execute accepts an order and returns 202 once it is queued.
func (h *OrderHandler) Execute(c *fiber.Ctx) error {
	var req ExecuteRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	o, err := h.service.Submit(c.UserContext(), req.toSubmitRequest())
	if err != nil {
		var ve *order.ValidationError
		if errors.As(err, &ve) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ve.Error()})
		}
		h.logger.Error("api.execute.failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to submit order"})
	}

	return c.Status(fiber.StatusAccepted).JSON(ExecuteResponse{
		OrderID:        o.ID,
		StatusEndpoint: statusEndpoint(o.ID),
		CreatedAt:      o.CreatedAt,
	})
}

// History returns the persisted events of an order. Unknown ids get an empty list.
func (h *OrderHandler) History(c *fiber.Ctx) error {
	orderID := c.Params("orderId")
	history, err := h.service.History(c.UserContext(), orderID)
	if err != nil {
		h.logger.Error("api.history.failed", zap.String("order_id", orderID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load history"})
	}
	if history == nil {
		history = []model.StatusEvent{}
	}
	return c.JSON(HistoryResponse{OrderID: orderID, History: history})
}

func (h *OrderHandler) Get(c *fiber.Ctx) error {
	orderID := c.Params("orderId")
	o, err := h.service.Get(c.UserContext(), orderID)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "order not found"})
	}
	if err != nil {
		h.logger.Error("api.get_order.failed", zap.String("order_id", orderID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load order"})
	}
	return c.JSON(o)
}

func (h *OrderHandler) List(c *fiber.Ctx) error {
	orders, err := h.service.List(c.UserContext(), c.QueryInt("limit", 100))
	if err != nil {
		h.logger.Error("api.list_orders.failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list orders"})
	}
	if orders == nil {
		orders = []model.Order{}
	}
	return c.JSON(fiber.Map{"orders": orders})
}

// QueueStats reports how many jobs exhausted their attempts.
func (h *OrderHandler) QueueStats(c *fiber.Ctx) error {
	if h.queue == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue not configured"})
	}
	n, err := h.queue.FailedCount(c.UserContext())
	if err != nil {
		h.logger.Error("api.queue_stats.failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to read queue stats"})
	}
	return c.JSON(fiber.Map{"failed": n})
}
