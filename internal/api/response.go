package api

import (
	"time"

	"github.com/Checker-Finance/order-router/pkg/model"
)

// ExecuteResponse acknowledges an accepted order.
type ExecuteResponse struct {
	OrderID        string    `json:"orderId"`
	StatusEndpoint string    `json:"statusEndpoint"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HistoryResponse is the body of GET /api/orders/:orderId/history.
type HistoryResponse struct {
	OrderID string              `json:"orderId"`
	History []model.StatusEvent `json:"history"`
}

// Frame is one WebSocket message on the status stream.
type Frame struct {
	Type string `json:"type"` // history | update
	Data any    `json:"data"`
}

func statusEndpoint(orderID string) string {
	return "/api/orders/" + orderID + "/status"
}
