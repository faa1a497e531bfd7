package store

import (
	"context"
	"errors"

	"github.com/Checker-Finance/order-router/pkg/model"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrDuplicateKey is returned when an order id is already taken.
	ErrDuplicateKey = errors.New("duplicate order id")
	// ErrPersistence wraps any failure of the backing storage.
	ErrPersistence = errors.New("persistence failure")
)

// Store is the durable record of orders and their append-only status history.
type Store interface {
	CreateOrder(ctx context.Context, order model.Order) error
	// AppendEvent persists one event and returns it with id and timestamp assigned.
	AppendEvent(ctx context.Context, orderID string, status model.Status, detail any) (model.StatusEvent, error)
	// GetHistory returns events ordered by timestamp ascending. Unknown ids yield an empty slice.
	GetHistory(ctx context.Context, orderID string) ([]model.StatusEvent, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	// ListOrders returns up to limit orders, most recent first. limit <= 0 means no limit.
	ListOrders(ctx context.Context, limit int) ([]model.Order, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
