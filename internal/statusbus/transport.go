package statusbus

import (
	"context"

	"github.com/Checker-Finance/order-router/pkg/model"
)

// Message is the cross-process envelope for one persisted status event.
type Message struct {
	Origin string            `json:"origin"`
	Event  model.StatusEvent `json:"event"`
}

// Transport relays status events between processes.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe delivers every message, including this process's own, to handler until stop is called.
	Subscribe(ctx context.Context, handler func(Message)) (stop func(), err error)
	HealthCheck(ctx context.Context) error
	Close() error
}
