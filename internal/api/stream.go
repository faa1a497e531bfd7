package api

import (
	"context"
	"errors"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/statusbus"
	"github.com/Checker-Finance/order-router/pkg/model"
)

const defaultStreamBuffer = 64

var errSlowConsumer = errors.New("status stream buffer overflow")

// Subscriber registers live status listeners. Implemented by *statusbus.Bus.
type Subscriber interface {
	Subscribe(orderID string, l statusbus.Listener) (unsubscribe func())
}

// HistoryReader loads the persisted events of an order.
type HistoryReader interface {
	History(ctx context.Context, orderID string) ([]model.StatusEvent, error)
}

type frameWriter interface {
	WriteJSON(v any) error
}

// StreamHandler serves the per-order status WebSocket.
type StreamHandler struct {
	logger  *zap.Logger
	bus     Subscriber
	history HistoryReader
	base    context.Context
	buffer  int
}

// NewStreamHandler builds the handler. base bounds every stream; cancelling it
// detaches all connected clients.
func NewStreamHandler(base context.Context, logger *zap.Logger, bus Subscriber, history HistoryReader) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{logger: logger, bus: bus, history: history, base: base, buffer: defaultStreamBuffer}
}

// Upgrade rejects plain HTTP requests on the status route.
func (h *StreamHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}

// Handle runs one WebSocket session until the client goes away.
func (h *StreamHandler) Handle(conn *websocket.Conn) {
	orderID := conn.Params("orderId")
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.serve(h.base, orderID, conn, closed); err != nil {
		h.logger.Warn("api.stream.closed", zap.String("order_id", orderID), zap.Error(err))
	}
	_ = conn.Close()
}

// serve subscribes before reading history so no event falls in the gap; updates
// already present in the history frame are dropped by id.
func (h *StreamHandler) serve(ctx context.Context, orderID string, w frameWriter, closed <-chan struct{}) error {
	updates := make(chan model.StatusEvent, h.buffer)
	overflow := make(chan struct{})
	var once sync.Once

	unsubscribe := h.bus.Subscribe(orderID, func(ev model.StatusEvent) {
		select {
		case updates <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	history, err := h.history.History(ctx, orderID)
	if err != nil {
		return err
	}
	if history == nil {
		history = []model.StatusEvent{}
	}
	seen := make(map[int64]struct{}, len(history))
	for _, ev := range history {
		seen[ev.ID] = struct{}{}
	}
	if err := w.WriteJSON(Frame{Type: "history", Data: history}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return nil
		case <-overflow:
			return errSlowConsumer
		case ev := <-updates:
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			if err := w.WriteJSON(Frame{Type: "update", Data: ev}); err != nil {
				return err
			}
		}
	}
}
