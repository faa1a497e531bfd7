package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/metrics"
	"github.com/Checker-Finance/order-router/internal/queue"
	"github.com/Checker-Finance/order-router/internal/store"
	"github.com/Checker-Finance/order-router/pkg/model"
)

// Emitter persists and broadcasts a status event. Implemented by *statusbus.Bus.
type Emitter interface {
	Emit(ctx context.Context, orderID string, status model.Status, detail any) (model.StatusEvent, error)
}

// Enqueuer durably schedules an order for execution. Implemented by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, order model.Order) (*queue.Job, error)
}

// PendingDetail is the payload of the first event of every order.
type PendingDetail struct {
	Note string `json:"note"`
}

// Service accepts submissions and serves order reads.
type Service struct {
	store  store.Store
	bus    Emitter
	queue  Enqueuer
	logger *zap.Logger
	now    func() time.Time
}

func NewService(st store.Store, bus Emitter, q Enqueuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, bus: bus, queue: q, logger: logger, now: time.Now}
}

// Submit validates req, records the order with a pending event and enqueues it.
// It returns as soon as the job is durable; execution happens asynchronously.
func (s *Service) Submit(ctx context.Context, req model.SubmitRequest) (model.Order, error) {
	req, err := Validate(req)
	if err != nil {
		return model.Order{}, err
	}

	order := req.ToOrder(uuid.NewString(), s.now().UTC())
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return model.Order{}, fmt.Errorf("create order: %w", err)
	}

	if _, err := s.bus.Emit(ctx, order.ID, model.StatusPending, PendingDetail{Note: "Order queued for routing"}); err != nil {
		return model.Order{}, err
	}

	if _, err := s.queue.Enqueue(ctx, order); err != nil {
		s.logger.Error("order.enqueue_failed", zap.String("order_id", order.ID), zap.Error(err))
		reason := fmt.Sprintf("enqueue failed: %v", err)
		if _, ferr := s.bus.Emit(ctx, order.ID, model.StatusFailed, map[string]string{"reason": reason}); ferr != nil {
			s.logger.Error("order.failed_status_not_persisted", zap.String("order_id", order.ID), zap.Error(ferr))
		}
		return model.Order{}, err
	}

	metrics.OrdersSubmitted.Inc()
	s.logger.Info("order.submitted",
		zap.String("order_id", order.ID),
		zap.String("token_in", order.TokenIn),
		zap.String("token_out", order.TokenOut),
		zap.Float64("amount", order.Amount))
	return order, nil
}

// History returns the order's events in timestamp order; unknown ids yield an empty slice.
func (s *Service) History(ctx context.Context, orderID string) ([]model.StatusEvent, error) {
	return s.store.GetHistory(ctx, orderID)
}

func (s *Service) Get(ctx context.Context, orderID string) (*model.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

func (s *Service) List(ctx context.Context, limit int) ([]model.Order, error) {
	return s.store.ListOrders(ctx, limit)
}
