package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Checker-Finance/order-router/pkg/model"
)

// MemoryStore keeps orders in process memory. Used for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	orders  map[string]model.Order
	history map[string][]model.StatusEvent
	nextID  int64
	now     func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]model.Order),
		history: make(map[string][]model.StatusEvent),
		now:     time.Now,
	}
}

func (s *MemoryStore) CreateOrder(_ context.Context, order model.Order) error {
	if order.ID == "" {
		return fmt.Errorf("%w: empty order id", ErrPersistence)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, order.ID)
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.now().UTC()
	}
	s.orders[order.ID] = order
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, orderID string, status model.Status, detail any) (model.StatusEvent, error) {
	if !status.Valid() {
		return model.StatusEvent{}, fmt.Errorf("%w: invalid status %q", ErrPersistence, status)
	}
	raw, err := model.EncodeDetail(detail)
	if err != nil {
		return model.StatusEvent{}, fmt.Errorf("%w: encode detail: %v", ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return model.StatusEvent{}, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}

	ts := s.now().UTC()
	events := s.history[orderID]
	if n := len(events); n > 0 && ts.Before(events[n-1].Timestamp) {
		ts = events[n-1].Timestamp
	}

	s.nextID++
	ev := model.StatusEvent{
		ID:        s.nextID,
		OrderID:   orderID,
		Status:    status,
		Detail:    raw,
		Timestamp: ts,
	}
	s.history[orderID] = append(events, ev)
	return ev, nil
}

func (s *MemoryStore) GetHistory(_ context.Context, orderID string) ([]model.StatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.history[orderID]
	out := make([]model.StatusEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return &o, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, limit int) ([]model.Order, error) {
	s.mu.RLock()
	out := make([]model.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
