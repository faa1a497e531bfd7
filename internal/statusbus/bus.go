package statusbus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/metrics"
	"github.com/Checker-Finance/order-router/pkg/model"
)

// Appender persists a status event. Implemented by store.Store.
type Appender interface {
	AppendEvent(ctx context.Context, orderID string, status model.Status, detail any) (model.StatusEvent, error)
}

// Listener receives status events for one order. It must not block for long
// and must not call its own unsubscribe func.
type Listener func(model.StatusEvent)

type subscription struct {
	mu       sync.Mutex
	active   bool
	listener Listener
}

func (s *subscription) deliver(ev model.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.listener(ev)
	}
}

// Bus persists status events and fans them out to local and remote subscribers.
type Bus struct {
	store      Appender
	transport  Transport
	instanceID string
	logger     *zap.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscription
	nextID uint64

	stopRemote func()
}

// New creates a bus. transport may be nil for a single-process deployment.
func New(store Appender, transport Transport, instanceID string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		store:      store,
		transport:  transport,
		instanceID: instanceID,
		logger:     logger,
		subs:       make(map[string]map[uint64]*subscription),
	}
}

// Start begins relaying events published by other processes to local subscribers.
func (b *Bus) Start(ctx context.Context) error {
	if b.transport == nil {
		return nil
	}
	stop, err := b.transport.Subscribe(ctx, b.onRemote)
	if err != nil {
		return fmt.Errorf("statusbus subscribe: %w", err)
	}
	b.stopRemote = stop
	b.logger.Info("statusbus.started", zap.String("instance_id", b.instanceID))
	return nil
}

func (b *Bus) onRemote(msg Message) {
	if msg.Origin == b.instanceID {
		return
	}
	b.deliver(msg.Event)
}

// Emit appends the event to the store and then broadcasts it. When the append fails
// the error is returned and nothing is broadcast.
func (b *Bus) Emit(ctx context.Context, orderID string, status model.Status, detail any) (model.StatusEvent, error) {
	ev, err := b.store.AppendEvent(ctx, orderID, status, detail)
	if err != nil {
		return model.StatusEvent{}, fmt.Errorf("persist %s for order %s: %w", status, orderID, err)
	}
	metrics.IncStatusEvent(string(status))

	b.deliver(ev)

	if b.transport != nil {
		if perr := b.transport.Publish(ctx, Message{Origin: b.instanceID, Event: ev}); perr != nil {
			metrics.IncError("statusbus", "publish")
			b.logger.Warn("statusbus.publish_failed",
				zap.String("order_id", orderID),
				zap.String("status", string(status)),
				zap.Error(perr))
		}
	}
	return ev, nil
}

func (b *Bus) deliver(ev model.StatusEvent) {
	b.mu.RLock()
	set := b.subs[ev.OrderID]
	snapshot := make([]*subscription, 0, len(set))
	for _, s := range set {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		s.deliver(ev)
	}
}

// Subscribe registers l for events of orderID. The returned func is idempotent;
// once it returns, l receives nothing more.
func (b *Bus) Subscribe(orderID string, l Listener) (unsubscribe func()) {
	s := &subscription{active: true, listener: l}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[orderID] == nil {
		b.subs[orderID] = make(map[uint64]*subscription)
	}
	b.subs[orderID][id] = s
	b.mu.Unlock()
	metrics.ActiveSubscribers.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[orderID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(b.subs, orderID)
				}
			}
			b.mu.Unlock()

			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
			metrics.ActiveSubscribers.Dec()
		})
	}
}

// SubscriberCount reports the live subscriptions for orderID.
func (b *Bus) SubscriberCount(orderID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[orderID])
}

// HealthCheck reports the transport state.
func (b *Bus) HealthCheck(ctx context.Context) error {
	if b.transport == nil {
		return nil
	}
	return b.transport.HealthCheck(ctx)
}

// Close stops relaying remote events and closes the transport.
func (b *Bus) Close() error {
	if b.stopRemote != nil {
		b.stopRemote()
	}
	if b.transport != nil {
		return b.transport.Close()
	}
	return nil
}
