package statusbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/metrics"
)

// natsConn is the subset of *nats.Conn used by NATSTransport.
type natsConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Status() nats.Status
}

// NATSTransport relays events over core NATS on "<prefix>.<orderID>" subjects.
type NATSTransport struct {
	nc     natsConn
	prefix string
	logger *zap.Logger
}

func NewNATSTransport(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSTransport {
	return newNATSTransport(nc, prefix, logger)
}

func newNATSTransport(nc natsConn, prefix string, logger *zap.Logger) *NATSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "order.status"
	}
	return &NATSTransport{nc: nc, prefix: prefix, logger: logger}
}

func (t *NATSTransport) subject(orderID string) string {
	return t.prefix + "." + orderID
}

func (t *NATSTransport) Publish(_ context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode status message: %w", err)
	}
	subj := t.subject(msg.Event.OrderID)
	start := time.Now()
	if err := t.nc.Publish(subj, payload); err != nil {
		metrics.IncNATSMessage(t.prefix, "error")
		return fmt.Errorf("nats publish %s: %w", subj, err)
	}
	metrics.IncNATSMessage(t.prefix, "ok")
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, t.prefix)
	return nil
}

func (t *NATSTransport) Subscribe(_ context.Context, handler func(Message)) (func(), error) {
	sub, err := t.nc.Subscribe(t.prefix+".*", func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			t.logger.Warn("statusbus.nats.decode_failed", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				t.logger.Warn("statusbus.nats.unsubscribe_failed", zap.Error(err))
			}
		})
	}, nil
}

func (t *NATSTransport) HealthCheck(context.Context) error {
	if s := t.nc.Status(); s != nats.CONNECTED {
		return fmt.Errorf("nats not connected: %s", s)
	}
	return nil
}

// Close is a no-op; the connection is owned by the caller.
func (t *NATSTransport) Close() error { return nil }
