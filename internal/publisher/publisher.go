package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/metrics"
	"github.com/Checker-Finance/order-router/pkg/model"
)

// jetStream is the subset of nats.JetStreamContext used here.
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher emits terminal order lifecycle events on JetStream.
type Publisher struct {
	js      jetStream
	prefix  string
	service string
	logger  *zap.Logger
}

// New creates a Publisher on nc's JetStream context. prefix is e.g. "evt.order".
func New(nc *nats.Conn, prefix, service string, logger *zap.Logger) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return newPublisher(js, prefix, service, logger), nil
}

func newPublisher(js jetStream, prefix, service string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{js: js, prefix: prefix, service: service, logger: logger}
}

// Subject returns the versioned subject for an event, e.g. "evt.order.confirmed.v1".
func (p *Publisher) Subject(eventType string) string {
	return fmt.Sprintf("%s.%s.v1", p.prefix, eventType)
}

// PublishEnvelope serializes and publishes env on its topic.
func (p *Publisher) PublishEnvelope(_ context.Context, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &nats.Msg{
		Subject: env.Topic,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.MsgId(env.ID.String()))
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, env.Topic)
	if err != nil {
		p.logger.Error("publisher.publish_failed",
			zap.String("subject", env.Topic),
			zap.String("order_id", env.CorrelationID),
			zap.Error(err))
		metrics.IncNATSMessage(env.Topic, "error")
		return err
	}

	p.logger.Debug("publisher.publish_success",
		zap.String("subject", env.Topic),
		zap.String("order_id", env.CorrelationID))
	metrics.IncNATSMessage(env.Topic, "ok")
	return nil
}

// PublishConfirmed emits order.confirmed with the execution result.
func (p *Publisher) PublishConfirmed(ctx context.Context, order model.Order, res model.ExecutionResult) error {
	return p.publish(ctx, "confirmed", order.ID, map[string]any{
		"order":  order,
		"result": res,
	})
}

// PublishFailed emits order.failed with the failure reason and attempt.
func (p *Publisher) PublishFailed(ctx context.Context, order model.Order, reason string, attempt int) error {
	return p.publish(ctx, "failed", order.ID, map[string]any{
		"order":   order,
		"reason":  reason,
		"attempt": attempt,
	})
}

func (p *Publisher) publish(ctx context.Context, eventType, orderID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return fmt.Errorf("marshal payload: %w", err)
	}
	env := &model.Envelope{
		ID:            uuid.New(),
		CorrelationID: orderID,
		Topic:         p.Subject(eventType),
		EventType:     "order." + eventType,
		Version:       "1.0.0",
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}
	return p.PublishEnvelope(ctx, env)
}
