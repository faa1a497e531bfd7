package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// amqpChannel is the subset of *amqp.Channel used by AMQPBroker.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Ack(tag uint64, multiple bool) error
	Close() error
}

// AMQPBroker runs the job queue on RabbitMQ.
//
// Retries are published to a per-delay queue "<name>.retry.<ms>" whose x-message-ttl equals
// the delay and whose dead-letter target is the main queue, so the broker itself promotes them.
// Exhausted jobs go to "<name>.failed".
type AMQPBroker struct {
	conn     *amqp.Connection
	ch       amqpChannel
	name     string
	failed   string
	prefetch int
	logger   *zap.Logger

	consumeOnce sync.Once
	consumeErr  error
	deliveries  <-chan amqp.Delivery
	lost        atomic.Bool

	mu         sync.Mutex
	retryQueue map[int64]string
}

// DialAMQP connects to RabbitMQ and declares the job queues.
func DialAMQP(url, name string, prefetch int, logger *zap.Logger) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	b, err := newAMQPBroker(ch, name, prefetch, logger)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	b.conn = conn
	return b, nil
}

func newAMQPBroker(ch amqpChannel, name string, prefetch int, logger *zap.Logger) (*AMQPBroker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &AMQPBroker{
		ch:         ch,
		name:       name,
		failed:     name + ".failed",
		prefetch:   prefetch,
		logger:     logger,
		retryQueue: make(map[int64]string),
	}
	if _, err := ch.QueueDeclare(b.name, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", b.name, err)
	}
	if _, err := ch.QueueDeclare(b.failed, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", b.failed, err)
	}
	return b, nil
}

// startConsuming subscribes on first Pop so API-only processes never take deliveries.
func (b *AMQPBroker) startConsuming() error {
	b.consumeOnce.Do(func() {
		if b.prefetch > 0 {
			if err := b.ch.Qos(b.prefetch, 0, false); err != nil {
				b.consumeErr = fmt.Errorf("failed to set qos: %w", err)
				return
			}
		}
		msgs, err := b.ch.Consume(b.name, "", false, false, false, false, nil)
		if err != nil {
			b.consumeErr = fmt.Errorf("failed to consume from %s: %w", b.name, err)
			return
		}
		b.deliveries = msgs
		b.logger.Info("queue.amqp.consuming", zap.String("queue", b.name), zap.Int("prefetch", b.prefetch))
	})
	return b.consumeErr
}

func (b *AMQPBroker) publish(ctx context.Context, key string, job *Job) error {
	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	return b.ch.PublishWithContext(ctx,
		"",    // exchange
		key,   // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (b *AMQPBroker) Push(ctx context.Context, job *Job) error {
	if err := b.publish(ctx, b.name, job); err != nil {
		return fmt.Errorf("amqp push: %w", err)
	}
	return nil
}

func (b *AMQPBroker) Pop(ctx context.Context, wait time.Duration) (*Job, error) {
	if err := b.startConsuming(); err != nil {
		return nil, err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case msg, ok := <-b.deliveries:
			if !ok {
				b.lost.Store(true)
				return nil, ErrClosed
			}
			job, err := decodeJob(msg.Body)
			if err != nil {
				b.logger.Error("queue.amqp.decode_failed", zap.Error(err))
				if perr := b.ch.PublishWithContext(ctx, "", b.failed, false, false, amqp.Publishing{
					ContentType:  msg.ContentType,
					DeliveryMode: amqp.Persistent,
					Body:         msg.Body,
				}); perr != nil {
					b.logger.Error("queue.amqp.park_failed", zap.Error(perr))
				}
				_ = b.ch.Ack(msg.DeliveryTag, false)
				continue
			}
			job.tag = msg.DeliveryTag
			return job, nil
		}
	}
}

func (b *AMQPBroker) Ack(_ context.Context, job *Job) error {
	if err := b.ch.Ack(job.tag, false); err != nil {
		return fmt.Errorf("amqp ack: %w", err)
	}
	return nil
}

// retryQueueFor declares, once per distinct delay, the TTL queue that dead-letters into the main queue.
func (b *AMQPBroker) retryQueueFor(delay time.Duration) (string, error) {
	// Rounded up to 100ms so near-identical delays share one queue.
	ms := (delay.Milliseconds() + 99) / 100 * 100
	if ms < 100 {
		ms = 100
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.retryQueue[ms]; ok {
		return q, nil
	}
	q := b.name + ".retry." + strconv.FormatInt(ms, 10)
	_, err := b.ch.QueueDeclare(q, true, false, false, false, amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.name,
	})
	if err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", q, err)
	}
	b.retryQueue[ms] = q
	return q, nil
}

func (b *AMQPBroker) Schedule(ctx context.Context, job *Job, at time.Time) error {
	q, err := b.retryQueueFor(time.Until(at))
	if err != nil {
		return err
	}
	if err := b.publish(ctx, q, job); err != nil {
		return fmt.Errorf("amqp schedule: %w", err)
	}
	if err := b.ch.Ack(job.tag, false); err != nil {
		return fmt.Errorf("amqp ack: %w", err)
	}
	return nil
}

func (b *AMQPBroker) Bury(ctx context.Context, job *Job) error {
	if err := b.publish(ctx, b.failed, job); err != nil {
		return fmt.Errorf("amqp bury: %w", err)
	}
	if err := b.ch.Ack(job.tag, false); err != nil {
		return fmt.Errorf("amqp ack: %w", err)
	}
	return nil
}

// Promote is a no-op: RabbitMQ dead-letters expired retries back to the main queue.
func (b *AMQPBroker) Promote(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Reclaim returns nothing: RabbitMQ requeues unacked deliveries when the consumer goes away.
func (b *AMQPBroker) Reclaim(context.Context, time.Time) ([]*Job, error) {
	return nil, nil
}

func (b *AMQPBroker) HealthCheck(context.Context) error {
	if b.conn != nil && b.conn.IsClosed() {
		return fmt.Errorf("amqp: %w", amqp.ErrClosed)
	}
	if b.lost.Load() {
		return fmt.Errorf("amqp deliveries: %w", ErrClosed)
	}
	return nil
}

func (b *AMQPBroker) FailedCount(context.Context) (int64, error) {
	q, err := b.ch.QueueDeclarePassive(b.failed, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("amqp inspect %s: %w", b.failed, err)
	}
	return int64(q.Messages), nil
}

func (b *AMQPBroker) Close() error {
	var errs []error
	if b.ch != nil {
		if err := b.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
