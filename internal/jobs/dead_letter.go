package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/metrics"
)

// FailedCounter reports jobs parked after exhausting retries. Implemented by *queue.Queue.
type FailedCounter interface {
	FailedCount(ctx context.Context) (int64, error)
}

// DeadLetterMonitor periodically samples the failed job count into a gauge and logs
// whenever it grows, so operators notice orders that need manual attention.
type DeadLetterMonitor struct {
	logger   *zap.Logger
	source   FailedCounter
	interval time.Duration
	last     int64
	stopCh   chan struct{}
}

func NewDeadLetterMonitor(logger *zap.Logger, source FailedCounter, interval time.Duration) *DeadLetterMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &DeadLetterMonitor{
		logger:   logger,
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start samples once immediately, then on every tick until ctx ends or Stop is called.
func (m *DeadLetterMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("dead_letter_monitor.started", zap.Duration("interval", m.interval))
	m.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			m.runOnce(ctx)
		case <-m.stopCh:
			m.logger.Info("dead_letter_monitor.stopped")
			return
		case <-ctx.Done():
			m.logger.Info("dead_letter_monitor.stopped", zap.Error(ctx.Err()))
			return
		}
	}
}

// Stop halts the loop. Call at most once.
func (m *DeadLetterMonitor) Stop() {
	close(m.stopCh)
}

func (m *DeadLetterMonitor) runOnce(ctx context.Context) {
	n, err := m.source.FailedCount(ctx)
	if err != nil {
		metrics.IncError("dead_letter_monitor", "count")
		m.logger.Warn("dead_letter_monitor.count_failed", zap.Error(err))
		return
	}
	metrics.DeadLetterDepth.Set(float64(n))

	if n > m.last {
		m.logger.Warn("dead_letter_monitor.failed_jobs_increased",
			zap.Int64("failed", n),
			zap.Int64("new", n-m.last))
	}
	m.last = n
}
