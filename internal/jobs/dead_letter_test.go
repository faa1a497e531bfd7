package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Checker-Finance/order-router/internal/metrics"
)

type counterFunc func(context.Context) (int64, error)

func (f counterFunc) FailedCount(ctx context.Context) (int64, error) { return f(ctx) }

func TestDeadLetterMonitor_ReportsGrowth(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	counts := []int64{0, 2, 2, 5}
	var i int
	m := NewDeadLetterMonitor(zap.New(core), counterFunc(func(context.Context) (int64, error) {
		n := counts[i]
		i++
		return n, nil
	}), time.Hour)

	for range counts {
		m.runOnce(context.Background())
	}

	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.DeadLetterDepth))
	grew := logs.FilterMessage("dead_letter_monitor.failed_jobs_increased").All()
	require.Len(t, grew, 2)
	assert.Equal(t, int64(3), grew[1].ContextMap()["new"])
}

func TestDeadLetterMonitor_CountErrorKeepsLastValue(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewDeadLetterMonitor(zap.New(core), counterFunc(func(context.Context) (int64, error) {
		return 0, errors.New("redis down")
	}), time.Hour)
	m.last = 4

	m.runOnce(context.Background())

	assert.Equal(t, int64(4), m.last)
	assert.Equal(t, 1, logs.FilterMessage("dead_letter_monitor.count_failed").Len())
}

func TestDeadLetterMonitor_StartStop(t *testing.T) {
	var calls atomic.Int32
	m := NewDeadLetterMonitor(nil, counterFunc(func(context.Context) (int64, error) {
		calls.Add(1)
		return 0, nil
	}), 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestDeadLetterMonitor_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewDeadLetterMonitor(nil, counterFunc(func(context.Context) (int64, error) { return 0, nil }), time.Hour)

	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor ignored cancellation")
	}
}
