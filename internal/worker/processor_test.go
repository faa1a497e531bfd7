package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/order-router/internal/queue"
	"github.com/Checker-Finance/order-router/internal/router"
	"github.com/Checker-Finance/order-router/internal/statusbus"
	"github.com/Checker-Finance/order-router/internal/store"
	"github.com/Checker-Finance/order-router/internal/venue"
	"github.com/Checker-Finance/order-router/pkg/model"
)

type fakeRouter struct {
	best     model.Quote
	quotes   []model.Quote
	routeErr error
	result   model.ExecutionResult
	execErr  error
}

func (f *fakeRouter) Route(context.Context, model.Order) (model.Quote, []model.Quote, error) {
	if f.routeErr != nil {
		return model.Quote{}, nil, f.routeErr
	}
	return f.best, f.quotes, nil
}

func (f *fakeRouter) Execute(context.Context, model.Order, model.Quote) (model.ExecutionResult, error) {
	if f.execErr != nil {
		return model.ExecutionResult{}, f.execErr
	}
	return f.result, nil
}

type fakeLifecycle struct {
	mu        sync.Mutex
	confirmed []string
	failed    []string
}

func (f *fakeLifecycle) PublishConfirmed(_ context.Context, o model.Order, _ model.ExecutionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, o.ID)
	return nil
}

func (f *fakeLifecycle) PublishFailed(_ context.Context, o model.Order, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, o.ID)
	return nil
}

func setup(t *testing.T) (*store.MemoryStore, *statusbus.Bus, *queue.Job) {
	t.Helper()
	st := store.NewMemory()
	order := model.Order{ID: "o-1", TokenIn: "SOL", TokenOut: "USDC", Amount: 1.5, OrderType: model.OrderTypeMarket}
	require.NoError(t, st.CreateOrder(context.Background(), order))
	_, err := st.AppendEvent(context.Background(), order.ID, model.StatusPending, nil)
	require.NoError(t, err)

	bus := statusbus.New(st, nil, "test", nil)
	job := &queue.Job{ID: "j-1", Order: order, Attempts: 1, MaxAttempts: 3}
	return st, bus, job
}

func statuses(events []model.StatusEvent) []model.Status {
	out := make([]model.Status, len(events))
	for i, ev := range events {
		out[i] = ev.Status
	}
	return out
}

func TestProcessor_FullLifecycle(t *testing.T) {
	st, bus, job := setup(t)
	fr := &fakeRouter{
		best:   model.Quote{Venue: "meteora", Price: 0.0025, FeeBps: 20, ExpectedOutput: 12},
		quotes: []model.Quote{{Venue: "raydium", ExpectedOutput: 10}, {Venue: "meteora", ExpectedOutput: 12}},
		result: model.ExecutionResult{Venue: "meteora", TxHash: "deadbeef", ExecutedPrice: 0.0025, OutputAmount: 0.0037},
	}
	events := &fakeLifecycle{}
	p := New(bus, fr, events, time.Millisecond, nil)

	var live []model.Status
	bus.Subscribe("o-1", func(ev model.StatusEvent) { live = append(live, ev.Status) })

	require.NoError(t, p.Handle(context.Background(), job))

	history, err := st.GetHistory(context.Background(), "o-1")
	require.NoError(t, err)
	want := []model.Status{
		model.StatusPending, model.StatusRouting, model.StatusBuilding,
		model.StatusSubmitted, model.StatusConfirmed,
	}
	assert.Equal(t, want, statuses(history))
	assert.Equal(t, want[1:], live)

	var building BuildingDetail
	require.NoError(t, history[2].DecodeDetail(&building))
	assert.Equal(t, "meteora", building.ChosenDex)
	assert.Equal(t, 20, building.FeeBps)
	assert.Len(t, building.Quotes, 2)

	var submitted SubmittedDetail
	require.NoError(t, history[3].DecodeDetail(&submitted))
	assert.Equal(t, "Mock transaction broadcasted", submitted.Note)

	var confirmed model.ExecutionResult
	require.NoError(t, history[4].DecodeDetail(&confirmed))
	assert.Equal(t, "deadbeef", confirmed.TxHash)

	assert.Equal(t, []string{"o-1"}, events.confirmed)
}

func TestProcessor_RoutingFailure(t *testing.T) {
	st, bus, job := setup(t)
	quoteErr := &router.VenueError{Venue: "raydium", Op: "quote", Err: errors.New("pool drained")}
	p := New(bus, &fakeRouter{routeErr: quoteErr}, nil, 0, nil)

	err := p.Handle(context.Background(), job)
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*router.VenueError))

	history, err := st.GetHistory(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, []model.Status{model.StatusPending, model.StatusRouting, model.StatusFailed}, statuses(history))

	var failed FailedDetail
	require.NoError(t, history[2].DecodeDetail(&failed))
	assert.Contains(t, failed.Reason, "pool drained")
	assert.Equal(t, model.StatusRouting, failed.Stage)
	assert.Equal(t, 1, failed.Attempt)
}

func TestProcessor_ExecutionFailureAfterSubmitted(t *testing.T) {
	st, bus, job := setup(t)
	fr := &fakeRouter{
		best:    model.Quote{Venue: "raydium"},
		execErr: errors.New("execution reverted"),
	}
	p := New(bus, fr, nil, 0, nil)

	require.Error(t, p.Handle(context.Background(), job))

	history, err := st.GetHistory(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, []model.Status{
		model.StatusPending, model.StatusRouting, model.StatusBuilding,
		model.StatusSubmitted, model.StatusFailed,
	}, statuses(history))
}

func TestProcessor_LifecycleFailedOnlyWhenExhausted(t *testing.T) {
	_, bus, job := setup(t)
	events := &fakeLifecycle{}
	p := New(bus, &fakeRouter{routeErr: errors.New("boom")}, events, 0, nil)

	require.Error(t, p.Handle(context.Background(), job))
	assert.Empty(t, events.failed)

	job.Attempts = 3
	require.Error(t, p.Handle(context.Background(), job))
	assert.Equal(t, []string{"o-1"}, events.failed)
}

func TestProcessor_WithQueueRetries(t *testing.T) {
	st := store.NewMemory()
	bus := statusbus.New(st, nil, "test", nil)
	order := model.Order{ID: "o-2", TokenIn: "SOL", TokenOut: "USDC", Amount: 1}
	require.NoError(t, st.CreateOrder(context.Background(), order))

	fr := &flakyRouter{fakeRouter: fakeRouter{
		best:   model.Quote{Venue: "raydium"},
		result: model.ExecutionResult{Venue: "raydium", TxHash: "ff"},
	}, failures: 1}
	p := New(bus, fr, nil, 0, nil)

	q := queue.New(queue.NewMemoryBroker(), queue.Options{
		Concurrency: 1, MaxAttempts: 3, BackoffBase: 5 * time.Millisecond, PollInterval: 2 * time.Millisecond,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, p)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	_, err := q.Enqueue(context.Background(), order)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		h, _ := st.GetHistory(context.Background(), "o-2")
		return len(h) > 0 && h[len(h)-1].Status == model.StatusConfirmed
	}, 2*time.Second, 5*time.Millisecond)

	h, _ := st.GetHistory(context.Background(), "o-2")
	assert.Equal(t, []model.Status{
		model.StatusRouting, model.StatusFailed,
		model.StatusRouting, model.StatusBuilding, model.StatusSubmitted, model.StatusConfirmed,
	}, statuses(h))
}

type flakyRouter struct {
	fakeRouter
	mu       sync.Mutex
	failures int
}

func (f *flakyRouter) Route(ctx context.Context, o model.Order) (model.Quote, []model.Quote, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return model.Quote{}, nil, venue.ErrInjectedFailure
	}
	f.mu.Unlock()
	return f.fakeRouter.Route(ctx, o)
}

type recordingEmitter struct {
	emitted []model.Status
}

func (r *recordingEmitter) Emit(_ context.Context, orderID string, status model.Status, _ any) (model.StatusEvent, error) {
	r.emitted = append(r.emitted, status)
	return model.StatusEvent{OrderID: orderID, Status: status}, nil
}

func TestProcessor_AdvanceRejectsIllegalTransition(t *testing.T) {
	em := &recordingEmitter{}
	p := New(em, &fakeRouter{}, nil, 0, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		from model.Status
		to   model.Status
	}{
		{"skip building", model.StatusRouting, model.StatusSubmitted},
		{"backwards", model.StatusBuilding, model.StatusRouting},
		{"after confirmed", model.StatusConfirmed, model.StatusFailed},
		{"after failed", model.StatusFailed, model.StatusRouting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &attempt{orderID: "o-1", last: tt.from}
			err := p.advance(ctx, a, tt.to, nil)
			require.ErrorIs(t, err, ErrIllegalTransition)
			assert.Equal(t, tt.from, a.last)
		})
	}
	assert.Empty(t, em.emitted)

	a := &attempt{orderID: "o-1", last: model.StatusPending}
	require.NoError(t, p.advance(ctx, a, model.StatusRouting, nil))
	require.NoError(t, p.advance(ctx, a, model.StatusFailed, nil))
	assert.Equal(t, []model.Status{model.StatusRouting, model.StatusFailed}, em.emitted)
}

func TestProcessor_AbandonRecordsFailureAtLastStage(t *testing.T) {
	st, bus, job := setup(t)
	ctx := context.Background()
	_, err := bus.Emit(ctx, "o-1", model.StatusRouting, nil)
	require.NoError(t, err)
	_, err = bus.Emit(ctx, "o-1", model.StatusBuilding, nil)
	require.NoError(t, err)

	events := &fakeLifecycle{}
	p := New(bus, &fakeRouter{}, events, 0, nil).WithHistory(st)

	job.Attempts = 3
	err = p.Abandon(ctx, job, queue.ErrLeaseExpired)
	require.ErrorIs(t, err, queue.ErrLeaseExpired)

	history, err := st.GetHistory(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, []model.Status{
		model.StatusPending, model.StatusRouting, model.StatusBuilding, model.StatusFailed,
	}, statuses(history))

	var failed FailedDetail
	require.NoError(t, history[3].DecodeDetail(&failed))
	assert.Equal(t, model.StatusBuilding, failed.Stage)
	assert.Equal(t, 3, failed.Attempt)
	assert.Equal(t, []string{"o-1"}, events.failed)
}

func TestProcessor_AbandonAfterConfirmIsDone(t *testing.T) {
	st, bus, job := setup(t)
	fr := &fakeRouter{best: model.Quote{Venue: "raydium"}, result: model.ExecutionResult{Venue: "raydium", TxHash: "aa"}}
	p := New(bus, fr, nil, 0, nil).WithHistory(st)
	require.NoError(t, p.Handle(context.Background(), job))

	job.Attempts++
	require.NoError(t, p.Abandon(context.Background(), job, queue.ErrLeaseExpired))

	history, err := st.GetHistory(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, history[len(history)-1].Status)
}
