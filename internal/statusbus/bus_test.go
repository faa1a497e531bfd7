package statusbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/order-router/internal/store"
	"github.com/Checker-Finance/order-router/pkg/model"
)

// localTransport connects buses in one test process as if they were separate instances.
type localTransport struct {
	mu       sync.Mutex
	handlers map[int]func(Message)
	next     int
	fail     error
}

func newLocalTransport() *localTransport {
	return &localTransport{handlers: make(map[int]func(Message))}
}

func (l *localTransport) Publish(_ context.Context, msg Message) error {
	l.mu.Lock()
	if l.fail != nil {
		l.mu.Unlock()
		return l.fail
	}
	hs := make([]func(Message), 0, len(l.handlers))
	for _, h := range l.handlers {
		hs = append(hs, h)
	}
	l.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
	return nil
}

func (l *localTransport) Subscribe(_ context.Context, h func(Message)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	l.handlers[id] = h
	return func() {
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}, nil
}

func (l *localTransport) HealthCheck(context.Context) error { return nil }
func (l *localTransport) Close() error                      { return nil }

type failingStore struct{}

func (failingStore) AppendEvent(context.Context, string, model.Status, any) (model.StatusEvent, error) {
	return model.StatusEvent{}, store.ErrPersistence
}

type recorder struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

func (r *recorder) listen(ev model.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) statuses() []model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Status, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

func newStoreWithOrder(t *testing.T, ids ...string) *store.MemoryStore {
	t.Helper()
	st := store.NewMemory()
	for _, id := range ids {
		require.NoError(t, st.CreateOrder(context.Background(), model.Order{ID: id, TokenIn: "SOL", TokenOut: "USDC", Amount: 1}))
	}
	return st
}

func TestBus_EmitPersistsThenDelivers(t *testing.T) {
	st := newStoreWithOrder(t, "o-1")
	bus := New(st, nil, "a", nil)

	var rec recorder
	bus.Subscribe("o-1", func(ev model.StatusEvent) {
		// The event is already durable when a listener sees it.
		history, err := st.GetHistory(context.Background(), "o-1")
		require.NoError(t, err)
		assert.Equal(t, ev.ID, history[len(history)-1].ID)
		rec.listen(ev)
	})

	ev, err := bus.Emit(context.Background(), "o-1", model.StatusPending, map[string]string{"note": "Order queued for routing"})
	require.NoError(t, err)
	assert.NotZero(t, ev.ID)
	assert.Equal(t, []model.Status{model.StatusPending}, rec.statuses())
}

func TestBus_PersistenceFailureBroadcastsNothing(t *testing.T) {
	transport := newLocalTransport()
	bus := New(failingStore{}, transport, "a", nil)

	var remote recorder
	_, err := transport.Subscribe(context.Background(), func(m Message) { remote.listen(m.Event) })
	require.NoError(t, err)

	var rec recorder
	bus.Subscribe("o-1", rec.listen)

	_, err = bus.Emit(context.Background(), "o-1", model.StatusRouting, nil)
	assert.ErrorIs(t, err, store.ErrPersistence)
	assert.Empty(t, rec.statuses())
	assert.Empty(t, remote.statuses())
}

func TestBus_UnknownOrderIsNotFound(t *testing.T) {
	bus := New(store.NewMemory(), nil, "a", nil)

	_, err := bus.Emit(context.Background(), "missing", model.StatusPending, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBus_MultipleSubscribersAndIsolation(t *testing.T) {
	st := newStoreWithOrder(t, "o-1", "o-2")
	bus := New(st, nil, "a", nil)
	ctx := context.Background()

	var first, second, other recorder
	bus.Subscribe("o-1", first.listen)
	unsubSecond := bus.Subscribe("o-1", second.listen)
	bus.Subscribe("o-2", other.listen)

	_, err := bus.Emit(ctx, "o-1", model.StatusPending, nil)
	require.NoError(t, err)

	unsubSecond()
	unsubSecond() // idempotent

	_, err = bus.Emit(ctx, "o-1", model.StatusRouting, nil)
	require.NoError(t, err)

	assert.Equal(t, []model.Status{model.StatusPending, model.StatusRouting}, first.statuses())
	assert.Equal(t, []model.Status{model.StatusPending}, second.statuses())
	assert.Empty(t, other.statuses())
	assert.Equal(t, 1, bus.SubscriberCount("o-1"))
}

func TestBus_UnsubscribeAllRemovesOrder(t *testing.T) {
	bus := New(store.NewMemory(), nil, "a", nil)
	unsub := bus.Subscribe("o-1", func(model.StatusEvent) {})
	unsub()
	assert.Zero(t, bus.SubscriberCount("o-1"))
}

func TestBus_ConcurrentEmitsKeepPerOrderOrder(t *testing.T) {
	ids := []string{"o-1", "o-2", "o-3", "o-4", "o-5"}
	st := newStoreWithOrder(t, ids...)
	bus := New(st, nil, "a", nil)

	recs := make(map[string]*recorder)
	for _, id := range ids {
		r := &recorder{}
		recs[id] = r
		bus.Subscribe(id, r.listen)
	}

	sequence := []model.Status{
		model.StatusPending, model.StatusRouting, model.StatusBuilding,
		model.StatusSubmitted, model.StatusConfirmed,
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for _, s := range sequence {
				_, err := bus.Emit(context.Background(), id, s, nil)
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, sequence, recs[id].statuses(), "order %s", id)
	}
}

func TestBus_CrossInstanceDeliveryWithoutDuplicates(t *testing.T) {
	st := newStoreWithOrder(t, "o-1")
	transport := newLocalTransport()
	worker := New(st, transport, "worker", nil)
	api := New(st, transport, "api", nil)
	ctx := context.Background()
	require.NoError(t, worker.Start(ctx))
	require.NoError(t, api.Start(ctx))
	defer worker.Close()
	defer api.Close()

	var local, remote recorder
	worker.Subscribe("o-1", local.listen)
	api.Subscribe("o-1", remote.listen)

	_, err := worker.Emit(ctx, "o-1", model.StatusPending, nil)
	require.NoError(t, err)
	_, err = worker.Emit(ctx, "o-1", model.StatusRouting, nil)
	require.NoError(t, err)

	want := []model.Status{model.StatusPending, model.StatusRouting}
	assert.Equal(t, want, local.statuses(), "same-process listener sees each event once")
	assert.Equal(t, want, remote.statuses())
}

func TestBus_TransportFailureIsNotReturned(t *testing.T) {
	st := newStoreWithOrder(t, "o-1")
	transport := newLocalTransport()
	transport.fail = errors.New("broker down")
	bus := New(st, transport, "a", nil)

	var rec recorder
	bus.Subscribe("o-1", rec.listen)

	_, err := bus.Emit(context.Background(), "o-1", model.StatusPending, nil)
	require.NoError(t, err)
	assert.Len(t, rec.statuses(), 1)

	history, err := st.GetHistory(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestBus_NoDeliveryAfterUnsubscribeReturns(t *testing.T) {
	st := newStoreWithOrder(t, "o-1")
	bus := New(st, nil, "a", nil)

	var (
		mu       sync.Mutex
		stopped  bool
		violated bool
	)
	unsub := bus.Subscribe("o-1", func(model.StatusEvent) {
		mu.Lock()
		if stopped {
			violated = true
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, _ = bus.Emit(context.Background(), "o-1", model.StatusRouting, nil)
		}
	}()

	time.Sleep(5 * time.Millisecond)
	unsub()
	mu.Lock()
	stopped = true
	mu.Unlock()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, violated)
}
