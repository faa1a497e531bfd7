package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/order-router/pkg/model"
)

func newOrder(id string, createdAt time.Time) model.Order {
	return model.Order{
		ID:        id,
		TokenIn:   "SOL",
		TokenOut:  "USDC",
		Amount:    1.5,
		OrderType: model.OrderTypeMarket,
		CreatedAt: createdAt,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.CreateOrder(ctx, newOrder("o-1", time.Now())))

	o, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "SOL", o.TokenIn)
	assert.Equal(t, 1.5, o.Amount)
}

func TestMemoryStore_DuplicateKey(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.CreateOrder(ctx, newOrder("o-1", time.Now())))
	err := s.CreateOrder(ctx, newOrder("o-1", time.Now()))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestMemoryStore_GetOrderNotFound(t *testing.T) {
	_, err := NewMemory().GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_AppendUnknownOrder(t *testing.T) {
	_, err := NewMemory().AppendEvent(context.Background(), "missing", model.StatusPending, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_AppendInvalidStatus(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, newOrder("o-1", time.Now())))

	_, err := s.AppendEvent(ctx, "o-1", model.Status("bogus"), nil)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestMemoryStore_HistoryOrderedAndDetailKept(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, newOrder("o-1", time.Now())))

	_, err := s.AppendEvent(ctx, "o-1", model.StatusPending, map[string]string{"note": "Order queued for routing"})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, "o-1", model.StatusRouting, nil)
	require.NoError(t, err)

	history, err := s.GetHistory(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.StatusPending, history[0].Status)
	assert.Equal(t, model.StatusRouting, history[1].Status)
	assert.Less(t, history[0].ID, history[1].ID)
	assert.False(t, history[1].Timestamp.Before(history[0].Timestamp))

	var detail map[string]string
	require.NoError(t, history[0].DecodeDetail(&detail))
	assert.Equal(t, "Order queued for routing", detail["note"])
	assert.Nil(t, history[1].Detail)
}

func TestMemoryStore_TimestampsNeverGoBackwards(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, newOrder("o-1", time.Now())))

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	_, err := s.AppendEvent(ctx, "o-1", model.StatusPending, nil)
	require.NoError(t, err)

	clock = base.Add(-time.Second)
	ev, err := s.AppendEvent(ctx, "o-1", model.StatusRouting, nil)
	require.NoError(t, err)
	assert.Equal(t, base, ev.Timestamp)
}

func TestMemoryStore_HistoryUnknownIsEmpty(t *testing.T) {
	history, err := NewMemory().GetHistory(context.Background(), "nope")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestMemoryStore_HistoryIsACopy(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateOrder(ctx, newOrder("o-1", time.Now())))
	_, err := s.AppendEvent(ctx, "o-1", model.StatusPending, nil)
	require.NoError(t, err)

	history, _ := s.GetHistory(ctx, "o-1")
	history[0].Status = model.StatusFailed

	again, _ := s.GetHistory(ctx, "o-1")
	assert.Equal(t, model.StatusPending, again[0].Status)
}

func TestMemoryStore_ListMostRecentFirst(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.CreateOrder(ctx, newOrder("a", base)))
	require.NoError(t, s.CreateOrder(ctx, newOrder("b", base.Add(time.Second))))
	require.NoError(t, s.CreateOrder(ctx, newOrder("c", base.Add(2*time.Second))))

	orders, err := s.ListOrders(ctx, 0)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{orders[0].ID, orders[1].ID, orders[2].ID})

	limited, err := s.ListOrders(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.CreateOrder(ctx, newOrder(fmt.Sprintf("o-%d", i), time.Now())))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for _, st := range []model.Status{model.StatusPending, model.StatusRouting, model.StatusBuilding} {
				_, err := s.AppendEvent(ctx, id, st, nil)
				assert.NoError(t, err)
			}
		}(fmt.Sprintf("o-%d", i))
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		history, err := s.GetHistory(ctx, fmt.Sprintf("o-%d", i))
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, model.StatusBuilding, history[2].Status)
	}
}
