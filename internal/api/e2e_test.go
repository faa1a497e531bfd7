package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/order"
	"github.com/Checker-Finance/order-router/internal/queue"
	"github.com/Checker-Finance/order-router/internal/router"
	"github.com/Checker-Finance/order-router/internal/statusbus"
	"github.com/Checker-Finance/order-router/internal/store"
	"github.com/Checker-Finance/order-router/internal/venue"
	"github.com/Checker-Finance/order-router/internal/worker"
	"github.com/Checker-Finance/order-router/pkg/model"
)

func TestSubmitAndStream_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	bus := statusbus.New(st, nil, "e2e", nil)
	q := queue.New(queue.NewMemoryBroker(), queue.Options{
		Concurrency:  2,
		MaxAttempts:  3,
		BackoffBase:  5 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}, nil)
	svc := order.NewService(st, bus, q, nil)

	fast := func(name string, variance float64, fee int) venue.Source {
		return venue.NewSimulated(venue.Params{
			Name: name, BasePrice: 0.0025, Variance: variance, FeeBps: fee,
			LatencyMin: time.Millisecond, LatencyMax: 3 * time.Millisecond,
		}, nil, nil)
	}
	rt := router.New([]venue.Source{
		fast(venue.Raydium, 0.02, 30),
		fast(venue.Meteora, 0.03, 20),
	}, router.Options{
		QuoteTimeout: time.Second, ExecuteTimeout: time.Second,
		ExecLatencyMin: time.Millisecond, ExecLatencyMax: 3 * time.Millisecond,
		Slippage: 0.01,
	}, nil)
	proc := worker.New(bus, rt, nil, time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, proc)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	RegisterRoutes(app, NewOrderHandler(zap.NewNop(), svc, q), NewStreamHandler(ctx, zap.NewNop(), bus, svc),
		map[string]HealthChecker{"store": st, "bus": bus})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	defer func() { _ = app.Shutdown() }()
	base := "http://" + ln.Addr().String()

	resp, err := http.Post(base+"/api/orders/execute", "application/json",
		strings.NewReader(`{"tokenIn":"SOL","tokenOut":"USDC","amount":1.5}`))
	require.NoError(t, err)
	var accepted ExecuteResponse
	require.NoError(t, decodeBody(resp, &accepted))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, accepted.OrderID)

	conn, _, err := gorilla.DefaultDialer.Dial("ws://"+ln.Addr().String()+accepted.StatusEndpoint, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var last model.StatusEvent
	seen := map[int64]bool{}
	for last.Status != model.StatusConfirmed {
		var f struct {
			Type string `json:"type"`
		}
		var raw []byte
		_, raw, err = conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &f))

		var events []model.StatusEvent
		switch f.Type {
		case "history":
			var h struct {
				Data []model.StatusEvent `json:"data"`
			}
			require.NoError(t, json.Unmarshal(raw, &h))
			events = h.Data
		case "update":
			var u struct {
				Data model.StatusEvent `json:"data"`
			}
			require.NoError(t, json.Unmarshal(raw, &u))
			events = []model.StatusEvent{u.Data}
		default:
			t.Fatalf("unexpected frame type %q", f.Type)
		}
		for _, ev := range events {
			assert.False(t, seen[ev.ID], "event %d delivered twice", ev.ID)
			seen[ev.ID] = true
			last = ev
		}
	}

	var res model.ExecutionResult
	require.NoError(t, last.DecodeDetail(&res))
	assert.NotEmpty(t, res.TxHash)
	assert.Greater(t, res.OutputAmount, 0.0)
	assert.Contains(t, []string{venue.Raydium, venue.Meteora}, res.Venue)

	history, err := st.GetHistory(ctx, accepted.OrderID)
	require.NoError(t, err)
	statuses := make([]model.Status, len(history))
	for i, ev := range history {
		statuses[i] = ev.Status
	}
	assert.Equal(t, []model.Status{
		model.StatusPending, model.StatusRouting, model.StatusBuilding, model.StatusSubmitted, model.StatusConfirmed,
	}, statuses)
}

func decodeBody(resp *http.Response, v any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}
