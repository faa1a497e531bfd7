// Package watch is a small client for the order router: it submits an order and
// follows its status stream until the order settles.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/httpclient"
	"github.com/Checker-Finance/order-router/pkg/model"
)

// ErrStreamClosed is returned when the server closes the stream before the order settles.
var ErrStreamClosed = errors.New("status stream closed before order settled")

// Accepted is the router's reply to a submission.
type Accepted struct {
	OrderID        string    `json:"orderId"`
	StatusEndpoint string    `json:"statusEndpoint"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Frame is a raw status stream message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client talks to one router instance.
type Client struct {
	base        *url.URL
	exec        *httpclient.Executor
	dialer      *websocket.Dialer
	logger      *zap.Logger
	maxAttempts int
}

// New creates a client for baseURL. maxAttempts mirrors the server's ORDER_MAX_ATTEMPTS
// and decides when a failed event is final.
func New(baseURL string, exec *httpclient.Executor, maxAttempts int, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if exec == nil {
		exec = httpclient.New(logger, nil, nil, 2, "watch")
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Client{
		base:        u,
		exec:        exec,
		dialer:      &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger:      logger,
		maxAttempts: maxAttempts,
	}, nil
}

func (c *Client) httpURL(path string) string {
	return c.base.String() + path
}

func (c *Client) wsURL(path string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String() + path
}

// Submit posts an order for execution.
func (c *Client) Submit(ctx context.Context, req model.SubmitRequest) (Accepted, error) {
	var out Accepted
	if err := c.exec.DoJSON(ctx, http.MethodPost, c.httpURL("/api/orders/execute"), req, "submit", &out); err != nil {
		return Accepted{}, fmt.Errorf("submit order: %w", err)
	}
	return out, nil
}

// History fetches the persisted events of an order.
func (c *Client) History(ctx context.Context, orderID string) ([]model.StatusEvent, error) {
	var out struct {
		History []model.StatusEvent `json:"history"`
	}
	path := "/api/orders/" + url.PathEscape(orderID) + "/history"
	if err := c.exec.DoJSON(ctx, http.MethodGet, c.httpURL(path), nil, "history", &out); err != nil {
		return nil, fmt.Errorf("order history: %w", err)
	}
	return out.History, nil
}

// Settled reports whether ev ends the order: confirmed, or failed on the final attempt.
func (c *Client) Settled(ev model.StatusEvent) bool {
	switch ev.Status {
	case model.StatusConfirmed:
		return true
	case model.StatusFailed:
		var d struct {
			Attempt int `json:"attempt"`
		}
		if err := ev.DecodeDetail(&d); err != nil || d.Attempt == 0 {
			return true
		}
		return d.Attempt >= c.maxAttempts
	}
	return false
}

// Watch streams the order's events to fn, history first, and returns every event seen
// once the order settles.
func (c *Client) Watch(ctx context.Context, orderID string, fn func(model.StatusEvent)) ([]model.StatusEvent, error) {
	path := "/api/orders/" + url.PathEscape(orderID) + "/status"
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("dial status stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var events []model.StatusEvent
	emit := func(ev model.StatusEvent) bool {
		events = append(events, ev)
		if fn != nil {
			fn(ev)
		}
		return c.Settled(ev)
	}

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return events, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return events, ErrStreamClosed
			}
			return events, fmt.Errorf("read status frame: %w", err)
		}

		switch f.Type {
		case "history":
			var history []model.StatusEvent
			if err := json.Unmarshal(f.Data, &history); err != nil {
				return events, fmt.Errorf("decode history frame: %w", err)
			}
			for _, ev := range history {
				if emit(ev) {
					return events, nil
				}
			}
		case "update":
			var ev model.StatusEvent
			if err := json.Unmarshal(f.Data, &ev); err != nil {
				return events, fmt.Errorf("decode update frame: %w", err)
			}
			if emit(ev) {
				return events, nil
			}
		default:
			c.logger.Debug("watch.unknown_frame", zap.String("type", f.Type))
		}
	}
}
