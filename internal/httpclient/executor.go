package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/rate"
)

const maxRetryDelay = time.Second

// RetryDelay returns the pause before retry number attempt (0-based).
func RetryDelay(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 0; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// StatusError is a non-retryable 4xx response from the router API.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	var msg struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(e.Body, &msg) == nil && msg.Error != "" {
		return fmt.Sprintf("http %d: %s", e.Code, msg.Error)
	}
	return fmt.Sprintf("http %d", e.Code)
}

// Executor performs rate-limited JSON calls, retrying transport errors and 5xx responses.
type Executor struct {
	logger   *zap.Logger
	rateMgr  *rate.Manager
	http     *http.Client
	retryMax int
	tag      string
}

func New(logger *zap.Logger, rateMgr *rate.Manager, httpClient *http.Client, retryMax int, tag string) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Executor{logger: logger, rateMgr: rateMgr, http: httpClient, retryMax: retryMax, tag: tag}
}

// DoJSON sends body (JSON-encoded when non-nil) to url and decodes the response into out.
// The request is rebuilt on every attempt so POST bodies survive retries.
func (e *Executor) DoJSON(ctx context.Context, method, url string, body any, rateKey string, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	if e.rateMgr != nil {
		if err := e.rateMgr.Wait(ctx, rateKey); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= e.retryMax; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, RetryDelay(attempt-1)); err != nil {
				return err
			}
		}

		status, respBody, err := e.once(ctx, method, url, payload)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			e.logger.Warn(e.tag+".http_failed", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("server error: %d", status)
			e.logger.Warn(e.tag+".server_error", zap.String("url", url), zap.Int("status", status), zap.Int("attempt", attempt))
			continue
		}
		if status >= 400 {
			return &StatusError{Code: status, Body: respBody}
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode failed: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("%s request failed after %d attempts: %w", e.tag, e.retryMax+1, lastErr)
}

func (e *Executor) once(ctx context.Context, method, url string, payload []byte) (int, []byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := e.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	e.logger.Debug(e.tag+".http_done",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return resp.StatusCode, b, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
