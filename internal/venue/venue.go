package venue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/metrics"
	"github.com/Checker-Finance/order-router/internal/rate"
	"github.com/Checker-Finance/order-router/pkg/model"
)

const (
	Raydium = "raydium"
	Meteora = "meteora"
)

// ErrInjectedFailure is returned when a simulated venue is configured to fail.
var ErrInjectedFailure = errors.New("venue unavailable")

// Source prices an order on one venue.
type Source interface {
	Name() string
	Quote(ctx context.Context, order model.Order) (model.Quote, error)
}

// Params configures a simulated venue.
type Params struct {
	Name        string
	BasePrice   float64
	Variance    float64 // price = BasePrice * U(1-Variance, 1+Variance)
	FeeBps      int
	LatencyMin  time.Duration
	LatencyMax  time.Duration
	FailureRate float64 // probability in [0,1] that a quote fails
}

// Simulated is an in-process venue with randomized pricing and latency.
type Simulated struct {
	params Params
	limits *rate.Manager
	logger *zap.Logger

	// Rand returns a float in [0,1). Replaced in tests.
	Rand func() float64
}

func NewSimulated(p Params, limits *rate.Manager, logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulated{params: p, limits: limits, logger: logger, Rand: rand.Float64}
}

func (s *Simulated) Name() string { return s.params.Name }

func (s *Simulated) Quote(ctx context.Context, order model.Order) (model.Quote, error) {
	start := time.Now()
	q, err := s.quote(ctx, order)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.IncVenueRequest(s.params.Name, "quote", result)
	metrics.ObserveDuration(metrics.VenueLatency, start, s.params.Name, "quote")
	return q, err
}

func (s *Simulated) quote(ctx context.Context, order model.Order) (model.Quote, error) {
	if s.limits != nil {
		if err := s.limits.Wait(ctx, s.params.Name); err != nil {
			return model.Quote{}, fmt.Errorf("%s rate limit: %w", s.params.Name, err)
		}
	}

	variance := Uniform(s.Rand, 1-s.params.Variance, 1+s.params.Variance)
	price := s.params.BasePrice * variance
	latency := UniformDuration(s.Rand, s.params.LatencyMin, s.params.LatencyMax)

	if err := Sleep(ctx, latency); err != nil {
		return model.Quote{}, err
	}
	if s.params.FailureRate > 0 && s.Rand() < s.params.FailureRate {
		s.logger.Warn("venue.injected_failure", zap.String("venue", s.params.Name), zap.String("order_id", order.ID))
		return model.Quote{}, ErrInjectedFailure
	}

	out, err := Output(order.Amount, price, s.params.FeeBps)
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{
		Venue:          s.params.Name,
		Price:          price,
		FeeBps:         s.params.FeeBps,
		ExpectedOutput: out,
		LatencyMs:      latency.Milliseconds(),
	}, nil
}

// Output computes amount * price * (1 - feeBps/10000) in decimal arithmetic.
func Output(amount, price float64, feeBps int) (float64, error) {
	if !finite(amount) || !finite(price) {
		return 0, fmt.Errorf("non-finite input: amount=%v price=%v", amount, price)
	}
	fee := decimal.NewFromInt(int64(feeBps)).Div(decimal.NewFromInt(10_000))
	out := decimal.NewFromFloat(amount).
		Mul(decimal.NewFromFloat(price)).
		Mul(decimal.NewFromInt(1).Sub(fee))
	f, _ := out.Float64()
	return f, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Uniform maps r() onto [min, max).
func Uniform(r func() float64, min, max float64) float64 {
	return min + r()*(max-min)
}

// UniformDuration maps r() onto [min, max).
func UniformDuration(r func() float64, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(r()*float64(max-min))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
