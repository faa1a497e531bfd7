package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Checker-Finance/order-router/internal/metrics"
	"github.com/Checker-Finance/order-router/internal/venue"
	"github.com/Checker-Finance/order-router/pkg/model"
)

// ErrNoQuotes is returned by SelectBest for an empty quote set.
var ErrNoQuotes = errors.New("no quotes to select from")

// VenueError records which venue and operation failed.
type VenueError struct {
	Venue string
	Op    string // quote | execute
	Err   error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Venue, e.Op, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// Options controls quote/execute timing and simulated slippage.
type Options struct {
	QuoteTimeout   time.Duration
	ExecuteTimeout time.Duration
	ExecLatencyMin time.Duration
	ExecLatencyMax time.Duration
	Slippage       float64 // realized price = quote price * (1 + U(-Slippage, Slippage))
}

// Router fans quote requests out to venues and executes on the winner.
type Router struct {
	venues []venue.Source
	opts   Options
	logger *zap.Logger

	// Rand returns a float in [0,1). Replaced in tests.
	Rand func() float64
}

func New(venues []venue.Source, opts Options, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{venues: venues, opts: opts, logger: logger, Rand: mrand.Float64}
}

// Venues returns the configured venue names in priority order.
func (r *Router) Venues() []string {
	names := make([]string, len(r.venues))
	for i, v := range r.venues {
		names[i] = v.Name()
	}
	return names
}

// Quotes requests a quote from every venue concurrently. The result follows venue order.
// Any venue failure fails the whole call.
func (r *Router) Quotes(ctx context.Context, order model.Order) ([]model.Quote, error) {
	if len(r.venues) == 0 {
		return nil, ErrNoQuotes
	}
	if r.opts.QuoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.QuoteTimeout)
		defer cancel()
	}

	quotes := make([]model.Quote, len(r.venues))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range r.venues {
		g.Go(func() error {
			q, err := v.Quote(gctx, order)
			if err != nil {
				return &VenueError{Venue: v.Name(), Op: "quote", Err: err}
			}
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, q := range quotes {
		r.logger.Debug("router.quote",
			zap.String("order_id", order.ID),
			zap.String("venue", q.Venue),
			zap.Float64("price", q.Price),
			zap.Float64("expected_output", q.ExpectedOutput),
			zap.Int64("latency_ms", q.LatencyMs))
	}
	return quotes, nil
}

// SelectBest returns the quote with the highest expected output. Ties go to the earlier quote.
func SelectBest(quotes []model.Quote) (model.Quote, error) {
	if len(quotes) == 0 {
		return model.Quote{}, ErrNoQuotes
	}
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.ExpectedOutput > best.ExpectedOutput {
			best = q
		}
	}
	return best, nil
}

// Route quotes all venues and selects the best.
func (r *Router) Route(ctx context.Context, order model.Order) (model.Quote, []model.Quote, error) {
	quotes, err := r.Quotes(ctx, order)
	if err != nil {
		return model.Quote{}, nil, err
	}
	best, err := SelectBest(quotes)
	if err != nil {
		return model.Quote{}, nil, err
	}
	metrics.IncRoutingDecision(best.Venue)
	r.logger.Info("router.venue_selected",
		zap.String("order_id", order.ID),
		zap.String("venue", best.Venue),
		zap.Float64("expected_output", best.ExpectedOutput))
	return best, quotes, nil
}

// Execute simulates the swap on the quote's venue.
func (r *Router) Execute(ctx context.Context, order model.Order, quote model.Quote) (model.ExecutionResult, error) {
	start := time.Now()
	res, err := r.execute(ctx, order, quote)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.IncVenueRequest(quote.Venue, "execute", result)
	metrics.ObserveDuration(metrics.VenueLatency, start, quote.Venue, "execute")
	return res, err
}

func (r *Router) execute(ctx context.Context, order model.Order, quote model.Quote) (model.ExecutionResult, error) {
	if r.opts.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ExecuteTimeout)
		defer cancel()
	}

	latency := venue.UniformDuration(r.Rand, r.opts.ExecLatencyMin, r.opts.ExecLatencyMax)
	if err := venue.Sleep(ctx, latency); err != nil {
		return model.ExecutionResult{}, &VenueError{Venue: quote.Venue, Op: "execute", Err: err}
	}

	slip := venue.Uniform(r.Rand, -r.opts.Slippage, r.opts.Slippage)
	executed := quote.Price * (1 + slip)
	out, err := venue.Output(order.Amount, executed, quote.FeeBps)
	if err != nil {
		return model.ExecutionResult{}, &VenueError{Venue: quote.Venue, Op: "execute", Err: err}
	}

	hash, err := TxHash()
	if err != nil {
		return model.ExecutionResult{}, &VenueError{Venue: quote.Venue, Op: "execute", Err: err}
	}

	return model.ExecutionResult{
		Venue:         quote.Venue,
		TxHash:        hash,
		ExecutedPrice: executed,
		OutputAmount:  out,
	}, nil
}

// TxHash returns 32 random bytes as 64 lowercase hex characters.
func TxHash() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate tx hash: %w", err)
	}
	return hex.EncodeToString(b), nil
}
