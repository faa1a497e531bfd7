package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/queue"
	"github.com/Checker-Finance/order-router/internal/venue"
	"github.com/Checker-Finance/order-router/pkg/model"
)

// Emitter persists and broadcasts a status event. Implemented by *statusbus.Bus.
type Emitter interface {
	Emit(ctx context.Context, orderID string, status model.Status, detail any) (model.StatusEvent, error)
}

// Router quotes venues and executes on the winner. Implemented by *router.Router.
type Router interface {
	Route(ctx context.Context, order model.Order) (model.Quote, []model.Quote, error)
	Execute(ctx context.Context, order model.Order, quote model.Quote) (model.ExecutionResult, error)
}

// LifecyclePublisher notifies downstream systems of terminal outcomes.
type LifecyclePublisher interface {
	PublishConfirmed(ctx context.Context, order model.Order, res model.ExecutionResult) error
	PublishFailed(ctx context.Context, order model.Order, reason string, attempt int) error
}

// Status detail payloads.
type (
	RoutingDetail struct {
		Message string `json:"message"`
		Attempt int    `json:"attempt"`
	}
	BuildingDetail struct {
		ChosenDex      string        `json:"chosenDex"`
		BestPrice      float64       `json:"bestPrice"`
		FeeBps         int           `json:"feeBps"`
		ExpectedOutput float64       `json:"expectedOutput"`
		Quotes         []model.Quote `json:"quotes"`
	}
	SubmittedDetail struct {
		ChosenDex string `json:"chosenDex"`
		Note      string `json:"note"`
	}
	FailedDetail struct {
		Reason  string       `json:"reason"`
		Stage   model.Status `json:"stage"`
		Attempt int          `json:"attempt"`
	}
)

// HistoryReader reads an order's recorded events. Implemented by store.Store.
type HistoryReader interface {
	GetHistory(ctx context.Context, orderID string) ([]model.StatusEvent, error)
}

// ErrIllegalTransition is returned instead of emitting a status that would skip or reverse a stage.
var ErrIllegalTransition = errors.New("illegal status transition")

// Processor runs one attempt of an order through routing, building, submission and confirmation.
type Processor struct {
	bus        Emitter
	router     Router
	events     LifecyclePublisher
	history    HistoryReader
	buildDelay time.Duration
	logger     *zap.Logger
}

// New creates a Processor. events may be nil.
func New(bus Emitter, router Router, events LifecyclePublisher, buildDelay time.Duration, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{bus: bus, router: router, events: events, buildDelay: buildDelay, logger: logger}
}

// WithHistory lets Abandon see how far a lost attempt got.
func (p *Processor) WithHistory(h HistoryReader) *Processor {
	p.history = h
	return p
}

// attempt tracks the last status emitted during one attempt.
type attempt struct {
	orderID string
	last    model.Status
}

// advance emits next only if it legally follows the attempt's last status.
func (p *Processor) advance(ctx context.Context, a *attempt, next model.Status, detail any) error {
	if !model.CanTransition(a.last, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.last, next)
	}
	if _, err := p.bus.Emit(ctx, a.orderID, next, detail); err != nil {
		return err
	}
	a.last = next
	return nil
}

// Handle implements queue.Handler. On any error it emits a single failed event and
// returns the error so the queue can retry.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	order := job.Order
	log := p.logger.With(zap.String("order_id", order.ID), zap.Int("attempt", job.Attempt()))

	a := &attempt{orderID: order.ID, last: model.StatusPending}
	stage, res, err := p.run(ctx, job, a)
	if err == nil {
		log.Info("worker.order_confirmed",
			zap.String("venue", res.Venue),
			zap.String("tx_hash", res.TxHash),
			zap.Float64("output_amount", res.OutputAmount))
		if p.events != nil {
			if perr := p.events.PublishConfirmed(ctx, order, res); perr != nil {
				log.Warn("worker.lifecycle_publish_failed", zap.Error(perr))
			}
		}
		return nil
	}

	log.Warn("worker.order_failed", zap.String("stage", string(stage)), zap.Error(err))
	return p.fail(ctx, job, a, stage, err, log)
}

// Abandon implements queue.Abandoner for an attempt whose worker went away. An order that
// already confirmed is reported as done; otherwise the failure is recorded like any other.
func (p *Processor) Abandon(ctx context.Context, job *queue.Job, cause error) error {
	order := job.Order
	log := p.logger.With(zap.String("order_id", order.ID), zap.Int("attempt", job.Attempt()))

	a := &attempt{orderID: order.ID, last: model.StatusPending}
	if p.history != nil {
		events, err := p.history.GetHistory(ctx, order.ID)
		if err != nil {
			log.Warn("worker.history_unavailable", zap.Error(err))
		} else if n := len(events); n > 0 {
			a.last = events[n-1].Status
		}
	}

	switch a.last {
	case model.StatusConfirmed:
		log.Info("worker.abandoned_attempt_confirmed")
		return nil
	case model.StatusFailed:
		// Lost after the failure was recorded.
		a.last = model.StatusPending
	}
	log.Warn("worker.attempt_abandoned", zap.String("stage", string(a.last)), zap.Error(cause))
	return p.fail(ctx, job, a, a.last, cause, log)
}

// fail emits the attempt's failed event, notifies downstream once the job is exhausted
// and returns err joined with any emit error.
func (p *Processor) fail(ctx context.Context, job *queue.Job, a *attempt, stage model.Status, err error, log *zap.Logger) error {
	detail := FailedDetail{Reason: err.Error(), Stage: stage, Attempt: job.Attempt()}
	if ferr := p.advance(ctx, a, model.StatusFailed, detail); ferr != nil {
		log.Error("worker.failed_status_not_persisted", zap.Error(ferr))
		err = errors.Join(err, ferr)
	}
	if job.Exhausted() && p.events != nil {
		if perr := p.events.PublishFailed(ctx, job.Order, detail.Reason, job.Attempt()); perr != nil {
			log.Warn("worker.lifecycle_publish_failed", zap.Error(perr))
		}
	}
	return err
}

// run returns the stage that was in progress when an error occurred.
func (p *Processor) run(ctx context.Context, job *queue.Job, a *attempt) (model.Status, model.ExecutionResult, error) {
	order := job.Order

	stage := model.StatusRouting
	if err := p.advance(ctx, a, stage, RoutingDetail{
		Message: "Fetching DEX quotes",
		Attempt: job.Attempt(),
	}); err != nil {
		return stage, model.ExecutionResult{}, err
	}
	best, quotes, err := p.router.Route(ctx, order)
	if err != nil {
		return stage, model.ExecutionResult{}, err
	}

	stage = model.StatusBuilding
	if err := p.advance(ctx, a, stage, BuildingDetail{
		ChosenDex:      best.Venue,
		BestPrice:      best.Price,
		FeeBps:         best.FeeBps,
		ExpectedOutput: best.ExpectedOutput,
		Quotes:         quotes,
	}); err != nil {
		return stage, model.ExecutionResult{}, err
	}
	if err := venue.Sleep(ctx, p.buildDelay); err != nil {
		return stage, model.ExecutionResult{}, err
	}

	stage = model.StatusSubmitted
	if err := p.advance(ctx, a, stage, SubmittedDetail{
		ChosenDex: best.Venue,
		Note:      "Mock transaction broadcasted",
	}); err != nil {
		return stage, model.ExecutionResult{}, err
	}
	res, err := p.router.Execute(ctx, order, best)
	if err != nil {
		return stage, model.ExecutionResult{}, err
	}

	stage = model.StatusConfirmed
	if err := p.advance(ctx, a, stage, res); err != nil {
		return stage, model.ExecutionResult{}, err
	}
	return stage, res, nil
}
