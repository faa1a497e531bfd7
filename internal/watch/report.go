package watch

import (
	"fmt"
	"io"
	"strings"

	"github.com/Checker-Finance/order-router/pkg/model"
)

// Report condenses an order's events into what an operator wants to see.
type Report struct {
	OrderID     string
	Status      model.Status
	Attempts    int
	ChosenDex   string
	Quotes      []model.Quote
	Execution   *model.ExecutionResult
	FailReason  string
	Transitions []model.Status
}

// Summarize builds a Report from events in stream order.
func Summarize(events []model.StatusEvent) Report {
	var r Report
	for _, ev := range events {
		r.OrderID = ev.OrderID
		r.Status = ev.Status
		r.Transitions = append(r.Transitions, ev.Status)

		switch ev.Status {
		case model.StatusRouting:
			r.Attempts++
		case model.StatusBuilding:
			var d struct {
				ChosenDex string        `json:"chosenDex"`
				Quotes    []model.Quote `json:"quotes"`
			}
			if ev.DecodeDetail(&d) == nil {
				r.ChosenDex = d.ChosenDex
				r.Quotes = d.Quotes
			}
		case model.StatusConfirmed:
			var res model.ExecutionResult
			if ev.DecodeDetail(&res) == nil {
				r.Execution = &res
			}
		case model.StatusFailed:
			var d struct {
				Reason string `json:"reason"`
			}
			if ev.DecodeDetail(&d) == nil {
				r.FailReason = d.Reason
			}
		}
	}
	return r
}

// Print writes a human readable summary.
func (r Report) Print(w io.Writer) {
	fmt.Fprintf(w, "order %s: %s\n", r.OrderID, r.Status)
	fmt.Fprintf(w, "  path: %s\n", joinStatuses(r.Transitions))
	for _, q := range r.Quotes {
		fmt.Fprintf(w, "  quote %-8s price=%.6f fee=%dbps out=%.6f (%dms)\n", q.Venue, q.Price, q.FeeBps, q.ExpectedOutput, q.LatencyMs)
	}
	if r.ChosenDex != "" {
		fmt.Fprintf(w, "  routed to %s\n", r.ChosenDex)
	}
	if r.Execution != nil {
		fmt.Fprintf(w, "  tx %s executed at %.6f for %.6f\n", r.Execution.TxHash, r.Execution.ExecutedPrice, r.Execution.OutputAmount)
	}
	if r.FailReason != "" {
		fmt.Fprintf(w, "  last failure: %s\n", r.FailReason)
	}
}

func joinStatuses(s []model.Status) string {
	parts := make([]string, len(s))
	for i, st := range s {
		parts[i] = string(st)
	}
	return strings.Join(parts, " -> ")
}
