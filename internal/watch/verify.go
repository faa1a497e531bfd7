package watch

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Checker-Finance/order-router/pkg/model"
)

// Tally aggregates the outcome of a batch of orders.
type Tally struct {
	mu        sync.Mutex
	Confirmed int
	Failed    int
	ByVenue   map[string]int
	Reports   []Report
}

func (t *Tally) add(r Report) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ByVenue == nil {
		t.ByVenue = map[string]int{}
	}
	t.Reports = append(t.Reports, r)
	switch r.Status {
	case model.StatusConfirmed:
		t.Confirmed++
		if r.Execution != nil {
			t.ByVenue[r.Execution.Venue]++
		}
	case model.StatusFailed:
		t.Failed++
	}
}

// Verify submits every request, follows each to settlement with at most parallel
// orders in flight, and tallies where they were routed.
func (c *Client) Verify(ctx context.Context, reqs []model.SubmitRequest, parallel int) (*Tally, error) {
	if parallel <= 0 {
		parallel = 1
	}
	tally := &Tally{ByVenue: map[string]int{}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, req := range reqs {
		g.Go(func() error {
			acc, err := c.Submit(gctx, req)
			if err != nil {
				return err
			}
			events, err := c.Watch(gctx, acc.OrderID, nil)
			if err != nil {
				return fmt.Errorf("watch %s: %w", acc.OrderID, err)
			}
			tally.add(Summarize(events))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tally, err
	}
	return tally, nil
}

// Print writes the venue distribution.
func (t *Tally) Print(w io.Writer) {
	fmt.Fprintf(w, "orders: %d confirmed, %d failed\n", t.Confirmed, t.Failed)
	venues := make([]string, 0, len(t.ByVenue))
	for v := range t.ByVenue {
		venues = append(venues, v)
	}
	sort.Strings(venues)
	for _, v := range venues {
		pct := 0.0
		if t.Confirmed > 0 {
			pct = 100 * float64(t.ByVenue[v]) / float64(t.Confirmed)
		}
		fmt.Fprintf(w, "  %-8s %3d (%.0f%%)\n", v, t.ByVenue[v], pct)
	}
}
