package watch

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/order-router/pkg/model"
)

func TestVerify(t *testing.T) {
	srv := fakeRouter(t, []model.StatusEvent{
		event(1, model.StatusPending, ""),
		event(2, model.StatusRouting, ""),
		event(3, model.StatusBuilding, `{"chosenDex":"raydium"}`),
		event(4, model.StatusSubmitted, ""),
		event(5, model.StatusConfirmed, `{"dex":"raydium","txHash":"ff"}`),
	}, nil)
	c := newClient(t, srv)

	reqs := []model.SubmitRequest{
		{TokenIn: "SOL", TokenOut: "USDC", Amount: 1},
		{TokenIn: "SOL", TokenOut: "USDC", Amount: 2},
		{TokenIn: "SOL", TokenOut: "USDC", Amount: 3},
	}
	tally, err := c.Verify(context.Background(), reqs, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, tally.Confirmed)
	assert.Equal(t, 3, tally.ByVenue["raydium"])
	assert.Len(t, tally.Reports, 3)

	var buf bytes.Buffer
	tally.Print(&buf)
	assert.Contains(t, buf.String(), "3 confirmed, 0 failed")
	assert.Contains(t, buf.String(), "raydium")
}

func TestVerify_SubmitError(t *testing.T) {
	c := newClient(t, fakeRouter(t, nil, nil))
	_, err := c.Verify(context.Background(), []model.SubmitRequest{{TokenIn: "SOL", TokenOut: "USDC"}}, 1)
	assert.Error(t, err)
}
