package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusConfirmed, StatusFailed} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, Status("settled").Valid())
	assert.False(t, Status("").Valid())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRouting, true},
		{StatusRouting, StatusBuilding, true},
		{StatusBuilding, StatusSubmitted, true},
		{StatusSubmitted, StatusConfirmed, true},
		{StatusPending, StatusFailed, true},
		{StatusSubmitted, StatusFailed, true},
		{StatusPending, StatusBuilding, false},
		{StatusBuilding, StatusRouting, false},
		{StatusConfirmed, StatusFailed, false},
		{StatusFailed, StatusRouting, false},
		{StatusRouting, StatusRouting, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEncodeDetail(t *testing.T) {
	raw, err := EncodeDetail(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = EncodeDetail(map[string]any{"reason": "boom"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reason":"boom"}`, string(raw))

	in := json.RawMessage(`{"a":1}`)
	raw, err = EncodeDetail(in)
	require.NoError(t, err)
	in[2] = 'b'
	assert.JSONEq(t, `{"a":1}`, string(raw), "raw detail must be copied")
}

func TestSubmitRequest_ToOrder_DefaultsMarket(t *testing.T) {
	req := SubmitRequest{TokenIn: "SOL", TokenOut: "USDC", Amount: 1.5}
	o := req.ToOrder("abc", time.Time{})
	assert.Equal(t, OrderTypeMarket, o.OrderType)
	assert.Equal(t, "abc", o.ID)
	assert.Equal(t, 1.5, o.Amount)
}
