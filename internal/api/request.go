package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Checker-Finance/order-router/pkg/model"
)

// Amount accepts a JSON number or a numeric string.
type Amount float64

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("amount must be a number")
		}
		*a = Amount(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("amount must be a number")
	}
	*a = Amount(f)
	return nil
}

// ExecuteRequest is the payload for POST /api/orders/execute.
type ExecuteRequest struct {
	TokenIn   string `json:"tokenIn"`
	TokenOut  string `json:"tokenOut"`
	Amount    Amount `json:"amount"`
	Wallet    string `json:"wallet,omitempty"`
	OrderType string `json:"orderType,omitempty"`
}

func (r ExecuteRequest) toSubmitRequest() model.SubmitRequest {
	return model.SubmitRequest{
		TokenIn:   r.TokenIn,
		TokenOut:  r.TokenOut,
		Amount:    float64(r.Amount),
		Wallet:    r.Wallet,
		OrderType: r.OrderType,
	}
}
