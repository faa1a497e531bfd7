package order

import (
	"fmt"
	"math"
	"strings"

	"github.com/Checker-Finance/order-router/pkg/model"
)

// ValidationError reports a rejected submission field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Validate returns a normalized copy of req or a *ValidationError.
func Validate(req model.SubmitRequest) (model.SubmitRequest, error) {
	req.TokenIn = strings.TrimSpace(req.TokenIn)
	req.TokenOut = strings.TrimSpace(req.TokenOut)
	req.Wallet = strings.TrimSpace(req.Wallet)
	req.OrderType = strings.ToLower(strings.TrimSpace(req.OrderType))

	if req.TokenIn == "" {
		return req, &ValidationError{Field: "tokenIn", Reason: "is required"}
	}
	if req.TokenOut == "" {
		return req, &ValidationError{Field: "tokenOut", Reason: "is required"}
	}
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) {
		return req, &ValidationError{Field: "amount", Reason: "must be a finite number"}
	}
	if req.Amount <= 0 {
		return req, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if req.OrderType != "" && req.OrderType != model.OrderTypeMarket {
		return req, &ValidationError{Field: "orderType", Reason: "must be market"}
	}
	return req, nil
}
