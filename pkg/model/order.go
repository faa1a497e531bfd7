package model

import "time"

// OrderTypeMarket is the only order kind the router executes today.
const OrderTypeMarket = "market"

// Order is the immutable record of a submitted swap.
type Order struct {
	ID        string    `json:"id"`
	TokenIn   string    `json:"tokenIn"`
	TokenOut  string    `json:"tokenOut"`
	Amount    float64   `json:"amount"`
	Wallet    string    `json:"wallet,omitempty"`
	OrderType string    `json:"orderType"`
	CreatedAt time.Time `json:"createdAt"`
}

// SubmitRequest is the original submission payload as received from a client.
type SubmitRequest struct {
	TokenIn   string  `json:"tokenIn"`
	TokenOut  string  `json:"tokenOut"`
	Amount    float64 `json:"amount"`
	Wallet    string  `json:"wallet,omitempty"`
	OrderType string  `json:"orderType,omitempty"`
}

// ToOrder builds the order record for id from the submission.
func (r SubmitRequest) ToOrder(id string, createdAt time.Time) Order {
	orderType := r.OrderType
	if orderType == "" {
		orderType = OrderTypeMarket
	}
	return Order{
		ID:        id,
		TokenIn:   r.TokenIn,
		TokenOut:  r.TokenOut,
		Amount:    r.Amount,
		Wallet:    r.Wallet,
		OrderType: orderType,
		CreatedAt: createdAt,
	}
}

// Quote is one venue's priced offer for an order. Never persisted.
type Quote struct {
	Venue          string  `json:"dex"`
	Price          float64 `json:"price"`
	FeeBps         int     `json:"feeBps"`
	ExpectedOutput float64 `json:"expectedOutput"`
	LatencyMs      int64   `json:"latencyMs"`
}

// ExecutionResult is the outcome of a simulated swap on the winning venue.
type ExecutionResult struct {
	Venue         string  `json:"dex"`
	TxHash        string  `json:"txHash"`
	ExecutedPrice float64 `json:"executedPrice"`
	OutputAmount  float64 `json:"outputAmount"`
}
