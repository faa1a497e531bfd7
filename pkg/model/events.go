package model

import (
	"encoding/json"
	"time"
)

// Status is a stage of the order execution state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// stageRank orders the non-failed stages.
var stageRank = map[Status]int{
	StatusPending:   0,
	StatusRouting:   1,
	StatusBuilding:  2,
	StatusSubmitted: 3,
	StatusConfirmed: 4,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := stageRank[s]
	return ok
}

// IsTerminal reports whether no further transition may follow s within an attempt.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransition reports whether to may directly follow from within one attempt.
// Stages advance one step at a time; failed is reachable from any non-terminal stage.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return stageRank[to] == stageRank[from]+1
}

// StatusEvent is one immutable, timestamped record of an order's progress.
// Timestamp is assigned by the store at append time and is the ordering authority.
type StatusEvent struct {
	ID        int64           `json:"id"`
	OrderID   string          `json:"orderId"`
	Status    Status          `json:"status"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DecodeDetail unmarshals the event detail into dest.
func (e StatusEvent) DecodeDetail(dest any) error {
	if len(e.Detail) == 0 {
		return nil
	}
	return json.Unmarshal(e.Detail, dest)
}

// EncodeDetail marshals an arbitrary detail payload. A nil detail encodes to nil.
func EncodeDetail(detail any) (json.RawMessage, error) {
	if detail == nil {
		return nil, nil
	}
	if raw, ok := detail.(json.RawMessage); ok {
		return append(json.RawMessage(nil), raw...), nil
	}
	return json.Marshal(detail)
}
