package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Checker-Finance/order-router/pkg/model"
)

// ErrClosed is returned by a broker after Close.
var ErrClosed = errors.New("queue closed")

// Job is one unit of durable work: execute a single order.
type Job struct {
	ID          string      `json:"id"`
	Order       model.Order `json:"order"`
	CreatedAt   time.Time   `json:"createdAt"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"maxAttempts"`
	NextRunAt   time.Time   `json:"nextRunAt,omitempty"`
	LastError   string      `json:"lastError,omitempty"`

	raw []byte // payload as stored in the broker; used to remove it from the active set
	tag uint64 // amqp delivery tag
}

// Attempt is the 1-based number of the attempt in progress.
func (j *Job) Attempt() int { return j.Attempts }

// Exhausted reports whether no attempt is left after the current one.
func (j *Job) Exhausted() bool { return j.Attempts >= j.MaxAttempts }

func encodeJob(j *Job) ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return b, nil
}

func decodeJob(b []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	j.raw = b
	return &j, nil
}

// Backoff returns base * 2^(attempt-1), capped at max when max > 0.
// attempt is the 1-based number of the attempt that just failed.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d <= 0 {
			d = time.Duration(math.MaxInt64)
			break
		}
		if max > 0 && d >= max {
			break
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
