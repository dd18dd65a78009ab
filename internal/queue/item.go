// Package queue keeps failed CRM operations and retries them with
// exponential backoff until they succeed or run out of attempts.
package queue

import (
	"encoding/json"
	"time"
)

// Kind is the operation an item retries.
type Kind string

const (
	KindSync Kind = "sync"
	KindLoad Kind = "load"
)

// Payload is what the executor needs to replay an operation. The queue only
// looks at SubjectID.
type Payload struct {
	SubjectID string          `json:"subjectId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Item is one pending operation.
type Item struct {
	ID          string    `json:"id"`
	Payload     Payload   `json:"payload"`
	Kind        Kind      `json:"operationKind"`
	CreatedAt   time.Time `json:"createdAt"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	NextRetryAt time.Time `json:"nextRetryAt,omitzero"`
}

// Abandoned is an item that ran out of attempts.
type Abandoned struct {
	Item
	AbandonedAt time.Time `json:"abandonedAt"`
}

func (it Item) clone() Item {
	it.Payload.Data = append(json.RawMessage(nil), it.Payload.Data...)
	return it
}

func (it Item) matches(subjectID string, kind Kind) bool {
	return it.Payload.SubjectID == subjectID && it.Kind == kind
}

// Status summarizes the queue.
type Status struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	// NextRetryIn is zero when no retry is scheduled in the future.
	NextRetryIn time.Duration `json:"-"`
}

// MarshalJSON reports NextRetryIn in milliseconds.
func (s Status) MarshalJSON() ([]byte, error) {
	type alias Status
	out := struct {
		alias
		NextRetryInMs *int64 `json:"next_retry_in_ms,omitempty"`
	}{alias: alias(s)}
	if s.NextRetryIn > 0 {
		ms := s.NextRetryIn.Milliseconds()
		out.NextRetryInMs = &ms
	}
	return json.Marshal(out)
}
