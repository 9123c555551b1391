package alertmodel

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventKind distinguishes a lifecycle transition event from a logged
// evaluation-error milestone.
type EventKind string

const (
	EventTransition      EventKind = "transition"
	EventEvaluationError EventKind = "evaluation_error"
)

// ActionOutcome records the final result of one action's delivery.
type ActionOutcome struct {
	URL        string        `json:"url"`
	Delivered  bool          `json:"delivered"`
	StatusCode int           `json:"statusCode,omitempty"`
	Attempts   int           `json:"attempts"`
	Elapsed    time.Duration `json:"elapsed"`
	Error      string        `json:"error,omitempty"`
}

// DeliverySummary aggregates the outcome of dispatching one AlertEvent's
// notifications across all of a rule's actions.
type DeliverySummary struct {
	Status  string          `json:"status"` // all_ok | partial | all_failed
	Actions []ActionOutcome `json:"actions"`
}

// AlertEvent is an append-only record of a state transition or a notable
// evaluation error.
type AlertEvent struct {
	ID            string           `json:"id"`
	RuleName      string           `json:"ruleName"`
	Kind          EventKind        `json:"kind"`
	PriorState    LifecycleState   `json:"priorState"`
	NewState      LifecycleState   `json:"newState"`
	Timestamp     time.Time        `json:"timestamp"`
	ObservedValue *float64         `json:"observedValue,omitempty"`
	Threshold     float64          `json:"threshold"`
	Operator      Operator         `json:"operator"`
	Delivery      *DeliverySummary `json:"delivery,omitempty"`
}

var (
	eventIDMu      sync.Mutex
	eventIDEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a time-sorted, globally unique event id. Safe for
// concurrent use; events created in the same millisecond still sort after
// one another thanks to the monotonic entropy source.
func NewEventID(at time.Time) string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), eventIDEntropy).String()
}
