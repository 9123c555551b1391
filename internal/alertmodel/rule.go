// Package alertmodel holds the immutable domain types shared by the rule
// loader, evaluator, state machine, state store and management API.
package alertmodel

import "time"

// Operator is a comparison operator usable in a rule's condition.
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
)

// ValidOperators is the closed set a Rule's condition.operator must belong to.
var ValidOperators = map[Operator]bool{
	OpGT: true, OpGTE: true, OpLT: true, OpLTE: true, OpEQ: true,
}

// Compare applies the operator to (value, threshold).
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGT:
		return value > threshold
	case OpGTE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	default:
		return false
	}
}

// AggregationKind enumerates the scalar reductions a rule may request.
type AggregationKind string

const (
	AggCount       AggregationKind = "count"
	AggSum         AggregationKind = "sum"
	AggAvg         AggregationKind = "avg"
	AggMin         AggregationKind = "min"
	AggMax         AggregationKind = "max"
	AggPercentile  AggregationKind = "percentile"
	AggCardinality AggregationKind = "cardinality"
)

// Aggregation reduces the matched documents to a single scalar.
type Aggregation struct {
	Kind           AggregationKind `json:"kind"`
	Field          string          `json:"field,omitempty"`
	Percentile     float64         `json:"percentile,omitempty"`
	ProjectionPath string          `json:"projectionPath"`
}

// TimeRange is the rule's relative query window: from = now-<window>, to = now.
type TimeRange struct {
	Window  time.Duration `json:"-"`
	RawFrom string        `json:"from"`
	To      string        `json:"to"`
}

// QuerySpec is the ordered, non-empty target-index and time/filter spec.
type QuerySpec struct {
	Indices     []string     `json:"indices"`
	TimeField   string       `json:"timeField"`
	TimeRange   TimeRange    `json:"timeRange"`
	Filter      string       `json:"filter,omitempty"`
	Aggregation *Aggregation `json:"aggregation,omitempty"`
}

// Condition is the threshold/operator pair applied to the evaluated scalar.
type Condition struct {
	Threshold float64  `json:"threshold"`
	Operator  Operator `json:"operator"`
}

// ActionKind enumerates supported notification action kinds.
type ActionKind string

// WebhookAction is currently the only supported kind.
const WebhookAction ActionKind = "webhook"

// Action is one notification destination.
type Action struct {
	Kind    ActionKind        `json:"kind"`
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// EffectiveMethod returns Method, defaulting to POST.
func (a Action) EffectiveMethod() string {
	if a.Method == "" {
		return "POST"
	}
	return a.Method
}

// EffectiveTimeout returns Timeout, defaulting to 10s.
func (a Action) EffectiveTimeout() time.Duration {
	if a.Timeout <= 0 {
		return 10 * time.Second
	}
	return a.Timeout
}

// Rule is an immutable, validated, loaded rule definition.
type Rule struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Enabled     bool              `json:"enabled"`
	Interval    time.Duration     `json:"interval"`
	Query       QuerySpec         `json:"query"`
	Condition   Condition         `json:"condition"`
	Throttle    time.Duration     `json:"throttle"`
	Actions     []Action          `json:"actions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers never mutate a shared snapshot.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Query.Indices = append([]string(nil), r.Query.Indices...)
	if r.Query.Aggregation != nil {
		agg := *r.Query.Aggregation
		clone.Query.Aggregation = &agg
	}
	clone.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		ac := a
		if a.Headers != nil {
			ac.Headers = make(map[string]string, len(a.Headers))
			for k, v := range a.Headers {
				ac.Headers[k] = v
			}
		}
		clone.Actions[i] = ac
	}
	if r.Metadata != nil {
		clone.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
