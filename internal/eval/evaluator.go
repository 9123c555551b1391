// Package eval turns a Rule and a point in time into an
// alertmodel.EvaluationResult by querying the search store and applying
// the rule's condition to the resulting scalar.
package eval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vaultize/alert-engine/internal/alertmodel"
	"github.com/vaultize/alert-engine/internal/store"
)

// storeClient is the narrow surface of store.Client the evaluator needs,
// declared here so tests can substitute a fake without standing up an
// httptest.Server.
type storeClient interface {
	Search(ctx context.Context, indices []string, queryBody map[string]interface{}) (*store.SearchResult, error)
}

// Evaluator runs rules against a store client.
type Evaluator struct {
	client storeClient
}

// New builds an Evaluator against the given store client.
func New(client storeClient) *Evaluator {
	return &Evaluator{client: client}
}

// Evaluate executes rule's query against now and produces a verdict.
// now is the reference point for the relative time window, not
// wall-clock — this keeps the evaluator deterministic under test.
func (e *Evaluator) Evaluate(ctx context.Context, rule *alertmodel.Rule, now time.Time) alertmodel.EvaluationResult {
	queryBody := buildQueryBody(rule, now)

	result, err := e.client.Search(ctx, rule.Query.Indices, queryBody)
	if err != nil {
		return classifyError(err)
	}

	if rule.Query.Aggregation == nil {
		value := float64(result.HitTotal)
		return alertmodel.EvaluationResult{
			Value:        &value,
			ConditionMet: rule.Condition.Operator.Compare(value, rule.Condition.Threshold),
		}
	}

	value, raw, err := extractProjection(result.Aggregations, rule.Query.Aggregation.ProjectionPath)
	if err != nil {
		return alertmodel.EvaluationResult{
			Error:      alertmodel.ErrValueExtract,
			ErrDetail:  err.Error(),
			RawExcerpt: raw,
		}
	}

	return alertmodel.EvaluationResult{
		Value:        &value,
		ConditionMet: rule.Condition.Operator.Compare(value, rule.Condition.Threshold),
	}
}

// buildQueryBody constructs a boolean conjunction of the rule's filter and
// a range predicate on the time field, plus an optional aggregation.
func buildQueryBody(rule *alertmodel.Rule, now time.Time) map[string]interface{} {
	from := now.Add(-rule.Query.TimeRange.Window)

	rangeFilter := map[string]interface{}{
		"range": map[string]interface{}{
			rule.Query.TimeField: map[string]interface{}{
				"gte": from.UTC().Format(time.RFC3339),
				"lte": now.UTC().Format(time.RFC3339),
			},
		},
	}

	must := []interface{}{rangeFilter}
	if rule.Query.Filter != "" {
		must = append(must, map[string]interface{}{
			"query_string": map[string]interface{}{
				"query": rule.Query.Filter,
			},
		})
	}

	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": must,
			},
		},
		"size": 0,
	}

	if agg := rule.Query.Aggregation; agg != nil {
		body["aggs"] = map[string]interface{}{
			string(agg.Kind): buildAggregation(agg),
		}
	}

	return body
}

func buildAggregation(agg *alertmodel.Aggregation) map[string]interface{} {
	switch agg.Kind {
	case alertmodel.AggCount:
		return map[string]interface{}{
			"value_count": map[string]interface{}{"field": agg.Field},
		}
	case alertmodel.AggCardinality:
		return map[string]interface{}{
			"cardinality": map[string]interface{}{"field": agg.Field},
		}
	case alertmodel.AggPercentile:
		return map[string]interface{}{
			"percentiles": map[string]interface{}{
				"field":    agg.Field,
				"percents": []float64{agg.Percentile},
			},
		}
	default:
		return map[string]interface{}{
			string(agg.Kind): map[string]interface{}{"field": agg.Field},
		}
	}
}

// extractProjection walks the aggregation response by the rule's
// projection path (a dot-separated sequence of object keys, e.g.
// "avg_latency.value"), returning the scalar at that path.
//
// This is an explicit, enumerable walker rather than a generic reflection
// based one: every step either indexes into a JSON object or parses a
// terminal number, so a missing path always surfaces as VALUE_EXTRACT
// instead of a panic.
func extractProjection(aggregations map[string]json.RawMessage, path string) (float64, string, error) {
	if path == "" {
		return 0, "", errors.New("projection path is empty")
	}
	segments := strings.Split(path, ".")

	root, ok := aggregations[segments[0]]
	if !ok {
		return 0, "", fmt.Errorf("aggregation %q not present in store response", segments[0])
	}

	var cursor interface{}
	if err := json.Unmarshal(root, &cursor); err != nil {
		return 0, string(root), fmt.Errorf("decode aggregation %q: %w", segments[0], err)
	}

	for _, segment := range segments[1:] {
		obj, ok := cursor.(map[string]interface{})
		if !ok {
			return 0, fmt.Sprintf("%v", cursor), fmt.Errorf("path segment %q: not an object", segment)
		}
		next, ok := obj[segment]
		if !ok {
			return 0, fmt.Sprintf("%v", cursor), fmt.Errorf("path segment %q not found", segment)
		}
		cursor = next
	}

	switch v := cursor.(type) {
	case float64:
		return v, "", nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, v, fmt.Errorf("projected value %q is not numeric", v)
		}
		return f, "", nil
	default:
		return 0, fmt.Sprintf("%v", v), fmt.Errorf("projected value is not numeric")
	}
}

func classifyError(err error) alertmodel.EvaluationResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return alertmodel.EvaluationResult{Error: alertmodel.ErrTimeout, ErrDetail: err.Error()}
	}

	var storeErr *store.Error
	if !errors.As(err, &storeErr) {
		return alertmodel.EvaluationResult{Error: alertmodel.ErrQueryFailed, ErrDetail: err.Error()}
	}

	switch storeErr.Kind {
	case store.ErrIndexMissing:
		return alertmodel.EvaluationResult{Error: alertmodel.ErrIndexMissing, ErrDetail: storeErr.Error()}
	case store.ErrBadQuery:
		return alertmodel.EvaluationResult{Error: alertmodel.ErrQueryRejected, ErrDetail: storeErr.Error()}
	default:
		if errors.Is(storeErr.Err, context.DeadlineExceeded) {
			return alertmodel.EvaluationResult{Error: alertmodel.ErrTimeout, ErrDetail: storeErr.Error()}
		}
		return alertmodel.EvaluationResult{Error: alertmodel.ErrQueryFailed, ErrDetail: storeErr.Error()}
	}
}
