// Package rules loads and validates rule definitions from a directory of
// JSON files. Load is a pure function: given a directory, it returns the
// set of valid rules plus one structured error per rejected file.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/vaultize/alert-engine/internal/alertmodel"
)

// reservedIndices are the engine's own persisted indices. A rule whose
// index pattern also matches one of these would evaluate the engine's
// own audit trail as if it were log data, so the loader rejects it at
// load time.
var reservedIndices = []string{"alerts-state", "alerts-history"}

// validateIndices checks that query.indices is non-empty and that none
// of its patterns (which may themselves contain * and ? wildcards) would
// also match one of the engine's reserved state/history index names.
func validateIndices(patterns []string) error {
	if len(patterns) == 0 {
		return fmt.Errorf("query.indices must be non-empty")
	}
	for _, pattern := range patterns {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("query.indices entries must be non-empty")
		}
		for _, reserved := range reservedIndices {
			if wildcard.Match(pattern, reserved) {
				return fmt.Errorf("query.indices pattern %q matches the engine's own %q index", pattern, reserved)
			}
		}
	}
	return nil
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// LoadError is a per-file validation or parse failure. Other files in the
// directory are unaffected by one file's LoadError.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// rawRule mirrors the on-disk JSON schema, which nests the interval
// under "schedule" and the relative window under "query.timeRange".
type rawRule struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Enabled     *bool             `json:"enabled"`
	Schedule    rawSchedule       `json:"schedule"`
	Query       rawQuery          `json:"query"`
	Condition   rawCondition      `json:"condition"`
	Throttle    string            `json:"throttle"`
	Actions     []rawAction       `json:"actions"`
	Metadata    map[string]string `json:"metadata"`
}

type rawSchedule struct {
	Interval string `json:"interval"`
}

type rawTimeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type rawAggregation struct {
	Kind           string  `json:"kind"`
	Field          string  `json:"field"`
	Percentile     float64 `json:"percentile"`
	ProjectionPath string  `json:"projectionPath"`
}

type rawQuery struct {
	Indices     []string        `json:"indices"`
	TimeField   string          `json:"timeField"`
	TimeRange   rawTimeRange    `json:"timeRange"`
	Filter      string          `json:"filter"`
	Aggregation *rawAggregation `json:"aggregation"`
}

type rawCondition struct {
	Threshold float64 `json:"threshold"`
	Operator  string  `json:"operator"`
}

type rawAction struct {
	Kind    string            `json:"kind"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout string            `json:"timeout"`
}

// relativeFromPattern matches the required "now-<duration>" shape of
// query.timeRange.from, e.g. "now-5m", "now-1h30m".
var relativeFromPattern = regexp.MustCompile(`^now-(.+)$`)

// Load reads every *.json file in directory in lexicographic order,
// expands ${NAME} environment references, validates the result, and
// returns the valid rules plus one LoadError per rejected or unreadable
// file. Load has no side effects: it neither creates nor deletes files,
// and it does not touch the search store.
func Load(directory string) ([]*alertmodel.Rule, []error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, []error{fmt.Errorf("rules: read directory %s: %w", directory, err)}
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var valid []*alertmodel.Rule
	var errs []error
	seen := make(map[string]string, len(names))

	for _, name := range names {
		path := filepath.Join(directory, name)
		rule, err := loadOne(path)
		if err != nil {
			errs = append(errs, &LoadError{File: name, Err: err})
			continue
		}
		if existing, ok := seen[rule.Name]; ok {
			errs = append(errs, &LoadError{File: name, Err: fmt.Errorf("duplicate rule name %q, already defined in %s", rule.Name, existing)})
			continue
		}
		seen[rule.Name] = name
		valid = append(valid, rule)
	}

	return valid, errs
}

func loadOne(path string) (*alertmodel.Rule, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	expanded, err := expandEnv(string(body))
	if err != nil {
		return nil, err
	}

	var raw rawRule
	if err := json.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	return validate(raw)
}

// expandEnv substitutes every ${NAME} occurrence with the value of the
// process environment variable NAME. A referenced variable that is unset
// is a load error, per spec: missing variable expansion fails the file.
func expandEnv(s string) (string, error) {
	var missing []string
	result := os.Expand(s, func(name string) string {
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ""
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined environment variable(s): %s", strings.Join(missing, ", "))
	}
	return result, nil
}

func validate(raw rawRule) (*alertmodel.Rule, error) {
	if raw.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if len(raw.Name) > 128 {
		return nil, fmt.Errorf("name exceeds 128 characters")
	}
	if !namePattern.MatchString(raw.Name) {
		return nil, fmt.Errorf("name %q must match [a-zA-Z0-9_-]+", raw.Name)
	}

	interval, err := time.ParseDuration(raw.Schedule.Interval)
	if err != nil {
		return nil, fmt.Errorf("schedule.interval: %w", err)
	}
	if interval < 10*time.Second {
		return nil, fmt.Errorf("schedule.interval must be >= 10s, got %s", interval)
	}

	window, err := validateTimeRange(raw.Query.TimeRange)
	if err != nil {
		return nil, err
	}
	if err := validateIndices(raw.Query.Indices); err != nil {
		return nil, err
	}
	if raw.Query.TimeField == "" {
		return nil, fmt.Errorf("query.timeField is required")
	}

	operator := alertmodel.Operator(raw.Condition.Operator)
	if !alertmodel.ValidOperators[operator] {
		return nil, fmt.Errorf("condition.operator %q is not one of gt, gte, lt, lte, eq", raw.Condition.Operator)
	}

	if len(raw.Actions) == 0 {
		return nil, fmt.Errorf("at least one action is required")
	}
	actions := make([]alertmodel.Action, 0, len(raw.Actions))
	for i, a := range raw.Actions {
		switch a.Kind {
		case "", string(alertmodel.WebhookAction):
		default:
			return nil, fmt.Errorf("actions[%d].kind %q is not supported, only %q", i, a.Kind, alertmodel.WebhookAction)
		}
		if strings.TrimSpace(a.URL) == "" {
			return nil, fmt.Errorf("actions[%d].url must be non-empty", i)
		}
		action := alertmodel.Action{
			Kind:    alertmodel.WebhookAction,
			URL:     a.URL,
			Method:  a.Method,
			Headers: a.Headers,
			Body:    a.Body,
		}
		if a.Timeout != "" {
			d, err := time.ParseDuration(a.Timeout)
			if err != nil {
				return nil, fmt.Errorf("actions[%d].timeout: %w", i, err)
			}
			action.Timeout = d
		}
		actions = append(actions, action)
	}

	if raw.Throttle == "" {
		raw.Throttle = "15m"
	}
	throttle, err := time.ParseDuration(raw.Throttle)
	if err != nil {
		return nil, fmt.Errorf("throttle: %w", err)
	}
	if throttle < interval {
		return nil, fmt.Errorf("throttle (%s) must be >= schedule.interval (%s)", throttle, interval)
	}

	var agg *alertmodel.Aggregation
	if raw.Query.Aggregation != nil {
		kind := alertmodel.AggregationKind(raw.Query.Aggregation.Kind)
		switch kind {
		case alertmodel.AggCount, alertmodel.AggSum, alertmodel.AggAvg, alertmodel.AggMin, alertmodel.AggMax, alertmodel.AggPercentile, alertmodel.AggCardinality:
		default:
			return nil, fmt.Errorf("query.aggregation.kind %q is not recognized", raw.Query.Aggregation.Kind)
		}
		if raw.Query.Aggregation.ProjectionPath == "" {
			return nil, fmt.Errorf("query.aggregation.projectionPath is required when an aggregation is present")
		}
		agg = &alertmodel.Aggregation{
			Kind:           kind,
			Field:          raw.Query.Aggregation.Field,
			Percentile:     raw.Query.Aggregation.Percentile,
			ProjectionPath: raw.Query.Aggregation.ProjectionPath,
		}
	}

	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}

	return &alertmodel.Rule{
		Name:        raw.Name,
		Description: raw.Description,
		Enabled:     enabled,
		Interval:    interval,
		Query: alertmodel.QuerySpec{
			Indices:   raw.Query.Indices,
			TimeField: raw.Query.TimeField,
			TimeRange: alertmodel.TimeRange{
				Window:  window,
				RawFrom: raw.Query.TimeRange.From,
				To:      raw.Query.TimeRange.To,
			},
			Filter:      raw.Query.Filter,
			Aggregation: agg,
		},
		Condition: alertmodel.Condition{
			Threshold: raw.Condition.Threshold,
			Operator:  operator,
		},
		Throttle: throttle,
		Actions:  actions,
		Metadata: raw.Metadata,
	}, nil
}

func validateTimeRange(tr rawTimeRange) (time.Duration, error) {
	if tr.To != "now" {
		return 0, fmt.Errorf("query.timeRange.to must be %q, got %q", "now", tr.To)
	}
	m := relativeFromPattern.FindStringSubmatch(tr.From)
	if m == nil {
		return 0, fmt.Errorf("query.timeRange.from must match \"now-<duration>\", got %q", tr.From)
	}
	window, err := time.ParseDuration(m[1])
	if err != nil {
		return 0, fmt.Errorf("query.timeRange.from: %w", err)
	}
	if window <= 0 {
		return 0, fmt.Errorf("query.timeRange.from window must be positive, got %s", window)
	}
	return window, nil
}
