package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultize/alert-engine/internal/alertmodel"
	"github.com/vaultize/alert-engine/internal/notify"
)

// scriptedEvaluator returns one EvaluationResult per call, in order,
// repeating the last entry once exhausted.
type scriptedEvaluator struct {
	mu      sync.Mutex
	results []alertmodel.EvaluationResult
	calls   int
}

func (s *scriptedEvaluator) Evaluate(ctx context.Context, rule *alertmodel.Rule, now time.Time) alertmodel.EvaluationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx]
}

func (s *scriptedEvaluator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// memStateStore is an in-memory stateStore fake recording every persisted
// state and appended event for assertions.
type memStateStore struct {
	mu     sync.Mutex
	states map[string]*alertmodel.RuleState
	events []*alertmodel.AlertEvent
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: map[string]*alertmodel.RuleState{}}
}

func (m *memStateStore) LoadAllStates(ctx context.Context) (map[string]*alertmodel.RuleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*alertmodel.RuleState, len(m.states))
	for k, v := range m.states {
		out[k] = v.Clone()
	}
	return out, nil
}

func (m *memStateStore) PersistState(ctx context.Context, ruleName string, state *alertmodel.RuleState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[ruleName] = state.Clone()
}

func (m *memStateStore) AppendEvent(ctx context.Context, event *alertmodel.AlertEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *memStateStore) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// scriptedDispatcher counts calls and returns a fixed status.
type scriptedDispatcher struct {
	mu      sync.Mutex
	status  string
	outcome alertmodel.ActionOutcome
	calls   int
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, ruleName string, actions []alertmodel.Action, renderCtx notify.RenderContext) ([]alertmodel.ActionOutcome, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	outcomes := make([]alertmodel.ActionOutcome, len(actions))
	for i := range outcomes {
		outcomes[i] = d.outcome
	}
	return outcomes, d.status
}

func (d *scriptedDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func writeRuleFile(t *testing.T, dir, name string, rule map[string]interface{}) {
	t.Helper()
	data, err := json.MarshalIndent(rule, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
}

func baseRuleJSON(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"description": "too many errors",
		"enabled":     true,
		"schedule":    map[string]interface{}{"interval": "60s"},
		"query": map[string]interface{}{
			"indices":   []string{"logs-*"},
			"timeField": "@timestamp",
			"timeRange": map[string]interface{}{"from": "now-5m", "to": "now"},
		},
		"condition": map[string]interface{}{"threshold": 100, "operator": "gt"},
		"throttle":  "15m",
		"actions": []map[string]interface{}{
			{"kind": "webhook", "url": "https://example.invalid/hook", "body": "{}"},
		},
	}
}

func newTestEngine(t *testing.T, dir string, ev *scriptedEvaluator, ss *memStateStore, disp *scriptedDispatcher, clock func() time.Time) *Engine {
	t.Helper()
	return New(Config{
		RulesDir:            dir,
		Evaluator:           ev,
		StateStore:          ss,
		Dispatcher:          disp,
		EvalConcurrency:     8,
		DeliveryConcurrency: 8,
		MgmtBaseURL:         "http://localhost:8080",
		Clock:               clock,
	})
}

func val(f float64) *float64 { return &f }

// Scenario 1: threshold breach fires once, throttles subsequent firing
// notifications within the throttle window.
func TestScenario_BreachFiresOnceThenThrottles(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "r.json", baseRuleJSON("r"))

	ev := &scriptedEvaluator{results: []alertmodel.EvaluationResult{
		{Value: val(150), ConditionMet: true},
		{Value: val(150), ConditionMet: true},
		{Value: val(150), ConditionMet: true},
	}}
	ss := newMemStateStore()
	disp := &scriptedDispatcher{status: "all_ok", outcome: alertmodel.ActionOutcome{Delivered: true, Attempts: 1}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEngine(t, dir, ev, ss, disp, func() time.Time { return now })
	_, err := e.Start(context.Background())
	require.NoError(t, err)

	verdict, state, err := e.TriggerRule(context.Background(), "r")
	require.NoError(t, err)
	require.False(t, verdict.Failed())
	assert.Equal(t, alertmodel.StateFiring, state.State)
	assert.Equal(t, 1, disp.callCount())

	now = now.Add(60 * time.Second)
	_, state, err = e.TriggerRule(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, alertmodel.StateFiring, state.State)
	assert.Equal(t, 1, disp.callCount(), "throttled: no second dispatch")

	now = now.Add(60 * time.Second)
	_, state, err = e.TriggerRule(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, alertmodel.StateFiring, state.State)
	assert.Equal(t, 1, disp.callCount(), "still throttled")
	assert.Equal(t, 1, ss.eventCount(), "exactly one history event through all three evaluations")
}

// Scenario 2: breach then recovery dispatches on both the firing and the
// resolution transitions, ignoring throttle for the resolution.
func TestScenario_BreachThenRecovery(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "r.json", baseRuleJSON("r"))

	ev := &scriptedEvaluator{results: []alertmodel.EvaluationResult{
		{Value: val(150), ConditionMet: true},
		{Value: val(150), ConditionMet: true},
		{Value: val(50), ConditionMet: false},
	}}
	ss := newMemStateStore()
	disp := &scriptedDispatcher{status: "all_ok", outcome: alertmodel.ActionOutcome{Delivered: true, Attempts: 1}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEngine(t, dir, ev, ss, disp, func() time.Time { return now })
	_, err := e.Start(context.Background())
	require.NoError(t, err)

	_, state, _ := e.TriggerRule(context.Background(), "r")
	assert.Equal(t, alertmodel.StateFiring, state.State)
	assert.Equal(t, 1, disp.callCount())

	now = now.Add(60 * time.Second)
	_, state, _ = e.TriggerRule(context.Background(), "r")
	assert.Equal(t, alertmodel.StateFiring, state.State)
	assert.Equal(t, 1, disp.callCount(), "still throttled, no dispatch")

	now = now.Add(60 * time.Second)
	_, state, _ = e.TriggerRule(context.Background(), "r")
	assert.Equal(t, alertmodel.StateResolved, state.State)
	assert.Equal(t, 2, disp.callCount(), "resolution dispatches ignoring throttle")
	assert.Equal(t, 2, ss.eventCount())
}

// A re-breach after a resolution collapses to OK must still honor the
// throttle set by the earlier firing/resolution notifications: the OK
// row dispatches subject to throttle, deliberately unlike the RESOLVED
// row's throttle-ignoring dispatch.
func TestScenario_ReBreachAfterResolveHonorsThrottle(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "r.json", baseRuleJSON("r"))

	ev := &scriptedEvaluator{results: []alertmodel.EvaluationResult{
		{Value: val(150), ConditionMet: true},  // OK -> FIRING, notifies
		{Value: val(50), ConditionMet: false}, // FIRING -> RESOLVED, notifies (ignores throttle)
		{Value: val(50), ConditionMet: false}, // RESOLVED -> OK
		{Value: val(150), ConditionMet: true},  // OK -> FIRING again, 90s after last notification
	}}
	ss := newMemStateStore()
	disp := &scriptedDispatcher{status: "all_ok", outcome: alertmodel.ActionOutcome{Delivered: true, Attempts: 1}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEngine(t, dir, ev, ss, disp, func() time.Time { return now })
	_, err := e.Start(context.Background())
	require.NoError(t, err)

	_, state, _ := e.TriggerRule(context.Background(), "r")
	require.Equal(t, alertmodel.StateFiring, state.State)
	require.Equal(t, 1, disp.callCount())

	now = now.Add(60 * time.Second)
	_, state, _ = e.TriggerRule(context.Background(), "r")
	require.Equal(t, alertmodel.StateResolved, state.State)
	require.Equal(t, 2, disp.callCount(), "resolution dispatches ignoring throttle")

	now = now.Add(60 * time.Second)
	_, state, _ = e.TriggerRule(context.Background(), "r")
	require.Equal(t, alertmodel.StateOK, state.State)

	now = now.Add(30 * time.Second)
	_, state, _ = e.TriggerRule(context.Background(), "r")
	assert.Equal(t, alertmodel.StateFiring, state.State)
	assert.Equal(t, 2, disp.callCount(), "re-breach 90s after last notification must stay throttled (15m throttle)")
}

// A state change is always visible in history even when its notification
// was suppressed by the throttle: a throttled OK->FIRING still appends a
// transition event (with no delivery summary), so history never loses a
// FIRING streak's starting point.
func TestThrottledTransitionStillAppendsHistoryEvent(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "r.json", baseRuleJSON("r"))

	ev := &scriptedEvaluator{results: []alertmodel.EvaluationResult{
		{Value: val(150), ConditionMet: true},  // OK -> FIRING, notifies
		{Value: val(50), ConditionMet: false}, // FIRING -> RESOLVED, notifies
		{Value: val(50), ConditionMet: false}, // RESOLVED -> OK
		{Value: val(150), ConditionMet: true},  // OK -> FIRING, throttled
	}}
	ss := newMemStateStore()
	disp := &scriptedDispatcher{status: "all_ok", outcome: alertmodel.ActionOutcome{Delivered: true, Attempts: 1}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEngine(t, dir, ev, ss, disp, func() time.Time { return now })
	_, err := e.Start(context.Background())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, _, err := e.TriggerRule(context.Background(), "r")
		require.NoError(t, err)
		now = now.Add(60 * time.Second)
	}

	require.Equal(t, 2, disp.callCount(), "fourth evaluation's re-breach is throttled")
	require.Equal(t, 3, ss.eventCount(), "throttled OK->FIRING must still be recorded")

	ss.mu.Lock()
	last := ss.events[len(ss.events)-1]
	ss.mu.Unlock()
	assert.Equal(t, alertmodel.StateOK, last.PriorState)
	assert.Equal(t, alertmodel.StateFiring, last.NewState)
	assert.Nil(t, last.Delivery, "no dispatch happened, so the event carries no delivery summary")
}

// Scenario 3: a run of evaluation errors never changes lifecycle state,
// logs evaluation_error events at 1 and 5, and the next success resets
// consecutive_errors without re-notifying (throttle still active).
func TestScenario_StoreOutagePreservesState(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "r.json", baseRuleJSON("r"))

	results := make([]alertmodel.EvaluationResult, 0, 11)
	// First evaluation fires so the rule starts FIRING with last_notified_at set.
	results = append(results, alertmodel.EvaluationResult{Value: val(150), ConditionMet: true})
	for i := 0; i < 10; i++ {
		results = append(results, alertmodel.EvaluationResult{Error: alertmodel.ErrQueryFailed, ErrDetail: "transport"})
	}
	results = append(results, alertmodel.EvaluationResult{Value: val(150), ConditionMet: true})

	ev := &scriptedEvaluator{results: results}
	ss := newMemStateStore()
	disp := &scriptedDispatcher{status: "all_ok", outcome: alertmodel.ActionOutcome{Delivered: true, Attempts: 1}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEngine(t, dir, ev, ss, disp, func() time.Time { return now })
	_, err := e.Start(context.Background())
	require.NoError(t, err)

	_, state, _ := e.TriggerRule(context.Background(), "r")
	require.Equal(t, alertmodel.StateFiring, state.State)
	require.Equal(t, 1, disp.callCount())

	for i := 0; i < 10; i++ {
		_, state, _ = e.TriggerRule(context.Background(), "r")
		assert.Equal(t, alertmodel.StateFiring, state.State, "state must not change on evaluation error")
	}
	assert.Equal(t, 10, state.ConsecutiveErrors)

	_, state, _ = e.TriggerRule(context.Background(), "r")
	assert.Equal(t, alertmodel.StateFiring, state.State)
	assert.Equal(t, 0, state.ConsecutiveErrors, "reset on next successful evaluation")
	assert.Equal(t, 1, disp.callCount(), "still throttled: no new firing notification")
	assert.Equal(t, 3, ss.eventCount(), "one OK->FIRING event plus evaluation_error events at 1 and 5")
}

// Scenario 5: reload preserves state for surviving rules, starts new
// rules at OK, and reports the documented added/removed/updated counts.
func TestScenario_ReloadPreservesStateForSurvivingRules(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "a.json", baseRuleJSON("a"))
	writeRuleFile(t, dir, "b.json", baseRuleJSON("b"))

	ev := &scriptedEvaluator{results: []alertmodel.EvaluationResult{{Value: val(150), ConditionMet: true}}}
	ss := newMemStateStore()
	disp := &scriptedDispatcher{status: "all_ok", outcome: alertmodel.ActionOutcome{Delivered: true, Attempts: 1}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEngine(t, dir, ev, ss, disp, func() time.Time { return now })
	_, err := e.Start(context.Background())
	require.NoError(t, err)

	_, state, _ := e.TriggerRule(context.Background(), "a")
	require.Equal(t, alertmodel.StateFiring, state.State)

	require.NoError(t, os.Remove(filepath.Join(dir, "b.json")))
	writeRuleFile(t, dir, "c.json", baseRuleJSON("c"))

	disp.calls = 0
	summary, errs := e.Reload()
	require.Empty(t, errs)
	assert.Equal(t, ReloadSummary{Added: 1, Removed: 1, Updated: 0, Errored: 0}, summary)
	assert.Equal(t, 0, disp.callCount(), "reload itself emits no notifications")

	_, aState, ok := e.RuleStatus("a")
	require.True(t, ok)
	assert.Equal(t, alertmodel.StateFiring, aState.State, "surviving rule keeps its FIRING state")
	require.NotNil(t, aState.ConditionMetSince)

	_, cState, ok := e.RuleStatus("c")
	require.True(t, ok)
	assert.Equal(t, alertmodel.StateOK, cState.State, "new rule starts at OK")

	_, _, ok = e.RuleStatus("b")
	assert.False(t, ok, "removed rule is gone from the snapshot")
}

// Scenario 6: manual trigger runs one synchronous evaluation with full
// state-machine semantics.
func TestScenario_ManualTriggerAppliesStateMachine(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "r.json", baseRuleJSON("r"))

	ev := &scriptedEvaluator{results: []alertmodel.EvaluationResult{{Value: val(150), ConditionMet: true}}}
	ss := newMemStateStore()
	disp := &scriptedDispatcher{status: "all_ok", outcome: alertmodel.ActionOutcome{Delivered: true, Attempts: 1}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEngine(t, dir, ev, ss, disp, func() time.Time { return now })
	_, err := e.Start(context.Background())
	require.NoError(t, err)

	verdict, state, err := e.TriggerRule(context.Background(), "r")
	require.NoError(t, err)
	require.True(t, verdict.ConditionMet)
	assert.Equal(t, alertmodel.StateFiring, state.State)
	assert.Equal(t, 1, disp.callCount())
}

// Scenario 4 (engine side): a partial delivery still counts as "notification
// sent" for throttle purposes, and the history event carries the per-action
// breakdown.
func TestPartialDeliveryCountsAsNotifiedForThrottle(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "r.json", baseRuleJSON("r"))

	ev := &scriptedEvaluator{results: []alertmodel.EvaluationResult{
		{Value: val(150), ConditionMet: true},
		{Value: val(150), ConditionMet: true},
	}}
	ss := newMemStateStore()
	disp := &scriptedDispatcher{status: "partial", outcome: alertmodel.ActionOutcome{Delivered: false, Attempts: 5}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEngine(t, dir, ev, ss, disp, func() time.Time { return now })
	_, err := e.Start(context.Background())
	require.NoError(t, err)

	_, state, err := e.TriggerRule(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, alertmodel.StateFiring, state.State)
	require.NotNil(t, state.LastNotifiedAt, "partial delivery still updates last_notified_at")

	ss.mu.Lock()
	event := ss.events[0]
	ss.mu.Unlock()
	require.NotNil(t, event.Delivery)
	assert.Equal(t, "partial", event.Delivery.Status)
	require.Len(t, event.Delivery.Actions, 1)
	assert.Equal(t, 5, event.Delivery.Actions[0].Attempts)

	now = now.Add(60 * time.Second)
	_, _, err = e.TriggerRule(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, 1, disp.callCount(), "throttle applies after the partial delivery")
}

func TestTriggerRule_UnknownRuleReturnsError(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "r.json", baseRuleJSON("r"))

	ev := &scriptedEvaluator{results: []alertmodel.EvaluationResult{{Value: val(1), ConditionMet: false}}}
	ss := newMemStateStore()
	disp := &scriptedDispatcher{status: "all_ok"}
	e := newTestEngine(t, dir, ev, ss, disp, time.Now)
	_, err := e.Start(context.Background())
	require.NoError(t, err)

	_, _, err = e.TriggerRule(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestOverrun_DroppedNotQueued(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "r.json", baseRuleJSON("r"))

	ev := &scriptedEvaluator{results: []alertmodel.EvaluationResult{{Value: val(1), ConditionMet: false}}}
	ss := newMemStateStore()
	disp := &scriptedDispatcher{status: "all_ok"}
	e := newTestEngine(t, dir, ev, ss, disp, time.Now)
	_, err := e.Start(context.Background())
	require.NoError(t, err)

	e.mu.RLock()
	rt := e.rules["r"]
	e.mu.RUnlock()

	rt.evalMu.Lock()
	defer rt.evalMu.Unlock()

	e.tick(context.Background(), rt)
	assert.Equal(t, 0, ev.callCount(), "tick must not evaluate while an evaluation is already in flight")
}
