// Package engine is the scheduler and state machine at the center of the
// alert evaluation engine: it owns a timer per rule, runs evaluations at
// most once-per-rule concurrently, routes verdicts through the
// OK/FIRING/RESOLVED state machine, and triggers notification dispatch
// on state transitions.
package engine

import (
	"context"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/vaultize/alert-engine/internal/alertmodel"
	"github.com/vaultize/alert-engine/internal/notify"
	"github.com/vaultize/alert-engine/internal/rules"
)

// evaluator is the narrow surface Engine needs from internal/eval.
type evaluator interface {
	Evaluate(ctx context.Context, rule *alertmodel.Rule, now time.Time) alertmodel.EvaluationResult
}

// stateStore is the narrow surface Engine needs from internal/alertstate.
type stateStore interface {
	LoadAllStates(ctx context.Context) (map[string]*alertmodel.RuleState, error)
	PersistState(ctx context.Context, ruleName string, state *alertmodel.RuleState)
	AppendEvent(ctx context.Context, event *alertmodel.AlertEvent)
}

// dispatcher is the narrow surface Engine needs from internal/notify.
type dispatcher interface {
	Dispatch(ctx context.Context, ruleName string, actions []alertmodel.Action, renderCtx notify.RenderContext) ([]alertmodel.ActionOutcome, string)
}

// Config configures a new Engine.
type Config struct {
	RulesDir            string
	Evaluator           evaluator
	StateStore          stateStore
	Dispatcher          dispatcher
	EvalConcurrency     int
	DeliveryConcurrency int
	MgmtBaseURL         string

	// Clock returns the current time; overridable in tests. Defaults to
	// time.Now.
	Clock func() time.Time
}

// ruleRuntime is the scheduler's private bookkeeping for one rule. The
// rule definition is an atomic pointer so a reload can swap it without a
// lock: each evaluation loads the pointer exactly once and never sees a
// mix of old and new definitions. A rule that survives a reload keeps its
// ruleRuntime, so evalMu continues to serialize evaluations across the
// swap. evalMu is held for the full duration of one evaluation (including
// notification dispatch) so ticks and manual triggers can never overlap
// for the same rule; stateMu guards only the RuleState value itself, so
// readers (the management API) never observe a torn struct copy while an
// evaluation is in flight.
type ruleRuntime struct {
	rule atomic.Pointer[alertmodel.Rule]

	stateMu sync.Mutex
	state   *alertmodel.RuleState

	evalMu sync.Mutex

	cancel context.CancelFunc
}

func (rt *ruleRuntime) stateSnapshot() *alertmodel.RuleState {
	rt.stateMu.Lock()
	defer rt.stateMu.Unlock()
	return rt.state.Clone()
}

// ReloadSummary reports how many rules changed across a Reload call.
type ReloadSummary struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Updated int `json:"updated"`
	Errored int `json:"errored"`
}

// RuleSummary is the list-view projection of a rule returned by ListRules.
type RuleSummary struct {
	Name     string                    `json:"name"`
	Enabled  bool                      `json:"enabled"`
	Interval time.Duration             `json:"interval"`
	State    alertmodel.LifecycleState `json:"state"`
}

// Engine owns the rule snapshot and the per-rule lifecycle state, and
// drives every scheduled and manually-triggered evaluation.
type Engine struct {
	cfg Config

	// mu is the coarse lock guarding rules' membership: it is held only
	// while swapping the map on Start/Reload, never across an
	// evaluation or an HTTP request.
	mu    sync.RWMutex
	rules map[string]*ruleRuntime

	evalSem     *semaphore.Weighted
	deliverySem *semaphore.Weighted

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup

	ready       atomic.Bool
	metrics     *metrics
	storeHealth atomic.Bool
}

// New builds an Engine. Call Start to load rules and begin scheduling.
func New(cfg Config) *Engine {
	if cfg.EvalConcurrency <= 0 {
		cfg.EvalConcurrency = 32
	}
	if cfg.DeliveryConcurrency <= 0 {
		cfg.DeliveryConcurrency = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		cfg:         cfg,
		rules:       make(map[string]*ruleRuntime),
		evalSem:     semaphore.NewWeighted(int64(cfg.EvalConcurrency)),
		deliverySem: semaphore.NewWeighted(int64(cfg.DeliveryConcurrency)),
		metrics:     newMetrics(),
	}
}

// now returns the engine's reference clock.
func (e *Engine) now() time.Time { return e.cfg.Clock() }

// Start performs the initial rule load, recovers persisted RuleState from
// the state store, and begins every enabled rule's timer task. The
// returned errors are per-file load errors (non-fatal); a non-nil error
// return means the state store itself could not be reached.
func (e *Engine) Start(ctx context.Context) ([]error, error) {
	e.shutdownCtx, e.shutdownCancel = context.WithCancel(ctx)

	persisted, err := e.cfg.StateStore.LoadAllStates(ctx)
	if err != nil {
		return nil, err
	}

	loaded, loadErrs := rules.Load(e.cfg.RulesDir)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = make(map[string]*ruleRuntime, len(loaded))
	for _, r := range loaded {
		state, ok := persisted[r.Name]
		if !ok {
			state = alertmodel.NewRuleState(r.Name)
		}
		rt := &ruleRuntime{state: state}
		rt.rule.Store(r)
		e.rules[r.Name] = rt
	}
	for _, rt := range e.rules {
		if rt.rule.Load().Enabled {
			e.startRule(rt)
		}
	}

	e.ready.Store(true)
	return loadErrs, nil
}

// Ready reports whether the scheduler is running and has loaded a rule
// snapshot. The caller additionally tracks store reachability for the
// management API's /health contract.
func (e *Engine) Ready() bool { return e.ready.Load() }

// MarkStoreHealthy records that the store client has succeeded at least
// once since startup, for the /health readiness contract.
func (e *Engine) MarkStoreHealthy() { e.storeHealth.Store(true) }

// StoreHealthy reports whether MarkStoreHealthy has ever been called.
func (e *Engine) StoreHealthy() bool { return e.storeHealth.Load() }

// Stop cancels every in-flight evaluation and delivery and waits up to
// grace for outstanding work to finish.
func (e *Engine) Stop(grace time.Duration) {
	if e.shutdownCancel == nil {
		return
	}
	e.shutdownCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("engine: shutdown grace period elapsed with evaluations still in flight")
	}
}

// startRule launches the timer task for rt. The timer keeps its cadence
// regardless of how long each evaluation takes: a tick that arrives while
// the previous evaluation is still running is dropped inside tick, never
// queued. Must be called with e.mu held.
func (e *Engine) startRule(rt *ruleRuntime) {
	ctx, cancel := context.WithCancel(e.shutdownCtx)
	rt.cancel = cancel

	rule := rt.rule.Load()
	timer := time.NewTimer(tickOffset(rule.Name, rule.Interval))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				timer.Reset(rule.Interval)
				e.wg.Add(1)
				go func() {
					defer e.wg.Done()
					e.tick(ctx, rt)
				}()
			}
		}
	}()
}

// tick fires one scheduled evaluation attempt for rt. If an evaluation
// (scheduled or manually triggered) is already in flight for this rule,
// the tick is dropped, not queued, and logged as an overrun.
func (e *Engine) tick(ctx context.Context, rt *ruleRuntime) {
	if !rt.evalMu.TryLock() {
		name := rt.rule.Load().Name
		e.metrics.recordOverrun(name)
		log.Warn().Str("rule", name).Msg("overrun: previous evaluation still running, dropping tick")
		return
	}
	defer rt.evalMu.Unlock()
	e.evaluateLocked(ctx, rt)
}

// TriggerRule runs exactly one evaluation synchronously, with full
// state-machine semantics, and returns the resulting verdict and state.
// It does not reschedule the rule's timer.
func (e *Engine) TriggerRule(ctx context.Context, name string) (*alertmodel.EvaluationResult, *alertmodel.RuleState, error) {
	e.mu.RLock()
	rt, ok := e.rules[name]
	e.mu.RUnlock()
	if !ok {
		return nil, nil, ErrRuleNotFound
	}

	rt.evalMu.Lock()
	defer rt.evalMu.Unlock()

	verdict := e.evaluateLocked(ctx, rt)
	return &verdict, rt.stateSnapshot(), nil
}

// evaluateLocked performs one full evaluation of rt, including the
// state-machine transition and any resulting notification dispatch. The
// rule pointer is loaded once here; a concurrent reload never hands a
// half-swapped definition to an evaluation. Callers must hold rt.evalMu.
func (e *Engine) evaluateLocked(ctx context.Context, rt *ruleRuntime) alertmodel.EvaluationResult {
	rule := rt.rule.Load()

	if err := e.evalSem.Acquire(ctx, 1); err != nil {
		return alertmodel.EvaluationResult{Error: alertmodel.ErrTimeout, ErrDetail: err.Error()}
	}
	now := e.now()
	verdict := e.cfg.Evaluator.Evaluate(ctx, rule, now)
	e.evalSem.Release(1)

	e.metrics.recordEvaluation(rule.Name, verdict)

	if verdict.Failed() {
		e.handleErrorVerdict(ctx, rt, rule, verdict, now)
		return verdict
	}

	e.handleSuccessVerdict(ctx, rt, rule, verdict, now)
	return verdict
}

func (e *Engine) handleErrorVerdict(ctx context.Context, rt *ruleRuntime, rule *alertmodel.Rule, verdict alertmodel.EvaluationResult, now time.Time) {
	rt.stateMu.Lock()
	rt.state.ConsecutiveErrors++
	rt.state.LastEvalAt = &now
	count := rt.state.ConsecutiveErrors
	snapshot := rt.state.Clone()
	rt.stateMu.Unlock()

	e.cfg.StateStore.PersistState(ctx, rule.Name, snapshot)

	atThreshold := count == 1 || count == 5 || count == 25
	if atThreshold {
		log.Warn().
			Str("rule", rule.Name).
			Int("consecutiveErrors", count).
			Str("errorKind", string(verdict.Error)).
			Msg("evaluation_error threshold crossed")
	}

	// QUERY_REJECTED means the rule's query is malformed, not that the
	// store is transiently unavailable: it gets a durable
	// evaluation_error event on every occurrence, independent of the
	// 1/5/25 consecutive-error threshold the other error kinds use.
	if !atThreshold && verdict.Error != alertmodel.ErrQueryRejected {
		return
	}

	event := &alertmodel.AlertEvent{
		ID:         alertmodel.NewEventID(now),
		RuleName:   rule.Name,
		Kind:       alertmodel.EventEvaluationError,
		PriorState: snapshot.State,
		NewState:   snapshot.State,
		Timestamp:  now,
		Threshold:  rule.Condition.Threshold,
		Operator:   rule.Condition.Operator,
	}
	e.cfg.StateStore.AppendEvent(ctx, event)
}

func (e *Engine) handleSuccessVerdict(ctx context.Context, rt *ruleRuntime, rule *alertmodel.Rule, verdict alertmodel.EvaluationResult, now time.Time) {
	rt.stateMu.Lock()
	rt.state.ConsecutiveErrors = 0
	rt.state.LastValue = verdict.Value
	rt.state.LastEvalAt = &now

	prior := rt.state.State
	decision := decideTransition(prior, verdict.ConditionMet, rt.state, now, rule.Throttle)
	rt.state.State = decision.newState
	if decision.setConditionMetSince {
		rt.state.ConditionMetSince = &now
	}
	if decision.clearConditionMetSince {
		rt.state.ConditionMetSince = nil
	}
	snapshot := rt.state.Clone()
	rt.stateMu.Unlock()

	e.cfg.StateStore.PersistState(ctx, rule.Name, snapshot)

	if !decision.dispatch && !decision.appendEvent {
		return
	}

	var delivery *alertmodel.DeliverySummary
	delivered := false
	if decision.dispatch {
		renderCtx := buildRenderContext(rule, snapshot, verdict, now, e.cfg.MgmtBaseURL)

		if err := e.deliverySem.Acquire(ctx, 1); err != nil {
			return
		}
		outcomes, status := e.cfg.Dispatcher.Dispatch(ctx, rule.Name, rule.Actions, renderCtx)
		e.deliverySem.Release(1)
		e.metrics.recordDelivery(rule.Name, status)

		delivery = &alertmodel.DeliverySummary{Status: status, Actions: outcomes}
		delivered = status != "all_failed"
		if delivered {
			rt.stateMu.Lock()
			rt.state.LastNotifiedAt = &now
			snapshot = rt.state.Clone()
			rt.stateMu.Unlock()
			e.cfg.StateStore.PersistState(ctx, rule.Name, snapshot)
		}
	}

	if decision.eventOnlyIfNotified && !delivered {
		return
	}

	event := &alertmodel.AlertEvent{
		ID:            alertmodel.NewEventID(now),
		RuleName:      rule.Name,
		Kind:          alertmodel.EventTransition,
		PriorState:    prior,
		NewState:      snapshot.State,
		Timestamp:     now,
		ObservedValue: verdict.Value,
		Threshold:     rule.Condition.Threshold,
		Operator:      rule.Condition.Operator,
		Delivery:      delivery,
	}
	e.cfg.StateStore.AppendEvent(ctx, event)
}

// transitionDecision is the result of applying the transition table to
// one successful verdict.
type transitionDecision struct {
	newState               alertmodel.LifecycleState
	dispatch               bool
	appendEvent            bool
	setConditionMetSince   bool
	clearConditionMetSince bool
	// eventOnlyIfNotified is set for the FIRING->FIRING row: an event is
	// appended only if the (possibly throttled) dispatch actually sent.
	eventOnlyIfNotified bool
}

// decideTransition implements the six-row transition table verbatim. A
// state change is always recorded in history, even when its notification
// dispatch is suppressed by the throttle; only the FIRING->FIRING
// re-notification row ties its event to an actual send.
func decideTransition(prior alertmodel.LifecycleState, conditionMet bool, state *alertmodel.RuleState, now time.Time, throttle time.Duration) transitionDecision {
	switch prior {
	case alertmodel.StateFiring:
		if conditionMet {
			throttled := state.LastNotifiedAt != nil && now.Sub(*state.LastNotifiedAt) < throttle
			return transitionDecision{newState: alertmodel.StateFiring, dispatch: !throttled, appendEvent: !throttled, eventOnlyIfNotified: true}
		}
		return transitionDecision{newState: alertmodel.StateResolved, dispatch: true, appendEvent: true, clearConditionMetSince: true}
	case alertmodel.StateResolved:
		if conditionMet {
			return transitionDecision{newState: alertmodel.StateFiring, dispatch: true, appendEvent: true, setConditionMetSince: true}
		}
		return transitionDecision{newState: alertmodel.StateOK}
	case alertmodel.StateOK:
		fallthrough
	default:
		if conditionMet {
			throttled := state.LastNotifiedAt != nil && now.Sub(*state.LastNotifiedAt) < throttle
			return transitionDecision{newState: alertmodel.StateFiring, dispatch: !throttled, appendEvent: true, setConditionMetSince: true}
		}
		return transitionDecision{newState: alertmodel.StateOK}
	}
}

// buildRenderContext assembles the template context: name, description,
// state, value, threshold, operator, observed_at, metadata.*, and
// url_to_rule.
func buildRenderContext(rule *alertmodel.Rule, state *alertmodel.RuleState, verdict alertmodel.EvaluationResult, now time.Time, mgmtBaseURL string) notify.RenderContext {
	ctx := notify.RenderContext{
		"name":        rule.Name,
		"description": rule.Description,
		"state":       strings.ToLower(string(state.State)),
		"threshold":   rule.Condition.Threshold,
		"operator":    string(rule.Condition.Operator),
		"observed_at": now,
		"url_to_rule": strings.TrimRight(mgmtBaseURL, "/") + "/api/v1/alerts/rules/" + rule.Name + "/status",
	}
	if verdict.Value != nil {
		ctx["value"] = *verdict.Value
	}
	if len(rule.Metadata) > 0 {
		meta := make(map[string]string, len(rule.Metadata))
		for k, v := range rule.Metadata {
			meta[k] = v
		}
		ctx["metadata"] = meta
	}
	return ctx
}

// tickOffset derives a pseudo-random first-tick delay in [0, interval)
// from a hash of the rule name, so rules sharing the same interval do
// not all query the store in the same instant.
func tickOffset(name string, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(interval))
}

// Reload re-invokes the rule loader and atomically swaps the rule
// snapshot. Rules present in both the old and new snapshot keep their
// ruleRuntime, so RuleState carries over and an in-flight evaluation
// still serializes against the next tick; newly added rules start at OK;
// removed rules have their timers stopped. Persisted state is not
// re-consulted mid-process.
func (e *Engine) Reload() (ReloadSummary, []error) {
	loaded, loadErrs := rules.Load(e.cfg.RulesDir)

	e.mu.Lock()
	defer e.mu.Unlock()

	summary := ReloadSummary{Errored: len(loadErrs)}
	newRuntimes := make(map[string]*ruleRuntime, len(loaded))
	seen := make(map[string]bool, len(loaded))

	for _, r := range loaded {
		if existing, ok := e.rules[r.Name]; ok {
			seen[r.Name] = true
			if !reflect.DeepEqual(existing.rule.Load(), r) {
				summary.Updated++
			}
			existing.rule.Store(r)
			newRuntimes[r.Name] = existing
		} else {
			summary.Added++
			rt := &ruleRuntime{state: alertmodel.NewRuleState(r.Name)}
			rt.rule.Store(r)
			newRuntimes[r.Name] = rt
		}
	}

	for name, rt := range e.rules {
		if rt.cancel != nil {
			rt.cancel()
			rt.cancel = nil
		}
		if !seen[name] {
			summary.Removed++
		}
	}

	e.rules = newRuntimes
	for _, rt := range newRuntimes {
		if rt.rule.Load().Enabled {
			e.startRule(rt)
		}
	}

	return summary, loadErrs
}

// ListRules returns a name-sorted summary of every loaded rule.
func (e *Engine) ListRules() []RuleSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]RuleSummary, 0, len(e.rules))
	for _, rt := range e.rules {
		rule := rt.rule.Load()
		out = append(out, RuleSummary{
			Name:     rule.Name,
			Enabled:  rule.Enabled,
			Interval: rule.Interval,
			State:    rt.stateSnapshot().State,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RuleStatus returns the rule definition and its current state.
func (e *Engine) RuleStatus(name string) (*alertmodel.Rule, *alertmodel.RuleState, bool) {
	e.mu.RLock()
	rt, ok := e.rules[name]
	e.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	return rt.rule.Load(), rt.stateSnapshot(), true
}
