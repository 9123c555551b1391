package notify

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vaultize/alert-engine/internal/alertmodel"
)

const maxRetryAttempts = 5

// userAgent identifies outbound webhook requests. It stays
// "vaultize-alerting/dev" unless set at link time with -ldflags -X;
// cmd/alertengine does not set it.
var userAgent = "vaultize-alerting/dev"

// Dispatcher delivers rendered notification bodies to webhook actions.
type Dispatcher struct {
	httpClient *http.Client
	log        *DeliveryLog
}

// NewDispatcher builds a Dispatcher. log may be nil to disable durable
// attempt recording (used in tests that only care about HTTP behavior).
func NewDispatcher(log *DeliveryLog) *Dispatcher {
	return &Dispatcher{
		httpClient: &http.Client{},
		log:        log,
	}
}

// Dispatch delivers to every action in parallel and returns one outcome
// per action in the same order as actions, plus the aggregate status.
// All actions share ctx: if the engine is shutting down and ctx is
// cancelled, in-flight deliveries are aborted.
func (d *Dispatcher) Dispatch(ctx context.Context, ruleName string, actions []alertmodel.Action, renderCtx RenderContext) ([]alertmodel.ActionOutcome, string) {
	outcomes := make([]alertmodel.ActionOutcome, len(actions))

	type indexedOutcome struct {
		index   int
		outcome alertmodel.ActionOutcome
	}
	results := make(chan indexedOutcome, len(actions))

	for i, action := range actions {
		go func(i int, action alertmodel.Action) {
			results <- indexedOutcome{i, d.deliverWithRetry(ctx, ruleName, action, renderCtx)}
		}(i, action)
	}

	for range actions {
		r := <-results
		outcomes[r.index] = r.outcome
	}

	return outcomes, aggregateStatus(outcomes)
}

func aggregateStatus(outcomes []alertmodel.ActionOutcome) string {
	delivered, failed := 0, 0
	for _, o := range outcomes {
		if o.Delivered {
			delivered++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		return "all_ok"
	case delivered == 0:
		return "all_failed"
	default:
		return "partial"
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ruleName string, action alertmodel.Action, renderCtx RenderContext) alertmodel.ActionOutcome {
	start := time.Now()
	deliveryID := ""
	if d.log != nil {
		deliveryID = d.log.begin(ruleName, action.URL)
	}

	body, err := RenderJSONBody(action.Body, renderCtx)
	if err != nil {
		outcome := alertmodel.ActionOutcome{URL: action.URL, Delivered: false, Error: err.Error(), Elapsed: time.Since(start)}
		if d.log != nil {
			d.log.recordFinal(deliveryID, ruleName, outcome, true)
		}
		return outcome
	}

	var lastErr string
	var lastStatus int
	attempt := 0

	for attempt < maxRetryAttempts {
		attempt++

		select {
		case <-ctx.Done():
			outcome := alertmodel.ActionOutcome{
				URL: action.URL, Delivered: false, StatusCode: lastStatus,
				Attempts: attempt, Error: "aborted: " + ctx.Err().Error(), Elapsed: time.Since(start),
			}
			if d.log != nil {
				d.log.recordFinal(deliveryID, ruleName, outcome, true)
			}
			return outcome
		default:
		}

		status, retryable, err := d.attempt(ctx, action, body)
		if err == "" {
			outcome := alertmodel.ActionOutcome{
				URL: action.URL, Delivered: true, StatusCode: status,
				Attempts: attempt, Elapsed: time.Since(start),
			}
			if d.log != nil {
				d.log.recordFinal(deliveryID, ruleName, outcome, false)
			}
			return outcome
		}

		lastErr, lastStatus = err, status
		if d.log != nil {
			d.log.recordAttempt(deliveryID, ruleName, action.URL, attempt, status, err)
		}
		if !retryable || attempt >= maxRetryAttempts {
			break
		}

		delay := calculateBackoff(attempt)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	log.Warn().
		Str("rule", ruleName).
		Str("url", action.URL).
		Int("attempts", attempt).
		Str("error", lastErr).
		Msg("webhook delivery permanently failed")

	outcome := alertmodel.ActionOutcome{
		URL: action.URL, Delivered: false, StatusCode: lastStatus,
		Attempts: attempt, Error: lastErr, Elapsed: time.Since(start),
	}
	if d.log != nil {
		d.log.recordFinal(deliveryID, ruleName, outcome, true)
	}
	return outcome
}

// attempt performs a single HTTP delivery. It returns the status code (0
// for a transport failure), whether the failure is retryable, and the
// error string (empty on a 2xx response).
func (d *Dispatcher) attempt(ctx context.Context, action alertmodel.Action, body []byte) (int, bool, string) {
	timeoutCtx, cancel := context.WithTimeout(ctx, action.EffectiveTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, action.EffectiveMethod(), action.URL, bytes.NewReader(body))
	if err != nil {
		return 0, false, err.Error()
	}
	for k, v := range action.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, isRetryableTransportError(err), err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, false, ""
	}

	return resp.StatusCode, isRetryableHTTPStatus(resp.StatusCode), http.StatusText(resp.StatusCode)
}
