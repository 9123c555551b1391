package notify

import (
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"
)

const backoffCap = 60 * time.Second

// calculateBackoff returns the delay before retry attempt (1-indexed):
// min(60s, 1s * 2^(attempt-1)), jittered by up to ±20%. The exponent is
// shifted by one so attempt 1 (the first retry) waits 1s rather than 2s.
func calculateBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > 6 {
		exp = 6 // 2^6 = 64, already past the 60s cap
	}
	base := time.Duration(1<<uint(exp)) * time.Second
	if base > backoffCap {
		base = backoffCap
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	delay := time.Duration(float64(base) * jitter)
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}

// isRetryableHTTPStatus reports whether a webhook response status code
// should be retried: transport errors, 408, 429 and 5xx are retryable;
// other 4xx codes are permanent recipient-side errors.
func isRetryableHTTPStatus(statusCode int) bool {
	switch {
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= 500:
		return true
	case statusCode >= 400:
		return false
	default:
		return true
	}
}

// isRetryableTransportError reports whether a transport-level delivery
// failure (no HTTP response at all, e.g. connection refused or a DNS
// failure) should be retried. All transport errors are retryable; the
// explicit net.Error check documents which error family this covers
// rather than changing the outcome.
func isRetryableTransportError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	_ = errors.As(err, &netErr)
	return true
}
