// Package store wraps the search store's narrow HTTP surface: search,
// count, index a document, and ensure an index exists. It owns the
// connection pool, DNS caching, and the transient-failure retry policy
// so every other package can treat the store as a typed Go API.
package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ErrorKind classifies a failed store call.
type ErrorKind string

const (
	ErrTransport    ErrorKind = "TRANSPORT"
	ErrServerStatus ErrorKind = "STATUS_5XX"
	ErrIndexMissing ErrorKind = "STATUS_404"
	ErrBadQuery     ErrorKind = "STATUS_400"
	ErrDecode       ErrorKind = "DECODE"
)

// Error wraps a failed store call with its classification.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("store: %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("store: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// maxConcurrentRequests bounds in-flight requests to the store independent
// of the evaluator's own concurrent-evaluation cap, protecting a small
// on-prem store from a thundering herd when many rules tick together.
const maxConcurrentRequests = 16

// retryAttempts is the total number of attempts: the first call plus one
// retry per entry in retryBackoffs.
const (
	retryAttempts = 4
)

var retryBackoffs = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 1500 * time.Millisecond}

// Client is a typed wrapper around the search store's REST surface.
type Client struct {
	baseURL  string
	user     string
	password string

	httpClient *http.Client
	resolver   *dnscache.Resolver
	sem        *semaphore.Weighted
}

// Config configures a new Client.
type Config struct {
	BaseURL   string
	User      string
	Password  string
	TLSVerify bool
}

// New builds a Client with a DNS-cached, connection-pooled transport.
func New(cfg Config) *Client {
	resolver := &dnscache.Resolver{}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		MaxIdleConns:        maxConcurrentRequests,
		MaxIdleConnsPerHost: maxConcurrentRequests,
		MaxConnsPerHost:     maxConcurrentRequests,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.TLSVerify},
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return dialer.DialContext(ctx, network, addr)
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil || len(ips) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		user:       cfg.User,
		password:   cfg.Password,
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		resolver:   resolver,
		sem:        semaphore.NewWeighted(maxConcurrentRequests),
	}
}

// StartDNSRefresh launches a background refresh loop for the DNS cache,
// matching dnscache's documented usage pattern, until ctx is cancelled.
func (c *Client) StartDNSRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.resolver.Refresh(true)
			}
		}
	}()
}

// SearchResult is the decoded response from a search query.
type SearchResult struct {
	HitTotal     int64
	Aggregations map[string]json.RawMessage
	TookMS       int64
	// Sources holds each hit's _source document, for callers (the state
	// store's LoadAllStates) that need the matched documents themselves
	// rather than just the hit count or an aggregation.
	Sources []json.RawMessage
}

// Search executes a query against one or more index patterns and returns
// the hit count and any aggregation results.
func (c *Client) Search(ctx context.Context, indices []string, queryBody map[string]interface{}) (*SearchResult, error) {
	path := joinIndices(indices) + "/_search"

	var raw struct {
		Took int64 `json:"took"`
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
		Aggregations map[string]json.RawMessage `json:"aggregations"`
	}

	if err := c.doWithRetry(ctx, http.MethodPost, path, queryBody, &raw); err != nil {
		return nil, err
	}

	sources := make([]json.RawMessage, 0, len(raw.Hits.Hits))
	for _, h := range raw.Hits.Hits {
		sources = append(sources, h.Source)
	}

	return &SearchResult{
		HitTotal:     raw.Hits.Total.Value,
		Aggregations: raw.Aggregations,
		TookMS:       raw.Took,
		Sources:      sources,
	}, nil
}

// Count is a convenience wrapper over Search that only needs the hit count.
func (c *Client) Count(ctx context.Context, indices []string, queryBody map[string]interface{}) (int64, error) {
	result, err := c.Search(ctx, indices, queryBody)
	if err != nil {
		return 0, err
	}
	return result.HitTotal, nil
}

// IndexDocument writes doc to index under id, creating or overwriting it.
func (c *Client) IndexDocument(ctx context.Context, index, id string, doc interface{}) error {
	path := fmt.Sprintf("%s/_doc/%s", index, id)
	return c.doWithRetry(ctx, http.MethodPut, path, doc, nil)
}

// EnsureIndex idempotently creates index with the given mapping if it does
// not already exist.
func (c *Client) EnsureIndex(ctx context.Context, index string, mapping map[string]interface{}) error {
	exists, err := c.headExists(ctx, index)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.doWithRetry(ctx, http.MethodPut, index, mapping, nil)
}

func (c *Client) headExists(ctx context.Context, path string) (bool, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return false, &Error{Kind: ErrTransport, Err: err}
	}
	defer c.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/"+path, nil)
	if err != nil {
		return false, &Error{Kind: ErrTransport, Err: err}
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, &Error{Kind: ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, &Error{Kind: ErrServerStatus, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status checking index existence")}
	}
}

// doWithRetry performs one HTTP call, retrying transport errors and 5xx
// responses up to three times with the fixed backoff schedule in
// retryBackoffs (retryAttempts calls in all). 404 and 400 are surfaced
// immediately without retry.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: ErrDecode, Err: fmt.Errorf("encode request body: %w", err)}
		}
		payload = encoded
	}

	var lastErr *Error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			log.Warn().
				Str("path", path).
				Int("attempt", attempt+1).
				Err(lastErr).
				Msg("retrying store request")
			select {
			case <-ctx.Done():
				return &Error{Kind: ErrTransport, Err: ctx.Err()}
			case <-time.After(retryBackoffs[attempt-1]):
			}
		}

		err := c.do(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}

		storeErr, ok := err.(*Error)
		if !ok {
			return err
		}
		lastErr = storeErr

		if storeErr.Kind != ErrTransport && storeErr.Kind != ErrServerStatus {
			return storeErr
		}
	}

	return lastErr
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return &Error{Kind: ErrTransport, Err: err}
	}
	defer c.sem.Release(1)

	var bodyReader *bytes.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, bodyReader)
	if err != nil {
		return &Error{Kind: ErrTransport, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Kind: ErrDecode, Err: err}
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &Error{Kind: ErrIndexMissing, StatusCode: resp.StatusCode, Err: fmt.Errorf("index not found")}
	case resp.StatusCode == http.StatusBadRequest:
		return &Error{Kind: ErrBadQuery, StatusCode: resp.StatusCode, Err: fmt.Errorf("store rejected query")}
	case resp.StatusCode >= 500:
		return &Error{Kind: ErrServerStatus, StatusCode: resp.StatusCode, Err: fmt.Errorf("store server error")}
	default:
		return &Error{Kind: ErrBadQuery, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
}

func joinIndices(indices []string) string {
	out := ""
	for i, idx := range indices {
		if i > 0 {
			out += ","
		}
		out += idx
	}
	return out
}
