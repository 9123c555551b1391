package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	return New(Config{BaseURL: url, TLSVerify: false})
}

func TestSearch_SuccessDecodesHitsAndAggregations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/logs-*/_search", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"took":5,"hits":{"total":{"value":42}},"aggregations":{"avg_latency":{"value":12.5}}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.Search(context.Background(), []string{"logs-*"}, map[string]interface{}{"query": map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.HitTotal)
	assert.Equal(t, int64(5), result.TookMS)
	require.Contains(t, result.Aggregations, "avg_latency")
}

func TestSearch_404IsIndexMissingNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Search(context.Background(), []string{"missing-*"}, map[string]interface{}{})
	require.Error(t, err)

	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, ErrIndexMissing, storeErr.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSearch_400IsBadQueryNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Search(context.Background(), []string{"i"}, map[string]interface{}{})
	require.Error(t, err)

	var storeErr *Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, ErrBadQuery, storeErr.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSearch_5xxRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"took":1,"hits":{"total":{"value":7}}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.Search(context.Background(), []string{"i"}, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.HitTotal)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSearch_5xxExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Search(context.Background(), []string{"i"}, map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, int32(retryAttempts), atomic.LoadInt32(&calls))
}

func TestIndexDocument_SendsDocToExpectedPath(t *testing.T) {
	var gotPath string
	var gotDoc map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotDoc)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.IndexDocument(context.Background(), "alerts-state", "high-error-rate", map[string]interface{}{"state": "FIRING"})
	require.NoError(t, err)
	assert.Equal(t, "/alerts-state/_doc/high-error-rate", gotPath)
	assert.Equal(t, "FIRING", gotDoc["state"])
}

func TestEnsureIndex_SkipsCreationWhenExists(t *testing.T) {
	var putCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		atomic.AddInt32(&putCalls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.EnsureIndex(context.Background(), "alerts-history", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&putCalls))
}

func TestEnsureIndex_CreatesWhenMissing(t *testing.T) {
	var putCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		atomic.AddInt32(&putCalls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.EnsureIndex(context.Background(), "alerts-history", map[string]interface{}{"mappings": map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&putCalls))
}

func TestBasicAuthApplied(t *testing.T) {
	var gotUser, gotPass string
	var hadAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, hadAuth = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"took":0,"hits":{"total":{"value":0}}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, User: "admin", Password: "secret"})
	_, err := c.Search(context.Background(), []string{"i"}, map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, hadAuth)
	assert.Equal(t, "admin", gotUser)
	assert.Equal(t, "secret", gotPass)
}

func TestDoWithRetry_ContextCancelledDuringBackoffReturnsPromptly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Search(ctx, []string{"i"}, map[string]interface{}{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
