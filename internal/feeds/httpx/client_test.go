package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halftimebot/internal/domain"
	logx "halftimebot/pkg/logx"
)

func TestGetJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-RapidAPI-Key"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Options{Source: "nba", RetryMax: 3, RetryWait: time.Millisecond, Header: http.Header{"X-RapidAPI-Key": {"secret"}}}, logx.Nop())
	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "games", srv.URL, &out))
	assert.True(t, out.OK)
	assert.EqualValues(t, 3, calls.Load())
}

func TestGetJSONClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Options{Source: "odds", RetryMax: 3, RetryWait: time.Millisecond}, logx.Nop())
	err := c.GetJSON(context.Background(), "events", srv.URL, &struct{}{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUpstreamUnavailable))
	var ue *domain.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusUnauthorized, ue.Status)
	assert.Equal(t, "odds", ue.Source)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetJSONHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Options{Source: "odds", RetryMax: 1, RetryWait: time.Millisecond}, logx.Nop())
	start := time.Now()
	require.NoError(t, c.GetJSON(context.Background(), "events", srv.URL, &struct{}{}))
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestGetJSONDecodeErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c := New(Options{Source: "nba", RetryMax: 3, RetryWait: time.Millisecond}, logx.Nop())
	err := c.GetJSON(context.Background(), "games", srv.URL, &struct{}{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUpstreamUnavailable))
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetJSONStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Options{Source: "nba", RetryMax: 5, RetryWait: time.Second}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.GetJSON(ctx, "games", srv.URL, &struct{}{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
