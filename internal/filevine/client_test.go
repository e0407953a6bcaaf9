package filevine

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

	"github.com/fvsync/fvsync/pkg/retry"
)

var fastPolicy = retry.Policy{Base: time.Millisecond, Cap: time.Millisecond}

func testClient(handler http.Handler, refresher Refresher) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		BaseURL:    ts.URL,
		Headers:    Credentials{AccessToken: "stale"}.Headers(),
		Refresher:  refresher,
		Policy:     fastPolicy,
		MaxRetries: 5,
	})
	return c, ts
}

func TestExecute_RefreshesOnceOn401(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}), RefresherFunc(func(context.Context) (http.Header, error) {
		return Credentials{AccessToken: "fresh", OrgID: "7"}.Headers(), nil
	}))
	defer ts.Close()

	headers := c.Headers()
	_, err := c.Execute(context.Background(), http.MethodGet, ts.URL+"/x", headers, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "Bearer fresh", headers.Get("Authorization"), "headers must be refreshed in place")
	assert.Equal(t, "7", headers.Get("x-fv-orgid"))
}

func TestExecute_RefreshFailurePropagates401(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}), RefresherFunc(func(context.Context) (http.Header, error) {
		return nil, errors.New("token endpoint down")
	}))
	defer ts.Close()

	_, err := c.Execute(context.Background(), http.MethodGet, ts.URL+"/x", c.Headers(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_SecondUnauthorizedPropagates(t *testing.T) {
	var refreshes atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}), RefresherFunc(func(context.Context) (http.Header, error) {
		refreshes.Add(1)
		return Credentials{AccessToken: "fresh"}.Headers(), nil
	}))
	defer ts.Close()

	_, err := c.Execute(context.Background(), http.MethodGet, ts.URL+"/x", c.Headers(), nil)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestExecute_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}), nil)
	defer ts.Close()

	resp, err := c.Execute(context.Background(), http.MethodGet, ts.URL+"/x", c.Headers(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestExecute_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), nil)
	defer ts.Close()

	_, err := c.Execute(context.Background(), http.MethodGet, ts.URL+"/x", c.Headers(), nil)
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(6), calls.Load(), "one attempt plus five retries")
}

func TestExecute_OtherStatusImmediate(t *testing.T) {
	var calls atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}), nil)
	defer ts.Close()

	_, err := c.Execute(context.Background(), http.MethodGet, ts.URL+"/x", c.Headers(), nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_NetworkErrorRetried(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := New(Config{BaseURL: url, Policy: fastPolicy, MaxRetries: 2})
	_, err := c.Execute(context.Background(), http.MethodGet, url+"/x", c.Headers(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.Equal(t, 0, StatusCode(err))
}

func TestExecute_ContextCancelledStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, Policy: retry.Policy{Base: time.Hour, Cap: time.Hour}, MaxRetries: 5})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, http.MethodGet, ts.URL+"/x", c.Headers(), nil)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
