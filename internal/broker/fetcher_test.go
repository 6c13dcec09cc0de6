package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func flakyServer(t *testing.T, failures int32, status int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failures {
			http.Error(w, fmt.Sprintf("failure %d", n), status)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFetch_RetriesThenSucceedsWithDoublingDelays(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond}

	for failures := 0; failures <= policy.MaxAttempts; failures++ {
		t.Run(fmt.Sprintf("failures=%d", failures), func(t *testing.T) {
			srv, calls := flakyServer(t, int32(failures), http.StatusServiceUnavailable)
			rec := &sleepRecorder{}
			f := NewFetcher(srv.Client(), nil, WithSleeper(rec.sleep))

			resp, err := f.Fetch(context.Background(), Request{URL: srv.URL}, policy)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
			assert.Equal(t, int32(failures+1), atomic.LoadInt32(calls))

			want := make([]time.Duration, 0, failures)
			for i := 0; i < failures; i++ {
				want = append(want, policy.InitialBackoff<<i)
			}
			if failures == 0 {
				assert.Empty(t, rec.delays)
			} else {
				assert.Equal(t, want, rec.delays)
			}
		})
	}
}

func TestFetch_ExhaustedReturnsLastFailure(t *testing.T) {
	srv, calls := flakyServer(t, 100, http.StatusBadGateway)
	rec := &sleepRecorder{}
	f := NewFetcher(srv.Client(), nil, WithSleeper(rec.sleep))

	_, err := f.Fetch(context.Background(), Request{URL: srv.URL}, DefaultRetryPolicy())
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusBadGateway, fetchErr.StatusCode)
	assert.Equal(t, "failure 4", fetchErr.Message)
	assert.Equal(t, 4, fetchErr.Attempts)
	assert.False(t, fetchErr.Transient())
	assert.Equal(t, "HTTP 502: failure 4", err.Error())
	assert.Equal(t, int32(4), atomic.LoadInt32(calls))
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, rec.delays)
}

func TestFetch_ResendsBodyOnEveryAttempt(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		n := len(bodies)
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	f := NewFetcher(srv.Client(), nil, WithSleeper(rec.sleep))
	_, err := f.Fetch(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Body:   []byte(`{"a":1}`),
	}, RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"a":1}`, `{"a":1}`}, bodies)
}

func TestFetch_TransportErrorIsTransient(t *testing.T) {
	var calls int
	client := doerFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	rec := &sleepRecorder{}
	f := NewFetcher(client, nil, WithSleeper(rec.sleep))

	_, err := f.Fetch(context.Background(), Request{URL: "http://broker.invalid/trades"}, RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond})
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.True(t, fetchErr.Transient())
	assert.Contains(t, fetchErr.Error(), "connection refused")
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, fetchErr.Attempts)
}

func TestFetch_MalformedRequestIsNotRetried(t *testing.T) {
	var calls int
	client := doerFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("unreachable")
	})
	f := NewFetcher(client, nil)

	_, err := f.Fetch(context.Background(), Request{Method: "BAD METHOD", URL: "http://broker.invalid"}, DefaultRetryPolicy())
	require.Error(t, err)
	assert.Equal(t, 0, calls)

	var fetchErr *FetchError
	assert.False(t, errors.As(err, &fetchErr))
}

func TestFetch_CancelledDuringBackoff(t *testing.T) {
	srv, calls := flakyServer(t, 100, http.StatusServiceUnavailable)
	ctx, cancel := context.WithCancel(context.Background())

	f := NewFetcher(srv.Client(), nil, WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}))

	_, err := f.Fetch(ctx, Request{URL: srv.URL}, DefaultRetryPolicy())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestFetch_MaxBackoffCapsDelays(t *testing.T) {
	srv, _ := flakyServer(t, 100, http.StatusServiceUnavailable)
	rec := &sleepRecorder{}
	f := NewFetcher(srv.Client(), nil, WithSleeper(rec.sleep))

	_, err := f.Fetch(context.Background(), Request{URL: srv.URL}, RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     150 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 150 * time.Millisecond}, rec.delays)
}

func TestUpstreamStatus(t *testing.T) {
	code, ok := UpstreamStatus(fmt.Errorf("wrapped: %w", &FetchError{StatusCode: 503, Message: "down"}))
	assert.True(t, ok)
	assert.Equal(t, 503, code)

	code, ok = UpstreamStatus(errors.New("upstream said HTTP 429: slow down"))
	assert.True(t, ok)
	assert.Equal(t, 429, code)

	_, ok = UpstreamStatus(errors.New("HTTP 000: bogus"))
	assert.False(t, ok)
	_, ok = UpstreamStatus(errors.New("HTTP 999: bogus"))
	assert.False(t, ok)
	_, ok = UpstreamStatus(&FetchError{StatusCode: 42, Message: "weird"})
	assert.False(t, ok)

	_, ok = UpstreamStatus(&FetchError{Message: "dial tcp: refused"})
	assert.False(t, ok)
	_, ok = UpstreamStatus(nil)
	assert.False(t, ok)
}

func TestFetch_OversizedBodyIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"trades":[{"id":"truncated-here"}]}`)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	f := NewFetcher(srv.Client(), nil, WithSleeper(rec.sleep))
	f.maxBody = 16

	_, err := f.Fetch(context.Background(), Request{URL: srv.URL}, RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResponseTooLarge)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, fetchErr.Message, "16")

	f.maxBody = 1 << 10
	resp, err := f.Fetch(context.Background(), Request{URL: srv.URL}, RetryPolicy{})
	require.NoError(t, err)
	assert.Equal(t, `{"trades":[{"id":"truncated-here"}]}`, string(resp.Body))
}
