package eventloop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vayu-dev/vayu-engine/logger"
	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/vayuerr"
)

func testConfig() Config {
	return Config{
		Workers:           2,
		RingCapacity:      64,
		PollTimeout:       5 * time.Millisecond,
		MaxPerHost:        10,
		MaxGlobal:         100,
		DNSCacheTTL:       time.Minute,
		KeepAliveIdle:     time.Minute,
		KeepAliveInterval: 15 * time.Second,
	}
}

func newRequest(method, url string) *model.Request {
	return &model.Request{
		ID:        uuid.New().String(),
		Method:    model.Method(method),
		URL:       url,
		TimeoutMS: 2000,
		VerifySSL: true,
	}
}

func TestSubmitDeliversResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	loop, err := New(testConfig(), logger.New(logger.LevelError))
	require.NoError(t, err)
	defer loop.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotResp *model.Response
	var gotErr error
	loop.Submit(newRequest("GET", srv.URL), func(o Outcome) {
		gotResp, gotErr = o.Response, o.Err
		wg.Done()
	})
	wg.Wait()

	require.NoError(t, gotErr)
	require.NotNil(t, gotResp)
	require.Equal(t, 200, gotResp.StatusCode)
	require.Equal(t, "ok", string(gotResp.Body))
}

func TestSubmitAsyncFuture(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	loop, err := New(testConfig(), logger.New(logger.LevelError))
	require.NoError(t, err)
	defer loop.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, fut := loop.SubmitAsync(newRequest("POST", srv.URL))
	outcome, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, outcome.Err)
	require.Equal(t, 201, outcome.Response.StatusCode)
}

func TestExecuteBatchRunsAllAndPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	loop, err := New(testConfig(), logger.New(logger.LevelError))
	require.NoError(t, err)
	defer loop.Stop()

	reqs := make([]*model.Request, 20)
	for i := range reqs {
		reqs[i] = newRequest("GET", srv.URL)
	}
	results := loop.ExecuteBatch(reqs)
	require.Len(t, results, 20)
	for i, r := range results {
		require.Equal(t, reqs[i].ID, r.RequestID)
		require.NoError(t, r.Outcome.Err)
	}
}

func TestStatsReflectProcessedCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	loop, err := New(testConfig(), logger.New(logger.LevelError))
	require.NoError(t, err)
	defer loop.Stop()

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		loop.Submit(newRequest("GET", srv.URL), func(o Outcome) { wg.Done() })
	}
	wg.Wait()

	stats := loop.Stats()
	require.Equal(t, int64(n), stats.Processed)
	require.Equal(t, int64(0), stats.Active)
}

func TestCancelKnownAndUnknownRequest(t *testing.T) {
	loop, err := New(testConfig(), logger.New(logger.LevelError))
	require.NoError(t, err)
	defer loop.Stop()

	req := newRequest("GET", "http://10.255.255.1/unreachable")
	id, _ := loop.Submit(req, func(o Outcome) {})
	ok := loop.Cancel(id)
	require.True(t, ok)

	require.False(t, loop.Cancel("does-not-exist"))
}

func TestInvalidURLClassifiedCorrectly(t *testing.T) {
	loop, err := New(testConfig(), logger.New(logger.LevelError))
	require.NoError(t, err)
	defer loop.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	var gotErr error
	loop.Submit(newRequest("GET", "://not-a-valid-url"), func(o Outcome) {
		gotErr = o.Err
		wg.Done()
	})
	wg.Wait()

	e, ok := vayuerr.As(gotErr)
	require.True(t, ok)
	require.Equal(t, vayuerr.KindInvalidURL, e.Kind)
}

func TestRateLimiterAllowsBurstWithoutBlocking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	loop, err := New(testConfig(), logger.New(logger.LevelError))
	require.NoError(t, err)
	defer loop.Stop()
	loop.SetTargetRPS(20)

	const n = 10
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		loop.Submit(newRequest("GET", srv.URL), func(o Outcome) { wg.Done() })
	}
	wg.Wait()
	elapsed := time.Since(start)

	// With burst defaulting to 2x target (40) the first n=10 requests should
	// not be meaningfully throttled; this just proves the limiter path does
	// not deadlock or error when active.
	require.Less(t, elapsed, 3*time.Second)
}
