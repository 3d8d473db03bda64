package runmanager_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vayu-dev/vayu-engine/eventloop"
	"github.com/vayu-dev/vayu-engine/logger"
	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/runmanager"
	"github.com/vayu-dev/vayu-engine/sandbox"
	"github.com/vayu-dev/vayu-engine/storage"
)

func newTestManager(t *testing.T) (*runmanager.Manager, *storage.Store) {
	t.Helper()
	log := logger.New(logger.LevelError)
	store, err := storage.Open(context.Background(), t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool, err := sandbox.NewPool(2, sandbox.DefaultLimits(), log)
	require.NoError(t, err)

	loopCfg := eventloop.Config{Workers: 2, RingCapacity: 64, PollTimeout: 5 * time.Millisecond, MaxPerHost: 10, MaxGlobal: 100, DNSCacheTTL: time.Minute}
	mgr := runmanager.New(store, loopCfg, pool, prometheus.NewRegistry(), log, nil)
	return mgr, store
}

func TestStartRunCompletesIterations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mgr, _ := newTestManager(t)

	cfg := model.RunConfig{
		Mode:        model.StrategyIterations,
		Iterations:  30,
		Concurrency: 5,
		Request:     model.Request{ID: "tmpl", Method: model.MethodGet, URL: srv.URL, TimeoutMS: 2000, VerifySSL: true},
	}

	runID, err := mgr.StartRun(context.Background(), cfg)
	require.NoError(t, err)

	rc, ok := mgr.GetRun(runID)
	require.True(t, ok)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !rc.IsTerminal() {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, rc.IsTerminal(), "run should have reached a terminal state")

	status, _ := rc.Status()
	require.Equal(t, model.RunCompleted, status)
}

func TestStopRunIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mgr, _ := newTestManager(t)

	cfg := model.RunConfig{
		Mode:      model.StrategyConstantRPS,
		TargetRPS: 50,
		Duration:  2 * time.Second,
		Request:   model.Request{ID: "tmpl", Method: model.MethodGet, URL: srv.URL, TimeoutMS: 2000, VerifySSL: true},
	}
	runID, err := mgr.StartRun(context.Background(), cfg)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	results := make(chan *runmanager.StopSummary, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := mgr.StopRun(runID)
			results <- s
			errs <- err
		}()
	}
	s1, s2 := <-results, <-results
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	require.Equal(t, s1.Status, s2.Status)
}

func TestCounterIdentityAcrossRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") == "1" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mgr, _ := newTestManager(t)
	cfg := model.RunConfig{
		Mode:        model.StrategyIterations,
		Iterations:  20,
		Concurrency: 4,
		Request:     model.Request{ID: "tmpl", Method: model.MethodGet, URL: srv.URL, TimeoutMS: 2000, VerifySSL: true},
	}
	runID, err := mgr.StartRun(context.Background(), cfg)
	require.NoError(t, err)

	rc, ok := mgr.GetRun(runID)
	require.True(t, ok)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !rc.IsTerminal() {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, rc.IsTerminal())

	totals := rc.Collector().LoadTotals()
	require.Equal(t, totals.TotalRequests, totals.TotalErrors+(totals.TotalRequests-totals.TotalErrors))

	var histogramSum uint64
	for _, n := range rc.Collector().StatusHistogram() {
		histogramSum += n
	}
	require.Equal(t, totals.TotalRequests, histogramSum)
}
