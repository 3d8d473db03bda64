package controlplane_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vayu-dev/vayu-engine/controlplane"
	"github.com/vayu-dev/vayu-engine/eventloop"
	"github.com/vayu-dev/vayu-engine/logger"
	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/runmanager"
	"github.com/vayu-dev/vayu-engine/sandbox"
	"github.com/vayu-dev/vayu-engine/settings"
	"github.com/vayu-dev/vayu-engine/storage"
)

func newTestServer(t *testing.T) (*controlplane.Server, *httptest.Server) {
	t.Helper()
	log := logger.New(logger.LevelError)

	store, err := storage.Open(context.Background(), t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	settingsStore := settings.New(store, log, settings.Defaults())
	require.NoError(t, settingsStore.Load(context.Background()))

	pool, err := sandbox.NewPool(2, sandbox.DefaultLimits(), log)
	require.NoError(t, err)

	loop, err := eventloop.New(eventloop.Config{Workers: 2, RingCapacity: 32, PollTimeout: 5 * time.Millisecond, MaxPerHost: 10, MaxGlobal: 100, DNSCacheTTL: time.Minute}, log)
	require.NoError(t, err)
	t.Cleanup(loop.Stop)

	reg := prometheus.NewRegistry()
	mgr := runmanager.New(store, eventloop.Config{Workers: 2, RingCapacity: 32, PollTimeout: 5 * time.Millisecond, MaxPerHost: 10, MaxGlobal: 100, DNSCacheTTL: time.Minute}, pool, reg, log, nil)

	cp := controlplane.New(store, settingsStore, mgr, pool, loop, reg, log)
	return cp, httptest.NewServer(cp.Handler())
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestConfigGetAndPatch(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/config", jsonBody(t, map[string]string{
		"key": "sample_rate", "value": "50",
	}))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	patchResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer patchResp.Body.Close()
	require.Equal(t, http.StatusOK, patchResp.StatusCode)
}

func TestConfigPatchRejectsOutOfRange(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/config", jsonBody(t, map[string]string{
		"key": "sample_rate", "value": "-1",
	}))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRunLifecycle(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	_, srv := newTestServer(t)
	defer srv.Close()

	cfg := model.RunConfig{
		Mode:        model.StrategyIterations,
		Iterations:  10,
		Concurrency: 2,
		Request:     model.Request{ID: "tmpl", Method: model.MethodGet, URL: target.URL, TimeoutMS: 2000, VerifySSL: true},
	}
	resp, err := http.Post(srv.URL+"/run", "application/json", jsonBody(t, cfg))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	runID := started["runId"]
	require.NotEmpty(t, runID)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, err := http.Get(srv.URL + "/run/" + runID)
		require.NoError(t, err)
		var status map[string]any
		json.NewDecoder(r.Body).Decode(&status) //nolint:errcheck
		r.Body.Close()
		if status["status"] == string(model.RunCompleted) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	report, err := http.Get(srv.URL + "/run/" + runID + "/report")
	require.NoError(t, err)
	defer report.Body.Close()
	require.Equal(t, http.StatusOK, report.StatusCode)

	var parsed map[string]any
	require.NoError(t, json.NewDecoder(report.Body).Decode(&parsed))
	totals, ok := parsed["totals"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 10, totals["TotalRequests"])
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}
