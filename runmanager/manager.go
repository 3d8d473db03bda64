// Package runmanager is the engine's Run Manager (spec section 4.F):
// the lifecycle coordinator owning the registry of active runs, their worker
// and metrics goroutines, and the stop semantics that synchronize them.
package runmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vayu-dev/vayu-engine/eventloop"
	"github.com/vayu-dev/vayu-engine/logger"
	"github.com/vayu-dev/vayu-engine/metricscollector"
	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/sandbox"
	"github.com/vayu-dev/vayu-engine/schemadrift"
	"github.com/vayu-dev/vayu-engine/storage"
	"github.com/vayu-dev/vayu-engine/strategy"
	"github.com/vayu-dev/vayu-engine/vayuerr"
)

// MetricsCadence is the Metrics thread's fixed snapshot interval (spec's
// stated 100ms-1s range).
const MetricsCadence = 500 * time.Millisecond

// PublishFunc delivers a live-stats snapshot to SSE subscribers; the
// Control Plane supplies the implementation so this package stays free of
// any HTTP dependency.
type PublishFunc func(runID string, status model.RunStatus, stats metricscollector.LiveStats)

// Manager owns the registry of active runs, exactly spec's described
// ownership model (map[string]*RunContext guarded by sync.RWMutex).
type Manager struct {
	log     *logger.Logger
	store   *storage.Store
	loopCfg eventloop.Config
	sandbox *sandbox.Pool
	metrics *engineMetrics
	publish PublishFunc

	mu  sync.RWMutex
	run map[string]*RunContext
}

// New constructs a Manager. loopCfg is the template every run's own
// eventloop.Loop is built from (spec: "the event loop is exclusively owned
// by the RunContext" — one Loop instance per run, not shared across runs,
// so each run's rate limiter and worker pool are independent). publish may
// be nil and set later via SetPublish, since the control plane that
// supplies it is itself constructed from this Manager.
func New(store *storage.Store, loopCfg eventloop.Config, pool *sandbox.Pool, reg *prometheus.Registry, log *logger.Logger, publish PublishFunc) *Manager {
	return &Manager{
		log:     log.With("runmanager"),
		store:   store,
		loopCfg: loopCfg,
		sandbox: pool,
		metrics: newEngineMetrics(reg),
		publish: publish,
		run:     make(map[string]*RunContext),
	}
}

// SetPublish wires the SSE fan-out callback after construction, for the
// common case where the control plane (the publish callback's owner) is
// itself built from this Manager and so cannot be passed into New.
func (m *Manager) SetPublish(publish PublishFunc) {
	m.mu.Lock()
	m.publish = publish
	m.mu.Unlock()
}

// StartRun allocates a RunContext, persists the initial run row, registers
// it, and starts its worker and metrics goroutines, per spec's
// start_run(config) operation.
func (m *Manager) StartRun(ctx context.Context, cfg model.RunConfig) (string, error) {
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return "", vayuerr.Wrap(vayuerr.KindInvalidURL, "invalid run configuration", err)
	}

	snapshot, err := json.Marshal(cfg)
	if err != nil {
		return "", vayuerr.Wrap(vayuerr.KindEngineError, "marshal run config", err)
	}

	runID, err := m.store.CreateRun(ctx, string(snapshot))
	if err != nil {
		return "", vayuerr.Wrap(vayuerr.KindEngineError, "persist run row", err)
	}

	loop, err := eventloop.New(m.loopCfg, m.log)
	if err != nil {
		return "", vayuerr.Wrap(vayuerr.KindEngineError, "create event loop", err)
	}
	if cfg.Mode == model.StrategyConstantRPS {
		loop.SetTargetRPS(cfg.TargetRPS)
	}

	strat, err := strategy.New(cfg, time.Now())
	if err != nil {
		loop.Stop()
		return "", vayuerr.Wrap(vayuerr.KindEngineError, "resolve load strategy", err)
	}

	rc := &RunContext{
		ID:                 runID,
		Config:             cfg,
		ConfigSnapshotJSON: string(snapshot),
		StartedAt:          time.Now(),
		loop:               loop,
		collector:          metricscollector.New(metricscollector.Config{SampleRate: cfg.SampleRate, MaxSamples: cfg.MaxSamples, MaxErrorRecords: cfg.MaxErrorRecords}),
		strat:              strat,
		sandbox:            m.sandbox,
		env:                sandbox.NewVarStore(),
		globals:            sandbox.NewVarStore(),
		coll:               sandbox.NewVarStore(),
		metrics:            m.metrics,
		schema:             schemadrift.NewWatcher(),
		status:             model.RunPending,
		done:               make(chan struct{}),
	}

	m.mu.Lock()
	m.run[runID] = rc
	m.mu.Unlock()

	m.metrics.runsStarted.Inc()
	m.metrics.runsActive.Inc()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runWorker(rc, m.log)
	}()
	go func() {
		defer wg.Done()
		runMetricsLoop(rc, MetricsCadence,
			func(status model.RunStatus, stats interface{}) {
				m.mu.RLock()
				publish := m.publish
				m.mu.RUnlock()
				if publish != nil {
					publish(rc.ID, status, stats.(metricscollector.LiveStats))
				}
			},
			func(p model.MetricPoint) error { return m.store.AppendMetricPoint(ctx, p) },
		)
	}()

	go func() {
		wg.Wait()
		m.finishRun(rc)
	}()

	return runID, nil
}

// finishRun flushes the collector, persists the terminal status, stops the
// run's event loop and closes rc.done, executed once both goroutines have
// returned. rc is not unregistered (see the note at the end).
func (m *Manager) finishRun(rc *RunContext) {
	status, errMsg := rc.Status()

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rc.collector.Flush(flushCtx, m.store, rc.ID); err != nil {
		m.log.Errorf("run %s: flush failed: %v", rc.ID, err)
		status = model.RunFailed
		errMsg = err.Error()
		rc.fail(errMsg)
	}

	end := time.Now()
	rc.EndedAt = end
	if err := m.store.UpdateRunStatus(flushCtx, rc.ID, status, &end, errMsg); err != nil {
		m.log.Errorf("run %s: persist terminal status failed: %v", rc.ID, err)
	}

	summary := &StopSummary{Status: status, Stats: rc.collector.Snapshot(rc.StartedAt, 0)}
	rc.stopOnce.Do(func() { rc.stopSummary = summary })

	rc.loop.Stop()
	close(rc.done)
	m.metrics.runsActive.Dec()

	// rc stays registered in m.run after termination so GET /run/{id}/report
	// and /run/{id}/stats keep answering from the same collector once a run
	// finishes, which the `vayu run` CLI's poll-then-report flow needs.
	// ActiveCount and GetAllActiveRuns filter terminal runs back out.
}

// GetRun returns a run handle for the stop/status/stream endpoints.
func (m *Manager) GetRun(runID string) (*RunContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.run[runID]
	return rc, ok
}

// ActiveCount returns the number of runs that have not yet reached a
// terminal state.
func (m *Manager) ActiveCount() int {
	return len(m.GetAllActiveRuns())
}

// GetAllActiveRuns returns every registered RunContext still short of a
// terminal state.
func (m *Manager) GetAllActiveRuns() []*RunContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RunContext, 0, len(m.run))
	for _, rc := range m.run {
		if !rc.IsTerminal() {
			out = append(out, rc)
		}
	}
	return out
}

// StopRun sets should_stop, waits up to 5s plus two metrics ticks
// (5s + 2*MetricsCadence) for the run to clear is_running,
// then returns the aggregate snapshot at stop time. Idempotent: a second
// concurrent or late caller gets the cached summary from the first caller's
// finishRun pass rather than racing it, per spec's Open Question resolution.
func (m *Manager) StopRun(runID string) (*StopSummary, error) {
	rc, ok := m.GetRun(runID)
	if !ok {
		return nil, vayuerr.New(vayuerr.KindNotFound, fmt.Sprintf("run %q not found or already terminal", runID))
	}

	rc.requestStop()

	select {
	case <-rc.done:
	case <-time.After(5*time.Second + 2*MetricsCadence):
	}

	rc.stopOnce.Do(func() {
		status, _ := rc.Status()
		rc.stopSummary = &StopSummary{Status: status, Stats: rc.collector.Snapshot(rc.StartedAt, rc.Outstanding())}
	})
	return rc.stopSummary, nil
}

// StopAll requests a stop on every active run and waits briefly for them to
// drain, used during graceful process shutdown (spec section 5: "stops all
// runs, then the Control Plane, then flushes storage").
func (m *Manager) StopAll() {
	active := m.GetAllActiveRuns()
	for _, rc := range active {
		rc.requestStop()
	}
	for _, rc := range active {
		select {
		case <-rc.done:
		case <-time.After(6 * time.Second):
		}
	}
}
