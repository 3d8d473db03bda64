package runmanager

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vayu-dev/vayu-engine/eventloop"
	"github.com/vayu-dev/vayu-engine/logger"
	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/vayuerr"
)

// onComplete is the event loop completion callback for every request this
// run submits. It records the outcome into the collector, updates the
// engine-level Prometheus series, optionally runs the post-request test
// script in design mode, and samples the response for deferred validation in
// load mode — exactly spec section 4.G's "when a request completes" list.
func (rc *RunContext) onComplete(outcome eventloop.Outcome) {
	defer func() {
		atomic.AddInt64(&rc.completed, 1)
		atomic.AddInt64(&rc.outstanding, -1)
	}()

	latency := time.Duration(0)
	if outcome.Response != nil {
		latency = time.Duration(outcome.Response.Timing.TotalMs * float64(time.Millisecond))
	}

	if outcome.Err != nil {
		kind, message := classify(outcome.Err)
		statusCode := 0
		if outcome.Response != nil {
			statusCode = outcome.Response.StatusCode
		}
		rc.collector.RecordError(rc.ID, statusCode, kind, message, latency)
		rc.metrics.observeCompletion(false, latency.Seconds())
		return
	}

	resp := outcome.Response
	rc.collector.RecordSuccess(rc.ID, resp.StatusCode, latency)
	rc.metrics.observeCompletion(true, latency.Seconds())

	rc.collector.SampleResponse(model.ResponseSample{
		RunID: rc.ID, Timestamp: resp.ReceivedAt, StatusCode: resp.StatusCode,
		Headers: resp.Headers, Body: resp.Body, LatencyMS: latency.Seconds() * 1000,
	})

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && len(resp.Body) > 0 {
		rc.recordDrift(resp.Body)
	}

	if rc.Config.RunScriptsImmediately && rc.Config.Request.PostRequestScript != "" {
		rc.runPostScript(resp)
	}
}

// classify maps an event loop error into the model.ErrorCode stored on a
// result record, matching vayuerr.Kind one-for-one (model deliberately
// avoids importing vayuerr; see model.ErrorCode's doc comment).
func classify(err error) (model.ErrorCode, string) {
	if e, ok := vayuerr.As(err); ok {
		return model.ErrorCode(e.Kind), e.Message
	}
	return model.ErrEngineError, err.Error()
}

// runPreScript acquires a pooled sandbox context and runs req's
// pre-request script, returning the (possibly mutated) request. On any
// sandbox or script error it returns req unmodified — a pre-request script
// is best-effort mutation, not a gate on dispatch.
func (rc *RunContext) runPreScript(req *model.Request) *model.Request {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sc, err := rc.sandbox.Acquire(ctx)
	if err != nil {
		return req
	}
	defer rc.sandbox.Release(sc)
	mutated, _, err := sc.ExecutePrerequest(req.PreRequestScript, req, rc.env, rc.globals, rc.coll)
	if err != nil || mutated == nil {
		return req
	}
	return mutated
}

func (rc *RunContext) runPostScript(resp *model.Response) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sc, err := rc.sandbox.Acquire(ctx)
	if err != nil {
		return
	}
	defer rc.sandbox.Release(sc)
	sc.ExecuteTest(rc.Config.Request.PostRequestScript, &rc.Config.Request, resp, rc.env, rc.globals, rc.coll) //nolint:errcheck
}

// runWorker drives rc's chosen strategy to completion or should_stop,
// transitioning rc through running -> stopping as spec section 4.F's state
// table describes, then waits for in-flight requests to drain before
// returning. One goroutine per run, grounded on the teacher's
// scheduler.Scheduler control-goroutine idiom.
func runWorker(rc *RunContext, log *logger.Logger) {
	atomic.StoreInt32(&rc.isRunning, 1)
	rc.setStatus(model.RunRunning)

	failed := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("run %s: worker panic: %v", rc.ID, r)
				rc.fail(fmt.Sprintf("internal error: %v", r))
				failed = true
			}
		}()
		for {
			done := rc.strat.Step(rc, time.Now())
			if done {
				break
			}
		}
	}()
	if failed {
		drainDeadline := time.Now().Add(5 * time.Second)
		for rc.Outstanding() > 0 && time.Now().Before(drainDeadline) {
			time.Sleep(10 * time.Millisecond)
		}
		atomic.StoreInt32(&rc.isRunning, 0)
		return
	}

	rc.setStatus(model.RunStopping)
	drainDeadline := time.Now().Add(5 * time.Second)
	for rc.Outstanding() > 0 && time.Now().Before(drainDeadline) {
		time.Sleep(10 * time.Millisecond)
	}

	terminal := model.RunCompleted
	if rc.ShouldStop() {
		terminal = model.RunStopped
	}
	rc.collector.CalculatePercentiles()
	rc.setStatus(terminal)
	atomic.StoreInt32(&rc.isRunning, 0)
	log.Debugf("run %s worker exiting, status=%s", rc.ID, terminal)
}

// runMetricsLoop snapshots live stats on a fixed cadence, persists one
// metric point per emitted metric name, and leaves the latest snapshot
// reachable for SSE consumers via publish. Terminates when is_running
// clears, per spec section 4.F.
func runMetricsLoop(rc *RunContext, cadence time.Duration, publish func(model.RunStatus, interface{}), appendPoint func(model.MetricPoint) error) {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for range ticker.C {
		status, _ := rc.Status()
		snap := rc.collector.Snapshot(rc.StartedAt, rc.Outstanding())
		publish(status, snap)

		now := time.Now()
		points := []model.MetricPoint{
			{RunID: rc.ID, Timestamp: now, Name: model.MetricRPS, Value: snap.CurrentRPS},
			{RunID: rc.ID, Timestamp: now, Name: model.MetricConcurrency, Value: float64(snap.CurrentConcurrency)},
			{RunID: rc.ID, Timestamp: now, Name: model.MetricAvgLatencyMS, Value: snap.AvgLatencyMS},
			{RunID: rc.ID, Timestamp: now, Name: model.MetricRequestsTotal, Value: float64(snap.RequestsCompleted)},
		}
		if snap.RequestsCompleted > 0 {
			points = append(points, model.MetricPoint{
				RunID: rc.ID, Timestamp: now, Name: model.MetricErrorRate,
				Value: float64(snap.RequestsFailed) / float64(snap.RequestsCompleted),
			})
		}
		for _, p := range points {
			appendPoint(p) //nolint:errcheck
		}

		if atomic.LoadInt32(&rc.isRunning) == 0 {
			return
		}
	}
}
