package runmanager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vayu-dev/vayu-engine/eventloop"
	"github.com/vayu-dev/vayu-engine/metricscollector"
	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/sandbox"
	"github.com/vayu-dev/vayu-engine/schemadrift"
	"github.com/vayu-dev/vayu-engine/strategy"
)

// maxTrackedDrift caps the number of schema drift records retained per run,
// mirroring the collector's own sampled-slice cap idiom rather than growing
// unboundedly against a target that renames a field on every response.
const maxTrackedDrift = 200

// RunContext is one load run's exclusive state: its configuration snapshot,
// owned event loop, owned metrics collector, atomic counters, and lifecycle
// flags. It lives from run start onward; after its terminal transition it
// stays reachable through the Manager's registry (filtered out of
// ActiveCount/GetAllActiveRuns) so its collector can still answer
// GET /run/{id}/report and /run/{id}/stats. Cyclic references from the
// worker/metrics goroutines back to RunContext are non-owning — the
// Manager alone owns the value.
type RunContext struct {
	ID                 string
	Config             model.RunConfig
	ConfigSnapshotJSON string
	StartedAt          time.Time
	EndedAt            time.Time

	loop      *eventloop.Loop
	collector *metricscollector.Collector
	strat     strategy.Strategy
	sandbox   *sandbox.Pool

	env, globals, coll *sandbox.VarStore
	metrics            *engineMetrics

	schema  *schemadrift.Watcher
	driftMu sync.Mutex
	drift   []schemadrift.Drift

	statusMu     sync.RWMutex
	status       model.RunStatus
	errorMessage string

	shouldStop  int32
	isRunning   int32
	outstanding int64
	completed   int64

	stopOnce    sync.Once
	stopSummary *StopSummary
	done        chan struct{}
}

// StopSummary is returned from StopRun and cached for any concurrent or late
// caller, per spec's Open Question resolution (idempotent stop).
type StopSummary struct {
	Status model.RunStatus      `json:"status"`
	Stats  metricscollector.LiveStats `json:"summary"`
}

// Status returns the run's current state and, if failed, its error message.
func (rc *RunContext) Status() (model.RunStatus, string) {
	rc.statusMu.RLock()
	defer rc.statusMu.RUnlock()
	return rc.status, rc.errorMessage
}

func (rc *RunContext) setStatus(status model.RunStatus) {
	rc.statusMu.Lock()
	rc.status = status
	rc.statusMu.Unlock()
}

func (rc *RunContext) fail(message string) {
	rc.statusMu.Lock()
	rc.status = model.RunFailed
	rc.errorMessage = message
	rc.statusMu.Unlock()
}

// IsTerminal reports whether the run occupies one of the three terminal
// states spec section 3 describes.
func (rc *RunContext) IsTerminal() bool {
	status, _ := rc.Status()
	return status == model.RunCompleted || status == model.RunStopped || status == model.RunFailed
}

// Collector exposes the owned Collector for report/stats/stream endpoints.
func (rc *RunContext) Collector() *metricscollector.Collector { return rc.collector }

// SchemaDrift returns a point-in-time copy of every distinct drift record
// observed so far against the run's learned response baseline.
func (rc *RunContext) SchemaDrift() []schemadrift.Drift {
	rc.driftMu.Lock()
	defer rc.driftMu.Unlock()
	out := make([]schemadrift.Drift, len(rc.drift))
	copy(out, rc.drift)
	return out
}

// recordDrift observes body against the run's schema baseline and appends
// any newly-seen drift record, deduplicating by field+kind so a field that
// flaps on every response doesn't flood the report.
func (rc *RunContext) recordDrift(body []byte) {
	found, err := rc.schema.Observe(body)
	if err != nil || len(found) == 0 {
		return
	}
	rc.driftMu.Lock()
	defer rc.driftMu.Unlock()
	for _, d := range found {
		if len(rc.drift) >= maxTrackedDrift {
			return
		}
		dup := false
		for _, existing := range rc.drift {
			if existing.Kind == d.Kind && existing.Field == d.Field {
				dup = true
				break
			}
		}
		if !dup {
			rc.drift = append(rc.drift, d)
		}
	}
}

// requestStop sets should_stop; the worker goroutine observes it on its next
// strategy.Step and begins draining.
func (rc *RunContext) requestStop() {
	atomic.StoreInt32(&rc.shouldStop, 1)
}

// strategy.Driver implementation — RunContext is the Driver its own
// worker goroutine's chosen Strategy steps against.

// Submit implements strategy.Driver. It runs the request's pre-request
// script, if any, before handing the (possibly mutated) request to the
// event loop — spec section 4.D's "pre-request scripts run immediately
// before dispatch and may mutate the request" — grounded on
// sandbox.Context.ExecutePrerequest.
func (rc *RunContext) Submit(req *model.Request) {
	atomic.AddInt64(&rc.outstanding, 1)
	if req.PreRequestScript != "" {
		req = rc.runPreScript(req)
	}
	rc.loop.Submit(req, rc.onComplete) //nolint:errcheck
}

// Outstanding implements strategy.Driver.
func (rc *RunContext) Outstanding() int64 { return atomic.LoadInt64(&rc.outstanding) }

// Completed implements strategy.Driver.
func (rc *RunContext) Completed() int64 { return atomic.LoadInt64(&rc.completed) }

// ShouldStop implements strategy.Driver.
func (rc *RunContext) ShouldStop() bool { return atomic.LoadInt32(&rc.shouldStop) != 0 }
