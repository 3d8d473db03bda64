// Package strategy implements the load strategies a run can drive: constant
// request rate, a fixed iteration count at bounded concurrency, and a
// linear ramp-up to a target concurrency. It generalizes the teacher's
// scheduler.Scheduler control-goroutine idiom (dispatchJobs called in a tight
// loop between a sync.Once-guarded stop signal) into a single Step-per-tick
// dispatch rather than the teacher's per-session iteration, so that picking a
// strategy is a plain variant dispatch resolved once at run start rather than
// an inheritance hierarchy.
package strategy

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vayu-dev/vayu-engine/model"
)

// Driver is the run manager's worker-thread facade a Strategy drives
// against. Submit is expected to apply backpressure (the event loop's ring
// push blocks when full), which is what lets Step run in a tight loop
// without its own throttling for the constant-RPS case.
type Driver interface {
	// Submit dispatches one request copy, returning once it has been
	// accepted into the event loop (not once it has completed).
	Submit(req *model.Request)
	// Outstanding is the number of submitted-but-not-yet-completed requests.
	Outstanding() int64
	// Completed is the running total of completed requests (success + error).
	Completed() int64
	// ShouldStop reports whether the run has been asked to stop.
	ShouldStop() bool
}

// Strategy is the common interface every load strategy implements. Step
// performs one quantum of scheduling work and reports whether the strategy
// has naturally finished (Duration elapsed for Constant and RampUp,
// iteration count completed for Iterations). The caller (runmanager's worker goroutine) calls Step
// repeatedly until it returns true or ShouldStop is observed externally.
type Strategy interface {
	Step(d Driver, now time.Time) bool
}

// New resolves cfg's Mode into a concrete Strategy, filling started with
// now. Dispatch happens once here, at run start, not on every Step call.
func New(cfg model.RunConfig, started time.Time) (Strategy, error) {
	switch cfg.Mode {
	case model.StrategyConstantRPS:
		return &Constant{
			Template:  cfg.Request.Clone(),
			TargetRPS: cfg.TargetRPS,
			Duration:  cfg.Duration,
			StartedAt: started,
		}, nil
	case model.StrategyIterations:
		return &Iterations{
			Template:    cfg.Request.Clone(),
			Total:       cfg.Iterations,
			Concurrency: cfg.Concurrency,
		}, nil
	case model.StrategyRampUp:
		return &RampUp{
			Template:          cfg.Request.Clone(),
			StartConcurrency:  cfg.StartConcurrency,
			TargetConcurrency: cfg.TargetConcurrency,
			RampUpDuration:    cfg.RampUpDuration,
			Duration:          cfg.Duration,
			StartedAt:         started,
		}, nil
	default:
		return nil, fmt.Errorf("strategy: unknown mode %q", cfg.Mode)
	}
}

// cloneWithID returns a copy of tmpl with a fresh request ID, so every
// dispatched request is independently trackable and result rows don't
// collide on ID.
func cloneWithID(tmpl *model.Request, seq int64) *model.Request {
	req := tmpl.Clone()
	req.ID = fmt.Sprintf("%s-%d", tmpl.ID, seq)
	return req
}
