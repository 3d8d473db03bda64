package strategy

import (
	"sync/atomic"
	"time"

	"github.com/vayu-dev/vayu-engine/model"
)

// concurrencyPollInterval is how long Step blocks when no free concurrency
// slot is available, matching spec section 5's listed suspension point
// ("strategy worker may block awaiting a free concurrency slot") instead of
// busy-spinning the worker goroutine.
const concurrencyPollInterval = 2 * time.Millisecond

// Iterations submits exactly Total requests total, never more in flight than
// Concurrency at once, and finishes once Total completions are observed
// (not merely Total submissions — a request still in flight must be waited
// on, matching the "never more, never fewer than requested" invariant).
type Iterations struct {
	Template    *model.Request
	Total       int
	Concurrency int

	submitted int64
}

// Step implements Strategy.
func (s *Iterations) Step(d Driver, now time.Time) bool {
	if d.ShouldStop() {
		return true
	}
	if d.Completed() >= int64(s.Total) {
		return true
	}
	submittedAny := false
	for d.Outstanding() < int64(s.Concurrency) {
		n := atomic.AddInt64(&s.submitted, 1)
		if n > int64(s.Total) {
			atomic.AddInt64(&s.submitted, -1)
			break
		}
		d.Submit(cloneWithID(s.Template, n))
		submittedAny = true
	}
	if !submittedAny {
		time.Sleep(concurrencyPollInterval)
	}
	return false
}
