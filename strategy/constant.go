package strategy

import (
	"sync/atomic"
	"time"

	"github.com/vayu-dev/vayu-engine/model"
)

// Constant submits requests as fast as Driver.Submit accepts them for
// Duration; the event loop's own token bucket enforces TargetRPS, so this
// strategy does no pacing of its own beyond stopping at the deadline.
type Constant struct {
	Template  *model.Request
	TargetRPS float64
	Duration  time.Duration
	StartedAt time.Time

	seq int64
}

// Step implements Strategy.
func (s *Constant) Step(d Driver, now time.Time) bool {
	if d.ShouldStop() || now.Sub(s.StartedAt) >= s.Duration {
		return true
	}
	n := atomic.AddInt64(&s.seq, 1)
	d.Submit(cloneWithID(s.Template, n))
	return false
}
