package strategy

import (
	"sync/atomic"
	"time"

	"github.com/vayu-dev/vayu-engine/model"
)

// RampUp linearly increases target concurrency from StartConcurrency to
// TargetConcurrency over RampUpDuration, then holds TargetConcurrency until
// Duration elapses.
type RampUp struct {
	Template          *model.Request
	StartConcurrency  int
	TargetConcurrency int
	RampUpDuration    time.Duration
	Duration          time.Duration
	StartedAt         time.Time

	seq int64
}

// Step implements Strategy.
func (s *RampUp) Step(d Driver, now time.Time) bool {
	if d.ShouldStop() || now.Sub(s.StartedAt) >= s.Duration {
		return true
	}
	target := s.targetConcurrency(now)
	if d.Outstanding() < int64(target) {
		n := atomic.AddInt64(&s.seq, 1)
		d.Submit(cloneWithID(s.Template, n))
	} else {
		time.Sleep(concurrencyPollInterval)
	}
	return false
}

// targetConcurrency returns the concurrency level the ramp should be holding
// at elapsed time now, linearly interpolating during the ramp window and
// holding TargetConcurrency afterward.
func (s *RampUp) targetConcurrency(now time.Time) int {
	elapsed := now.Sub(s.StartedAt)
	if elapsed >= s.RampUpDuration || s.RampUpDuration <= 0 {
		return s.TargetConcurrency
	}
	frac := float64(elapsed) / float64(s.RampUpDuration)
	span := float64(s.TargetConcurrency - s.StartConcurrency)
	return s.StartConcurrency + int(frac*span)
}
