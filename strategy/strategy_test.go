package strategy_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/strategy"
)

// fakeDriver is an in-memory strategy.Driver for deterministic
// strategy-only testing. With instant set it completes every submitted
// request at once; otherwise requests stay outstanding until complete.
type fakeDriver struct {
	submitted   int64
	outstanding int64
	completed   int64
	stop        int32
	instant     bool
}

func (f *fakeDriver) Submit(req *model.Request) {
	atomic.AddInt64(&f.submitted, 1)
	atomic.AddInt64(&f.outstanding, 1)
	if f.instant {
		atomic.AddInt64(&f.outstanding, -1)
		atomic.AddInt64(&f.completed, 1)
	}
}

func (f *fakeDriver) Outstanding() int64 { return atomic.LoadInt64(&f.outstanding) }
func (f *fakeDriver) Completed() int64   { return atomic.LoadInt64(&f.completed) }
func (f *fakeDriver) ShouldStop() bool   { return atomic.LoadInt32(&f.stop) != 0 }

func (f *fakeDriver) complete(n int64) {
	atomic.AddInt64(&f.outstanding, -n)
	atomic.AddInt64(&f.completed, n)
}

func testTemplate() *model.Request {
	return &model.Request{ID: "tmpl", Method: model.MethodGet, URL: "http://example.test"}
}

func TestConstantStopsAtDuration(t *testing.T) {
	started := time.Now()
	s := &strategy.Constant{Template: testTemplate(), TargetRPS: 100, Duration: 20 * time.Millisecond, StartedAt: started}
	d := &fakeDriver{instant: true}

	for i := 0; i < 1000; i++ {
		if s.Step(d, time.Now()) {
			break
		}
	}
	require.True(t, d.Completed() > 0)

	// Once duration has elapsed, Step must report done regardless of state.
	done := s.Step(d, started.Add(time.Hour))
	require.True(t, done)
}

func TestConstantHonoursShouldStop(t *testing.T) {
	s := &strategy.Constant{Template: testTemplate(), Duration: time.Hour, StartedAt: time.Now()}
	d := &fakeDriver{instant: true}
	d.stop = 1
	require.True(t, s.Step(d, time.Now()))
	require.Equal(t, int64(0), d.submitted)
}

func TestIterationsNeverExceedsTotal(t *testing.T) {
	s := &strategy.Iterations{Template: testTemplate(), Total: 25, Concurrency: 4}
	d := &fakeDriver{}

	done := false
	for i := 0; i < 10000 && !done; i++ {
		done = s.Step(d, time.Now())
		// Simulate some in-flight requests completing each tick so the
		// concurrency gate keeps admitting new ones.
		if d.Outstanding() > 0 {
			d.complete(1)
		}
	}
	require.True(t, done)
	require.Equal(t, int64(25), d.submitted)
	require.Equal(t, int64(25), d.completed)
}

func TestIterationsRespectsConcurrencyBound(t *testing.T) {
	s := &strategy.Iterations{Template: testTemplate(), Total: 100, Concurrency: 5}
	d := &fakeDriver{}

	// Never complete anything: outstanding must plateau at Concurrency, not Total.
	for i := 0; i < 50; i++ {
		s.Step(d, time.Now())
	}
	require.Equal(t, int64(5), d.Outstanding())
	require.Equal(t, int64(5), d.submitted)
}

func TestRampUpIncreasesConcurrencyMonotonically(t *testing.T) {
	started := time.Now()
	s := &strategy.RampUp{
		Template:          testTemplate(),
		StartConcurrency:  0,
		TargetConcurrency: 10,
		RampUpDuration:    100 * time.Millisecond,
		Duration:          200 * time.Millisecond,
		StartedAt:         started,
	}
	d := &fakeDriver{}

	early := started.Add(10 * time.Millisecond)
	late := started.Add(90 * time.Millisecond)

	for i := 0; i < 3; i++ {
		s.Step(d, early)
	}
	earlyOutstanding := d.Outstanding()

	for i := 0; i < 20; i++ {
		s.Step(d, late)
	}
	require.True(t, d.Outstanding() >= earlyOutstanding)
	require.True(t, d.Outstanding() <= 10)
}

func TestRampUpHoldsTargetAfterRampWindow(t *testing.T) {
	started := time.Now()
	s := &strategy.RampUp{
		Template:          testTemplate(),
		StartConcurrency:  1,
		TargetConcurrency: 5,
		RampUpDuration:    10 * time.Millisecond,
		Duration:          time.Hour,
		StartedAt:         started,
	}
	d := &fakeDriver{}
	afterRamp := started.Add(time.Minute)
	for i := 0; i < 20; i++ {
		s.Step(d, afterRamp)
	}
	require.Equal(t, int64(5), d.Outstanding())
}

func TestNewDispatchesByMode(t *testing.T) {
	cfg := model.RunConfig{Mode: model.StrategyConstantRPS, TargetRPS: 10, Duration: time.Second, Request: *testTemplate()}
	s, err := strategy.New(cfg, time.Now())
	require.NoError(t, err)
	require.IsType(t, &strategy.Constant{}, s)

	cfg2 := model.RunConfig{Mode: model.StrategyIterations, Iterations: 5, Concurrency: 1, Request: *testTemplate()}
	s2, err := strategy.New(cfg2, time.Now())
	require.NoError(t, err)
	require.IsType(t, &strategy.Iterations{}, s2)

	cfg3 := model.RunConfig{Mode: "bogus", Request: *testTemplate()}
	_, err = strategy.New(cfg3, time.Now())
	require.Error(t, err)
}
