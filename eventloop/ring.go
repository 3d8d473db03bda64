package eventloop

import "sync"

// ring is a fixed-capacity queue of jobs, generalizing the teacher's
// WorkerPool.jobQueue (a single buffered channel shared by every worker)
// into one ring per worker. The worker goroutine draining it is the sole
// consumer. There is no dedicated dispatch goroutine: every goroutine that
// calls Loop.Submit pushes directly, so a ring can have several concurrent
// producers, which the underlying channel makes safe.
//
// capacity must be a power of two (enforced by newRing); Submit blocks
// when full, matching the teacher's back-pressure behaviour.
type ring struct {
	buf      chan func()
	capacity int
}

func newRing(capacity int) *ring {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("eventloop: ring capacity must be a positive power of two")
	}
	return &ring{buf: make(chan func(), capacity), capacity: capacity}
}

// push enqueues job, blocking if the ring is full.
func (r *ring) push(job func()) {
	r.buf <- job
}

// tryPush enqueues job without blocking, reporting whether it fit.
func (r *ring) tryPush(job func()) bool {
	select {
	case r.buf <- job:
		return true
	default:
		return false
	}
}

func (r *ring) close() { close(r.buf) }

// drain reads jobs off the ring until it is closed and emptied, fanning each
// one out onto its own goroutine so the worker can have up to maxInFlight
// requests genuinely in flight at once — the Go-idiomatic stand-in for the
// "one worker thread drives many concurrent transfers via a single
// multi-handle" design spec section 4.C describes, with the transport's own
// non-blocking I/O as the suspension point (spec section 9). maxInFlight
// bounds concurrent goroutines per worker so a slow backend can't spawn one
// per queued job; onDone runs after each job completes and drain does not
// return until every spawned job has finished.
func (r *ring) drain(maxInFlight int, onDone func()) {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup
	for job := range r.buf {
		sem <- struct{}{}
		wg.Add(1)
		job := job
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			job()
			if onDone != nil {
				onDone()
			}
		}()
	}
	wg.Wait()
}

// ringGroup owns one ring per worker and round-robins pushes across them,
// the structural change that splits the teacher's single shared job
// channel into N independent per-worker rings.
type ringGroup struct {
	rings []*ring
	next  uint64
	mu    sync.Mutex
}

func newRingGroup(workers, capacity int) *ringGroup {
	rings := make([]*ring, workers)
	for i := range rings {
		rings[i] = newRing(capacity)
	}
	return &ringGroup{rings: rings}
}

// nextWorker returns the next worker index in round-robin order. It is
// called by Loop.Submit on the submitting caller's own goroutine; the mutex
// serialises concurrent Submit callers before each pushes onto its ring.
func (g *ringGroup) nextWorker() int {
	g.mu.Lock()
	idx := int(g.next % uint64(len(g.rings)))
	g.next++
	g.mu.Unlock()
	return idx
}

// submitTo pushes job onto worker idx's ring, blocking if that ring is full.
func (g *ringGroup) submitTo(idx int, job func()) {
	g.rings[idx].push(job)
}

func (g *ringGroup) closeAll() {
	for _, r := range g.rings {
		r.close()
	}
}
