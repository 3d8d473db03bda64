// Package eventloop is the engine's performance core: a fixed worker pool,
// each worker owning an HTTP/2-multiplexed transport, fed by per-worker
// SPSC rings from a single round-robin dispatch path, rate-limited by a
// single token bucket per loop. It generalizes the teacher's
// worker.WorkerPool (one shared job channel) into the ring-per-worker,
// rate-limited, cancellable design the engine's load-generation core needs.
package eventloop

import (
	"context"
	"crypto/tls"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/vayu-dev/vayu-engine/logger"
	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/vayuerr"
)

// Config mirrors engineconfig.EventLoopConfig; kept as a distinct type so
// this package does not import engineconfig (avoiding a dependency cycle
// risk now that engineconfig itself may grow consumers of eventloop types).
type Config struct {
	Workers            int
	RingCapacity       int
	PollTimeout        time.Duration
	MaxPerHost         int
	MaxGlobal          int
	DNSCacheTTL        time.Duration
	KeepAliveIdle      time.Duration
	KeepAliveInterval  time.Duration
	DefaultBurstFactor float64
	InsecureSkipVerify bool // not read by Loop; per-request VerifySSL=false is handled in clientFor
}

// Outcome is delivered to a submitted request's callback.
type Outcome struct {
	Response *model.Response
	Err      error
}

// OnComplete is invoked on a worker goroutine once a submitted request
// finishes, is cancelled, or fails.
type OnComplete func(Outcome)

// Stats is a lock-free snapshot of the loop's counters.
type Stats struct {
	Active    int64
	Pending   int64
	Processed int64
}

// Loop is the event loop itself.
type Loop struct {
	cfg                Config
	log                *logger.Logger
	clients            []*http.Client
	rings              *ringGroup
	maxInFlightPerRing int

	limiterMu sync.RWMutex
	limiter   *rate.Limiter

	active, pending, processed int64

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New constructs and starts a Loop with cfg.Workers worker goroutines,
// resolving cfg.Workers <= 0 to runtime.NumCPU() (spec 4.C's "default:
// hardware concurrency").
func New(cfg Config, log *logger.Logger) (*Loop, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 65536
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Millisecond
	}

	maxGlobal := cfg.MaxGlobal
	if maxGlobal <= 0 {
		maxGlobal = 1000
	}
	perRing := maxGlobal / cfg.Workers
	if perRing <= 0 {
		perRing = 64
	}

	l := &Loop{
		cfg:                cfg,
		log:                log,
		rings:              newRingGroup(cfg.Workers, cfg.RingCapacity),
		maxInFlightPerRing: perRing,
		inflight:           make(map[string]context.CancelFunc),
		stopCh:             make(chan struct{}),
	}

	l.clients = make([]*http.Client, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		rt, err := newTransport(TransportConfig{
			MaxPerHost:        cfg.MaxPerHost,
			MaxGlobal:         cfg.MaxGlobal,
			DNSCacheTTL:       cfg.DNSCacheTTL,
			KeepAliveIdle:     cfg.KeepAliveIdle,
			KeepAliveInterval: cfg.KeepAliveInterval,
		})
		if err != nil {
			return nil, err
		}
		l.clients[i] = &http.Client{Transport: rt}
	}

	for i := 0; i < cfg.Workers; i++ {
		l.wg.Add(1)
		go l.runWorker(i)
	}
	return l, nil
}

// SetTargetRPS (re)configures the token bucket. rate <= 0 disables limiting
// entirely (the loop dispatches as fast as workers can drain their rings).
func (l *Loop) SetTargetRPS(targetRPS float64) {
	l.limiterMu.Lock()
	defer l.limiterMu.Unlock()
	if targetRPS <= 0 {
		l.limiter = nil
		return
	}
	burstFactor := l.cfg.DefaultBurstFactor
	if burstFactor <= 0 {
		burstFactor = 2.0
	}
	burst := int(targetRPS * burstFactor)
	if burst < 1 {
		burst = 1
	}
	l.limiter = rate.NewLimiter(rate.Limit(targetRPS), burst)
}

func (l *Loop) rateLimiter() *rate.Limiter {
	l.limiterMu.RLock()
	defer l.limiterMu.RUnlock()
	return l.limiter
}

func (l *Loop) runWorker(idx int) {
	defer l.wg.Done()
	l.rings.rings[idx].drain(l.maxInFlightPerRing, func() {
		atomic.AddInt64(&l.pending, -1)
	})
}

// Submit enqueues req for dispatch, invoking onComplete on a worker
// goroutine once it finishes. It returns promptly.
func (l *Loop) Submit(req *model.Request, onComplete OnComplete) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.inflight[req.ID] = cancel
	l.mu.Unlock()

	atomic.AddInt64(&l.pending, 1)
	idx := l.rings.nextWorker()
	l.rings.submitTo(idx, func() {
		l.dispatch(ctx, idx, req, onComplete)
	})
	return req.ID, nil
}

// Future is returned by SubmitAsync; Wait blocks until the request
// completes or ctx is cancelled.
type Future struct {
	done chan Outcome
}

// Wait blocks for the outcome, respecting ctx cancellation.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case o := <-f.done:
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// SubmitAsync is Submit with completion delivered via a settable Future
// instead of a callback.
func (l *Loop) SubmitAsync(req *model.Request) (string, *Future) {
	fut := &Future{done: make(chan Outcome, 1)}
	id, _ := l.Submit(req, func(o Outcome) {
		fut.done <- o
	})
	return id, fut
}

// Cancel cancels requestID's context, reporting whether the ID was known.
// Best-effort: a request that has already finished its transfer still
// completes normally. The OnComplete callback is not suppressed: it fires
// for a cancelled request like any other, carrying the resulting error.
func (l *Loop) Cancel(requestID string) bool {
	l.mu.Lock()
	cancel, ok := l.inflight[requestID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// BatchResult pairs a request ID with its outcome for ExecuteBatch.
type BatchResult struct {
	RequestID string
	Outcome   Outcome
}

// ExecuteBatch submits every request and blocks until all have completed,
// a convenience wrapper spec describes for one-off (non-run) dispatch.
func (l *Loop) ExecuteBatch(reqs []*model.Request) []BatchResult {
	results := make([]BatchResult, len(reqs))
	var wg sync.WaitGroup
	wg.Add(len(reqs))
	for i, req := range reqs {
		i, req := i, req
		l.Submit(req, func(o Outcome) {
			results[i] = BatchResult{RequestID: req.ID, Outcome: o}
			wg.Done()
		})
	}
	wg.Wait()
	return results
}

// Stats returns a lock-free snapshot of active/pending/processed counts.
func (l *Loop) Stats() Stats {
	return Stats{
		Active:    atomic.LoadInt64(&l.active),
		Pending:   atomic.LoadInt64(&l.pending),
		Processed: atomic.LoadInt64(&l.processed),
	}
}

func (l *Loop) dispatch(ctx context.Context, workerIdx int, req *model.Request, onComplete OnComplete) {
	atomic.AddInt64(&l.active, 1)
	defer func() {
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.processed, 1)
		l.mu.Lock()
		delete(l.inflight, req.ID)
		l.mu.Unlock()
	}()

	if limiter := l.rateLimiter(); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			if onComplete != nil {
				onComplete(Outcome{Err: vayuerr.Wrap(vayuerr.KindCancelled, "rate limiter wait cancelled", err)})
			}
			return
		}
	}

	resp, err := l.execute(ctx, workerIdx, req)
	if onComplete != nil {
		onComplete(Outcome{Response: resp, Err: err})
	}
}

func (l *Loop) execute(ctx context.Context, workerIdx int, req *model.Request) (*model.Response, error) {
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tt, trace := newTimingTrace()
	reqCtx = httptraceWithClientTrace(reqCtx, trace)

	httpReq, err := buildHTTPRequest(reqCtx, req)
	if err != nil {
		return nil, err
	}

	client := l.clientFor(workerIdx, req)

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer httpResp.Body.Close()

	downloadStart := time.Now()
	body, err := readAllLimited(httpResp.Body)
	if err != nil {
		return nil, classifyError(err)
	}

	headers := make(map[string]string, len(httpResp.Header))
	for k, vs := range httpResp.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}

	return &model.Response{
		RequestID:  req.ID,
		StatusCode: httpResp.StatusCode,
		StatusText: httpResp.Status,
		Headers:    headers,
		Body:       body,
		BodySize:   len(body),
		Timing:     tt.finish(downloadStart),
		ReceivedAt: time.Now(),
	}, nil
}

// clientFor returns the transport owned by workerIdx. Per-request
// VerifySSL=false needs its own transport since http.Client.Transport is
// not per-request; the insecure case is rare enough (manual "allow
// self-signed" toggle) to warrant building a one-off transport rather than
// complicating the shared per-worker pool.
func (l *Loop) clientFor(workerIdx int, req *model.Request) *http.Client {
	base := l.clients[workerIdx]
	if req.VerifySSL {
		return base
	}
	if bt, ok := base.Transport.(*brotliRoundTripper); ok {
		if ht, ok := bt.next.(*http.Transport); ok {
			clone := ht.Clone()
			if clone.TLSClientConfig == nil {
				clone.TLSClientConfig = &tls.Config{}
			}
			clone.TLSClientConfig.InsecureSkipVerify = true
			return &http.Client{Transport: &brotliRoundTripper{next: clone}, Timeout: base.Timeout}
		}
	}
	return base
}

// Stop closes every ring and waits for in-flight jobs to drain, mirroring
// the teacher's WorkerPool.Stop shutdown idiom.
func (l *Loop) Stop() {
	select {
	case <-l.stopCh:
		return
	default:
		close(l.stopCh)
	}
	l.rings.closeAll()
	l.wg.Wait()
}
