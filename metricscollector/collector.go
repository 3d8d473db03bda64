// Package metricscollector is the engine's Metrics Collector (spec section
// 4.E): lock-free atomic aggregate counters generalized from the teacher's
// metrics.Metrics (three plain uint64 counters) into the full counter set a
// load run needs, plus the mutex-guarded sampled state — raw latencies for
// percentile computation, every error record, sampled success traces,
// sampled full responses for deferred script validation, and a full
// status-code histogram.
//
// One Collector is created per run and is exclusively owned by it until
// flush; this mirrors the teacher's one-Metrics-per-process design scaled
// down to one-Collector-per-RunContext.
package metricscollector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/storage"
)

// Config bounds the sampled, mutex-guarded state.
type Config struct {
	SampleRate      int // record every Nth success/response sample
	MaxSamples      int // hard cap on retained response samples
	MaxErrorRecords int // hard cap on retained error records
}

// DefaultConfig matches spec section 4.E's stated defaults.
func DefaultConfig() Config {
	return Config{SampleRate: 100, MaxSamples: 1000, MaxErrorRecords: 100000}
}

// Percentiles is the result of a completed CalculatePercentiles call.
// Only meaningful once producers have stopped adding latencies — spec's
// "run lifecycle guarantees no further writes before this call" invariant.
type Percentiles struct {
	Min, P50, P75, P90, P95, P99, P999, Max float64
}

// Collector accumulates one run's results. Atomic fields are read
// lock-free; everything below mu requires the mutex, which every
// RecordSuccess and RecordError call takes (for the per-code histogram and
// the latency slice) in addition to the atomic increments.
type Collector struct {
	cfg Config

	totalRequests uint64
	totalErrors   uint64
	totalLatencyNs int64 // sum of every recorded latency, nanoseconds
	status2xx      uint64
	status3xx      uint64
	status4xx      uint64
	status5xx      uint64

	successSampleCounter  uint64
	responseSampleCounter uint64
	seq                   int64

	mu               sync.Mutex
	latencies        []float64 // milliseconds, for percentile calc
	errors           []model.ResultRecord
	successResults   []model.ResultRecord
	responseSamples  []model.ResponseSample
	statusCodeCounts map[int]uint64

	percMu      sync.RWMutex
	percentiles *Percentiles // nil until the run is terminal and calculated

	snapMu       sync.Mutex
	lastSnapAt   time.Time
	lastSnapReqs uint64
}

// New constructs an empty Collector for one run.
func New(cfg Config) *Collector {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 100
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 1000
	}
	if cfg.MaxErrorRecords <= 0 {
		cfg.MaxErrorRecords = 100000
	}
	return &Collector{
		cfg:              cfg,
		statusCodeCounts: make(map[int]uint64),
		lastSnapAt:       time.Now(),
	}
}

// nextSeq assigns a monotonic sequence number to a ResultRecord, used as
// the (run_id, seq) primary key at flush.
func (c *Collector) nextSeq() int64 {
	return atomic.AddInt64(&c.seq, 1) - 1
}

// RecordSuccess records one successful completion: status code, latency,
// and (per the configured sample rate) a retained trace. The counters are
// atomic; the mutex is taken twice on every call: once for the per-code
// histogram and once to append the latency (and any sampled trace).
func (c *Collector) RecordSuccess(runID string, statusCode int, latency time.Duration) {
	atomic.AddUint64(&c.totalRequests, 1)
	c.bumpStatusClass(statusCode)
	// atomic.AddInt64 on totalLatencyNs is itself the release; readers of
	// current_stats acquire via the corresponding atomic.LoadInt64, pairing
	// exactly as spec's relaxed-atomics note describes.
	atomic.AddInt64(&c.totalLatencyNs, int64(latency))

	c.mu.Lock()
	c.statusCodeCounts[statusCode]++
	c.mu.Unlock()

	if atomic.AddUint64(&c.successSampleCounter, 1)%uint64(c.cfg.SampleRate) == 0 {
		rec := model.ResultRecord{
			RunID: runID, Seq: c.nextSeq(), Timestamp: time.Now(),
			StatusCode: statusCode, LatencyMS: msOf(latency),
		}
		c.mu.Lock()
		c.latencies = append(c.latencies, rec.LatencyMS)
		if len(c.successResults) < c.cfg.MaxSamples {
			c.successResults = append(c.successResults, rec)
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.latencies = append(c.latencies, msOf(latency))
	c.mu.Unlock()
}

// RecordError records a failed completion. Unlike successes, every error is
// retained (no sampling) up to MaxErrorRecords, per spec's "errors[] – every
// error record (no sampling; bounded by configurable cap)".
func (c *Collector) RecordError(runID string, statusCode int, code model.ErrorCode, message string, latency time.Duration) {
	atomic.AddUint64(&c.totalRequests, 1)
	atomic.AddUint64(&c.totalErrors, 1)
	if statusCode > 0 {
		c.bumpStatusClass(statusCode)
	}
	atomic.AddInt64(&c.totalLatencyNs, int64(latency))

	rec := model.ResultRecord{
		RunID: runID, Seq: c.nextSeq(), Timestamp: time.Now(),
		StatusCode: statusCode, LatencyMS: msOf(latency),
		ErrorCode: code, ErrorMsg: message,
	}

	c.mu.Lock()
	if statusCode > 0 {
		c.statusCodeCounts[statusCode]++
	}
	if len(c.errors) < c.cfg.MaxErrorRecords {
		c.errors = append(c.errors, rec)
	}
	c.mu.Unlock()
}

// SampleResponse retains a full response for deferred post-run script
// validation, sampled at the configured rate and bounded by MaxSamples.
// Once the cap is reached, further samples are dropped while counting
// continues — spec's explicit "drop and keep counting" resolution for the
// one Open Question it calls out by name.
func (c *Collector) SampleResponse(sample model.ResponseSample) {
	if atomic.AddUint64(&c.responseSampleCounter, 1)%uint64(c.cfg.SampleRate) != 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responseSamples) >= c.cfg.MaxSamples {
		return
	}
	c.responseSamples = append(c.responseSamples, sample)
}

func (c *Collector) bumpStatusClass(statusCode int) {
	switch {
	case statusCode >= 200 && statusCode < 300:
		atomic.AddUint64(&c.status2xx, 1)
	case statusCode >= 300 && statusCode < 400:
		atomic.AddUint64(&c.status3xx, 1)
	case statusCode >= 400 && statusCode < 500:
		atomic.AddUint64(&c.status4xx, 1)
	case statusCode >= 500 && statusCode < 600:
		atomic.AddUint64(&c.status5xx, 1)
	}
}

func msOf(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// Totals is a lock-free read of the aggregate counters spec's
// "counter identity" invariant is stated over.
type Totals struct {
	TotalRequests uint64
	TotalErrors   uint64
	Status2xx     uint64
	Status3xx     uint64
	Status4xx     uint64
	Status5xx     uint64
}

// LoadTotals reads every atomic counter. total_requests ==
// success_count + total_errors at all times (spec section 3's invariant);
// success_count is TotalRequests-TotalErrors since every recorded
// completion is exactly one of RecordSuccess/RecordError.
func (c *Collector) LoadTotals() Totals {
	return Totals{
		TotalRequests: atomic.LoadUint64(&c.totalRequests),
		TotalErrors:   atomic.LoadUint64(&c.totalErrors),
		Status2xx:     atomic.LoadUint64(&c.status2xx),
		Status3xx:     atomic.LoadUint64(&c.status3xx),
		Status4xx:     atomic.LoadUint64(&c.status4xx),
		Status5xx:     atomic.LoadUint64(&c.status5xx),
	}
}

// LiveStats is the SSE snapshot shape from spec section 4.E.
type LiveStats struct {
	ElapsedSeconds     float64          `json:"elapsedSeconds"`
	RequestsCompleted  uint64           `json:"requestsCompleted"`
	RequestsFailed     uint64           `json:"requestsFailed"`
	CurrentRPS         float64          `json:"currentRps"`
	AvgLatencyMS       float64          `json:"avgLatencyMs"`
	CurrentConcurrency int64            `json:"currentConcurrency"`
	Throughput         float64          `json:"throughput"`
	SendRate           float64          `json:"sendRate"`
	StatusCodes        map[string]int64 `json:"statusCodes"`
}

// Snapshot computes one live-stats frame. current_rps is derived by
// differentiating total_requests across consecutive Snapshot calls, per
// spec's stated method; the first call measures from the Collector's
// creation (New records that as the prior sample), so it reports the
// average rate since then. startedAt is the run's start time (for ElapsedSeconds);
// activeConcurrency is supplied by the caller (Run Manager / strategy)
// since the Collector itself does not track in-flight count.
func (c *Collector) Snapshot(startedAt time.Time, activeConcurrency int64) LiveStats {
	totals := c.LoadTotals()
	now := time.Now()

	c.snapMu.Lock()
	elapsedSinceLast := now.Sub(c.lastSnapAt).Seconds()
	deltaReqs := totals.TotalRequests - c.lastSnapReqs
	var currentRPS float64
	if elapsedSinceLast > 0 {
		currentRPS = float64(deltaReqs) / elapsedSinceLast
	}
	c.lastSnapAt = now
	c.lastSnapReqs = totals.TotalRequests
	c.snapMu.Unlock()

	var avgLatency float64
	if totals.TotalRequests > 0 {
		avgLatency = msOf(time.Duration(atomic.LoadInt64(&c.totalLatencyNs))) / float64(totals.TotalRequests)
	}

	c.mu.Lock()
	codes := make(map[string]int64, len(c.statusCodeCounts))
	for code, n := range c.statusCodeCounts {
		codes[strconv.Itoa(code)] = int64(n)
	}
	c.mu.Unlock()

	return LiveStats{
		ElapsedSeconds:     now.Sub(startedAt).Seconds(),
		RequestsCompleted:  totals.TotalRequests,
		RequestsFailed:     totals.TotalErrors,
		CurrentRPS:         currentRPS,
		AvgLatencyMS:       avgLatency,
		CurrentConcurrency: activeConcurrency,
		Throughput:         currentRPS,
		SendRate:           currentRPS,
		StatusCodes:        codes,
	}
}

// CalculatePercentiles sorts the latencies slice once and derives
// p50/p75/p90/p95/p99/p999/min/max. The run lifecycle guarantees producers
// have stopped adding latencies before this is called (spec section 4.E);
// calling it earlier just reflects a partial, still-monotone distribution.
func (c *Collector) CalculatePercentiles() *Percentiles {
	c.mu.Lock()
	latencies := append([]float64(nil), c.latencies...)
	c.mu.Unlock()

	if len(latencies) == 0 {
		return nil
	}
	sort.Float64s(latencies)

	p := &Percentiles{
		Min: latencies[0],
		Max: latencies[len(latencies)-1],
		P50:  percentileAt(latencies, 0.50),
		P75:  percentileAt(latencies, 0.75),
		P90:  percentileAt(latencies, 0.90),
		P95:  percentileAt(latencies, 0.95),
		P99:  percentileAt(latencies, 0.99),
		P999: percentileAt(latencies, 0.999),
	}

	c.percMu.Lock()
	c.percentiles = p
	c.percMu.Unlock()
	return p
}

// Percentiles returns the last calculated percentiles, or nil if the run
// is still live — spec's Open Question resolution: percentiles requested
// via /stats on a live run are reported as null/"calculating".
func (c *Collector) Percentiles() *Percentiles {
	c.percMu.RLock()
	defer c.percMu.RUnlock()
	return c.percentiles
}

func percentileAt(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// StatusHistogram returns a point-in-time copy of the full per-code
// histogram, for the flush's histogram row and the terminal report.
func (c *Collector) StatusHistogram() map[int]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]uint64, len(c.statusCodeCounts))
	for k, v := range c.statusCodeCounts {
		out[k] = v
	}
	return out
}

// Errors and SuccessSamples return point-in-time copies of the retained
// records, used both by Flush and by GET /run/{id}/report.
func (c *Collector) Errors() []model.ResultRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ResultRecord(nil), c.errors...)
}

func (c *Collector) SuccessSamples() []model.ResultRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ResultRecord(nil), c.successResults...)
}

// ResponseSamples returns the retained full-response samples for deferred
// script validation in load mode.
func (c *Collector) ResponseSamples() []model.ResponseSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ResponseSample(nil), c.responseSamples...)
}

// EstimateMemoryBytes gives admin introspection a rough sense of how much
// memory this run's sampled state occupies, without requiring a GC-aware
// profiler to answer "is this run retaining too much".
func (c *Collector) EstimateMemoryBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	total += int64(len(c.latencies)) * 8
	for _, e := range c.errors {
		total += int64(len(e.ErrorMsg) + len(e.TraceJSON) + 64)
	}
	for _, r := range c.successResults {
		total += int64(len(r.TraceJSON) + 64)
	}
	for _, rs := range c.responseSamples {
		total += int64(len(rs.Body) + 128)
		for k, v := range rs.Headers {
			total += int64(len(k) + len(v))
		}
	}
	return total
}

// Flush writes every retained error and sampled success record to Storage
// in a single transaction (AppendResultsBatch opens one transaction for the
// whole slice), then writes one histogram metric point with a separate
// AppendMetricPoint call outside that transaction. Must complete before the owning RunContext is
// destroyed (spec section 3's lifecycle invariant).
func (c *Collector) Flush(ctx context.Context, store *storage.Store, runID string) error {
	errs := c.Errors()
	successes := c.SuccessSamples()
	records := make([]model.ResultRecord, 0, len(errs)+len(successes))
	records = append(records, errs...)
	records = append(records, successes...)

	if err := store.AppendResultsBatch(ctx, runID, records); err != nil {
		return fmt.Errorf("metricscollector: flush results: %w", err)
	}

	histogram := c.StatusHistogram()
	labels, err := marshalHistogram(histogram)
	if err != nil {
		return fmt.Errorf("metricscollector: marshal histogram: %w", err)
	}
	totals := c.LoadTotals()
	if err := store.AppendMetricPoint(ctx, model.MetricPoint{
		RunID: runID, Timestamp: time.Now(), Name: "status_code_histogram",
		Value: float64(totals.TotalRequests), Labels: labels,
	}); err != nil {
		return fmt.Errorf("metricscollector: flush histogram: %w", err)
	}
	return nil
}

// marshalHistogram serialises the status-code histogram into the
// metrics.labels_json column so the single histogram row carries the full
// per-code breakdown alongside the request-total value.
func marshalHistogram(histogram map[int]uint64) (string, error) {
	byCode := make(map[string]uint64, len(histogram))
	for code, n := range histogram {
		byCode[strconv.Itoa(code)] = n
	}
	data, err := json.Marshal(byCode)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
