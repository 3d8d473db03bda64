package model

import "time"

// ErrorCode classifies why a request failed, mirroring the taxonomy in
// vayuerr.Kind. Duplicated here (as a plain string) so that model stays
// free of a dependency on the error package and so the value round-trips
// cleanly through Storage and the wire without caring about Go error
// semantics.
type ErrorCode string

const (
	ErrNone             ErrorCode = ""
	ErrInvalidURL       ErrorCode = "InvalidUrl"
	ErrInvalidMethod    ErrorCode = "InvalidMethod"
	ErrTimeout          ErrorCode = "Timeout"
	ErrConnectionFailed ErrorCode = "ConnectionFailed"
	ErrDNSError         ErrorCode = "DnsError"
	ErrSSLError         ErrorCode = "SslError"
	ErrCancelled        ErrorCode = "Cancelled"
	ErrScriptError      ErrorCode = "ScriptError"
	ErrEngineError      ErrorCode = "EngineError"
)

// ResultRecord is one completed request's outcome as accumulated by the
// Metrics Collector and written once to Storage at flush.
type ResultRecord struct {
	RunID       string    `json:"runId"`
	Seq         int64     `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	StatusCode  int       `json:"statusCode"`
	LatencyMS   float64   `json:"latencyMs"`
	ErrorCode   ErrorCode `json:"errorCode,omitempty"`
	ErrorMsg    string    `json:"errorMessage,omitempty"`
	TraceJSON   string    `json:"traceJson,omitempty"`
}

// ResponseSample is a full captured response retained for deferred
// post-run script validation. Sampled at a configurable rate and bounded
// by a hard cap; once the cap is reached further samples are dropped while
// counting continues (spec's "drop and keep counting" resolution).
type ResponseSample struct {
	RunID      string            `json:"runId"`
	Timestamp  time.Time         `json:"timestamp"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
	LatencyMS  float64           `json:"latencyMs"`
}

// MetricName enumerates the time-series metrics periodically written during
// a run for charting.
type MetricName string

const (
	MetricRPS           MetricName = "rps"
	MetricConcurrency   MetricName = "concurrency"
	MetricAvgLatencyMS  MetricName = "avg_latency_ms"
	MetricErrorRate     MetricName = "error_rate"
	MetricRequestsTotal MetricName = "requests_total"
)

// MetricPoint is one periodic time-series sample written during a run.
type MetricPoint struct {
	RunID     string     `json:"runId"`
	Timestamp time.Time  `json:"timestamp"`
	Name      MetricName `json:"name"`
	Value     float64    `json:"value"`
	Labels    string     `json:"labels,omitempty"` // serialised JSON object
}
