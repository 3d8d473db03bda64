package eventloop

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/vayuerr"
)

// buildHTTPRequest translates a model.Request into a *http.Request,
// encoding the body according to its Mode.
func buildHTTPRequest(ctx context.Context, req *model.Request) (*http.Request, error) {
	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, vayuerr.Wrap(vayuerr.KindEngineError, "encode request body", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), req.URL, body)
	if err != nil {
		return nil, vayuerr.Wrap(vayuerr.KindInvalidURL, fmt.Sprintf("invalid request: %s %s", req.Method, req.URL), err)
	}

	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	return httpReq, nil
}

func encodeBody(b *model.Body) (io.Reader, string, error) {
	if b == nil {
		return nil, "", nil
	}
	switch b.Mode {
	case model.BodyNone:
		return nil, "", nil
	case model.BodyText, model.BodyGraphQL:
		ct := "text/plain; charset=utf-8"
		if b.Mode == model.BodyGraphQL {
			ct = "application/json"
		}
		return strings.NewReader(b.Text), ct, nil
	case model.BodyJSON:
		return strings.NewReader(b.Text), "application/json", nil
	case model.BodyBinary:
		// Text already holds the decoded bytes (UnmarshalJSON decodes the
		// base64 wire form), so it is sent as-is.
		return bytes.NewReader([]byte(b.Text)), "application/octet-stream", nil
	case model.BodyFormURLEncoded:
		form := url.Values{}
		for k, v := range b.Form {
			form.Set(k, v)
		}
		return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil
	case model.BodyFormMultipart:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, v := range b.Form {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}
		for _, f := range b.Files {
			part, err := w.CreateFormFile(f.FieldName, f.FileName)
			if err != nil {
				return nil, "", err
			}
			if _, err := part.Write(f.Data); err != nil {
				return nil, "", err
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	default:
		return nil, "", fmt.Errorf("unknown body mode %q", b.Mode)
	}
}

// timingTrace accumulates httptrace.ClientTrace callbacks into a
// model.TimingBreakdown, mirroring curl's per-phase timing (spec's
// multi-handle transport note) using the standard library's tracing hook.
type timingTrace struct {
	start, dnsStart, connectStart, tlsStart, firstByte time.Time
	dnsMs, connectMs, tlsMs, firstByteMs               float64
}

func newTimingTrace() (*timingTrace, *httptrace.ClientTrace) {
	tt := &timingTrace{start: time.Now()}
	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { tt.dnsStart = time.Now() },
		DNSDone: func(httptrace.DNSDoneInfo) {
			if !tt.dnsStart.IsZero() {
				tt.dnsMs = msSince(tt.dnsStart)
			}
		},
		ConnectStart: func(string, string) { tt.connectStart = time.Now() },
		ConnectDone: func(string, string, error) {
			if !tt.connectStart.IsZero() {
				tt.connectMs = msSince(tt.connectStart)
			}
		},
		TLSHandshakeStart: func() { tt.tlsStart = time.Now() },
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			if !tt.tlsStart.IsZero() {
				tt.tlsMs = msSince(tt.tlsStart)
			}
		},
		GotFirstResponseByte: func() {
			tt.firstByte = time.Now()
			tt.firstByteMs = msSince(tt.start)
		},
	}
	return tt, trace
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}

func (tt *timingTrace) finish(downloadStart time.Time) model.TimingBreakdown {
	total := msSince(tt.start)
	download := msSince(downloadStart)
	return model.TimingBreakdown{
		DNSMs:       tt.dnsMs,
		ConnectMs:   tt.connectMs,
		TLSMs:       tt.tlsMs,
		FirstByteMs: tt.firstByteMs,
		DownloadMs:  download,
		TotalMs:     total,
	}
}

// httptraceWithClientTrace attaches trace to ctx via httptrace.WithClientTrace.
func httptraceWithClientTrace(ctx context.Context, trace *httptrace.ClientTrace) context.Context {
	return httptrace.WithClientTrace(ctx, trace)
}

// maxResponseBody bounds how much of a response body is read into memory;
// a load-testing engine dispatching thousands of requests per second must
// not let one misbehaving target exhaust process memory.
const maxResponseBody = 16 << 20

func readAllLimited(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxResponseBody))
}

func classifyError(err error) *vayuerr.Error {
	if e, ok := vayuerr.As(err); ok {
		return e
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context canceled"):
		return vayuerr.Wrap(vayuerr.KindCancelled, "request cancelled", err)
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "Client.Timeout"):
		return vayuerr.Wrap(vayuerr.KindTimeout, "request timed out", err)
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "lookup"):
		return vayuerr.Wrap(vayuerr.KindDNSError, "DNS resolution failed", err)
	case strings.Contains(msg, "x509"), strings.Contains(msg, "tls:"), strings.Contains(msg, "certificate"):
		return vayuerr.Wrap(vayuerr.KindSSLError, "TLS handshake failed", err)
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connect:"), strings.Contains(msg, "EOF"):
		return vayuerr.Wrap(vayuerr.KindConnectionFailed, "connection failed", err)
	default:
		return vayuerr.Wrap(vayuerr.KindEngineError, "request failed", err)
	}
}
