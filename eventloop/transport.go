package eventloop

import (
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/http2"
)

// TransportConfig groups the tunables for newTransport, mirroring the
// teacher client package's transportDefaults struct.
type TransportConfig struct {
	MaxPerHost        int
	MaxGlobal         int
	DNSCacheTTL       time.Duration
	KeepAliveIdle     time.Duration
	KeepAliveInterval time.Duration
}

// newTransport builds the per-worker *http.Transport: HTTP/2 multiplexing
// configured via golang.org/x/net/http2 (the "multi-handle" analogue, per
// the teacher's client/h2_transport.go), a DNS-cache-backed dialer, and
// a round tripper that decodes both brotli and gzip responses itself (the
// transport's built-in gzip handling is disabled).
func newTransport(cfg TransportConfig) (http.RoundTripper, error) {
	dialer := &net.Dialer{
		KeepAlive: cfg.KeepAliveInterval,
		Timeout:   10 * time.Second,
	}
	cache := newDNSCache(cfg.DNSCacheTTL)

	t := &http.Transport{
		Proxy:                 nil,
		DialContext:           cache.dialContext(dialer),
		MaxIdleConns:          cfg.MaxGlobal,
		MaxIdleConnsPerHost:   cfg.MaxPerHost,
		MaxConnsPerHost:       cfg.MaxPerHost,
		IdleConnTimeout:       cfg.KeepAliveIdle,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// DisableCompression is true because brotliRoundTripper below
		// sets its own Accept-Encoding and does the decoding itself;
		// letting the transport additionally negotiate gzip would
		// double-advertise Accept-Encoding.
		DisableCompression: true,
	}

	if err := http2.ConfigureTransports(t); err != nil {
		return nil, fmt.Errorf("eventloop: configure http2: %w", err)
	}

	return &brotliRoundTripper{next: t}, nil
}

// brotliRoundTripper transparently decodes Content-Encoding: br and gzip
// responses. The wrapped transport runs with DisableCompression set, so
// its own automatic gzip handling is off and both encodings are decoded
// here.
type brotliRoundTripper struct {
	next http.RoundTripper
}

func (t *brotliRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if r.Header.Get("Accept-Encoding") == "" {
		r.Header.Set("Accept-Encoding", "gzip, br")
	}

	resp, err := t.next.RoundTrip(r)
	if err != nil {
		return nil, err
	}

	switch resp.Header.Get("Content-Encoding") {
	case "br":
		resp.Body = &decodingBody{inner: resp.Body, reader: brotli.NewReader(resp.Body)}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	case "gzip":
		gz, gzErr := gzip.NewReader(resp.Body)
		if gzErr == nil {
			resp.Body = &decodingBody{inner: resp.Body, reader: gz}
			resp.Header.Del("Content-Encoding")
			resp.Header.Del("Content-Length")
			resp.ContentLength = -1
		}
	}
	return resp, nil
}

// decodingBody adapts an io.Reader (the decompressor) to io.ReadCloser,
// closing the original compressed body underneath it.
type decodingBody struct {
	inner  io.ReadCloser
	reader io.Reader
}

func (b *decodingBody) Read(p []byte) (int, error) { return b.reader.Read(p) }
func (b *decodingBody) Close() error                { return b.inner.Close() }
