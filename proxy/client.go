package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/arifur/strong-forward-gateway/models"
)

const defaultChunkSize = 4096

// OutboundRequest is a fully built upstream call
type OutboundRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// CallOptions bound a buffered call. OnProgress is called with the running
// byte count each time body bytes arrive.
type CallOptions struct {
	Timeout     time.Duration
	MaxDuration time.Duration
	OnProgress  func(downloaded int64)
}

// StreamOptions bound the setup of a streaming call
type StreamOptions struct {
	HeaderTimeout time.Duration
	ChunkSize     int
}

// Response is a buffered upstream answer
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Timing     models.UpstreamTiming
}

// Client is the outbound transport used by the executor, the streaming
// forwarder and the backup fallback.
type Client interface {
	Do(ctx context.Context, req *OutboundRequest, opts CallOptions) (*Response, error)
	Stream(ctx context.Context, req *OutboundRequest, opts StreamOptions) (*StreamResponse, error)
}

// HTTPClient implements Client on net/http
type HTTPClient struct {
	transport *http.Transport
}

func NewHTTPClient() *HTTPClient {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DisableCompression = true
	t.MaxIdleConnsPerHost = 64
	return &HTTPClient{transport: t}
}

func (c *HTTPClient) client(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: c.transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// CloseIdleConnections drops pooled upstream connections
func (c *HTTPClient) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

func (c *HTTPClient) Do(ctx context.Context, req *OutboundRequest, opts CallOptions) (*Response, error) {
	if opts.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.MaxDuration)
		defer cancel()
	}

	timing := &tracer{start: time.Now()}
	httpReq, err := newHTTPRequest(httptrace.WithClientTrace(ctx, timing.trace()), req)
	if err != nil {
		return nil, err
	}

	resp, err := c.client(opts.Timeout).Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	if _, err := io.Copy(&body, &progressReader{r: resp.Body, fn: opts.OnProgress}); err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body.Bytes(),
		Timing:     timing.result(),
	}, nil
}

func (c *HTTPClient) Stream(ctx context.Context, req *OutboundRequest, opts StreamOptions) (*StreamResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := newHTTPRequest(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	var headerTimer *time.Timer
	if opts.HeaderTimeout > 0 {
		headerTimer = time.AfterFunc(opts.HeaderTimeout, cancel)
	}
	resp, err := c.client(0).Do(httpReq)
	if headerTimer != nil && !headerTimer.Stop() && err == nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("upstream headers: %w", context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	size := opts.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	return &StreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		body:       resp.Body,
		cancel:     cancel,
		chunkSize:  size,
	}, nil
}

func newHTTPRequest(ctx context.Context, req *OutboundRequest) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	return httpReq, nil
}

// StreamResponse is an upstream answer whose body is read incrementally
type StreamResponse struct {
	StatusCode int
	Header     http.Header

	body      io.ReadCloser
	cancel    context.CancelFunc
	chunkSize int
}

// NewStreamResponse wraps an arbitrary body, mainly for tests and custom
// clients.
func NewStreamResponse(status int, header http.Header, body io.ReadCloser, chunkSize int) *StreamResponse {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &StreamResponse{StatusCode: status, Header: header, body: body, chunkSize: chunkSize}
}

// Chunks yields body chunks until EOF or the first error. A chunk is only
// valid until the next iteration.
func (s *StreamResponse) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, s.chunkSize)
		for {
			n, err := s.body.Read(buf)
			if n > 0 && !yield(buf[:n], nil) {
				return
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// Close releases the upstream connection. It is safe to call twice.
func (s *StreamResponse) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.body.Close()
}

type progressReader struct {
	r     io.Reader
	fn    func(int64)
	total int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.fn != nil {
		p.total += int64(n)
		p.fn(p.total)
	}
	return n, err
}

// tracer collects connection phase timings for one call. Dial callbacks may
// run on several goroutines.
type tracer struct {
	mu                        sync.Mutex
	start                     time.Time
	dnsStart, dnsDone         time.Time
	connectStart, connectDone time.Time
	tlsStart, tlsDone         time.Time
	firstByte                 time.Time
}

func (t *tracer) stamp(field *time.Time) {
	t.mu.Lock()
	if field.IsZero() {
		*field = time.Now()
	}
	t.mu.Unlock()
}

func (t *tracer) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart:             func(httptrace.DNSStartInfo) { t.stamp(&t.dnsStart) },
		DNSDone:              func(httptrace.DNSDoneInfo) { t.stamp(&t.dnsDone) },
		ConnectStart:         func(string, string) { t.stamp(&t.connectStart) },
		ConnectDone:          func(string, string, error) { t.stamp(&t.connectDone) },
		TLSHandshakeStart:    func() { t.stamp(&t.tlsStart) },
		TLSHandshakeDone:     func(tls.ConnectionState, error) { t.stamp(&t.tlsDone) },
		GotFirstResponseByte: func() { t.stamp(&t.firstByte) },
	}
}

func (t *tracer) result() models.UpstreamTiming {
	t.mu.Lock()
	defer t.mu.Unlock()
	span := func(a, b time.Time) int64 {
		if a.IsZero() || b.IsZero() || b.Before(a) {
			return 0
		}
		return b.Sub(a).Milliseconds()
	}
	return models.UpstreamTiming{
		DNSMs:     span(t.dnsStart, t.dnsDone),
		ConnectMs: span(t.connectStart, t.connectDone),
		TLSMs:     span(t.tlsStart, t.tlsDone),
		TTFBMs:    span(t.start, t.firstByte),
	}
}
