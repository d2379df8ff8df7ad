package models

import (
	"context"
	"net/http"
)

// ProxyRequest is an inbound request as seen by the forwarding engine.
// Middlewares may mutate it in place.
type ProxyRequest struct {
	Method   string
	Host     string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	ClientIP string
}

// StreamFunc writes a streamed body to the client connection. It owns the
// upstream stream and must release it on every exit path.
type StreamFunc func(ctx context.Context, w http.ResponseWriter)

// ProxyResponse is what the engine hands back to the inbound server: either
// a buffered body or a deferred stream.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	stream  StreamFunc
	release func()
}

// NewProxyResponse builds a buffered response
func NewProxyResponse(status int, header http.Header, body []byte) *ProxyResponse {
	if header == nil {
		header = make(http.Header)
	}
	return &ProxyResponse{StatusCode: status, Header: header, Body: body}
}

// NewStreamResponse builds a response whose body is produced by fn. release
// is called instead of fn when the response is discarded unsent.
func NewStreamResponse(status int, header http.Header, fn StreamFunc, release func()) *ProxyResponse {
	if header == nil {
		header = make(http.Header)
	}
	return &ProxyResponse{StatusCode: status, Header: header, stream: fn, release: release}
}

// IsStream reports whether the body is streamed
func (r *ProxyResponse) IsStream() bool {
	return r.stream != nil
}

// Send writes the response to w. Streamed bodies are copied incrementally
// until the upstream ends or ctx is cancelled.
func (r *ProxyResponse) Send(ctx context.Context, w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range r.Header {
		dst[k] = v
	}
	if r.stream != nil {
		fn := r.stream
		r.stream, r.release = nil, nil
		w.WriteHeader(r.StatusCode)
		fn(ctx, w)
		return
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Body) > 0 {
		w.Write(r.Body)
	}
}

// Discard releases a stream that will never be sent
func (r *ProxyResponse) Discard() {
	if r.release != nil {
		r.release()
	}
	r.stream, r.release = nil, nil
}
