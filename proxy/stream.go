package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/arifur/strong-forward-gateway/models"
	"github.com/tidwall/gjson"
)

const eventStreamType = "text/event-stream"

// upstream headers the local transport reframes
var reframedHeaders = []string{"Transfer-Encoding", "Content-Encoding", "Content-Length"}

// IsEventStreamRequest reports whether the client asked for server-sent events
func IsEventStreamRequest(req *models.ProxyRequest) bool {
	return strings.Contains(strings.ToLower(req.Header.Get("Accept")), eventStreamType)
}

// ShouldStream decides whether a request is forwarded in streaming mode
func ShouldStream(rule *models.Rule, req *models.ProxyRequest) bool {
	if rule.StreamEnabled || IsEventStreamRequest(req) {
		return true
	}
	if req.RawQuery != "" {
		if q, err := url.ParseQuery(req.RawQuery); err == nil {
			switch strings.ToLower(q.Get("stream")) {
			case "1", "true", "yes":
				return true
			}
		}
	}
	if len(req.Body) > 0 && gjson.ValidBytes(req.Body) {
		return gjson.GetBytes(req.Body, "stream").Type == gjson.True
	}
	return false
}

// streamHeaders copies upstream headers for a streamed response and sets
// the ones that keep intermediaries from buffering it.
func streamHeaders(upstream http.Header, eventStream bool) http.Header {
	h := upstream.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for _, name := range reframedHeaders {
		h.Del(name)
	}
	h.Set("X-Accel-Buffering", "no")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	if eventStream && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/event-stream; charset=utf-8")
	}
	return h
}

// sseErrorFrame renders the final frame sent to an event-stream client
func sseErrorFrame(msg string) []byte {
	quoted, _ := json.Marshal(msg)
	return []byte(fmt.Sprintf("data: {\"error\": %s}\n\n", quoted))
}

// setupErrorResponse answers a stream that failed before any byte was sent
func setupErrorResponse(eventStream bool, err error) *models.ProxyResponse {
	if eventStream {
		h := streamHeaders(nil, true)
		return models.NewProxyResponse(http.StatusBadGateway, h, sseErrorFrame(err.Error()))
	}
	h := http.Header{"Content-Type": {"text/plain; charset=utf-8"}}
	return models.NewProxyResponse(http.StatusBadGateway, h, []byte("Bad Gateway"))
}

// capture keeps at most limit bytes of a streamed body for the attempt log
type capture struct {
	buf   bytes.Buffer
	limit int
	total int64
}

func (c *capture) Write(p []byte) {
	c.total += int64(len(p))
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		c.buf.Write(p)
	}
}

// pump copies upstream chunks to w, flushing after each one. It returns the
// error that stopped it, ErrClientAborted when the client went away, or nil
// at end of stream. onFirst runs once, before the first chunk is written.
func pump(ctx context.Context, w http.ResponseWriter, upstream *StreamResponse, snippet *capture, onFirst func()) error {
	flusher, _ := w.(http.Flusher)
	first := true
	for chunk, err := range upstream.Chunks() {
		if ctx.Err() != nil {
			return ErrClientAborted
		}
		if err != nil {
			return &StreamError{Err: err}
		}
		if len(chunk) == 0 {
			continue
		}
		if first {
			first = false
			onFirst()
		}
		if _, werr := w.Write(chunk); werr != nil {
			return ErrClientAborted
		}
		if flusher != nil {
			flusher.Flush()
		}
		snippet.Write(chunk)
	}
	if ctx.Err() != nil {
		return ErrClientAborted
	}
	return nil
}
