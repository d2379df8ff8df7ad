package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/arifur/strong-forward-gateway/events"
	"github.com/arifur/strong-forward-gateway/models"
	log "github.com/sirupsen/logrus"
)

// Executor performs buffered upstream calls with bounded retries
type Executor struct {
	client Client
	events events.Emitter
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
}

func NewExecutor(client Client, emitter events.Emitter) *Executor {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Executor{client: client, events: emitter, now: time.Now, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// outboundHeaders derives the upstream headers from the post-middleware
// request. Bodies are always requested uncompressed.
func outboundHeaders(attempt *models.ForwardAttempt) http.Header {
	h := attempt.ProcessedHeaders.Clone()
	if h == nil {
		h = make(http.Header)
	}
	stripHopHeaders(h)
	h.Del("Host")
	h.Del("Accept-Encoding")
	h.Set("Accept-Encoding", "identity")
	return h
}

// Execute calls backend at target until it answers below 500, the last
// retry answers anything, or retries run out. The final 5xx is returned
// as-is; only transport failures surface as errors.
//
// The first byte is stamped once per forward, by whichever try delivers it
// first. When that is a 5xx that gets retried, the attempt's latency covers
// the discarded try and its status stays receiving through later retries.
func (e *Executor) Execute(ctx context.Context, rule *models.Rule, backend *models.Backend, attempt *models.ForwardAttempt, req *models.ProxyRequest, target string) (*Response, error) {
	out := &OutboundRequest{
		Method: req.Method,
		URL:    target,
		Header: outboundHeaders(attempt),
		Body:   req.Body,
	}
	opts := CallOptions{
		Timeout:     backend.Timeout(),
		MaxDuration: backend.Timeout(),
		OnProgress: func(int64) {
			attempt.MarkFirstByte(e.now())
		},
	}
	// a bounded timeout is the only cutoff for buffered calls
	callCtx := context.WithoutCancel(ctx)

	state := NewRetryState(rule.RetryCount)
	for !state.IsExhausted() {
		if state.ShouldWait() {
			e.events.Emit(ctx, events.TypeRetry, events.Payload{
				RuleID:      rule.ID,
				RuleName:    rule.Name,
				Method:      req.Method,
				Path:        req.Path,
				BackendName: backend.Name,
				Attempt:     state.CurrentAttempt,
				Error:       errString(state.LastError),
			})
			e.sleep(callCtx, rule.RetryInterval())
		}

		resp, err := e.client.Do(callCtx, out, opts)
		if err != nil {
			log.WithFields(log.Fields{
				"rule":    rule.Name,
				"backend": backend.Name,
				"attempt": state.CurrentAttempt,
			}).Warnf("Upstream call failed: %v", err)
			state.RecordFailure(&UpstreamTransportError{Backend: backend.Name, URL: target, Err: err})
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError && !state.IsLastAttempt() {
			log.WithFields(log.Fields{
				"rule":    rule.Name,
				"backend": backend.Name,
				"attempt": state.CurrentAttempt,
			}).Warnf("Upstream answered %d, retrying", resp.StatusCode)
			state.RecordFailure(&UpstreamServerError{Backend: backend.Name, StatusCode: resp.StatusCode})
			continue
		}

		attempt.MarkFirstByte(e.now())
		attempt.RetryCountUsed = state.CurrentAttempt
		timing := resp.Timing
		attempt.UpstreamTiming = &timing
		return resp, nil
	}

	attempt.RetryCountUsed = state.MaxRetries
	if state.LastError != nil {
		return nil, state.LastError
	}
	return nil, ErrRetriesExhausted
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
