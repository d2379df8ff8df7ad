package models

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"time"
)

// MaxBodySnippet caps stored request and response bodies
const MaxBodySnippet = 10000

// ErrAttemptFinalized is returned when a completed or failed attempt is asked to move again
var ErrAttemptFinalized = errors.New("forward attempt already finalized")

// AttemptStatus is the lifecycle state of a forward attempt
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSending   AttemptStatus = "sending"
	AttemptReceiving AttemptStatus = "receiving"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
)

// Final reports whether no further transition is allowed
func (s AttemptStatus) Final() bool {
	return s == AttemptCompleted || s == AttemptFailed
}

// BackendSnapshot freezes the identity of a backend at selection time
type BackendSnapshot struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Weight int    `json:"weight"`
}

// UpstreamTiming holds connection phase timings of the last upstream call
type UpstreamTiming struct {
	DNSMs     int64 `json:"dns_ms"`
	ConnectMs int64 `json:"connect_ms"`
	TLSMs     int64 `json:"tls_ms"`
	TTFBMs    int64 `json:"ttfb_ms"`
}

// ForwardAttempt is the audit record of one forwarding attempt. Rule and
// backend fields are snapshots so the history survives later edits.
type ForwardAttempt struct {
	ID int64 `json:"id"`

	RuleID              *int64   `json:"rule_id,omitempty"`
	RuleName            string   `json:"rule_name"`
	RuleSourcePath      string   `json:"rule_source_path"`
	MiddlewaresUsed     []string `json:"middlewares_used"`
	LoadBalanceStrategy string   `json:"load_balance_strategy"`

	RequestTime      time.Time   `json:"request_time"`
	Method           string      `json:"method"`
	Path             string      `json:"path"`
	TargetURL        string      `json:"target_url"`
	OriginalHeaders  http.Header `json:"original_headers"`
	ProcessedHeaders http.Header `json:"processed_headers"`
	RequestBody      string      `json:"request_body,omitempty"`
	RequestSize      int64       `json:"request_size"`

	ResponseStatus  int         `json:"response_status"`
	ResponseHeaders http.Header `json:"response_headers,omitempty"`
	ResponseBody    string      `json:"response_body,omitempty"`
	ResponseSize    int64       `json:"response_size"`

	RetryCountUsed  int            `json:"retry_count_used"`
	FallbackUsed    bool           `json:"fallback_used"`
	FallbackDetails map[string]any `json:"fallback_details,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`

	ClientIP    string `json:"client_ip"`
	UserAgent   string `json:"user_agent"`
	AuthSubject string `json:"auth_subject,omitempty"`

	Status        AttemptStatus `json:"status"`
	SendTime      *time.Time    `json:"send_time,omitempty"`
	FirstByteTime *time.Time    `json:"first_byte_time,omitempty"`
	CompleteTime  *time.Time    `json:"complete_time,omitempty"`

	LatencyMs             *int64 `json:"latency_ms,omitempty"`
	DownloadMs            *int64 `json:"download_ms,omitempty"`
	DurationMs            *int64 `json:"duration_ms,omitempty"`
	BackendResponseTimeMs *int64 `json:"backend_response_time_ms,omitempty"`

	BackendID         *int64            `json:"backend_id,omitempty"`
	BackendName       string            `json:"backend_name,omitempty"`
	BackendURL        string            `json:"backend_url,omitempty"`
	AvailableBackends []BackendSnapshot `json:"available_backends,omitempty"`
	UpstreamTiming    *UpstreamTiming   `json:"upstream_timing,omitempty"`
}

// NewForwardAttempt starts a pending attempt for an inbound request
func NewForwardAttempt(req *ProxyRequest, now time.Time) *ForwardAttempt {
	a := &ForwardAttempt{
		Status:          AttemptPending,
		RequestTime:     now,
		Method:          req.Method,
		Path:            req.Path,
		OriginalHeaders: req.Header.Clone(),
		RequestBody:     CapBody(req.Body),
		RequestSize:     int64(len(req.Body)),
		ClientIP:        req.ClientIP,
		UserAgent:       req.Header.Get("User-Agent"),
	}
	a.ProcessedHeaders = req.Header.Clone()
	return a
}

// AttachRule copies the rule identity into the snapshot fields
func (a *ForwardAttempt) AttachRule(r *Rule) {
	id := r.ID
	a.RuleID = &id
	a.RuleName = r.Name
	a.RuleSourcePath = r.SourcePath
	a.MiddlewaresUsed = r.MiddlewareNames()
	a.LoadBalanceStrategy = string(r.LoadBalance)
	if a.LoadBalanceStrategy == "" {
		a.LoadBalanceStrategy = string(StrategyRoundRobin)
	}
}

// AttachBackend records the chosen backend and the healthy set it was chosen from
func (a *ForwardAttempt) AttachBackend(b *Backend, healthy []*Backend) {
	id := b.ID
	a.BackendID = &id
	a.BackendName = b.Name
	a.BackendURL = b.URL
	a.AvailableBackends = make([]BackendSnapshot, 0, len(healthy))
	for _, h := range healthy {
		a.AvailableBackends = append(a.AvailableBackends, BackendSnapshot{ID: h.ID, Name: h.Name, URL: h.URL, Weight: h.Weight})
	}
}

// SetProcessedRequest records the post-middleware request
func (a *ForwardAttempt) SetProcessedRequest(req *ProxyRequest) {
	a.ProcessedHeaders = NormalizeHeaders(req.Header)
	a.Method = req.Method
}

// SetResponse stores the upstream response, capping the body
func (a *ForwardAttempt) SetResponse(status int, header http.Header, body []byte) {
	a.ResponseStatus = status
	a.ResponseHeaders = header.Clone()
	a.ResponseBody = CapBody(body)
	a.ResponseSize = int64(len(body))
}

// MarkSending moves a pending attempt to sending and stamps the send time.
// A retried attempt re-enters sending with the same send time.
func (a *ForwardAttempt) MarkSending(at time.Time) error {
	if a.Status.Final() {
		return ErrAttemptFinalized
	}
	a.Status = AttemptSending
	if a.SendTime == nil {
		a.SendTime = &at
	}
	a.recompute()
	return nil
}

// MarkFirstByte moves the attempt to receiving on the first response byte.
// It returns false when the first byte was already stamped or the attempt is final.
func (a *ForwardAttempt) MarkFirstByte(at time.Time) bool {
	if a.Status.Final() || a.FirstByteTime != nil {
		return false
	}
	a.Status = AttemptReceiving
	a.FirstByteTime = &at
	a.recompute()
	return true
}

// Complete finalizes the attempt as successful
func (a *ForwardAttempt) Complete(at time.Time) error {
	return a.finalize(AttemptCompleted, at, "")
}

// Fail finalizes the attempt as failed with the given message
func (a *ForwardAttempt) Fail(at time.Time, message string) error {
	return a.finalize(AttemptFailed, at, message)
}

// finalize is the single terminal transition; it stamps the completion time
// and derives every timing field in one step.
func (a *ForwardAttempt) finalize(status AttemptStatus, at time.Time, message string) error {
	if a.Status.Final() {
		return ErrAttemptFinalized
	}
	a.Status = status
	a.CompleteTime = &at
	if message != "" {
		a.ErrorMessage = message
	}
	a.recompute()
	return nil
}

func (a *ForwardAttempt) recompute() {
	if a.SendTime != nil && a.FirstByteTime != nil {
		a.LatencyMs = millis(a.FirstByteTime.Sub(*a.SendTime))
	}
	if a.FirstByteTime != nil && a.CompleteTime != nil {
		a.DownloadMs = millis(a.CompleteTime.Sub(*a.FirstByteTime))
	}
	if a.CompleteTime != nil {
		start := a.RequestTime
		if a.SendTime != nil {
			start = *a.SendTime
			a.BackendResponseTimeMs = millis(a.CompleteTime.Sub(*a.SendTime))
		}
		a.DurationMs = millis(a.CompleteTime.Sub(start))
	}
}

// millis rounds to the nearest millisecond, never below zero
func millis(d time.Duration) *int64 {
	ms := int64(math.Round(float64(d) / float64(time.Millisecond)))
	if ms < 0 {
		ms = 0
	}
	return &ms
}

// CapBody truncates a body to MaxBodySnippet bytes and makes it valid UTF-8
func CapBody(b []byte) string {
	if len(b) > MaxBodySnippet {
		b = b[:MaxBodySnippet]
	}
	return strings.ToValidUTF8(string(b), "")
}

// NormalizeHeaders returns a copy with canonical header names
func NormalizeHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return out
}
