package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/arifur/strong-forward-gateway/events"
	"github.com/arifur/strong-forward-gateway/models"
	log "github.com/sirupsen/logrus"
)

const (
	defaultStaticContent = "Service temporarily unavailable"
	genericContent       = "Service unavailable"
	backupTimeout        = 10 * time.Second
)

// Fallback produces the degraded response served when a forward fails
type Fallback struct {
	client Client
	events events.Emitter
}

func NewFallback(client Client, emitter events.Emitter) *Fallback {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Fallback{client: client, events: emitter}
}

// Respond returns the rule's fallback response for cause and a description
// of what was served.
func (f *Fallback) Respond(ctx context.Context, rule *models.Rule, req *models.ProxyRequest, cause error) (*models.ProxyResponse, map[string]any) {
	f.events.Emit(ctx, events.TypeFallback, events.Payload{
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		Method:       req.Method,
		Path:         req.Path,
		ClientIP:     req.ClientIP,
		FallbackKind: string(rule.FallbackKind),
		Error:        errString(cause),
	})

	switch rule.FallbackKind {
	case models.FallbackStatic:
		status := rule.FallbackInt("status", http.StatusServiceUnavailable)
		if status < 100 || status > 599 {
			status = http.StatusServiceUnavailable
		}
		h := http.Header{}
		h.Set("Content-Type", rule.FallbackString("content_type", "text/plain; charset=utf-8"))
		h.Set("X-Fallback", "true")
		content := rule.FallbackString("content", defaultStaticContent)
		return models.NewProxyResponse(status, h, []byte(content)), map[string]any{"kind": "static", "status": status}

	case models.FallbackBackup:
		resp, err := f.backup(ctx, rule)
		if err == nil {
			return resp, map[string]any{"kind": "backup", "status": resp.StatusCode, "url": rule.FallbackString("url", "")}
		}
		log.WithField("rule", rule.Name).Warnf("Backup fallback failed: %v", err)
	}

	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Fallback", "true")
	return models.NewProxyResponse(http.StatusServiceUnavailable, h, []byte(genericContent)),
		map[string]any{"kind": "generic", "status": http.StatusServiceUnavailable}
}

func (f *Fallback) backup(ctx context.Context, rule *models.Rule) (*models.ProxyResponse, error) {
	target := rule.FallbackString("url", "")
	if target == "" {
		return nil, errBackupURL
	}
	timeout := rule.Timeout()
	if timeout <= 0 {
		timeout = backupTimeout
	}

	resp, err := f.client.Do(context.WithoutCancel(ctx), &OutboundRequest{
		Method: http.MethodGet,
		URL:    target,
		Header: http.Header{"Accept-Encoding": {"identity"}},
	}, CallOptions{Timeout: timeout, MaxDuration: timeout})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &UpstreamServerError{Backend: "backup", StatusCode: resp.StatusCode}
	}

	h := resp.Header.Clone()
	stripHopHeaders(h)
	h.Set("X-Fallback", "true")
	return models.NewProxyResponse(resp.StatusCode, h, resp.Body), nil
}
