package events

import (
	"context"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	log "github.com/sirupsen/logrus"
)

// LoggingObserver writes every forwarding event to the application log
type LoggingObserver struct{}

func (LoggingObserver) ObserverID() string { return "logging" }

func (LoggingObserver) OnEvent(_ context.Context, event cloudevents.Event) error {
	p, err := PayloadOf(event)
	if err != nil {
		return err
	}

	entry := log.WithFields(log.Fields{
		"event":  event.Type(),
		"rule":   p.RuleName,
		"method": p.Method,
		"path":   p.Path,
	})
	if p.BackendName != "" {
		entry = entry.WithField("backend", p.BackendName)
	}

	switch event.Type() {
	case TypeRetry:
		entry.WithField("attempt", p.Attempt).Warn("Retrying forward")
	case TypeFallback:
		entry.WithFields(log.Fields{"kind": p.FallbackKind, "error": p.Error}).Warn("Fallback triggered")
	case TypeAfterForward:
		entry.WithFields(log.Fields{"status": p.StatusCode, "duration_ms": p.DurationMs}).Info("Forward completed")
	default:
		entry.Debug("Forwarding request")
	}
	return nil
}
