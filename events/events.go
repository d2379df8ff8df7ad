// Package events carries the forwarding lifecycle notifications to the
// observers the host application registers. Events are CloudEvents and
// delivery never blocks the forwarded request.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	TypeBeforeForward = "forward.before"
	TypeAfterForward  = "forward.after"
	TypeRetry         = "forward.retry"
	TypeFallback      = "forward.fallback"

	Source = "strong-forward/proxy"
)

// Payload is the data of every forwarding event
type Payload struct {
	RuleID       int64  `json:"rule_id,omitempty"`
	RuleName     string `json:"rule_name"`
	Method       string `json:"method"`
	Path         string `json:"path"`
	ClientIP     string `json:"client_ip,omitempty"`
	BackendName  string `json:"backend_name,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	StatusCode   int    `json:"status_code,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	FallbackKind string `json:"fallback_kind,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Observer receives events it registered for
type Observer interface {
	ObserverID() string
	OnEvent(ctx context.Context, event cloudevents.Event) error
}

// Emitter is what the forwarding engine writes to
type Emitter interface {
	Emit(ctx context.Context, eventType string, data Payload)
}

// Discard drops every event
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, string, Payload) {}

// FuncObserver adapts a function to Observer
type FuncObserver struct {
	ID string
	Fn func(ctx context.Context, event cloudevents.Event) error
}

func (f FuncObserver) ObserverID() string { return f.ID }

func (f FuncObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.Fn(ctx, event)
}

type registration struct {
	observer   Observer
	eventTypes map[string]bool
}

// Dispatcher fans events out to observers on their own goroutines
type Dispatcher struct {
	mu        sync.RWMutex
	observers map[string]*registration
	wg        sync.WaitGroup
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{observers: make(map[string]*registration)}
}

// Register subscribes o to eventTypes, or to every event when none are given
func (d *Dispatcher) Register(o Observer, eventTypes ...string) {
	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}

	d.mu.Lock()
	d.observers[o.ObserverID()] = &registration{observer: o, eventTypes: types}
	d.mu.Unlock()

	log.WithFields(log.Fields{"observer": o.ObserverID(), "types": eventTypes}).Debug("Observer registered")
}

func (d *Dispatcher) Unregister(o Observer) {
	d.mu.Lock()
	delete(d.observers, o.ObserverID())
	d.mu.Unlock()
}

// Emit builds a CloudEvent and delivers it asynchronously. A nil dispatcher
// discards events.
func (d *Dispatcher) Emit(ctx context.Context, eventType string, data Payload) {
	if d == nil {
		return
	}
	event := NewEvent(eventType, data)

	d.mu.RLock()
	targets := make([]Observer, 0, len(d.observers))
	for _, reg := range d.observers {
		if len(reg.eventTypes) == 0 || reg.eventTypes[eventType] {
			targets = append(targets, reg.observer)
		}
	}
	d.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)
	for _, o := range targets {
		d.wg.Add(1)
		go func(o Observer) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Observer %s panicked on %s: %v", o.ObserverID(), eventType, r)
				}
			}()
			if err := o.OnEvent(ctx, event); err != nil {
				log.Warnf("Observer %s failed on %s: %v", o.ObserverID(), eventType, err)
			}
		}(o)
	}
}

// Wait blocks until every event emitted so far has been delivered
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// NewEvent wraps data in a CloudEvent of the given type
func NewEvent(eventType string, data Payload) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(Source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
		log.Errorf("Failed to encode %s event: %v", eventType, err)
	}
	return event
}

// PayloadOf decodes the data of a forwarding event
func PayloadOf(event cloudevents.Event) (Payload, error) {
	var p Payload
	if err := event.DataAs(&p); err != nil {
		return p, fmt.Errorf("decode %s event: %w", event.Type(), err)
	}
	return p, nil
}
