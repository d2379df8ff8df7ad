// Package metrics exports forwarding counters to Prometheus. Collectors are
// fed from forwarding events.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/arifur/strong-forward-gateway/events"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector holds the gateway's Prometheus metrics
type Collector struct {
	Registry *prometheus.Registry

	requests  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_requests_total",
			Help: "Forwarded requests by rule and response status class.",
		}, []string{"rule", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_retries_total",
			Help: "Retry attempts by rule.",
		}, []string{"rule"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forward_fallbacks_total",
			Help: "Fallback responses by rule and fallback kind.",
		}, []string{"rule", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forward_duration_seconds",
			Help:    "End to end forward duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"rule"}),
	}
	c.Registry.MustRegister(
		c.requests, c.retries, c.fallbacks, c.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ObserverID() string { return "metrics" }

// OnEvent records one forwarding event
func (c *Collector) OnEvent(_ context.Context, event cloudevents.Event) error {
	p, err := events.PayloadOf(event)
	if err != nil {
		return err
	}

	switch event.Type() {
	case events.TypeAfterForward:
		c.requests.WithLabelValues(p.RuleName, outcome(p.StatusCode)).Inc()
		c.duration.WithLabelValues(p.RuleName).Observe((time.Duration(p.DurationMs) * time.Millisecond).Seconds())
	case events.TypeRetry:
		c.retries.WithLabelValues(p.RuleName).Inc()
	case events.TypeFallback:
		c.requests.WithLabelValues(p.RuleName, "fallback").Inc()
		c.fallbacks.WithLabelValues(p.RuleName, p.FallbackKind).Inc()
	}
	return nil
}

func outcome(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
