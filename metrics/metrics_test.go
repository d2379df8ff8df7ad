package metrics

import (
	"context"
	"testing"

	"github.com/arifur/strong-forward-gateway/events"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsEvents(t *testing.T) {
	c := New()
	ctx := context.Background()

	require.NoError(t, c.OnEvent(ctx, events.NewEvent(events.TypeAfterForward, events.Payload{RuleName: "api", StatusCode: 200, DurationMs: 12})))
	require.NoError(t, c.OnEvent(ctx, events.NewEvent(events.TypeAfterForward, events.Payload{RuleName: "api", StatusCode: 503})))
	require.NoError(t, c.OnEvent(ctx, events.NewEvent(events.TypeRetry, events.Payload{RuleName: "api", Attempt: 1})))
	require.NoError(t, c.OnEvent(ctx, events.NewEvent(events.TypeFallback, events.Payload{RuleName: "api", FallbackKind: "static"})))
	require.NoError(t, c.OnEvent(ctx, events.NewEvent(events.TypeBeforeForward, events.Payload{RuleName: "api"})))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("api", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("api", "5xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("api", "fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries.WithLabelValues("api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fallbacks.WithLabelValues("api", "static")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "4xx", outcome(418))
	assert.Equal(t, "unknown", outcome(0))
}
