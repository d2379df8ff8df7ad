package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	id     string
	mu     sync.Mutex
	events []cloudevents.Event
}

func (c *collector) ObserverID() string { return c.id }

func (c *collector) OnEvent(_ context.Context, e cloudevents.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func TestDispatcherFiltersByType(t *testing.T) {
	d := NewDispatcher()
	all := &collector{id: "all"}
	fallbacks := &collector{id: "fallbacks"}
	d.Register(all)
	d.Register(fallbacks, TypeFallback)

	ctx := context.Background()
	d.Emit(ctx, TypeBeforeForward, Payload{RuleName: "api"})
	d.Emit(ctx, TypeFallback, Payload{RuleName: "api", FallbackKind: "static"})
	d.Wait()

	assert.Len(t, all.events, 2)
	require.Len(t, fallbacks.events, 1)

	e := fallbacks.events[0]
	assert.Equal(t, Source, e.Source())
	assert.Equal(t, cloudevents.VersionV1, e.SpecVersion())
	assert.NoError(t, e.Validate())

	p, err := PayloadOf(e)
	require.NoError(t, err)
	assert.Equal(t, "static", p.FallbackKind)
}

func TestDispatcherSurvivesFailingObservers(t *testing.T) {
	d := NewDispatcher()
	d.Register(FuncObserver{ID: "panics", Fn: func(context.Context, cloudevents.Event) error { panic("boom") }})
	d.Register(FuncObserver{ID: "errors", Fn: func(context.Context, cloudevents.Event) error { return errors.New("nope") }})
	ok := &collector{id: "ok"}
	d.Register(ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Emit(ctx, TypeAfterForward, Payload{RuleName: "api", StatusCode: 200})
	d.Wait()
	assert.Len(t, ok.events, 1)

	d.Unregister(ok)
	d.Emit(context.Background(), TypeAfterForward, Payload{})
	d.Wait()
	assert.Len(t, ok.events, 1)
}

func TestNilDispatcherDiscards(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() { d.Emit(context.Background(), TypeRetry, Payload{}) })
}

func TestLoggingObserver(t *testing.T) {
	for _, typ := range []string{TypeBeforeForward, TypeAfterForward, TypeRetry, TypeFallback} {
		assert.NoError(t, LoggingObserver{}.OnEvent(context.Background(), NewEvent(typ, Payload{RuleName: "api"})))
	}
}
