package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/arifur/strong-forward-gateway/models"
)

// Chain runs an ordered set of middlewares for one forward. The request
// phase runs in chain order and the response phase in exact reverse.
type Chain struct {
	items    []Named
	exchange *Exchange
}

// NewChain keeps the given order
func NewChain(items []Named) *Chain {
	return &Chain{items: items, exchange: &Exchange{Values: map[string]string{}}}
}

// Names lists the chain in request order
func (c *Chain) Names() []string {
	names := make([]string, len(c.items))
	for i, it := range c.items {
		names[i] = it.Name
	}
	return names
}

func (c *Chain) Len() int { return len(c.items) }

// ProcessRequest runs the request phase. The first error stops the chain and
// is returned as a *MiddlewareAbortError.
func (c *Chain) ProcessRequest(ctx context.Context, req *models.ProxyRequest, attempt *models.ForwardAttempt, configs map[string]map[string]any) error {
	c.exchange.Request = req
	c.exchange.Attempt = attempt
	ctx = withExchange(ctx, c.exchange)

	for _, it := range c.items {
		if err := it.Middleware.ProcessRequest(ctx, req, attempt, configFor(configs, it.Name)); err != nil {
			return asAbort(it.Name, err)
		}
	}
	return nil
}

// ProcessResponse runs the response phase in reverse chain order
func (c *Chain) ProcessResponse(ctx context.Context, resp *models.ProxyResponse, configs map[string]map[string]any) error {
	ctx = withExchange(ctx, c.exchange)
	for i := len(c.items) - 1; i >= 0; i-- {
		it := c.items[i]
		if err := it.Middleware.ProcessResponse(ctx, resp, configFor(configs, it.Name)); err != nil {
			return asAbort(it.Name, err)
		}
	}
	return nil
}

func configFor(configs map[string]map[string]any, name string) map[string]any {
	if cfg, ok := configs[name]; ok && cfg != nil {
		return cfg
	}
	return map[string]any{}
}

func asAbort(name string, err error) error {
	var abort *MiddlewareAbortError
	if errors.As(err, &abort) {
		if abort.Middleware == "" {
			abort.Middleware = name
		}
		if abort.StatusCode == 0 {
			abort.StatusCode = http.StatusBadGateway
		}
		return abort
	}
	return &MiddlewareAbortError{Middleware: name, StatusCode: http.StatusBadGateway, Err: err}
}
