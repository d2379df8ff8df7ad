// Package middleware implements the forwarding pipeline: a registry of named
// request/response transformers that rules bind to, and the per-request chain
// that runs them in priority order.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"unicode"

	"github.com/arifur/strong-forward-gateway/models"
)

// ErrRequestRejected is the default cause of a MiddlewareAbortError
var ErrRequestRejected = errors.New("request rejected by middleware")

// Middleware transforms a request before it is forwarded and the response
// after it returns. cfg is the rule's configuration for this middleware and
// is never nil.
type Middleware interface {
	ProcessRequest(ctx context.Context, req *models.ProxyRequest, attempt *models.ForwardAttempt, cfg map[string]any) error
	ProcessResponse(ctx context.Context, resp *models.ProxyResponse, cfg map[string]any) error
	// Priority orders the request phase, higher first
	Priority() int
	Enabled() bool
}

// Configurable middlewares publish a field schema used to validate rule
// bindings and to render configuration forms.
type Configurable interface {
	Schema() Schema
}

// Aliased middlewares choose their registry name explicitly
type Aliased interface {
	Alias() string
}

// MiddlewareAbortError stops a forward from the request phase
type MiddlewareAbortError struct {
	Middleware string
	StatusCode int
	Err        error
}

func (e *MiddlewareAbortError) Error() string {
	return fmt.Sprintf("middleware %s aborted request: %v", e.Middleware, e.Err)
}

func (e *MiddlewareAbortError) Unwrap() error { return e.Err }

// Reject builds an abort error carrying an HTTP status hint
func Reject(status int, format string, args ...any) error {
	return &MiddlewareAbortError{StatusCode: status, Err: fmt.Errorf("%w: %s", ErrRequestRejected, fmt.Sprintf(format, args...))}
}

// Alias returns the registry name of m: its declared alias, or its type name
// without the Middleware suffix in snake case (IPFilterMiddleware -> ip_filter).
func Alias(m Middleware) string {
	if a, ok := m.(Aliased); ok {
		return a.Alias()
	}
	t := reflect.TypeOf(m)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return toSnake(strings.TrimSuffix(t.Name(), "Middleware"))
}

func toSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

type exchangeKey struct{}

// Exchange is the per-forward state shared by both phases of a chain
type Exchange struct {
	Request *models.ProxyRequest
	Attempt *models.ForwardAttempt
	Values  map[string]string
}

// ExchangeFrom returns the exchange a chain attached to ctx, or nil
func ExchangeFrom(ctx context.Context) *Exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*Exchange)
	return ex
}

func withExchange(ctx context.Context, ex *Exchange) context.Context {
	return context.WithValue(ctx, exchangeKey{}, ex)
}

// base supplies Priority/Enabled for the built-in middlewares
type base struct {
	priority int
	disabled bool
}

func (b base) Priority() int { return b.priority }
func (b base) Enabled() bool { return !b.disabled }

// noResponse is embedded by middlewares that only act on the request
type noResponse struct{}

func (noResponse) ProcessResponse(context.Context, *models.ProxyResponse, map[string]any) error {
	return nil
}

func headerOrDefault(h http.Header, name string) string {
	return strings.TrimSpace(h.Get(name))
}
