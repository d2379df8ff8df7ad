package middleware

import (
	"context"

	"github.com/arifur/strong-forward-gateway/models"
	"github.com/google/uuid"
)

const requestIDKey = "request_id"

// RequestIDMiddleware tags every forwarded request with a unique id and echoes
// it on the response.
type RequestIDMiddleware struct {
	base
}

type requestIDConfig struct {
	Header   string `mapstructure:"header"`
	Override bool   `mapstructure:"override"`
}

func NewRequestIDMiddleware() *RequestIDMiddleware {
	return &RequestIDMiddleware{base: base{priority: 100}}
}

func (m *RequestIDMiddleware) Schema() Schema {
	return Schema{
		"header":   {Type: FieldText, Default: "X-Request-Id", Description: "Header carrying the id"},
		"override": {Type: FieldBoolean, Default: false, Description: "Replace an id supplied by the client"},
	}
}

func (m *RequestIDMiddleware) ProcessRequest(ctx context.Context, req *models.ProxyRequest, _ *models.ForwardAttempt, cfg map[string]any) error {
	var c requestIDConfig
	if err := decodeConfig(m.Schema(), cfg, &c); err != nil {
		return err
	}

	id := headerOrDefault(req.Header, c.Header)
	if id == "" || c.Override {
		id = uuid.NewString()
		req.Header.Set(c.Header, id)
	}
	if ex := ExchangeFrom(ctx); ex != nil {
		ex.Values[requestIDKey] = id
	}
	return nil
}

func (m *RequestIDMiddleware) ProcessResponse(ctx context.Context, resp *models.ProxyResponse, cfg map[string]any) error {
	var c requestIDConfig
	if err := decodeConfig(m.Schema(), cfg, &c); err != nil {
		return err
	}
	if ex := ExchangeFrom(ctx); ex != nil && ex.Values[requestIDKey] != "" {
		resp.Header.Set(c.Header, ex.Values[requestIDKey])
	}
	return nil
}
