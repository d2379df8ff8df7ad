package middleware

import (
	"context"

	"github.com/arifur/strong-forward-gateway/models"
)

// HeaderRewriteMiddleware sets and removes headers on the way up and on the
// way back.
type HeaderRewriteMiddleware struct {
	base
}

type headerRewriteConfig struct {
	RequestSet     map[string]string `mapstructure:"request_set"`
	RequestRemove  []string          `mapstructure:"request_remove"`
	ResponseSet    map[string]string `mapstructure:"response_set"`
	ResponseRemove []string          `mapstructure:"response_remove"`
}

func NewHeaderRewriteMiddleware() *HeaderRewriteMiddleware {
	return &HeaderRewriteMiddleware{base: base{priority: 50}}
}

func (m *HeaderRewriteMiddleware) Schema() Schema {
	return Schema{
		"request_set":     {Type: FieldCollection, Description: "Headers to set on the upstream request"},
		"request_remove":  {Type: FieldArray, Description: "Headers to drop from the upstream request"},
		"response_set":    {Type: FieldCollection, Description: "Headers to set on the client response"},
		"response_remove": {Type: FieldArray, Description: "Headers to drop from the client response"},
	}
}

func (m *HeaderRewriteMiddleware) ProcessRequest(_ context.Context, req *models.ProxyRequest, _ *models.ForwardAttempt, cfg map[string]any) error {
	var c headerRewriteConfig
	if err := decodeConfig(m.Schema(), cfg, &c); err != nil {
		return err
	}
	for _, name := range c.RequestRemove {
		req.Header.Del(name)
	}
	for name, value := range c.RequestSet {
		req.Header.Set(name, value)
	}
	return nil
}

func (m *HeaderRewriteMiddleware) ProcessResponse(_ context.Context, resp *models.ProxyResponse, cfg map[string]any) error {
	var c headerRewriteConfig
	if err := decodeConfig(m.Schema(), cfg, &c); err != nil {
		return err
	}
	for _, name := range c.ResponseRemove {
		resp.Header.Del(name)
	}
	for name, value := range c.ResponseSet {
		resp.Header.Set(name, value)
	}
	return nil
}
