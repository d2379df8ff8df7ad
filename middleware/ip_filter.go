package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/arifur/strong-forward-gateway/models"
	"github.com/gobwas/glob"
	log "github.com/sirupsen/logrus"
)

// IPFilterMiddleware allows or denies clients by address. Patterns may be
// exact addresses, CIDR blocks or globs such as 10.0.*.*.
type IPFilterMiddleware struct {
	base
	noResponse

	globs sync.Map // pattern -> glob.Glob (nil when invalid)
}

type ipFilterConfig struct {
	Mode     string   `mapstructure:"mode"`
	Patterns []string `mapstructure:"patterns"`
}

func NewIPFilterMiddleware() *IPFilterMiddleware {
	return &IPFilterMiddleware{base: base{priority: 95}}
}

func (m *IPFilterMiddleware) Schema() Schema {
	return Schema{
		"mode":     {Type: FieldChoice, Default: "deny", Choices: []string{"allow", "deny"}},
		"patterns": {Type: FieldArray, Required: true, Description: "Addresses, CIDR blocks or globs"},
	}
}

func (m *IPFilterMiddleware) ProcessRequest(_ context.Context, req *models.ProxyRequest, _ *models.ForwardAttempt, cfg map[string]any) error {
	var c ipFilterConfig
	if err := decodeConfig(m.Schema(), cfg, &c); err != nil {
		return err
	}

	matched := false
	for _, p := range c.Patterns {
		if m.matches(strings.TrimSpace(p), req.ClientIP) {
			matched = true
			break
		}
	}

	switch {
	case c.Mode == "allow" && !matched:
		return Reject(http.StatusForbidden, "client %s is not allowed", req.ClientIP)
	case c.Mode != "allow" && matched:
		return Reject(http.StatusForbidden, "client %s is denied", req.ClientIP)
	}
	return nil
}

func (m *IPFilterMiddleware) matches(pattern, clientIP string) bool {
	if pattern == "" {
		return false
	}

	if strings.Contains(pattern, "/") {
		_, ipNet, err := net.ParseCIDR(pattern)
		if err != nil {
			log.Warnf("Invalid CIDR pattern: %s", pattern)
			return false
		}
		ip := net.ParseIP(clientIP)
		return ip != nil && ipNet.Contains(ip)
	}

	if strings.ContainsAny(pattern, "*?[{") {
		g := m.compile(pattern)
		return g != nil && g.Match(clientIP)
	}

	return pattern == clientIP
}

func (m *IPFilterMiddleware) compile(pattern string) glob.Glob {
	if v, ok := m.globs.Load(pattern); ok {
		g, _ := v.(glob.Glob)
		return g
	}
	g, err := glob.Compile(pattern, '.', ':')
	if err != nil {
		log.Warnf("Invalid IP glob %q: %v", pattern, err)
		m.globs.Store(pattern, nil)
		return nil
	}
	m.globs.Store(pattern, g)
	return g
}
