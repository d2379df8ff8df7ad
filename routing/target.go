package routing

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/arifur/strong-forward-gateway/models"
)

// BuildTargetURL computes the outbound URL for a request forwarded by rule
// to backend.
//
// Template rules substitute captured parameters into the backend URL and
// ignore strip-prefix. Other rules append the (optionally stripped) request
// path to the backend URL. The original query string is always carried over.
func BuildTargetURL(req *models.ProxyRequest, rule *models.Rule, backend *models.Backend) (string, error) {
	var target string
	if HasParameters(rule.SourcePath) {
		target = backend.URL
		for name, value := range ExtractParameters(rule.SourcePath, req.Path) {
			target = strings.ReplaceAll(target, "{"+name+"}", value)
		}
	} else {
		path := req.Path
		if rule.StripPrefix {
			path = StripPrefix(rule.SourcePath, path)
		}
		target = singleJoiningSlash(backend.URL, path)
	}

	if req.RawQuery != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.RawQuery
	}

	if _, err := url.Parse(target); err != nil {
		return "", fmt.Errorf("invalid target url %q: %w", target, err)
	}
	return target, nil
}

func singleJoiningSlash(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
