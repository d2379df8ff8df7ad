// Package routing matches inbound paths against rule patterns and builds
// outbound target URLs.
//
// Four pattern kinds are understood:
//
//	^regex          regular expression, used as written
//	/users/{id}     template, each {name} captures one path segment
//	/static/*       prefix wildcard
//	/api            literal, exact or leading-prefix match
package routing

import (
	"regexp"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

var paramToken = regexp.MustCompile(`\{([^{}/]+)\}`)

type template struct {
	re    *regexp.Regexp
	names []string
}

var (
	regexCache    sync.Map // pattern -> *regexp.Regexp (nil when invalid)
	templateCache sync.Map // pattern -> *template
)

// IsRegex reports whether the pattern is a regular expression
func IsRegex(pattern string) bool {
	return strings.HasPrefix(pattern, "^")
}

// HasParameters reports whether the pattern contains {name} tokens
func HasParameters(pattern string) bool {
	return !IsRegex(pattern) && paramToken.MatchString(pattern)
}

// Matches reports whether path satisfies pattern
func Matches(pattern, path string) bool {
	switch {
	case IsRegex(pattern):
		re := compileRegex(pattern)
		return re != nil && re.MatchString(path)
	case HasParameters(pattern):
		return compileTemplate(pattern).re.MatchString(path)
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	default:
		// literal patterns also accept any path they prefix
		return path == pattern || strings.HasPrefix(path, pattern)
	}
}

// ExtractParameters returns the {name} captures of a template pattern. Any
// other pattern kind, or a non-matching path, yields an empty map.
func ExtractParameters(pattern, path string) map[string]string {
	params := map[string]string{}
	if !HasParameters(pattern) {
		return params
	}
	tpl := compileTemplate(pattern)
	m := tpl.re.FindStringSubmatch(path)
	if m == nil {
		return params
	}
	for i, name := range tpl.names {
		params[name] = m[i+1]
	}
	return params
}

// StripPrefix removes the part of path matched by pattern. Regex patterns
// remove their leftmost match; literal and wildcard patterns remove the
// literal text once.
func StripPrefix(pattern, path string) string {
	if IsRegex(pattern) {
		re := compileRegex(pattern)
		if re == nil {
			return path
		}
		loc := re.FindStringIndex(path)
		if loc == nil {
			return path
		}
		return path[:loc[0]] + path[loc[1]:]
	}
	literal := strings.TrimSuffix(pattern, "*")
	if literal == "" {
		return path
	}
	if strings.HasPrefix(path, literal) {
		return path[len(literal):]
	}
	return strings.Replace(path, literal, "", 1)
}

func compileRegex(pattern string) *regexp.Regexp {
	if v, ok := regexCache.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		log.Warnf("Invalid path regex %q: %v", pattern, err)
		re = nil
	}
	regexCache.Store(pattern, re)
	return re
}

func compileTemplate(pattern string) *template {
	if v, ok := templateCache.Load(pattern); ok {
		return v.(*template)
	}

	var (
		expr  strings.Builder
		names []string
		last  int
	)
	expr.WriteString("^")
	for _, loc := range paramToken.FindAllStringSubmatchIndex(pattern, -1) {
		expr.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		expr.WriteString("([^/]+)")
		names = append(names, pattern[loc[2]:loc[3]])
		last = loc[1]
	}
	expr.WriteString(regexp.QuoteMeta(pattern[last:]))
	expr.WriteString("$")

	tpl := &template{re: regexp.MustCompile(expr.String()), names: names}
	templateCache.Store(pattern, tpl)
	return tpl
}
