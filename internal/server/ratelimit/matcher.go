package ratelimit

import (
	"net/url"
	"strings"
)

// Route is an endpoint resolved for one request.
type Route struct {
	Config *EndpointConfig
	// Key names the bucket shared by every request that resolves to this route.
	Key string
}

// healthRoute is never limited.
var healthRoute = Route{Config: &EndpointConfig{}, Key: "GET /health"}

// MatchEndpoint resolves a request to an endpoint configuration. Patterns are
// matched segment by segment, and a "{name}" segment matches any single value, so
// every task id of /v1/tasks/{id}/complete shares one bucket per client. When the
// config names a ScopeParam, the value of that query parameter joins the key, so
// event streams of different jobs are limited apart. It returns false when no
// pattern matches.
func MatchEndpoint(method, path string, query url.Values, configs []EndpointConfig) (Route, bool) {
	if method == "GET" && path == "/health" {
		return healthRoute, true
	}

	segments := splitPath(path)
	for i := range configs {
		ec := &configs[i]
		if ec.Method != method || !matchSegments(splitPath(ec.Path), segments) {
			continue
		}
		key := method + " " + ec.Path
		if ec.ScopeParam != "" {
			key += "?" + ec.ScopeParam + "=" + query.Get(ec.ScopeParam)
		}
		return Route{Config: ec, Key: key}, true
	}
	return Route{}, false
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

func matchSegments(pattern, segments []string) bool {
	if len(pattern) != len(segments) {
		return false
	}
	for i, p := range pattern {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if p != segments[i] {
			return false
		}
	}
	return true
}
