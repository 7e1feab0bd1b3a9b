// Package routing holds the immutable model-name route table.
package routing

import (
	"errors"
	"fmt"
)

// Wildcard matches any requested model when no exact route applies.
const Wildcard = "*"

// ErrRouteNotFound is returned by Match when no route applies.
var ErrRouteNotFound = errors.New("route not found")

// Provider names accepted for upstream endpoints.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Route maps a requested model name to an upstream endpoint and credentials.
// Routes are immutable after table construction.
type Route struct {
	Name             string
	RequestModel     string
	UpstreamProvider string
	UpstreamBaseURL  string
	UpstreamModel    string
	UpstreamAPIKey   string
	TimeoutSeconds   int
}

// IsWildcard reports whether the route matches any model name.
func (r Route) IsWildcard() bool {
	return r.Name == Wildcard || r.RequestModel == Wildcard
}

// Table is an ordered, read-only sequence of routes.
type Table struct {
	routes []Route
}

// NewTable validates the route set: route names must be unique and at most
// one wildcard route may exist.
func NewTable(routes []Route) (*Table, error) {
	names := make(map[string]bool, len(routes))
	wildcards := 0
	for _, route := range routes {
		if route.Name == "" {
			return nil, errors.New("route with empty name")
		}
		if names[route.Name] {
			return nil, fmt.Errorf("duplicate route name: %s", route.Name)
		}
		names[route.Name] = true
		if route.IsWildcard() {
			wildcards++
		}
	}
	if wildcards > 1 {
		return nil, errors.New("multiple wildcard routes")
	}
	return &Table{routes: append([]Route(nil), routes...)}, nil
}

// Match selects a route for a requested model name: first by name, then by
// request_model alias, then the wildcard route.
func (t *Table) Match(requested string) (Route, error) {
	for _, route := range t.routes {
		if route.Name == requested {
			return route, nil
		}
	}
	for _, route := range t.routes {
		if route.RequestModel == requested {
			return route, nil
		}
	}
	for _, route := range t.routes {
		if route.IsWildcard() {
			return route, nil
		}
	}
	return Route{}, fmt.Errorf("%w: %s", ErrRouteNotFound, requested)
}

// Routes returns a copy of the route list.
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Len reports the number of routes.
func (t *Table) Len() int {
	return len(t.routes)
}
