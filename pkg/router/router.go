package router

import (
	"errors"
	"fmt"

	"github.com/pario-ai/llmcache/pkg/config"
)

var (
	// ErrNoProvider is returned when no configured provider can serve a query.
	ErrNoProvider = errors.New("router: no provider available")
	// ErrUnknownProvider is returned when a query names a provider that is
	// not configured.
	ErrUnknownProvider = errors.New("router: unknown provider")
)

// Route represents a resolved provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Query describes what a request needs from the router.
type Query struct {
	Model string
	// Provider pins the request to one configured provider by name.
	Provider string
	// Kind restricts routes to one provider type; empty allows any.
	Kind string
}

// Router resolves requested model names to ordered provider+model chains.
type Router struct {
	cfg       *config.Config
	providers map[string]config.ProviderConfig
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	idx := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		idx[p.Name] = p
	}
	return &Router{cfg: cfg, providers: idx}
}

// Resolve returns an ordered list of routes for q.
// A pinned provider yields a single route. If the model matches a configured
// route, the route's targets of the right kind are returned. Otherwise, the
// first provider of the right kind is used with the original model name.
func (r *Router) Resolve(q Query) ([]Route, error) {
	if len(r.cfg.Providers) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrNoProvider)
	}

	alias := r.alias(q.Model)

	if q.Provider != "" {
		p, ok := r.providers[q.Provider]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, q.Provider)
		}
		if !matches(p, q.Kind) {
			return nil, fmt.Errorf("%w: provider %q is not %s", ErrNoProvider, p.Name, q.Kind)
		}
		model := q.Model
		if alias != nil {
			for _, t := range alias.Targets {
				if t.Provider == p.Name && t.Model != "" {
					model = t.Model
					break
				}
			}
		}
		return []Route{{Provider: p, Model: model}}, nil
	}

	if alias != nil {
		var routes []Route
		for _, target := range alias.Targets {
			provider, ok := r.providers[target.Provider]
			if !ok || !matches(provider, q.Kind) {
				continue
			}
			model := target.Model
			if model == "" {
				model = q.Model
			}
			routes = append(routes, Route{Provider: provider, Model: model})
		}
		if len(routes) == 0 {
			return nil, fmt.Errorf("%w: route %q has no usable targets", ErrNoProvider, q.Model)
		}
		return routes, nil
	}

	for _, p := range r.cfg.Providers {
		if matches(p, q.Kind) {
			return []Route{{Provider: p, Model: q.Model}}, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s provider configured", ErrNoProvider, q.Kind)
}

// Default returns the first configured provider of kind.
func (r *Router) Default(kind string) (config.ProviderConfig, bool) {
	for _, p := range r.cfg.Providers {
		if matches(p, kind) {
			return p, true
		}
	}
	return config.ProviderConfig{}, false
}

func (r *Router) alias(model string) *config.RouteConfig {
	for i := range r.cfg.Router.Routes {
		if r.cfg.Router.Routes[i].Model == model {
			return &r.cfg.Router.Routes[i]
		}
	}
	return nil
}

func matches(p config.ProviderConfig, kind string) bool {
	return kind == "" || p.Kind() == kind
}
