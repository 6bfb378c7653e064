package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pario-ai/llmcache/pkg/config"
	"github.com/pario-ai/llmcache/pkg/models"
	"github.com/pario-ai/llmcache/pkg/router"
)

// defaultAnthropicVersion is sent when the client does not pick one.
const defaultAnthropicVersion = "2023-06-01"

// Request is a client request to forward upstream.
type Request struct {
	Endpoint models.Endpoint
	Model    string
	Body     []byte
	// Provider pins the request to a configured provider.
	Provider string
	// Header holds the inbound client headers.
	Header http.Header
}

// HTTPCaller forwards requests to configured providers, trying each route
// of the router's chain in turn.
type HTTPCaller struct {
	client *http.Client
	router *router.Router
	log    *zap.Logger
}

// NewHTTPCaller creates an HTTPCaller. A nil client uses http.DefaultClient.
func NewHTTPCaller(client *http.Client, r *router.Router, log *zap.Logger) *HTTPCaller {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPCaller{client: client, router: r, log: log}
}

// Routes resolves the provider chain for req.
func (c *HTTPCaller) Routes(req *Request) ([]router.Route, error) {
	kind := config.ProviderOpenAI
	if req.Endpoint == models.EndpointMessages {
		kind = config.ProviderAnthropic
	}
	return c.router.Resolve(router.Query{Model: req.Model, Provider: req.Provider, Kind: kind})
}

// Forward returns a Caller that sends req along routes.
func (c *HTTPCaller) Forward(req *Request, routes []router.Route) Caller {
	return CallerFunc(func(ctx context.Context) (*http.Response, error) {
		return c.call(ctx, req, routes)
	})
}

// call tries each route until one answers below 500. The last route's
// response is returned whatever its status.
func (c *HTTPCaller) call(ctx context.Context, req *Request, routes []router.Route) (*http.Response, error) {
	var lastErr error
	for i, route := range routes {
		resp, err := c.do(ctx, req, route)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Warn("upstream failed, trying next",
				zap.String("provider", route.Provider.Name), zap.Error(err))
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 && i < len(routes)-1 {
			resp.Body.Close()
			c.log.Warn("upstream returned server error, trying next",
				zap.String("provider", route.Provider.Name), zap.Int("status", resp.StatusCode))
			lastErr = fmt.Errorf("provider %s returned %d", route.Provider.Name, resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("all upstream providers failed: %w", lastErr)
}

func (c *HTTPCaller) do(ctx context.Context, req *Request, route router.Route) (*http.Response, error) {
	body := req.Body
	if route.Model != "" && route.Model != req.Model {
		body = rewriteModel(body, route.Model)
	}

	target := joinURL(route.Provider.URL, req.Endpoint.Path())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if accept := req.Header.Get("Accept"); accept != "" {
		httpReq.Header.Set("Accept", accept)
	}
	setCredentials(httpReq.Header, req.Header, route.Provider)

	return c.client.Do(httpReq)
}

// setCredentials forwards the client's own key when it sent one and falls
// back to the provider's configured key.
func setCredentials(out, in http.Header, p config.ProviderConfig) {
	key := extractAPIKey(in)
	if key == "" {
		key = p.APIKey
	}

	if p.Kind() == config.ProviderAnthropic {
		if key != "" {
			out.Set("x-api-key", key)
		}
		version := in.Get("anthropic-version")
		if version == "" {
			version = defaultAnthropicVersion
		}
		out.Set("anthropic-version", version)
		if beta := in.Get("anthropic-beta"); beta != "" {
			out.Set("anthropic-beta", beta)
		}
		return
	}
	if key != "" {
		out.Set("Authorization", "Bearer "+key)
	}
}

func extractAPIKey(h http.Header) string {
	auth := h.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := h.Get("x-api-key"); key != "" {
		return key
	}
	return ""
}

// joinURL appends path to base, dropping a /v1 that base already ends in.
func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1/") {
		path = strings.TrimPrefix(path, "/v1")
	}
	return base + path
}

// rewriteModel replaces the "model" field in a JSON body with the given model name.
func rewriteModel(body []byte, model string) []byte {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return body
	}
	modelJSON, err := json.Marshal(model)
	if err != nil {
		return body
	}
	raw["model"] = modelJSON
	out, err := json.Marshal(raw)
	if err != nil {
		return body
	}
	return out
}
