package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	sqlitecache "github.com/pario-ai/llmcache/pkg/cache/sqlite"
	"github.com/pario-ai/llmcache/pkg/config"
	"github.com/pario-ai/llmcache/pkg/telemetry"
)

func testConfig(providers ...config.ProviderConfig) *config.Config {
	cfg := config.Default()
	cfg.Providers = providers
	return cfg
}

func setupProxy(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	c, err := sqlitecache.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	m, err := NewMetrics(nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, c, m, opts...)
}

func post(srv http.Handler, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func chatUpstream(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected upstream path %s", r.URL.Path)
		}
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			fl := w.(http.Flusher)
			for _, tok := range []string{"Hel", "lo"} {
				fmt.Fprintf(w, "data: {\"model\":%q,\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", req.Model, tok)
				fl.Flush()
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"chatcmpl-123","model":%q,"choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}]}`, req.Model)
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func TestChatCompletions(t *testing.T) {
	var calls atomic.Int32
	upstream := chatUpstream(t, &calls)
	srv := setupProxy(t, testConfig(config.ProviderConfig{Name: "test", URL: upstream.URL, APIKey: "sk-provider"}))

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	w := post(srv, "/cache/v1/chat/completions", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Cache") != "miss" {
		t.Error("expected cache miss on first request")
	}

	// Second request should be cached
	w2 := post(srv, "/cache/chat/completions", body)
	if w2.Header().Get("X-Cache") != "hit" {
		t.Error("expected cache hit on second request")
	}
	if w2.Body.String() != w.Body.String() {
		t.Errorf("replayed body differs:\n%s\n%s", w2.Body.String(), w.Body.String())
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls.Load())
	}
}

func TestStreamingCompletionsReplay(t *testing.T) {
	var calls atomic.Int32
	upstream := chatUpstream(t, &calls)
	srv := setupProxy(t, testConfig(config.ProviderConfig{Name: "test", URL: upstream.URL}))

	body := `{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	first := post(srv, "/cache/v1/chat/completions", body)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	if ct := first.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}

	second := post(srv, "/cache/v1/chat/completions", body)
	if second.Header().Get("X-Cache") != "hit" {
		t.Fatalf("expected hit, got %q", second.Header().Get("X-Cache"))
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay is not byte identical:\n%q\n%q", second.Body.String(), first.Body.String())
	}

	var deltas []string
	sc := bufio.NewScanner(strings.NewReader(second.Body.String()))
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "data: {") {
			deltas = append(deltas, sc.Text())
		}
	}
	if len(deltas) != 2 || !strings.HasSuffix(second.Body.String(), "data: [DONE]\n\n") {
		t.Errorf("unexpected replay framing: %q", second.Body.String())
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls.Load())
	}
}

func TestDefaultRoutesBypassCache(t *testing.T) {
	var calls atomic.Int32
	upstream := chatUpstream(t, &calls)
	srv := setupProxy(t, testConfig(config.ProviderConfig{Name: "test", URL: upstream.URL}))

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	for i := 0; i < 2; i++ {
		w := post(srv, "/v1/chat/completions", body)
		if w.Header().Get("X-Cache") != "bypass" {
			t.Errorf("expected bypass, got %q", w.Header().Get("X-Cache"))
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 upstream calls, got %d", calls.Load())
	}

	// A bypass must not fill the cache either.
	if w := post(srv, "/cache/v1/chat/completions", body); w.Header().Get("X-Cache") != "miss" {
		t.Errorf("expected miss after bypasses, got %q", w.Header().Get("X-Cache"))
	}
}

func TestCacheDefaultRoutes(t *testing.T) {
	var calls atomic.Int32
	upstream := chatUpstream(t, &calls)
	cfg := testConfig(config.ProviderConfig{Name: "test", URL: upstream.URL})
	cfg.Cache.CacheDefaultRoutes = true
	srv := setupProxy(t, cfg)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	post(srv, "/v1/chat/completions", body)
	if w := post(srv, "/cache/v1/chat/completions", body); w.Header().Get("X-Cache") != "hit" {
		t.Errorf("expected hit, got %q", w.Header().Get("X-Cache"))
	}
}

func TestCacheDisabled(t *testing.T) {
	var calls atomic.Int32
	upstream := chatUpstream(t, &calls)
	cfg := testConfig(config.ProviderConfig{Name: "test", URL: upstream.URL})
	cfg.Cache.Enabled = false
	srv := setupProxy(t, cfg)

	body := `{"model":"gpt-4","messages":[]}`
	post(srv, "/cache/v1/chat/completions", body)
	w := post(srv, "/cache/v1/chat/completions", body)
	if w.Header().Get("X-Cache") != "bypass" || calls.Load() != 2 {
		t.Errorf("expected uncached bypass, got %q after %d calls", w.Header().Get("X-Cache"), calls.Load())
	}
}

func TestInvalidRequestBody(t *testing.T) {
	srv := setupProxy(t, testConfig(config.ProviderConfig{Name: "test", URL: "http://127.0.0.1:1"}))

	for name, body := range map[string]string{
		"not json":      `{"model":`,
		"missing model": `{"messages":[]}`,
		"bad messages":  `{"model":"gpt-4","messages":"hi"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := post(srv, "/cache/v1/chat/completions", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), `"type":"llmcache_error"`) {
				t.Errorf("unexpected error body: %s", w.Body.String())
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := setupProxy(t, testConfig(config.ProviderConfig{Name: "test", URL: "http://127.0.0.1:1"}))
	req := httptest.NewRequest(http.MethodGet, "/cache/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := upstream.URL
	upstream.Close()

	srv := setupProxy(t, testConfig(config.ProviderConfig{Name: "test", URL: url}))
	w := post(srv, "/cache/v1/chat/completions", `{"model":"gpt-4","messages":[]}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
}

func TestProviderFailover(t *testing.T) {
	var failing atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failing.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	var calls atomic.Int32
	good := chatUpstream(t, &calls)

	cfg := testConfig(
		config.ProviderConfig{Name: "primary", URL: bad.URL},
		config.ProviderConfig{Name: "backup", URL: good.URL},
	)
	cfg.Router.Routes = []config.RouteConfig{{
		Model: "fast",
		Targets: []config.RouteTarget{
			{Provider: "primary", Model: "gpt-4o-mini"},
			{Provider: "backup", Model: "gpt-4o"},
		},
	}}
	srv := setupProxy(t, cfg)

	w := post(srv, "/cache/v1/chat/completions", `{"model":"fast","messages":[]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"model":"gpt-4o"`) {
		t.Errorf("expected backup model in response: %s", w.Body.String())
	}
	if failing.Load() != 1 || calls.Load() != 1 {
		t.Errorf("expected one call to each provider, got %d and %d", failing.Load(), calls.Load())
	}
}

func TestCredentialsForwarding(t *testing.T) {
	var gotAuth atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	srv := setupProxy(t, testConfig(config.ProviderConfig{Name: "test", URL: upstream.URL + "/v1", APIKey: "sk-provider"}))

	post(srv, "/v1/chat/completions", `{"model":"gpt-4","messages":[]}`)
	if got := gotAuth.Load(); got != "Bearer sk-provider" {
		t.Errorf("expected provider key, got %v", got)
	}

	post(srv, "/v1/chat/completions", `{"model":"gpt-4","messages":[]}`, "Authorization", "Bearer sk-client")
	if got := gotAuth.Load(); got != "Bearer sk-client" {
		t.Errorf("expected client key, got %v", got)
	}
}

func TestAnthropicMessages(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" {
			t.Errorf("expected x-api-key, got %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("expected anthropic-version header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Hi\"}}\n\n")
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer upstream.Close()

	srv := setupProxy(t, testConfig(
		config.ProviderConfig{Name: "openai", URL: "http://127.0.0.1:1"},
		config.ProviderConfig{Name: "claude", URL: upstream.URL, APIKey: "sk-ant", Type: "anthropic"},
	))

	body := `{"model":"claude-sonnet-4-5","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	first := post(srv, "/cache/v1/messages", body)
	second := post(srv, "/cache/v1/messages", body)

	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	if second.Header().Get("X-Cache") != "hit" || second.Body.String() != first.Body.String() {
		t.Errorf("expected identical hit, got %q", second.Header().Get("X-Cache"))
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls.Load())
	}
}

func TestProviderHeader(t *testing.T) {
	var a, b atomic.Int32
	upA := chatUpstream(t, &a)
	upB := chatUpstream(t, &b)
	srv := setupProxy(t, testConfig(
		config.ProviderConfig{Name: "a", URL: upA.URL},
		config.ProviderConfig{Name: "deepseek", URL: upB.URL},
	))

	body := `{"model":"gpt-4","messages":[]}`
	post(srv, "/cache/v1/chat/completions", body)
	w := post(srv, "/cache/v1/chat/completions", body, "X-Provider", "deepseek")
	if w.Header().Get("X-Cache") != "miss" {
		t.Errorf("providers must not share entries, got %q", w.Header().Get("X-Cache"))
	}
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("expected one call per provider, got %d and %d", a.Load(), b.Load())
	}

	if w := post(srv, "/cache/v1/chat/completions", body, "X-Provider", "nope"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown provider, got %d", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	srv := setupProxy(t, testConfig(config.ProviderConfig{Name: "test", URL: "http://127.0.0.1:1"}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Header().Get("X-Request-ID") != "abc-123" {
		t.Errorf("expected echoed request id, got %q", w.Header().Get("X-Request-ID"))
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if len(w.Header().Get("X-Request-ID")) != 36 {
		t.Errorf("expected generated uuid, got %q", w.Header().Get("X-Request-ID"))
	}
	if w.Body.String() != `{"status":"ok"}` {
		t.Errorf("unexpected health body %s", w.Body.String())
	}
}

func TestCORS(t *testing.T) {
	srv := setupProxy(t, testConfig(config.ProviderConfig{Name: "test", URL: "http://127.0.0.1:1"}))

	req := httptest.NewRequest(http.MethodOptions, "/cache/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "authorization, content-type")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("unexpected allow origin %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "authorization, content-type" {
		t.Errorf("unexpected allow headers %q", got)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Errorf("POST not allowed: %q", w.Header().Get("Access-Control-Allow-Methods"))
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Body.String() != `{"status":"ok"}` {
		t.Errorf("unexpected health body %s", w.Body.String())
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("expected credentials to be allowed")
	}
	if !strings.Contains(w.Header().Get("Access-Control-Expose-Headers"), "X-Cache") {
		t.Errorf("X-Cache not exposed: %q", w.Header().Get("Access-Control-Expose-Headers"))
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("no CORS headers expected without an Origin")
	}
}

func TestModelsPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-provider" {
			t.Errorf("expected provider key, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","data":[{"id":"gpt-4","object":"model"}]}`)
	}))
	defer upstream.Close()

	srv := setupProxy(t, testConfig(config.ProviderConfig{Name: "test", URL: upstream.URL, APIKey: "sk-provider"}))
	for _, path := range []string{"/models", "/v1/models", "/cache/models"} {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"gpt-4"`) {
			t.Errorf("%s: unexpected response %d %s", path, w.Code, w.Body.String())
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	var calls atomic.Int32
	upstream := chatUpstream(t, &calls)

	tp, err := telemetry.New()
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewMetrics(tp.Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := sqlitecache.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	srv := New(testConfig(config.ProviderConfig{Name: "test", URL: upstream.URL}), c, m, WithMetricsHandler(tp.Handler()))
	post(srv, "/cache/v1/chat/completions", `{"model":"gpt-4","messages":[]}`)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "llmcache_lookups") {
		t.Errorf("lookups metric missing:\n%s", w.Body.String())
	}
}

func TestJoinURL(t *testing.T) {
	tests := []struct{ base, path, want string }{
		{"https://api.openai.com", "/v1/chat/completions", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/", "/v1/chat/completions", "https://api.openai.com/v1/chat/completions"},
		{"https://openrouter.ai/api/v1", "/v1/chat/completions", "https://openrouter.ai/api/v1/chat/completions"},
		{"https://dashscope.aliyuncs.com/compatible-mode/v1/", "/v1/models", "https://dashscope.aliyuncs.com/compatible-mode/v1/models"},
	}
	for _, tt := range tests {
		if got := joinURL(tt.base, tt.path); got != tt.want {
			t.Errorf("joinURL(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}
