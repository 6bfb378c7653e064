package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pario-ai/llmcache/pkg/cache"
	"github.com/pario-ai/llmcache/pkg/config"
	"github.com/pario-ai/llmcache/pkg/fingerprint"
	"github.com/pario-ai/llmcache/pkg/models"
	"github.com/pario-ai/llmcache/pkg/router"
)

// RequestIDHeader is echoed back on every response.
const RequestIDHeader = "X-Request-ID"

// ProviderHeader pins a request to a configured provider.
const ProviderHeader = "X-Provider"

// Server is the llmcache HTTP front end.
type Server struct {
	cfg     *config.Config
	orch    *Orchestrator
	caller  *HTTPCaller
	router  *router.Router
	log     *zap.Logger
	metrics http.Handler
	client  *http.Client
	mux     *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetricsHandler serves h on the configured metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.client = c }
}

// New creates a Server. A nil store, or cache.enabled false, serves every
// request uncached. m may be nil.
func New(cfg *config.Config, store cache.Store, m *Metrics, opts ...Option) *Server {
	s := &Server{cfg: cfg, router: router.New(cfg), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: cfg.Upstream.Timeout}
	}
	if !cfg.Cache.Enabled {
		store = nil
	}

	s.caller = NewHTTPCaller(s.client, s.router, s.log)
	s.orch = NewOrchestrator(Options{
		Store:          store,
		Fingerprinter:  fingerprint.New(cfg.Cache.IgnoreFields),
		Coalesce:       cfg.Cache.Coalesce,
		ReplayInterval: cfg.Cache.ReplayInterval,
		Logger:         s.log,
		Metrics:        m,
	})

	chat := s.handleCompletion(models.EndpointChatCompletions, true)
	messages := s.handleCompletion(models.EndpointMessages, true)
	s.mux.HandleFunc("/cache/v1/chat/completions", chat)
	s.mux.HandleFunc("/cache/chat/completions", chat)
	s.mux.HandleFunc("/cache/v1/messages", messages)

	cacheDefault := cfg.Cache.CacheDefaultRoutes
	s.mux.HandleFunc("/v1/chat/completions", s.handleCompletion(models.EndpointChatCompletions, cacheDefault))
	s.mux.HandleFunc("/chat/completions", s.handleCompletion(models.EndpointChatCompletions, cacheDefault))
	s.mux.HandleFunc("/v1/messages", s.handleCompletion(models.EndpointMessages, cacheDefault))

	s.mux.HandleFunc("/models", s.handleModels)
	s.mux.HandleFunc("/v1/models", s.handleModels)
	s.mux.HandleFunc("/cache/models", s.handleModels)
	s.mux.HandleFunc("/healthz", handleHealth)
	if s.metrics != nil && cfg.Metrics.Enabled {
		s.mux.Handle(cfg.Metrics.Path, s.metrics)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(RequestIDHeader, id)
	}
	w.Header().Set(RequestIDHeader, id)

	allowCORS(w, r)
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// allowCORS lets browsers on any origin call the proxy with credentials.
func allowCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Expose-Headers", CacheHeader+", "+RequestIDHeader)
	h.Add("Vary", "Origin")
	if r.Method == http.MethodOptions {
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
			h.Set("Access-Control-Allow-Headers", req)
		}
		h.Set("Access-Control-Max-Age", "600")
	}
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("llmcache listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCompletion(endpoint models.Endpoint, cached bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		start := time.Now()
		log := s.log.With(
			zap.String("request_id", r.Header.Get(RequestIDHeader)),
			zap.String("path", r.URL.Path),
		)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body.Close()
		if s.cfg.Log.RequestBodies {
			log.Debug("request body", zap.ByteString("body", body))
		}

		view, err := models.ParseRequest(body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if view.Model == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}

		req := &Request{
			Endpoint: endpoint,
			Model:    view.Model,
			Body:     body,
			Provider: r.Header.Get(ProviderHeader),
			Header:   r.Header,
		}
		routes, err := s.caller.Routes(req)
		if err != nil {
			if errors.Is(err, router.ErrUnknownProvider) {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSONError(w, http.StatusBadGateway, "no providers available")
			return
		}

		tw := &trackingWriter{ResponseWriter: w}
		outcome, err := s.orch.Handle(r.Context(), tw, &Call{
			Scope:    models.Scope(endpoint, routes[0].Provider.Name),
			Body:     body,
			NoCache:  !cached,
			Upstream: s.caller.Forward(req, routes),
			Log:      log,
		})
		switch {
		case errors.Is(err, fingerprint.ErrInvalidRequest):
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil && !tw.wroteHeader:
			writeJSONError(tw, http.StatusBadGateway, "upstream request failed")
		}

		log.Info("request served",
			zap.String("model", view.Model),
			zap.Bool("stream", view.Stream),
			zap.String("cache", string(outcome)),
			zap.Int("status", tw.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.NamedError("error", err),
		)
	}
}

// handleModels relays model listings to the default OpenAI-type provider.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	provider, ok := s.router.Default(config.ProviderOpenAI)
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "no providers configured")
		return
	}
	target, err := url.Parse(joinURL(provider.URL, "/v1/models"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "invalid provider URL")
		return
	}

	key := extractAPIKey(r.Header)
	if key == "" {
		key = provider.APIKey
	}
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = target.Path
			req.Host = target.Host
			if key != "" {
				req.Header.Set("Authorization", "Bearer "+key)
			}
		},
		Transport: s.client.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn("models passthrough failed", zap.Error(err))
			writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		},
	}
	proxy.ServeHTTP(w, r)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"llmcache_error","code":%d}}`, message, code)
}

// trackingWriter records whether a response was started.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
	status      int
}

func (w *trackingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *trackingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Status returns the status sent, or 0 if none was.
func (w *trackingWriter) Status() int { return w.status }
