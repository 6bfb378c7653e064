package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all llmcache configuration.
type Config struct {
	Listen    string           `yaml:"listen"`
	Log       LogConfig        `yaml:"log"`
	Cache     CacheConfig      `yaml:"cache"`
	Upstream  UpstreamConfig   `yaml:"upstream"`
	Providers []ProviderConfig `yaml:"providers"`
	Router    RouterConfig     `yaml:"router"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
	// RequestBodies logs inbound request bodies at debug level.
	RequestBodies bool `yaml:"request_bodies"`
}

// Cache backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled bool         `yaml:"enabled"`
	Backend string       `yaml:"backend"`
	DBPath  string       `yaml:"db_path"`
	Badger  BadgerConfig `yaml:"badger"`
	Redis   RedisConfig  `yaml:"redis"`
	// Coalesce makes concurrent identical misses share one upstream call.
	Coalesce       bool          `yaml:"coalesce"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
	// CacheDefaultRoutes caches /v1/chat/completions and /v1/messages as
	// well as the /cache/ prefixed routes.
	CacheDefaultRoutes bool     `yaml:"cache_default_routes"`
	IgnoreFields       []string `yaml:"ignore_fields"`
}

// BadgerConfig configures the badger backend.
type BadgerConfig struct {
	Dir        string        `yaml:"dir"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// UpstreamConfig controls calls to providers.
type UpstreamConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a client-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Provider types.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type"`
}

// Kind returns the provider type, defaulting to openai.
func (p ProviderConfig) Kind() string {
	if p.Type == "" {
		return ProviderOpenAI
	}
	return p.Type
}

// DefaultOpenAIURL is used when OPENAI_BASE_URL is unset.
const DefaultOpenAIURL = "https://api.openai.com"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":9999",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			Enabled:  true,
			Backend:  BackendSQLite,
			DBPath:   "llmcache.db",
			Coalesce: true,
			Badger: BadgerConfig{
				Dir:        "llmcache-badger",
				GCInterval: 10 * time.Minute,
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "llmcache:",
			},
		},
		Upstream: UpstreamConfig{
			Timeout: 10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file, expands environment variables, fills in
// providers from the environment when none are configured and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finish(cfg)
}

// FromEnv returns the default configuration with providers taken from
// OPENAI_BASE_URL, OPENAI_API_KEY and ADDITIONAL_BASE_URLS, and body logging
// from VERBOSE or LOG_REQUEST_BODY.
func FromEnv() (*Config, error) {
	return finish(Default())
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides. VERBOSE or LOG_REQUEST_BODY set to
// a true value turns on request body logging. Providers are added only when
// none are configured; ADDITIONAL_BASE_URLS is a ';' separated list whose
// entries become providers extra1, extra2 and so on, sharing OPENAI_API_KEY.
func (c *Config) ApplyEnv(getenv func(string) string) {
	for _, name := range []string{"VERBOSE", "LOG_REQUEST_BODY"} {
		if on, err := strconv.ParseBool(getenv(name)); err == nil && on {
			c.Log.RequestBodies = true
		}
	}

	if len(c.Providers) > 0 {
		return
	}
	base := getenv("OPENAI_BASE_URL")
	if base == "" {
		base = DefaultOpenAIURL
	}
	key := getenv("OPENAI_API_KEY")
	c.Providers = append(c.Providers, ProviderConfig{Name: ProviderOpenAI, URL: base, APIKey: key, Type: ProviderOpenAI})

	n := 0
	for _, u := range strings.Split(getenv("ADDITIONAL_BASE_URLS"), ";") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		n++
		c.Providers = append(c.Providers, ProviderConfig{
			Name:   fmt.Sprintf("extra%d", n),
			URL:    u,
			APIKey: key,
			Type:   ProviderOpenAI,
		})
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}

	switch c.Cache.Backend {
	case BackendSQLite:
		if c.Cache.DBPath == "" {
			errs = append(errs, errors.New("cache.db_path is required for the sqlite backend"))
		}
	case BackendBadger:
		if c.Cache.Badger.Dir == "" {
			errs = append(errs, errors.New("cache.badger.dir is required for the badger backend"))
		}
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Cache.ReplayInterval < 0 {
		errs = append(errs, errors.New("cache.replay_interval must not be negative"))
	}
	if c.Upstream.Timeout < 0 {
		errs = append(errs, errors.New("upstream.timeout must not be negative"))
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
		}
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("provider %q: url is required", p.Name))
		}
		if k := p.Kind(); k != ProviderOpenAI && k != ProviderAnthropic {
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("provider %q: duplicate name", p.Name))
		}
		seen[p.Name] = true
	}

	for _, r := range c.Router.Routes {
		if r.Model == "" {
			errs = append(errs, errors.New("router route without model"))
		}
		if len(r.Targets) == 0 {
			errs = append(errs, fmt.Errorf("route %q: no targets", r.Model))
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
