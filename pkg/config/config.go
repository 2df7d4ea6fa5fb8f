package config

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"gopkg.in/yaml.v3"

	"github.com/r9s-ai/reqpool/pkg/httpclient"
)

const (
	DefaultPath            = "reqpool.yaml"
	defaultDefinitionsFile = "./requests.yaml"
	defaultListen          = "127.0.0.1:3400"
	defaultMetricsPath     = "/metrics"
	defaultDebounceMs      = 300
)

type OAuth2Config struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

type TransportConfig struct {
	DisableCookies     bool              `yaml:"disable_cookies"`
	Proxy              string            `yaml:"proxy"`
	CAFile             string            `yaml:"ca_file"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
	UserAgent          string            `yaml:"user_agent"`
	Headers            map[string]string `yaml:"headers"`
	OAuth2             OAuth2Config      `yaml:"oauth2"`
}

type Config struct {
	Definitions struct {
		File string `yaml:"file"`
	} `yaml:"definitions"`

	// Values are seeded into the pool before anything is resolved.
	Values map[string]any `yaml:"values"`

	Transport TransportConfig `yaml:"transport"`

	Cache struct {
		// ResponseTTLMs bounds response reuse; 0 keeps responses for the pool lifetime.
		ResponseTTLMs int `yaml:"response_ttl_ms"`
	} `yaml:"cache"`

	Server struct {
		Listen      string `yaml:"listen"`
		MetricsPath string `yaml:"metrics_path"`
	} `yaml:"server"`

	Watch struct {
		DebounceMs int `yaml:"debounce_ms"`
	} `yaml:"watch"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg
}

func Load(path string) (*Config, error) {
	// #nosec G304 -- path is provided by trusted config/flag.
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %q", path)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadIfExists behaves like Load but falls back to Default when path does not exist.
func LoadIfExists(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		if err := validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, err
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Definitions.File) == "" {
		cfg.Definitions.File = defaultDefinitionsFile
	}
	if cfg.Values == nil {
		cfg.Values = map[string]any{}
	}
	if cfg.Transport.Headers == nil {
		cfg.Transport.Headers = map[string]string{}
	}
	if strings.TrimSpace(cfg.Server.Listen) == "" {
		cfg.Server.Listen = defaultListen
	}
	if strings.TrimSpace(cfg.Server.MetricsPath) == "" {
		cfg.Server.MetricsPath = defaultMetricsPath
	}
	if cfg.Watch.DebounceMs <= 0 {
		cfg.Watch.DebounceMs = defaultDebounceMs
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("REQPOOL_DEFINITIONS_FILE")); v != "" {
		cfg.Definitions.File = v
	}
	if v := strings.TrimSpace(os.Getenv("REQPOOL_PROXY")); v != "" {
		cfg.Transport.Proxy = v
	}
	if v := strings.TrimSpace(os.Getenv("REQPOOL_OAUTH2_CLIENT_SECRET")); v != "" {
		cfg.Transport.OAuth2.ClientSecret = v
	}
	cfg.Transport.DisableCookies = envBool("REQPOOL_DISABLE_COOKIES", cfg.Transport.DisableCookies)
	if n, ok := envInt("REQPOOL_RESPONSE_TTL_MS"); ok {
		cfg.Cache.ResponseTTLMs = n
	}
	if v := strings.TrimSpace(os.Getenv("REQPOOL_LISTEN")); v != "" {
		cfg.Server.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("REQPOOL_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func validate(cfg *Config) error {
	// Keep this validation lightweight; the proxy URL is parsed again when the client is built.
	if p := strings.TrimSpace(cfg.Transport.Proxy); p != "" && !strings.Contains(p, "://") {
		return errors.New("transport.proxy must be a URL (e.g. http://127.0.0.1:7890)")
	}
	o := cfg.Transport.OAuth2
	if strings.TrimSpace(o.TokenURL) != "" && strings.TrimSpace(o.ClientID) == "" {
		return errors.New("transport.oauth2.client_id is required when transport.oauth2.token_url is set")
	}
	if strings.TrimSpace(o.TokenURL) == "" && (o.ClientID != "" || o.ClientSecret != "") {
		return errors.New("transport.oauth2.token_url is required when oauth2 credentials are set")
	}
	if cfg.Cache.ResponseTTLMs < 0 {
		return errors.New("cache.response_ttl_ms must be >= 0")
	}
	if !strings.HasPrefix(cfg.Server.MetricsPath, "/") {
		return errors.New("server.metrics_path must start with /")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("logging.level %q is invalid (expect: debug|info|warn|error)", cfg.Logging.Level)
	}
	return nil
}

// HTTPOptions maps the transport section onto httpclient.Options.
func (c *Config) HTTPOptions() httpclient.Options {
	t := c.Transport
	opts := httpclient.Options{
		DisableCookies:     t.DisableCookies,
		Proxy:              strings.TrimSpace(t.Proxy),
		CAFile:             strings.TrimSpace(t.CAFile),
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if strings.TrimSpace(t.OAuth2.TokenURL) != "" {
		opts.OAuth2 = &httpclient.OAuth2Options{
			ClientID:     t.OAuth2.ClientID,
			ClientSecret: t.OAuth2.ClientSecret,
			TokenURL:     strings.TrimSpace(t.OAuth2.TokenURL),
			Scopes:       append([]string(nil), t.OAuth2.Scopes...),
		}
	}
	return opts
}

// Header returns the static headers sent with every request. userAgent is
// used when transport.user_agent is empty.
func (c *Config) Header(userAgent string) http.Header {
	h := make(http.Header, len(c.Transport.Headers)+1)
	for k, v := range c.Transport.Headers {
		h.Set(k, v)
	}
	ua := strings.TrimSpace(c.Transport.UserAgent)
	if ua == "" {
		ua = userAgent
	}
	if ua != "" {
		h.Set("User-Agent", ua)
	}
	return h
}

func (c *Config) ResponseTTL() time.Duration {
	return time.Duration(c.Cache.ResponseTTLMs) * time.Millisecond
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}
