// Package formulaconfig loads the gateway's configuration from the environment,
// a JSON file, a Lua file, or a Go value, and converts it into the immutable
// settings consumed by authn, formula and storage.
package formulaconfig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keksclan/formulagate/authn"
	"github.com/keksclan/formulagate/formula"
	"github.com/keksclan/formulagate/internal/oauth/discovery"
	"github.com/keksclan/formulagate/internal/storage"
)

// Config is the complete process configuration.
type Config struct {
	Okta          OktaConfig
	Introspection IntrospectionConfig
	Policy        PolicyConfig
	Server        ServerConfig
	RateLimit     RateLimitConfig
	Redis         RedisConfig
	Log           LogConfig
	Metrics       MetricsConfig
}

type OktaConfig struct {
	Domain       string `env:"OKTA_DOMAIN,required"`
	ClientID     string `env:"CLIENT_ID,required"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

type IntrospectionConfig struct {
	// Endpoint overrides Domain + /v1/introspect.
	Endpoint string `env:"INTROSPECTION_ENDPOINT"`
	// Discovery resolves the endpoint from the domain's OIDC metadata.
	Discovery        bool          `env:"INTROSPECTION_DISCOVERY,default=false"`
	Timeout          time.Duration `env:"INTROSPECTION_TIMEOUT,default=5s"`
	ClientAuthMethod string        `env:"CLIENT_AUTH_METHOD,default=client_secret_post"`
	PrivateKeyFile   string        `env:"CLIENT_PRIVATE_KEY_FILE"`
}

type PolicyConfig struct {
	ScriptFile string        `env:"POLICY_SCRIPT_FILE"`
	Timeout    time.Duration `env:"POLICY_TIMEOUT,default=250ms"`
	// Script is an inline policy. Only the JSON, Lua and Go loaders set it.
	Script string
}

type ServerConfig struct {
	ListenAddr      string        `env:"LISTEN_ADDR,default=:8000"`
	ProxyHeader     string        `env:"PROXY_HEADER"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

type RateLimitConfig struct {
	Max      int           `env:"RATE_LIMIT_MAX,default=50"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW,default=1m"`
	Strategy string        `env:"RATE_LIMIT_STRATEGY,default=fixed"`
	Storage  string        `env:"RATE_LIMIT_STORAGE,default=memory"`
}

type RedisConfig struct {
	Addr      string `env:"REDIS_ADDR,default=localhost:6379"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB,default=0"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=formulagate:ratelimit:"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED,default=true"`
}

// applyDefaults fills zero values for loaders that have no tag defaults.
func (c *Config) applyDefaults() {
	if c.Introspection.Timeout == 0 {
		c.Introspection.Timeout = 5 * time.Second
	}
	if c.Introspection.ClientAuthMethod == "" {
		c.Introspection.ClientAuthMethod = string(authn.ClientSecretPost)
	}
	if c.Policy.Timeout == 0 {
		c.Policy.Timeout = 250 * time.Millisecond
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8000"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.RateLimit.Max == 0 {
		c.RateLimit.Max = 50
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.Strategy == "" {
		c.RateLimit.Strategy = formula.StrategyFixed
	}
	if c.RateLimit.Storage == "" {
		c.RateLimit.Storage = string(storage.KindMemory)
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "formulagate:ratelimit:"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Okta.Domain == "" {
		return errors.New("OKTA_DOMAIN is required")
	}
	if u, err := url.Parse(c.Okta.Domain); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("OKTA_DOMAIN must be an absolute URL, got %q", c.Okta.Domain)
	}
	if c.Okta.ClientID == "" {
		return errors.New("CLIENT_ID is required")
	}

	switch authn.ClientAuthMethod(c.Introspection.ClientAuthMethod) {
	case authn.ClientSecretPost, authn.ClientSecretBasic, authn.ClientSecretJWT:
		if c.Okta.ClientSecret == "" {
			return errors.New("CLIENT_SECRET is required")
		}
	case authn.PrivateKeyJWT:
		if c.Introspection.PrivateKeyFile == "" {
			return errors.New("CLIENT_PRIVATE_KEY_FILE is required for private_key_jwt")
		}
	default:
		return fmt.Errorf("unsupported CLIENT_AUTH_METHOD %q", c.Introspection.ClientAuthMethod)
	}
	if c.Introspection.Timeout <= 0 {
		return fmt.Errorf("INTROSPECTION_TIMEOUT must be positive, got %s", c.Introspection.Timeout)
	}
	if c.Introspection.Endpoint != "" && c.Introspection.Discovery {
		return errors.New("INTROSPECTION_ENDPOINT and INTROSPECTION_DISCOVERY are mutually exclusive")
	}
	if c.Policy.Script != "" && c.Policy.ScriptFile != "" {
		return errors.New("policy script and POLICY_SCRIPT_FILE are mutually exclusive")
	}

	if c.RateLimit.Max <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.Window < time.Second {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1s, got %s", c.RateLimit.Window)
	}
	switch c.RateLimit.Strategy {
	case formula.StrategyFixed, formula.StrategySliding:
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_STRATEGY %q", c.RateLimit.Strategy)
	}
	switch storage.Kind(c.RateLimit.Storage) {
	case storage.KindMemory, storage.KindRistretto:
	case storage.KindRedis:
		if c.Redis.Addr == "" {
			return errors.New("REDIS_ADDR is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_STORAGE %q", c.RateLimit.Storage)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported LOG_FORMAT %q", c.Log.Format)
	}
	return nil
}

// AuthnConfig builds the authenticator settings. It reads the private key and
// policy files and, when enabled, performs endpoint discovery.
func (c *Config) AuthnConfig(ctx context.Context) (authn.Config, error) {
	ac := authn.Config{
		Credentials: authn.Credentials{
			Domain:       c.Okta.Domain,
			ClientID:     c.Okta.ClientID,
			ClientSecret: c.Okta.ClientSecret,
		},
		IntrospectionEndpoint: c.Introspection.Endpoint,
		IntrospectionTimeout:  c.Introspection.Timeout,
		ClientAuth:            authn.ClientAuthMethod(c.Introspection.ClientAuthMethod),
		PolicyScript:          c.Policy.Script,
		PolicyTimeout:         c.Policy.Timeout,
	}

	if c.Introspection.PrivateKeyFile != "" {
		key, err := os.ReadFile(c.Introspection.PrivateKeyFile)
		if err != nil {
			return authn.Config{}, fmt.Errorf("read client private key: %w", err)
		}
		ac.PrivateKeyJWK = key
	}
	if c.Policy.ScriptFile != "" {
		script, err := os.ReadFile(c.Policy.ScriptFile)
		if err != nil {
			return authn.Config{}, fmt.Errorf("read policy script: %w", err)
		}
		ac.PolicyScript = string(script)
	}
	if c.Introspection.Discovery {
		endpoint, err := discovery.IntrospectionEndpoint(ctx, strings.TrimRight(c.Okta.Domain, "/"))
		if err != nil {
			return authn.Config{}, err
		}
		ac.IntrospectionEndpoint = endpoint
	}
	return ac, nil
}

// AppConfig returns the HTTP app settings.
func (c *Config) AppConfig() formula.Config {
	return formula.Config{
		ProxyHeader: c.Server.ProxyHeader,
		RateLimit: formula.RateLimit{
			Max:      c.RateLimit.Max,
			Window:   c.RateLimit.Window,
			Strategy: c.RateLimit.Strategy,
		},
	}
}

// StorageConfig returns the limiter storage settings.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Kind: storage.Kind(c.RateLimit.Storage),
		Redis: storage.RedisConfig{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			KeyPrefix: c.Redis.KeyPrefix,
		},
	}
}

// NewLogger builds a slog.Logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unsupported LOG_LEVEL %q", s)
	}
	return level, nil
}
