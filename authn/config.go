package authn

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ClientAuthMethod selects how the service authenticates itself to the
// introspection endpoint (RFC 7591 token_endpoint_auth_method names).
type ClientAuthMethod string

const (
	ClientSecretPost  ClientAuthMethod = "client_secret_post"
	ClientSecretBasic ClientAuthMethod = "client_secret_basic"
	ClientSecretJWT   ClientAuthMethod = "client_secret_jwt"
	PrivateKeyJWT     ClientAuthMethod = "private_key_jwt"
)

// introspectPath is appended to Credentials.Domain when no endpoint is configured.
const introspectPath = "/v1/introspect"

// Credentials identify this service to the identity provider.
type Credentials struct {
	// Domain is the provider base URL, e.g. https://example.okta.com/oauth2/default.
	Domain       string
	ClientID     string
	ClientSecret string
}

// String never prints the secret.
func (c Credentials) String() string {
	return fmt.Sprintf("{Domain:%s ClientID:%s ClientSecret:[redacted]}", c.Domain, c.ClientID)
}

// Config is built once at startup and never mutated afterwards.
type Config struct {
	Credentials Credentials

	// IntrospectionEndpoint overrides Domain + "/v1/introspect".
	IntrospectionEndpoint string
	// IntrospectionTimeout bounds each provider call. Defaults to 5s.
	IntrospectionTimeout time.Duration

	ClientAuth ClientAuthMethod
	// PrivateKeyJWK holds the signing key for PrivateKeyJWT.
	PrivateKeyJWK []byte

	// PolicyScript is an optional Lua claims policy run on active tokens.
	PolicyScript  string
	PolicyTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.IntrospectionTimeout <= 0 {
		c.IntrospectionTimeout = 5 * time.Second
	}
	if c.ClientAuth == "" {
		c.ClientAuth = ClientSecretPost
	}
	if c.PolicyTimeout <= 0 {
		c.PolicyTimeout = 250 * time.Millisecond
	}
}

// Endpoint returns the effective introspection URL.
func (c Config) Endpoint() string {
	if c.IntrospectionEndpoint != "" {
		return c.IntrospectionEndpoint
	}
	if c.Credentials.Domain == "" {
		return ""
	}
	return strings.TrimRight(c.Credentials.Domain, "/") + introspectPath
}

func (c Config) Validate() error {
	if c.Credentials.Domain == "" && c.IntrospectionEndpoint == "" {
		return errors.New("credentials.domain is required")
	}
	if c.Credentials.Domain != "" {
		u, err := url.Parse(c.Credentials.Domain)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("credentials.domain must be an absolute URL, got %q", c.Credentials.Domain)
		}
	}
	if c.Credentials.ClientID == "" {
		return errors.New("credentials.client_id is required")
	}
	switch c.ClientAuth {
	case "", ClientSecretPost, ClientSecretBasic, ClientSecretJWT:
		if c.Credentials.ClientSecret == "" {
			return errors.New("credentials.client_secret is required")
		}
	case PrivateKeyJWT:
		if len(c.PrivateKeyJWK) == 0 {
			return errors.New("private key is required for private_key_jwt")
		}
	default:
		return fmt.Errorf("unsupported client auth method %q", c.ClientAuth)
	}
	return nil
}
