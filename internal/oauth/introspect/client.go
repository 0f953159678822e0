package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrTokenInactive = errors.New("token is inactive")

// maxResponseSize limits the size of introspection HTTP responses to prevent memory bombs.
const maxResponseSize = 1 << 20 // 1 MB

// defaultTimeout is the fallback bound on a single introspection call when none, zero, or negative is configured.
const defaultTimeout = 5 * time.Second

// defaultTokenTypeHint is sent with every request unless overridden.
const defaultTokenTypeHint = "access_token"

// ClientAuthKind selects how client credentials are presented to the provider.
type ClientAuthKind string

const (
	ClientAuthPost          ClientAuthKind = "client_secret_post"
	ClientAuthBasic         ClientAuthKind = "client_secret_basic"
	ClientAuthSecretJWT     ClientAuthKind = "client_secret_jwt"
	ClientAuthPrivateKeyJWT ClientAuthKind = "private_key_jwt"
)

// Valid reports whether k is a supported client authentication method.
func (k ClientAuthKind) Valid() bool {
	switch k {
	case ClientAuthPost, ClientAuthBasic, ClientAuthSecretJWT, ClientAuthPrivateKeyJWT:
		return true
	}
	return false
}

type Config struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	// AuthMethod defaults to ClientAuthPost.
	AuthMethod ClientAuthKind
	// PrivateKeyJWK is a JSON Web Key holding the private key for ClientAuthPrivateKeyJWT.
	PrivateKeyJWK []byte
	// TokenTypeHint defaults to "access_token".
	TokenTypeHint string
	Timeout       time.Duration
	// HTTPClient replaces the default client. Timeout still bounds every call.
	HTTPClient *http.Client
}

// Client calls an RFC 7662 introspection endpoint. It holds no per-call state
// and is safe for concurrent use.
type Client struct {
	endpoint     string
	httpc        *http.Client
	timeout      time.Duration
	clientID     string
	clientSecret string
	method       ClientAuthKind
	hint         string
	signer       *assertionSigner
}

func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	method := cfg.AuthMethod
	if method == "" {
		method = ClientAuthPost
	}
	if !method.Valid() {
		return nil, fmt.Errorf("unsupported client auth method %q", method)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hint := cfg.TokenTypeHint
	if hint == "" {
		hint = defaultTokenTypeHint
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: timeout}
	}

	c := &Client{
		endpoint:     cfg.Endpoint,
		httpc:        httpc,
		timeout:      timeout,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		method:       method,
		hint:         hint,
	}

	var err error
	switch method {
	case ClientAuthPost, ClientAuthBasic:
		if cfg.ClientSecret == "" {
			return nil, fmt.Errorf("client secret is required for %s", method)
		}
	case ClientAuthSecretJWT:
		c.signer, err = newSecretSigner(cfg.ClientID, cfg.ClientSecret, cfg.Endpoint)
	case ClientAuthPrivateKeyJWT:
		c.signer, err = newPrivateKeySigner(cfg.ClientID, cfg.Endpoint, cfg.PrivateKeyJWK)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", method, err)
	}
	return c, nil
}

// Endpoint returns the introspection URL the client posts to.
func (c *Client) Endpoint() string { return c.endpoint }

// Introspect performs one introspection call for token. An inactive token
// yields both the decoded response and ErrTokenInactive.
func (c *Client) Introspect(ctx context.Context, token string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data := url.Values{}
	data.Set("token", token)
	data.Set("token_type_hint", c.hint)

	switch c.method {
	case ClientAuthPost:
		data.Set("client_id", c.clientID)
		data.Set("client_secret", c.clientSecret)
	case ClientAuthSecretJWT, ClientAuthPrivateKeyJWT:
		assertion, err := c.signer.sign()
		if err != nil {
			return nil, fmt.Errorf("failed to sign client assertion: %w", err)
		}
		data.Set("client_id", c.clientID)
		data.Set("client_assertion_type", clientAssertionType)
		data.Set("client_assertion", assertion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.method == ClientAuthBasic {
		req.SetBasicAuth(url.QueryEscape(c.clientID), url.QueryEscape(c.clientSecret))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil, fmt.Errorf("introspection failed with status: %d", resp.StatusCode)
	}

	// Read one byte past the cap so oversized bodies are detected rather than truncated.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > maxResponseSize {
		return nil, errors.New("introspection response exceeds size limit")
	}

	ir, err := decodeResponse(body)
	if err != nil {
		return nil, err
	}
	if !ir.Active {
		return ir, ErrTokenInactive
	}
	return ir, nil
}

func decodeResponse(body []byte) (*Response, error) {
	var fullResponse map[string]any
	if err := json.Unmarshal(body, &fullResponse); err != nil {
		return nil, fmt.Errorf("failed to parse introspection response: %w", err)
	}

	var ir Response
	if err := json.Unmarshal(body, &ir); err != nil {
		return nil, fmt.Errorf("failed to map introspection response: %w", err)
	}

	ir.Extras = make(map[string]any)
	for k, v := range fullResponse {
		if !knownFields[k] {
			ir.Extras[k] = v
		}
	}
	return &ir, nil
}
