// Package authn authenticates opaque bearer tokens by RFC 7662 introspection.
//
// An Authenticator is built once from an immutable Config and exposes a single
// capability, Authenticate. Every call performs exactly one introspection
// request: results are never cached and failures are never retried.
//
// Failures are reported as ErrUnauthenticated (no token) or ErrInvalidToken
// (everything else), wrapping the underlying cause. Use errors.Is or KindOf
// to classify them.
package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/keksclan/formulagate/internal/luaengine"
	"github.com/keksclan/formulagate/internal/oauth/introspect"
)

// Result is the provider's view of an active token.
//
// Concurrency: Result is immutable once returned.
type Result struct {
	Active    bool
	Subject   string
	Scopes    []string
	ClientID  string
	Username  string
	TokenType string
	Issuer    string
	ExpiresAt time.Time
	IssuedAt  time.Time
	// Claims holds every member of the introspection response, extras included.
	Claims map[string]any
}

// HasScope reports whether scope was granted to the token.
func (r *Result) HasScope(scope string) bool {
	return r != nil && slices.Contains(r.Scopes, scope)
}

// Authenticator validates bearer tokens against the configured provider.
//
// Concurrency: safe for concurrent use. No method mutates shared state.
type Authenticator struct {
	cfg     Config
	httpc   *http.Client
	client  *introspect.Client
	policy  *luaengine.Policy
	log     *slog.Logger
	metrics MetricsCollector
}

// New validates cfg and builds an Authenticator.
func New(cfg Config, opts ...Option) (*Authenticator, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Authenticator{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	ic, err := introspect.New(introspect.Config{
		Endpoint:      cfg.Endpoint(),
		ClientID:      cfg.Credentials.ClientID,
		ClientSecret:  cfg.Credentials.ClientSecret,
		AuthMethod:    introspect.ClientAuthKind(cfg.ClientAuth),
		PrivateKeyJWK: cfg.PrivateKeyJWK,
		Timeout:       cfg.IntrospectionTimeout,
		HTTPClient:    a.httpc,
	})
	if err != nil {
		return nil, fmt.Errorf("init introspection client: %w", err)
	}
	a.client = ic

	if strings.TrimSpace(cfg.PolicyScript) != "" {
		p, err := luaengine.Compile(cfg.PolicyScript, cfg.PolicyTimeout)
		if err != nil {
			return nil, fmt.Errorf("compile lua policy: %w", err)
		}
		a.policy = p
	}

	return a, nil
}

// Endpoint returns the introspection URL in use.
func (a *Authenticator) Endpoint() string { return a.client.Endpoint() }

// Authenticate introspects token and returns the provider's result for an
// active token. An empty token fails with ErrUnauthenticated without any
// network call; every other failure wraps ErrInvalidToken.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Result, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	log := a.log.With("token_fp", fingerprint(token))
	start := time.Now()
	ir, err := a.client.Introspect(ctx, token)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, introspect.ErrTokenInactive):
		a.observe(OutcomeInactive, elapsed)
		log.DebugContext(ctx, "token inactive")
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	case err != nil:
		a.observe(OutcomeError, elapsed)
		log.WarnContext(ctx, "introspection failed", "error", err, "elapsed", elapsed)
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	res := toResult(ir)
	if a.policy != nil {
		if err := a.policy.Evaluate(ctx, res.Claims); err != nil {
			a.observe(OutcomeRejected, elapsed)
			log.InfoContext(ctx, "token rejected by policy", "subject", res.Subject, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
	}

	a.observe(OutcomeActive, elapsed)
	log.DebugContext(ctx, "token active", "subject", res.Subject, "elapsed", elapsed)
	return res, nil
}

func (a *Authenticator) observe(outcome string, elapsed time.Duration) {
	if a.metrics != nil {
		a.metrics.IntrospectionObserved(outcome, elapsed)
	}
}

func toResult(ir *introspect.Response) *Result {
	res := &Result{
		Active:    ir.Active,
		Subject:   ir.Sub,
		Scopes:    strings.Fields(ir.Scope),
		ClientID:  ir.ClientID,
		Username:  ir.Username,
		TokenType: ir.TokenType,
		Issuer:    ir.Iss,
		Claims:    ir.Claims(),
	}
	if ir.Exp != 0 {
		res.ExpiresAt = time.Unix(ir.Exp, 0)
	}
	if ir.Iat != 0 {
		res.IssuedAt = time.Unix(ir.Iat, 0)
	}
	return res
}

// fingerprint identifies a token in logs without revealing it.
func fingerprint(token string) string {
	s := sha256.Sum256([]byte(token))
	return hex.EncodeToString(s[:])[:12]
}
