// Package idpmock is a tiny RFC 7662 identity provider for tests and local demos.
//
// It serves POST /v1/introspect and the discovery documents under /.well-known.
// Tokens registered with Activate are active; every other token is inactive.
// Client credentials are checked for client_secret_post and client_secret_basic;
// JWT client assertions are accepted as presented and recorded for inspection.
//
// This is demo-only code. Do not point production traffic at it.
package idpmock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
)

// IntrospectPath is where the mock serves introspection, matching Okta's layout.
const IntrospectPath = "/v1/introspect"

// Provider holds the mock's state. The zero value is not usable; call New.
type Provider struct {
	ClientID     string
	ClientSecret string

	// Issuer is the base URL advertised in discovery documents.
	Issuer string

	mu     sync.Mutex
	tokens map[string]map[string]any
	last   url.Values

	calls  atomic.Int64
	status atomic.Int32
}

// New returns a Provider that accepts the given client credentials.
func New(clientID, clientSecret string) *Provider {
	return &Provider{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		tokens:       make(map[string]map[string]any),
	}
}

// Activate marks token as active with the given claims.
func (p *Provider) Activate(token string, claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := make(map[string]any, len(claims)+1)
	for k, v := range claims {
		c[k] = v
	}
	c["active"] = true
	p.tokens[token] = c
}

// FailWith makes every introspection call answer with status. Zero restores normal behavior.
func (p *Provider) FailWith(status int) { p.status.Store(int32(status)) }

// Calls reports how many introspection requests were received.
func (p *Provider) Calls() int64 { return p.calls.Load() }

// LastForm returns the form of the most recent introspection request.
func (p *Provider) LastForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Handler returns the provider's routes.
func (p *Provider) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(IntrospectPath, p.introspect)
	mux.HandleFunc("/.well-known/openid-configuration", p.discovery)
	mux.HandleFunc("/.well-known/oauth-authorization-server", p.discovery)
	return mux
}

// NewServer starts an httptest server for p and sets p.Issuer to its URL.
func NewServer(p *Provider) *httptest.Server {
	srv := httptest.NewServer(p.Handler())
	p.Issuer = srv.URL
	return srv
}

func (p *Provider) introspect(w http.ResponseWriter, r *http.Request) {
	p.calls.Add(1)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.last = r.PostForm
	claims, ok := p.tokens[r.PostForm.Get("token")]
	p.mu.Unlock()

	if s := p.status.Load(); s != 0 {
		w.WriteHeader(int(s))
		return
	}
	if !p.clientAuthenticated(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_client"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		_ = json.NewEncoder(w).Encode(map[string]any{"active": false})
		return
	}
	_ = json.NewEncoder(w).Encode(claims)
}

func (p *Provider) clientAuthenticated(r *http.Request) bool {
	if r.PostForm.Get("client_assertion") != "" {
		return r.PostForm.Get("client_id") == p.ClientID
	}
	if id, secret, ok := r.BasicAuth(); ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
		return id == p.ClientID && secret == p.ClientSecret
	}
	return r.PostForm.Get("client_id") == p.ClientID && r.PostForm.Get("client_secret") == p.ClientSecret
}

func (p *Provider) discovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                p.Issuer,
		"authorization_endpoint":                p.Issuer + "/v1/authorize",
		"token_endpoint":                        p.Issuer + "/v1/token",
		"jwks_uri":                              p.Issuer + "/v1/keys",
		"introspection_endpoint":                p.Issuer + IntrospectPath,
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"introspection_endpoint_auth_methods_supported": []string{
			"client_secret_basic", "client_secret_post", "client_secret_jwt", "private_key_jwt",
		},
	})
}
