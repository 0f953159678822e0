// Package discovery resolves provider endpoints from OpenID Connect discovery
// metadata (/.well-known/openid-configuration).
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ErrNoIntrospectionEndpoint means the provider metadata does not advertise
// an introspection_endpoint.
var ErrNoIntrospectionEndpoint = errors.New("provider metadata has no introspection_endpoint")

type metadata struct {
	Issuer                string   `json:"issuer"`
	IntrospectionEndpoint string   `json:"introspection_endpoint"`
	IntrospectionAuth     []string `json:"introspection_endpoint_auth_methods_supported"`
}

// Metadata is the subset of provider metadata the gateway uses.
type Metadata struct {
	Issuer                string
	IntrospectionEndpoint string
	// AuthMethods lists introspection_endpoint_auth_methods_supported, if published.
	AuthMethods []string
}

// Discover fetches the discovery document for issuer. The document's issuer
// must match exactly. httpc may be nil.
func Discover(ctx context.Context, issuer string, httpc *http.Client) (*Metadata, error) {
	if httpc != nil {
		ctx = oidc.ClientContext(ctx, httpc)
	}
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", issuer, err)
	}
	var m metadata
	if err := p.Claims(&m); err != nil {
		return nil, fmt.Errorf("decode provider metadata: %w", err)
	}
	if m.IntrospectionEndpoint == "" {
		return nil, ErrNoIntrospectionEndpoint
	}
	return &Metadata{
		Issuer:                m.Issuer,
		IntrospectionEndpoint: m.IntrospectionEndpoint,
		AuthMethods:           m.IntrospectionAuth,
	}, nil
}

// IntrospectionEndpoint returns the introspection URL advertised by issuer.
func IntrospectionEndpoint(ctx context.Context, issuer string) (string, error) {
	m, err := Discover(ctx, issuer, nil)
	if err != nil {
		return "", err
	}
	return m.IntrospectionEndpoint, nil
}
