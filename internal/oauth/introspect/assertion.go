package introspect

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionLifetime is the exp - iat span of every client assertion (RFC 7523 section 3).
const assertionLifetime = 5 * time.Minute

// assertionSigner mints a fresh client assertion per call; jti is never reused.
type assertionSigner struct {
	method   jwt.SigningMethod
	key      any
	kid      string
	clientID string
	audience string
	now      func() time.Time
}

func newSecretSigner(clientID, secret, audience string) (*assertionSigner, error) {
	if secret == "" {
		return nil, errors.New("client secret is required")
	}
	return &assertionSigner{
		method:   jwt.SigningMethodHS256,
		key:      []byte(secret),
		clientID: clientID,
		audience: audience,
		now:      time.Now,
	}, nil
}

func newPrivateKeySigner(clientID, audience string, jwkJSON []byte) (*assertionSigner, error) {
	if len(jwkJSON) == 0 {
		return nil, errors.New("private key is required")
	}
	key, err := jwk.ParseKey(jwkJSON)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("extract private key: %w", err)
	}

	alg := key.Algorithm().String()
	if alg == "" {
		alg, err = defaultAlg(raw)
		if err != nil {
			return nil, err
		}
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	switch raw.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
	default:
		return nil, fmt.Errorf("unsupported private key type %T", raw)
	}

	return &assertionSigner{
		method:   method,
		key:      raw,
		kid:      key.KeyID(),
		clientID: clientID,
		audience: audience,
		now:      time.Now,
	}, nil
}

func defaultAlg(raw any) (string, error) {
	switch k := raw.(type) {
	case *rsa.PrivateKey:
		return "RS256", nil
	case *ecdsa.PrivateKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return "ES256", nil
		case 384:
			return "ES384", nil
		case 521:
			return "ES512", nil
		}
		return "", fmt.Errorf("unsupported curve %s", k.Curve.Params().Name)
	}
	return "", fmt.Errorf("unsupported private key type %T", raw)
}

func (s *assertionSigner) sign() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.clientID,
		Subject:   s.clientID,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:        uuid.NewString(),
	}
	tok := jwt.NewWithClaims(s.method, claims)
	if s.kid != "" {
		tok.Header["kid"] = s.kid
	}
	return tok.SignedString(s.key)
}
