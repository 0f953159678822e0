// Package common provides transport-neutral helpers shared by the HTTP adapters:
// reading bearer credentials from request metadata and rendering authentication
// failures consistently.
//
// Concurrency: All exported types and functions are safe for concurrent use.
package common

import (
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/keksclan/formulagate/authn"
)

// AuthorizationHeader is the header carrying the bearer credential.
const AuthorizationHeader = "Authorization"

const bearerScheme = "bearer"

// MetadataExtractor abstracts reading request metadata from different transports.
type MetadataExtractor interface {
	// Get returns the value for the given key and whether it was found.
	Get(key string) (string, bool)
}

// HeaderExtractor reads metadata from fasthttp request headers.
// Header lookups are case-insensitive.
type HeaderExtractor struct {
	Header *fasthttp.RequestHeader
}

func (e HeaderExtractor) Get(key string) (string, bool) {
	if e.Header == nil {
		return "", false
	}
	v := e.Header.Peek(key)
	if v == nil {
		return "", false
	}
	return string(v), true
}

// BearerToken returns the credential of an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively. A missing header, another
// scheme, or an empty credential all yield authn.ErrUnauthenticated.
func BearerToken(ex MetadataExtractor) (string, error) {
	v, ok := ex.Get(AuthorizationHeader)
	if !ok {
		return "", authn.ErrUnauthenticated
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(v), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", authn.ErrUnauthenticated
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", authn.ErrUnauthenticated
	}
	return token, nil
}

// RequestBearerToken is BearerToken for a fasthttp request.
func RequestBearerToken(req *fasthttp.Request) (string, error) {
	return BearerToken(HeaderExtractor{Header: &req.Header})
}
