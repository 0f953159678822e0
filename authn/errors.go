package authn

import "errors"

var (
	// ErrUnauthenticated means no bearer token was presented.
	ErrUnauthenticated = errors.New("not authenticated")
	// ErrInvalidToken means the token was presented but not accepted: the
	// provider reported it inactive, the introspection call failed, or the
	// claims policy rejected it.
	ErrInvalidToken = errors.New("invalid token")
)

// Kind classifies an authentication failure.
type Kind string

const (
	KindNone            Kind = ""
	KindUnauthenticated Kind = "unauthenticated"
	KindInvalidToken    Kind = "invalid_token"
)

// KindOf reports the failure kind carried by err. Errors that are not
// authentication failures yield KindNone.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrInvalidToken):
		return KindInvalidToken
	}
	return KindNone
}
