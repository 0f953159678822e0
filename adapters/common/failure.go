package common

import (
	"github.com/valyala/fasthttp"

	"github.com/keksclan/formulagate/authn"
)

// ChallengeHeader is set on every authentication failure.
const ChallengeHeader = "WWW-Authenticate"

// BearerChallenge is the ChallengeHeader value.
const BearerChallenge = "Bearer"

// Failure is the client-facing rendering of an authentication error.
type Failure struct {
	Status int
	Detail string
}

var failures = map[authn.Kind]Failure{
	authn.KindUnauthenticated: {Status: fasthttp.StatusUnauthorized, Detail: "Not authenticated"},
	authn.KindInvalidToken:    {Status: fasthttp.StatusUnauthorized, Detail: "Invalid token"},
}

// FailureFor maps err to its response. Errors that carry no authentication
// kind are treated as invalid tokens so a failed check never leaks as a 500.
func FailureFor(err error) Failure {
	if f, ok := failures[authn.KindOf(err)]; ok {
		return f
	}
	return failures[authn.KindInvalidToken]
}

// SetChallenge adds the bearer challenge header to resp.
func SetChallenge(resp *fasthttp.Response) {
	resp.Header.Set(ChallengeHeader, BearerChallenge)
}
