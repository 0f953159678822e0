// Package authnfiber provides a Fiber middleware for bearer-token authentication.
//
// The middleware extracts the credential from the Authorization header and
// delegates verification to an authn.Authenticator. On success the
// *authn.Result is stored in c.Locals("authn"). On failure a 401 JSON response
// {"detail": "..."} is returned with a "WWW-Authenticate: Bearer" challenge.
//
// Concurrency: All exported functions are safe for concurrent use.
package authnfiber

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/keksclan/formulagate/adapters/common"
	"github.com/keksclan/formulagate/authn"
)

// LocalsKey is where the middleware stores the *authn.Result.
const LocalsKey = "authn"

// Verifier is the part of authn.Authenticator the middleware needs.
type Verifier interface {
	Authenticate(ctx context.Context, token string) (*authn.Result, error)
}

// Option configures the Fiber middleware.
type Option func(*options)

type options struct {
	log *slog.Logger
}

// WithLogger sets the logger used for rejected requests.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Middleware returns a Fiber handler that authenticates each request.
func Middleware(v Verifier, opts ...Option) fiber.Handler {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	return func(c *fiber.Ctx) error {
		token, err := common.RequestBearerToken(c.Request())
		if err == nil {
			var res *authn.Result
			res, err = v.Authenticate(c.UserContext(), token)
			if err == nil {
				c.Locals(LocalsKey, res)
				return c.Next()
			}
		}

		o.log.DebugContext(c.UserContext(), "request rejected",
			"kind", string(authn.KindOf(err)),
			"path", c.Path(),
			"ip", c.IP())
		return Reject(c, err)
	}
}

// Reject writes the 401 response for err.
func Reject(c *fiber.Ctx, err error) error {
	f := common.FailureFor(err)
	common.SetChallenge(c.Response())
	return c.Status(f.Status).JSON(fiber.Map{"detail": f.Detail})
}

// ResultFromLocals retrieves the *authn.Result stored by the middleware.
// Returns nil if no result is present.
func ResultFromLocals(c *fiber.Ctx) *authn.Result {
	v, _ := c.Locals(LocalsKey).(*authn.Result)
	return v
}
