// Package formula serves the gateway's HTTP surface: the rate-limited,
// authenticated POST /process_formula/ route plus health and metrics routes.
package formula

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	authnfiber "github.com/keksclan/formulagate/adapters/fiber"
	"github.com/keksclan/formulagate/authn"
	"github.com/keksclan/formulagate/internal/metrics"
)

// Route is the path of the formula endpoint.
const Route = "/process_formula/"

// Rate-limit window strategies.
const (
	StrategyFixed   = "fixed"
	StrategySliding = "sliding"
)

// RateLimit is the per-IP quota applied to Route.
type RateLimit struct {
	Max      int
	Window   time.Duration
	Strategy string
}

// Config holds the HTTP settings of the app.
type Config struct {
	// ProxyHeader, when set, is trusted as the client IP source (e.g. X-Forwarded-For).
	ProxyHeader string
	RateLimit   RateLimit
}

func (c *Config) setDefaults() {
	if c.RateLimit.Max == 0 {
		c.RateLimit.Max = 50
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.Strategy == "" {
		c.RateLimit.Strategy = StrategyFixed
	}
}

func (c Config) Validate() error {
	if c.RateLimit.Max < 0 {
		return fmt.Errorf("rate limit max must be positive, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.Window < time.Second {
		return fmt.Errorf("rate limit window must be at least 1s, got %s", c.RateLimit.Window)
	}
	switch c.RateLimit.Strategy {
	case StrategyFixed, StrategySliding:
	default:
		return fmt.Errorf("unknown rate limit strategy %q", c.RateLimit.Strategy)
	}
	return nil
}

type server struct {
	cfg     Config
	auth    authnfiber.Verifier
	proc    Processor
	log     *slog.Logger
	metrics *metrics.Collector
	storage fiber.Storage
	// quota is the human-readable limit, e.g. "50 per 1 minute".
	quota string
}

// NewApp builds the fiber app. auth is usually an *authn.Authenticator.
func NewApp(cfg Config, auth authnfiber.Verifier, opts ...Option) (*fiber.App, error) {
	if auth == nil {
		return nil, errors.New("formula: authenticator is required")
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &server{cfg: cfg, auth: auth, proc: Acknowledger{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.quota = fmt.Sprintf("%d per %s", cfg.RateLimit.Max, describeWindow(cfg.RateLimit.Window))

	app := fiber.New(fiber.Config{
		AppName:               "formulagate",
		DisableStartupMessage: true,
		ProxyHeader:           cfg.ProxyHeader,
		ErrorHandler:          s.renderError,
	})

	app.Use(requestid.New(requestid.Config{Generator: uuid.NewString}))
	if s.metrics != nil {
		app.Use(s.metrics.Middleware())
	}
	app.Use(s.accessLog)
	app.Use(recover.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if s.metrics != nil {
		app.Get("/metrics", s.metrics.Handler())
	}

	app.Post(Route,
		s.limiter(),
		authnfiber.Middleware(auth, authnfiber.WithLogger(s.log)),
		s.processFormula,
	)

	return app, nil
}

func (s *server) limiter() fiber.Handler {
	var strategy limiter.LimiterHandler = limiter.FixedWindow{}
	if s.cfg.RateLimit.Strategy == StrategySliding {
		strategy = limiter.SlidingWindow{}
	}
	return limiter.New(limiter.Config{
		Max:        s.cfg.RateLimit.Max,
		Expiration: s.cfg.RateLimit.Window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			if s.metrics != nil {
				s.metrics.RateLimited()
			}
			return ErrRateLimitExceeded
		},
		Storage:           s.storage,
		LimiterMiddleware: strategy,
	})
}

// accessLog writes one line per request. Errors are rendered here so the
// line carries the final status.
func (s *server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	if err := c.Next(); err != nil {
		if herr := c.App().ErrorHandler(c, err); herr != nil {
			_ = c.SendStatus(fiber.StatusInternalServerError)
		}
	}
	s.log.InfoContext(c.UserContext(), "request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start),
		"request_id", c.GetRespHeader(fiber.HeaderXRequestID),
		"ip", c.IP(),
	)
	return nil
}

// renderError is the app's error handler. Auth failures never reach it: the
// auth middleware answers them itself.
func (s *server) renderError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "Rate limit exceeded: " + s.quota,
		})
	case errors.Is(err, ErrMissingFormula):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"detail": []fiber.Map{{
				"loc":  []string{"query", "formula"},
				"msg":  "field required",
				"type": "value_error.missing",
			}},
		})
	case authn.KindOf(err) != authn.KindNone:
		return authnfiber.Reject(c, err)
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"detail": fe.Message})
	}
	s.log.ErrorContext(c.UserContext(), "unhandled error",
		"error", err,
		"path", c.Path(),
		"request_id", c.GetRespHeader(fiber.HeaderXRequestID))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": "Internal Server Error"})
}

func describeWindow(d time.Duration) string {
	n, unit := int64(d/time.Second), "second"
	switch {
	case d%time.Hour == 0:
		n, unit = int64(d/time.Hour), "hour"
	case d%time.Minute == 0:
		n, unit = int64(d/time.Minute), "minute"
	}
	if n != 1 {
		unit += "s"
	}
	return fmt.Sprintf("%d %s", n, unit)
}
