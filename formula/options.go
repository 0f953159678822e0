package formula

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/keksclan/formulagate/internal/metrics"
)

// Option configures NewApp.
type Option func(*server)

func WithLogger(l *slog.Logger) Option {
	return func(s *server) { s.log = l }
}

// WithMetrics enables request metrics and the /metrics route.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *server) { s.metrics = m }
}

// WithStorage sets the limiter's counter storage. Nil keeps fiber's in-memory store.
func WithStorage(st fiber.Storage) Option {
	return func(s *server) { s.storage = st }
}

// WithProcessor replaces the default Acknowledger.
func WithProcessor(p Processor) Option {
	return func(s *server) { s.proc = p }
}
