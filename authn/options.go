package authn

import (
	"log/slog"
	"net/http"
	"time"
)

// MetricsCollector receives introspection outcomes. Implementations must be
// safe for concurrent use and must never record tokens or claims.
type MetricsCollector interface {
	IntrospectionObserved(outcome string, elapsed time.Duration)
}

// Introspection outcomes reported to MetricsCollector.
const (
	OutcomeActive   = "active"
	OutcomeInactive = "inactive"
	OutcomeError    = "error"
	OutcomeRejected = "policy_rejected"
)

type Option func(*Authenticator)

// WithHTTPClient replaces the client used for introspection calls.
// The configured IntrospectionTimeout still applies.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Authenticator) {
		a.httpc = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		a.log = l
	}
}

func WithMetrics(m MetricsCollector) Option {
	return func(a *Authenticator) {
		a.metrics = m
	}
}
