// Package metrics exposes Prometheus metrics for the gateway.
//
// All collectors live on a private registry so several Collectors can coexist
// in one process (tests build one per app).
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "formulagate"

// Collector records request, introspection and rate-limit metrics.
//
// Concurrency: safe for concurrent use.
type Collector struct {
	reg *prometheus.Registry

	requests      *prometheus.CounterVec
	introspection *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	rateLimited   prometheus.Counter
}

// New registers the gateway metrics plus the Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		reg: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		introspection: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "introspections_total",
			Help:      "Token introspection calls by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "introspection_duration_seconds",
			Help:      "Token introspection latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
	reg.MustRegister(
		c.requests, c.introspection, c.latency, c.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// IntrospectionObserved implements authn.MetricsCollector.
func (c *Collector) IntrospectionObserved(outcome string, elapsed time.Duration) {
	c.introspection.WithLabelValues(outcome).Inc()
	c.latency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RateLimited counts one request rejected with 429.
func (c *Collector) RateLimited() { c.rateLimited.Inc() }

// Middleware counts every request once it has been handled. The route label
// is the matched route pattern, never the raw path.
func (c *Collector) Middleware() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		err := ctx.Next()
		status := ctx.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		route := utils.CopyString(ctx.Route().Path)
		if status == fiber.StatusNotFound {
			route = "unmatched"
		}
		// Label values outlive the request; fiber strings alias reused buffers.
		method := utils.CopyString(ctx.Method())
		c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		return err
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}))
}
