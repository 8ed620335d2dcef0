package middleware

import (
	"strconv"
	"time"

	"marketplace_api/internal/observability"

	"github.com/gin-gonic/gin"
)

const unmatchedRoute = "unmatched"

// PrometheusMiddleware records request counts, latency and in-flight
// requests per route template. Routes listed in skip, such as the scrape
// and health endpoints, are not observed.
func PrometheusMiddleware(metrics *observability.Metrics, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, route := range skip {
		skipped[route] = struct{}{}
	}

	return func(c *gin.Context) {
		route := routeLabel(c)
		if _, ok := skipped[route]; ok {
			c.Next()
			return
		}

		metrics.HTTPRequestsInFlight.Inc()
		start := time.Now()
		defer func() {
			metrics.HTTPRequestsInFlight.Dec()
			status := strconv.Itoa(c.Writer.Status())
			metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		}()

		c.Next()
	}
}

// routeLabel keeps label cardinality bounded: raw paths of unknown routes
// collapse into one value.
func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return unmatchedRoute
}
