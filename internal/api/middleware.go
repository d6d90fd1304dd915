package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/masa-finance/ledger-relay/internal/config"
)

const (
	HealthCheckPath    = "/healthz"
	ReadinessCheckPath = "/readyz"
	MetricsPath        = "/metrics"
)

func probePath(path string) bool {
	return path == HealthCheckPath || path == ReadinessCheckPath || path == MetricsPath
}

// APIKeyAuthMiddleware returns an Echo middleware that checks for the API key in the request headers.
func APIKeyAuthMiddleware(cfg config.Configuration) echo.MiddlewareFunc {
	apiKey := cfg.APIKey()
	if apiKey == "" {
		// No API key set; allow all requests (no-op)
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if probePath(c.Request().URL.Path) {
				return next(c)
			}

			// Check Authorization: Bearer <API_KEY> or X-API-Key header
			if c.Request().Header.Get("Authorization") == "Bearer "+apiKey {
				return next(c)
			}
			if c.Request().Header.Get("X-API-Key") == apiKey {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid API key")
		}
	}
}

// HealthMetricsMiddleware tracks success and error rates for readiness probe
func HealthMetricsMiddleware(healthMetrics *HealthMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Skip probes to avoid self-influence
			if probePath(c.Request().URL.Path) {
				return next(c)
			}

			err := next(c)

			statusCode := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				statusCode = he.Code
			}
			// 4xx errors are not counted as they indicate client errors
			if statusCode >= 500 {
				healthMetrics.RecordError()
			} else if statusCode >= 200 && statusCode < 400 {
				healthMetrics.RecordSuccess()
			}

			return err
		}
	}
}
