package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/masa-finance/ledger-relay/api/types"
)

const (
	serviceName = "ledger-relay"

	defaultMetricsWindow  = 10 * time.Minute
	defaultErrorThreshold = 0.95
)

// HealthMetrics counts API successes and server errors over a rolling
// window. Readiness fails once the error rate reaches the threshold.
type HealthMetrics struct {
	mu             sync.RWMutex
	errorCount     int
	successCount   int
	windowStart    time.Time
	windowDuration time.Duration
	errorThreshold float64
}

func NewHealthMetrics() *HealthMetrics {
	return &HealthMetrics{
		windowStart:    time.Now(),
		windowDuration: defaultMetricsWindow,
		errorThreshold: defaultErrorThreshold,
	}
}

func (hm *HealthMetrics) RecordSuccess() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rollWindow()
	hm.successCount++
}

func (hm *HealthMetrics) RecordError() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rollWindow()
	hm.errorCount++
}

// rollWindow starts a new window when the current one has expired. Callers hold mu.
func (hm *HealthMetrics) rollWindow() {
	if time.Since(hm.windowStart) > hm.windowDuration {
		hm.errorCount = 0
		hm.successCount = 0
		hm.windowStart = time.Now()
	}
}

func (hm *HealthMetrics) errorRate() float64 {
	total := hm.errorCount + hm.successCount
	if total == 0 {
		return 0
	}
	return float64(hm.errorCount) / float64(total)
}

// IsHealthy reports whether the error rate is below the threshold. No
// traffic counts as healthy.
func (hm *HealthMetrics) IsHealthy() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.errorRate() < hm.errorThreshold
}

func (hm *HealthMetrics) GetStats() map[string]any {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return map[string]any{
		"error_count":     hm.errorCount,
		"success_count":   hm.successCount,
		"total_count":     hm.errorCount + hm.successCount,
		"error_rate":      hm.errorRate(),
		"window_start":    hm.windowStart.Format(time.RFC3339),
		"window_duration": hm.windowDuration.String(),
	}
}

// Healthz is the liveness probe endpoint
func Healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": serviceName,
		})
	}
}

// Readyz is the readiness probe endpoint. The relay is ready when the
// pipeline is running, the supervisor is monitoring and the API error rate
// is acceptable.
func Readyz(pipeline Pipeline, sup Supervisor, healthMetrics *HealthMetrics) echo.HandlerFunc {
	return func(c echo.Context) error {
		checks := map[string]any{}
		ready := true

		switch {
		case pipeline == nil:
			ready = false
			checks["pipeline"] = "not initialized"
		case pipeline.Status() != types.StatusRunning:
			ready = false
			checks["pipeline"] = string(pipeline.Status())
		default:
			checks["pipeline"] = "ok"
		}

		switch {
		case sup == nil:
			ready = false
			checks["supervisor"] = "not initialized"
		case !sup.IsMonitoring():
			ready = false
			checks["supervisor"] = "not monitoring"
		default:
			checks["supervisor"] = "ok"
		}

		if healthMetrics.IsHealthy() {
			checks["error_rate"] = "healthy"
		} else {
			ready = false
			checks["error_rate"] = "unhealthy"
		}
		checks["stats"] = healthMetrics.GetStats()

		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, map[string]any{
			"service": serviceName,
			"ready":   ready,
			"checks":  checks,
		})
	}
}
