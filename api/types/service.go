package types

import "time"

// ServiceStatus is the lifecycle state of a managed service.
type ServiceStatus string

const (
	StatusStopped    ServiceStatus = "stopped"
	StatusStarting   ServiceStatus = "starting"
	StatusRunning    ServiceStatus = "running"
	StatusStopping   ServiceStatus = "stopping"
	StatusError      ServiceStatus = "error"
	StatusRecovering ServiceStatus = "recovering"
)

// HealthStatus is the point-in-time health reported by a service.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// IsFailure reports whether the status counts against a service's failure budget.
func (h HealthStatus) IsFailure() bool {
	return h == HealthDegraded || h == HealthUnhealthy
}

type HealthResult struct {
	Status       HealthStatus   `json:"status"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	ResponseTime time.Duration  `json:"response_time"`
}

// Healthy is a shorthand for a healthy result with the given message.
func Healthy(message string) HealthResult {
	return HealthResult{Status: HealthHealthy, Message: message}
}

// Unhealthy is a shorthand for an unhealthy result with the given message.
func Unhealthy(message string) HealthResult {
	return HealthResult{Status: HealthUnhealthy, Message: message}
}

type ServiceInfo struct {
	Name    string         `json:"name"`
	Status  ServiceStatus  `json:"status"`
	Health  HealthStatus   `json:"health"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ServiceRecord is a snapshot of the supervisor's runtime bookkeeping for one service.
type ServiceRecord struct {
	Name               string       `json:"name"`
	Status             HealthStatus `json:"status"`
	LastCheckTime      time.Time    `json:"last_check_time"`
	LastSuccessTime    time.Time    `json:"last_success_time"`
	FailureCount       int          `json:"failure_count"`
	RecoveryCount      int          `json:"recovery_count"`
	LastRecoveryTime   time.Time    `json:"last_recovery_time"`
	TotalChecks        int64        `json:"total_checks"`
	TotalFailures      int64        `json:"total_failures"`
	SuccessRate        float64      `json:"success_rate"`
	InRecoveryCooldown bool         `json:"in_recovery_cooldown"`
}

type SupervisorStats struct {
	TotalChecks          int64         `json:"total_checks"`
	TotalFailures        int64         `json:"total_failures"`
	TotalRecoveries      int64         `json:"total_recoveries"`
	SuccessfulRecoveries int64         `json:"successful_recoveries"`
	FailedRecoveries     int64         `json:"failed_recoveries"`
	CurrentRecoveries    int           `json:"current_recoveries"`
	CurrentUptime        time.Duration `json:"current_uptime"`
	TotalUptime          time.Duration `json:"total_uptime"`
}
