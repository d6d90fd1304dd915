package supervisor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/masa-finance/ledger-relay/api/types"
)

// CheckHealth reports the health of the supervisor itself. It is unhealthy
// while any monitored service is unhealthy, and degraded when a service is
// degraded, the loop died, every recovery slot is taken or more than 30% of
// all checks failed. The supervisor's own record is ignored so that a
// self-registered supervisor does not keep itself unhealthy.
func (s *Supervisor) CheckHealth() types.HealthResult {
	start := time.Now()
	self := s.Name()

	var unhealthy, degraded []string
	s.mu.Lock()
	for name, rec := range s.records {
		if name == self {
			continue
		}
		switch rec.status {
		case types.HealthUnhealthy:
			unhealthy = append(unhealthy, name)
		case types.HealthDegraded:
			degraded = append(degraded, name)
		}
	}
	totalChecks := s.stats.totalChecks
	totalFailures := s.stats.totalFailures
	s.mu.Unlock()
	sort.Strings(unhealthy)
	sort.Strings(degraded)

	var issues []string
	monitoring := s.monitoring.Load()
	if monitoring && !s.loopAlive.Load() {
		issues = append(issues, "monitoring loop is not running")
	}
	if len(unhealthy) > 0 {
		issues = append(issues, fmt.Sprintf("%d services unhealthy: %s", len(unhealthy), strings.Join(unhealthy, ", ")))
	}
	if len(degraded) > 0 {
		issues = append(issues, fmt.Sprintf("%d services degraded: %s", len(degraded), strings.Join(degraded, ", ")))
	}
	recoveries := s.currentRecoveries.Load()
	if recoveries >= s.maxConcurrentRecoveries {
		issues = append(issues, "recovery limit reached")
	}
	var failureRate float64
	if totalChecks > 0 {
		failureRate = float64(totalFailures) / float64(totalChecks)
		if failureRate > unhealthyFailureRate {
			issues = append(issues, fmt.Sprintf("overall failure rate too high: %.1f%%", failureRate*100))
		}
	}

	result := types.HealthResult{
		Details: map[string]any{
			"is_monitoring":      monitoring,
			"unhealthy_services": unhealthy,
			"degraded_services":  degraded,
			"current_recoveries": int(recoveries),
			"failure_rate":       failureRate,
			"issues":             issues,
		},
	}
	switch {
	case len(unhealthy) > 0:
		result.Status = types.HealthUnhealthy
		result.Message = fmt.Sprintf("%d services unhealthy", len(unhealthy))
	case len(issues) > 0:
		result.Status = types.HealthDegraded
		result.Message = strings.Join(issues, "; ")
	default:
		result.Status = types.HealthHealthy
		result.Message = "service monitor operating normally"
	}
	result.ResponseTime = time.Since(start)
	return result
}
