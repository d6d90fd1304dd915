package delivery

import (
	"fmt"
	"strings"
	"time"

	"github.com/masa-finance/ledger-relay/api/types"
)

const (
	queueNearlyFullRatio = 0.8
	maxErrorRate         = 0.2
)

// CheckHealth folds the health of both collaborators, the worker pool and the
// queue into one result. The pipeline is unhealthy when a collaborator is
// unhealthy or no worker is alive.
func (p *Pipeline) CheckHealth() types.HealthResult {
	start := time.Now()

	accountingHealthy := collaboratorHealthy(p.accounting)
	transportHealthy := collaboratorHealthy(p.transport)
	activeWorkers := int(p.liveWorkers.Load())
	queueSize := p.queue.Len()

	now := time.Now()
	p.mu.Lock()
	processing := len(p.processing)
	timedOut := 0
	for _, entry := range p.processing {
		if now.Sub(entry.started) > p.taskTimeout {
			timedOut++
		}
	}
	p.mu.Unlock()

	var issues []string
	if !accountingHealthy {
		issues = append(issues, "accounting service unhealthy")
	}
	if !transportHealthy {
		issues = append(issues, "chat transport unhealthy")
	}
	if activeWorkers == 0 {
		issues = append(issues, "no active workers")
	} else if activeWorkers < p.workers/2 {
		issues = append(issues, fmt.Sprintf("not enough workers: %d/%d", activeWorkers, p.workers))
	}
	if float64(queueSize) > float64(p.queue.Cap())*queueNearlyFullRatio {
		issues = append(issues, fmt.Sprintf("queue nearly full: %d/%d", queueSize, p.queue.Cap()))
	}
	if timedOut > 0 {
		issues = append(issues, fmt.Sprintf("%d tasks timed out", timedOut))
	}

	completed := p.stats.Get(CompletedTasks)
	failed := p.stats.Get(FailedTasks)
	var errorRate float64
	if total := completed + failed; total > 0 {
		errorRate = float64(failed) / float64(total)
		if errorRate > maxErrorRate {
			issues = append(issues, fmt.Sprintf("error rate too high: %.1f%%", errorRate*100))
		}
	}

	result := types.HealthResult{
		Details: map[string]any{
			"accounting_healthy": accountingHealthy,
			"transport_healthy":  transportHealthy,
			"active_workers":     activeWorkers,
			"queue_size":         queueSize,
			"processing_count":   processing,
			"timeout_tasks":      timedOut,
			"error_rate":         errorRate,
			"issues":             issues,
		},
	}
	switch {
	case !accountingHealthy || !transportHealthy || activeWorkers == 0:
		result.Status = types.HealthUnhealthy
		result.Message = strings.Join(issues, "; ")
	case len(issues) > 0:
		result.Status = types.HealthDegraded
		result.Message = strings.Join(issues, "; ")
	default:
		result.Status = types.HealthHealthy
		result.Message = "delivery pipeline operating normally"
	}
	result.ResponseTime = time.Since(start)
	return result
}
