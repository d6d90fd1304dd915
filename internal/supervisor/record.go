package supervisor

import (
	"time"

	"github.com/masa-finance/ledger-relay/api/types"
)

// record is the mutable health bookkeeping of one service. It is only
// touched with Supervisor.mu held.
type record struct {
	name             string
	status           types.HealthStatus
	lastCheckTime    time.Time
	lastSuccessTime  time.Time
	failureCount     int
	recoveryCount    int
	lastRecoveryTime time.Time
	totalChecks      int64
	totalFailures    int64
}

func newRecord(name string) *record {
	return &record{name: name, status: types.HealthUnknown}
}

func (r *record) successRate() float64 {
	if r.totalChecks == 0 {
		return 0
	}
	return float64(r.totalChecks-r.totalFailures) / float64(r.totalChecks)
}

func (r *record) inCooldown(now time.Time, cooldown time.Duration) bool {
	if r.lastRecoveryTime.IsZero() {
		return false
	}
	return now.Sub(r.lastRecoveryTime) < cooldown
}

func (r *record) due(now time.Time, interval time.Duration) bool {
	return r.lastCheckTime.IsZero() || now.Sub(r.lastCheckTime) >= interval
}

func (r *record) snapshot(now time.Time, cooldown time.Duration) types.ServiceRecord {
	return types.ServiceRecord{
		Name:               r.name,
		Status:             r.status,
		LastCheckTime:      r.lastCheckTime,
		LastSuccessTime:    r.lastSuccessTime,
		FailureCount:       r.failureCount,
		RecoveryCount:      r.recoveryCount,
		LastRecoveryTime:   r.lastRecoveryTime,
		TotalChecks:        r.totalChecks,
		TotalFailures:      r.totalFailures,
		SuccessRate:        r.successRate(),
		InRecoveryCooldown: r.inCooldown(now, cooldown),
	}
}
