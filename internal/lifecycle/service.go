// Package lifecycle defines the contract shared by every long-running
// subsystem of the relay: a start/stop state machine, a health probe, and
// change notifications published on an event Bus.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/masa-finance/ledger-relay/api/types"
)

// DefaultSettleDelay is the pause between Stop and Start during Restart.
const DefaultSettleDelay = time.Second

var (
	// ErrInvalidTransition is returned when a status change is not allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Service is implemented by every managed subsystem.
type Service interface {
	Name() string
	Start() error
	Stop() error
	Restart() error
	Info() types.ServiceInfo
	CheckHealth() types.HealthResult
}

// Restart stops svc, waits for settle and starts it again.
func Restart(svc Service, settle time.Duration) error {
	if err := svc.Stop(); err != nil {
		return fmt.Errorf("restart %s: stop: %w", svc.Name(), err)
	}
	if settle > 0 {
		time.Sleep(settle)
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("restart %s: start: %w", svc.Name(), err)
	}
	return nil
}

var transitions = map[types.ServiceStatus][]types.ServiceStatus{
	types.StatusStopped:    {types.StatusStarting, types.StatusError},
	types.StatusStarting:   {types.StatusRunning, types.StatusError, types.StatusStopping},
	types.StatusRunning:    {types.StatusStopping, types.StatusRecovering, types.StatusError},
	types.StatusStopping:   {types.StatusStopped, types.StatusError},
	types.StatusRecovering: {types.StatusRunning, types.StatusStopping, types.StatusError},
	types.StatusError:      {types.StatusStarting, types.StatusStopping, types.StatusStopped, types.StatusRecovering},
}

// CanTransition reports whether the state machine allows moving from one status to another.
func CanTransition(from, to types.ServiceStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
