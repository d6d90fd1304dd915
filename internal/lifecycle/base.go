package lifecycle

import (
	"fmt"
	"sync"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/sirupsen/logrus"
)

// Base holds the status and health of a service and announces their changes.
// Services embed it and drive it from their Start/Stop implementations.
type Base struct {
	name string
	bus  *Bus

	mu     sync.RWMutex
	status types.ServiceStatus
	health types.HealthStatus
}

func NewBase(name string, bus *Bus) *Base {
	return &Base{
		name:   name,
		bus:    bus,
		status: types.StatusStopped,
		health: types.HealthUnknown,
	}
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) Bus() *Bus {
	return b.bus
}

func (b *Base) Status() types.ServiceStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *Base) Health() types.HealthStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.health
}

// SetStatus moves the service to a new status. Setting the current status is a
// no-op; a transition the state machine does not allow is rejected.
func (b *Base) SetStatus(to types.ServiceStatus, message string) error {
	b.mu.Lock()
	from := b.status
	if from == to {
		b.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		b.mu.Unlock()
		logrus.WithFields(logrus.Fields{"service": b.name, "from": from, "to": to}).Warn("Rejected status transition")
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	b.status = to
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{"service": b.name, "from": from, "to": to}).Debug("Service status changed")
	b.bus.Publish(Event{
		Kind:    StatusChanged,
		Source:  b.name,
		Old:     string(from),
		New:     string(to),
		Message: message,
	})
	return nil
}

// SetHealth records a new health value, publishing only on change.
func (b *Base) SetHealth(to types.HealthStatus, message string) {
	b.mu.Lock()
	from := b.health
	if from == to {
		b.mu.Unlock()
		return
	}
	b.health = to
	b.mu.Unlock()

	b.bus.Publish(Event{
		Kind:    HealthChanged,
		Source:  b.name,
		Old:     string(from),
		New:     string(to),
		Message: message,
	})
}

// Fail moves the service to the error state and marks it unhealthy.
func (b *Base) Fail(message string) {
	_ = b.SetStatus(types.StatusError, message)
	b.SetHealth(types.HealthUnhealthy, message)
}
