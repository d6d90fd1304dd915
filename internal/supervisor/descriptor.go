package supervisor

import (
	"time"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/masa-finance/ledger-relay/internal/lifecycle"
)

// Defaults applied to a registration when no option overrides them.
const (
	DefaultCheckInterval    = 30 * time.Second
	DefaultMaxFailures      = 3
	DefaultRecoveryCooldown = 5 * time.Minute
)

// failureHeadroom is how far failureCount may run past maxFailures. The
// counter stops there so that the "every 5th failure" log throttle stays
// reproducible and the edge-triggered recovery cannot fire twice in one run.
const failureHeadroom = 2

// HealthChecker reports the point-in-time health of a service.
// Every lifecycle.Service satisfies it.
type HealthChecker interface {
	CheckHealth() types.HealthResult
}

// Recoverer tries to bring an unhealthy service back. A nil error means success.
type Recoverer interface {
	Recover() error
}

// CheckerFunc adapts a plain function to HealthChecker.
type CheckerFunc func() types.HealthResult

func (f CheckerFunc) CheckHealth() types.HealthResult { return f() }

// RecovererFunc adapts a plain function to Recoverer.
type RecovererFunc func() error

func (f RecovererFunc) Recover() error { return f() }

// RestartRecoverer recovers a lifecycle service by restarting it.
func RestartRecoverer(svc lifecycle.Service) Recoverer {
	return RecovererFunc(svc.Restart)
}

// Descriptor is the static configuration of a monitored service. It is
// never modified after registration; re-registering replaces it.
type Descriptor struct {
	Name             string
	Checker          HealthChecker
	Recoverer        Recoverer
	CheckInterval    time.Duration
	MaxFailures      int
	AutoRecovery     bool
	RecoveryCooldown time.Duration
	// CheckTimeout bounds a single health check. Zero keeps the historical
	// behaviour where a slow checker holds up the whole loop.
	CheckTimeout time.Duration
}

func (d *Descriptor) failureCap() int {
	return d.MaxFailures + failureHeadroom
}

// ServiceOption customises a registration.
type ServiceOption func(*Descriptor)

func CheckInterval(interval time.Duration) ServiceOption {
	return func(d *Descriptor) {
		if interval > 0 {
			d.CheckInterval = interval
		}
	}
}

func MaxFailures(n int) ServiceOption {
	return func(d *Descriptor) {
		if n > 0 {
			d.MaxFailures = n
		}
	}
}

func AutoRecovery(enabled bool) ServiceOption {
	return func(d *Descriptor) {
		d.AutoRecovery = enabled
	}
}

func RecoveryCooldown(cooldown time.Duration) ServiceOption {
	return func(d *Descriptor) {
		if cooldown >= 0 {
			d.RecoveryCooldown = cooldown
		}
	}
}

// CheckTimeout makes health checks of this service give up after timeout.
// The abandoned call keeps running in the background until it returns.
func CheckTimeout(timeout time.Duration) ServiceOption {
	return func(d *Descriptor) {
		if timeout >= 0 {
			d.CheckTimeout = timeout
		}
	}
}

func newDescriptor(name string, checker HealthChecker, recoverer Recoverer, opts ...ServiceOption) Descriptor {
	d := Descriptor{
		Name:             name,
		Checker:          checker,
		Recoverer:        recoverer,
		CheckInterval:    DefaultCheckInterval,
		MaxFailures:      DefaultMaxFailures,
		AutoRecovery:     true,
		RecoveryCooldown: DefaultRecoveryCooldown,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}
