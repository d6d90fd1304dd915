// Package supervisor monitors the health of registered services on their own
// intervals and triggers bounded, cooled-down automatic recovery.
//
// A single goroutine walks the registry in registration order, calling each
// due service's HealthChecker. Consecutive failures are counted per service;
// the moment the count reaches the service's MaxFailures a recovery is
// started in its own goroutine, provided auto-recovery is enabled, the
// service has a Recoverer, it is outside its cooldown window and fewer than
// MaxConcurrentRecoveries are already running.
package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/masa-finance/ledger-relay/internal/lifecycle"
	"github.com/sirupsen/logrus"
)

const (
	// Name is the service name the supervisor reports for itself.
	Name = "service_monitor"

	DefaultGlobalInterval          = 30 * time.Second
	DefaultMaxConcurrentRecoveries = 2
	DefaultJoinTimeout             = 5 * time.Second

	// unhealthyFailureRate is the overall check failure rate above which the
	// supervisor reports itself degraded.
	unhealthyFailureRate = 0.30
)

type counters struct {
	totalChecks          int64
	totalFailures        int64
	totalRecoveries      int64
	successfulRecoveries int64
	failedRecoveries     int64
}

type Supervisor struct {
	*lifecycle.Base

	mu          sync.Mutex
	descriptors map[string]Descriptor
	order       []string
	records     map[string]*record
	stats       counters

	globalInterval          time.Duration
	maxConcurrentRecoveries int32
	currentRecoveries       atomic.Int32
	joinTimeout             time.Duration
	settleDelay             time.Duration

	runMu      sync.Mutex
	monitoring atomic.Bool
	loopAlive  atomic.Bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	startTime  time.Time
	uptime     time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGlobalInterval caps the sleep between two passes of the loop.
func WithGlobalInterval(interval time.Duration) Option {
	return func(s *Supervisor) {
		if interval > 0 {
			s.globalInterval = interval
		}
	}
}

func WithMaxConcurrentRecoveries(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxConcurrentRecoveries = int32(n)
		}
	}
}

// WithJoinTimeout bounds how long StopMonitoring waits for the loop to exit.
func WithJoinTimeout(timeout time.Duration) Option {
	return func(s *Supervisor) {
		if timeout > 0 {
			s.joinTimeout = timeout
		}
	}
}

// WithSettleDelay sets the pause between stop and start on Restart.
func WithSettleDelay(delay time.Duration) Option {
	return func(s *Supervisor) {
		if delay >= 0 {
			s.settleDelay = delay
		}
	}
}

func New(bus *lifecycle.Bus, opts ...Option) *Supervisor {
	s := &Supervisor{
		Base:                    lifecycle.NewBase(Name, bus),
		descriptors:             make(map[string]Descriptor),
		records:                 make(map[string]*record),
		globalInterval:          DefaultGlobalInterval,
		maxConcurrentRecoveries: DefaultMaxConcurrentRecoveries,
		joinTimeout:             DefaultJoinTimeout,
		settleDelay:             lifecycle.DefaultSettleDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	logrus.WithFields(logrus.Fields{
		"global_interval":           s.globalInterval,
		"max_concurrent_recoveries": s.maxConcurrentRecoveries,
	}).Info("Service supervisor initialized")
	return s
}

// Register adds a service to the registry with a fresh record in the
// unknown state.
//
// Registering a name that already exists replaces its descriptor (last
// write wins) but keeps the existing record and its counters.
func (s *Supervisor) Register(name string, checker HealthChecker, recoverer Recoverer, opts ...ServiceOption) error {
	if name == "" || checker == nil {
		return ErrInvalidDescriptor
	}
	d := newDescriptor(name, checker, recoverer, opts...)

	s.mu.Lock()
	_, replaced := s.descriptors[name]
	s.descriptors[name] = d
	if !replaced {
		s.order = append(s.order, name)
	}
	if _, ok := s.records[name]; !ok {
		s.records[name] = newRecord(name)
	}
	s.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"service":        name,
		"check_interval": d.CheckInterval,
		"max_failures":   d.MaxFailures,
		"auto_recovery":  d.AutoRecovery && recoverer != nil,
	})
	if replaced {
		log.Warn("Service re-registered, descriptor replaced and record kept")
	} else {
		log.Info("Service registered")
	}

	s.Bus().Publish(lifecycle.Event{Kind: lifecycle.ServiceRegistered, Source: Name, New: name})
	return nil
}

// Unregister removes the descriptor and record of a service.
func (s *Supervisor) Unregister(name string) error {
	s.mu.Lock()
	if _, ok := s.descriptors[name]; !ok {
		s.mu.Unlock()
		logrus.WithField("service", name).Warn("Cannot unregister unknown service")
		return ErrServiceNotFound
	}
	delete(s.descriptors, name)
	delete(s.records, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	logrus.WithField("service", name).Info("Service unregistered")
	s.Bus().Publish(lifecycle.Event{Kind: lifecycle.ServiceUnregistered, Source: Name, Old: name})
	return nil
}

// ServiceNames returns the registered names in registration order.
func (s *Supervisor) ServiceNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// Descriptor returns the current descriptor of a service.
func (s *Supervisor) Descriptor(name string) (Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descriptors[name]
	return d, ok
}

// ServiceStatus returns the last recorded health of a service.
func (s *Supervisor) ServiceStatus(name string) (types.HealthStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// Record returns a snapshot of a service's record.
func (s *Supervisor) Record(name string) (types.ServiceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return types.ServiceRecord{}, false
	}
	return rec.snapshot(time.Now(), s.descriptors[name].RecoveryCooldown), true
}

// Records returns snapshots of every record, keyed by service name.
func (s *Supervisor) Records() map[string]types.ServiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make(map[string]types.ServiceRecord, len(s.records))
	for name, rec := range s.records {
		out[name] = rec.snapshot(now, s.descriptors[name].RecoveryCooldown)
	}
	return out
}

// ResetStats clears the counters of a service record. Its status is kept.
func (s *Supervisor) ResetStats(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return ErrServiceNotFound
	}
	rec.failureCount = 0
	rec.recoveryCount = 0
	rec.totalChecks = 0
	rec.totalFailures = 0
	rec.lastRecoveryTime = time.Time{}
	logrus.WithField("service", name).Info("Service statistics reset")
	return nil
}

// Stats returns the supervisor-wide counters.
func (s *Supervisor) Stats() types.SupervisorStats {
	s.mu.Lock()
	st := types.SupervisorStats{
		TotalChecks:          s.stats.totalChecks,
		TotalFailures:        s.stats.totalFailures,
		TotalRecoveries:      s.stats.totalRecoveries,
		SuccessfulRecoveries: s.stats.successfulRecoveries,
		FailedRecoveries:     s.stats.failedRecoveries,
		CurrentRecoveries:    int(s.currentRecoveries.Load()),
	}
	s.mu.Unlock()

	s.runMu.Lock()
	defer s.runMu.Unlock()
	st.TotalUptime = s.uptime
	if !s.startTime.IsZero() {
		st.CurrentUptime = time.Since(s.startTime)
		st.TotalUptime += st.CurrentUptime
	}
	return st
}

// IsMonitoring reports whether the supervisory loop has been started.
func (s *Supervisor) IsMonitoring() bool {
	return s.monitoring.Load()
}

// CurrentRecoveries returns the number of recoveries executing right now.
func (s *Supervisor) CurrentRecoveries() int {
	return int(s.currentRecoveries.Load())
}

// Start marks the supervisor as running. Monitoring is started separately
// with StartMonitoring.
func (s *Supervisor) Start() error {
	if err := s.SetStatus(types.StatusStarting, ""); err != nil {
		return err
	}
	if err := s.SetStatus(types.StatusRunning, ""); err != nil {
		s.Fail(err.Error())
		return err
	}
	s.SetHealth(types.HealthHealthy, "")
	return nil
}

// Stop stops monitoring and marks the supervisor as stopped. Recoveries in
// flight are left to finish.
func (s *Supervisor) Stop() error {
	if s.Status() == types.StatusStopped {
		return s.StopMonitoring()
	}
	if err := s.SetStatus(types.StatusStopping, ""); err != nil {
		return err
	}
	if err := s.StopMonitoring(); err != nil {
		s.Fail(err.Error())
		return err
	}
	if err := s.SetStatus(types.StatusStopped, ""); err != nil {
		return err
	}
	s.SetHealth(types.HealthUnknown, "")
	return nil
}

// Restart stops and starts the supervisor, resuming monitoring when it was
// active. This lets the supervisor recover itself.
func (s *Supervisor) Restart() error {
	wasMonitoring := s.IsMonitoring()
	if err := lifecycle.Restart(s, s.settleDelay); err != nil {
		return err
	}
	if wasMonitoring {
		return s.StartMonitoring()
	}
	return nil
}

func (s *Supervisor) Info() types.ServiceInfo {
	stats := s.Stats()

	s.mu.Lock()
	serviceStatus := make(map[string]types.HealthStatus, len(s.records))
	for name, rec := range s.records {
		serviceStatus[name] = rec.status
	}
	registered := len(s.descriptors)
	s.mu.Unlock()

	state := "stopped"
	if s.IsMonitoring() {
		state = "running"
	}

	names := make([]string, 0, len(serviceStatus))
	for name := range serviceStatus {
		names = append(names, name)
	}
	sort.Strings(names)

	return types.ServiceInfo{
		Name:    Name,
		Status:  s.Status(),
		Health:  s.Health(),
		Message: fmt.Sprintf("monitoring %s, %d services", state, registered),
		Details: map[string]any{
			"registered_services":       registered,
			"services":                  names,
			"is_monitoring":             s.IsMonitoring(),
			"current_recoveries":        stats.CurrentRecoveries,
			"max_concurrent_recoveries": int(s.maxConcurrentRecoveries),
			"stats":                     stats,
			"service_status":            serviceStatus,
		},
	}
}
