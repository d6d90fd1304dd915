package supervisor

import (
	"fmt"
	"time"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/masa-finance/ledger-relay/internal/lifecycle"
	"github.com/masa-finance/ledger-relay/internal/metrics"
	"github.com/sirupsen/logrus"
)

// persistentFailureLogEvery throttles logging once a service is past its
// failure threshold.
const persistentFailureLogEvery = 5

// loopErrorBackoff is the pause after an unexpected panic in a loop pass.
const loopErrorBackoff = 5 * time.Second

// StartMonitoring launches the supervisory loop. Starting twice is a no-op.
func (s *Supervisor) StartMonitoring() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.monitoring.Load() {
		logrus.Warn("Service monitoring already running")
		return nil
	}

	names := s.ServiceNames()
	if len(names) == 0 {
		logrus.Warn("Refusing to start monitoring without registered services")
		return ErrNoServices
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.startTime = time.Now()
	s.monitoring.Store(true)
	s.loopAlive.Store(true)
	go s.loop(s.stopCh, s.doneCh)

	logrus.WithField("services", names).Infof("Started monitoring %d services", len(names))
	s.Bus().Publish(lifecycle.Event{
		Kind:   lifecycle.MonitoringStarted,
		Source: Name,
		Data:   map[string]any{"services": names},
	})
	return nil
}

// StopMonitoring signals the loop to exit and waits for it up to the join
// timeout. A check that is still running when the timeout expires is left
// behind; the loop exits as soon as it returns.
func (s *Supervisor) StopMonitoring() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.monitoring.Load() {
		return nil
	}

	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(s.joinTimeout):
		logrus.Warnf("Monitoring loop did not exit within %v", s.joinTimeout)
	}

	s.monitoring.Store(false)
	if !s.startTime.IsZero() {
		s.uptime += time.Since(s.startTime)
		s.startTime = time.Time{}
	}

	logrus.Info("Stopped monitoring")
	s.Bus().Publish(lifecycle.Event{Kind: lifecycle.MonitoringStopped, Source: Name})
	return nil
}

func (s *Supervisor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer s.loopAlive.Store(false)

	logrus.Debug("Monitoring loop started")
	for {
		wait, ok := s.safePass(stop)
		if !ok {
			wait = loopErrorBackoff
		}
		select {
		case <-stop:
			logrus.Debug("Monitoring loop finished")
			return
		case <-time.After(wait):
		}
	}
}

// safePass runs one pass over the registry and returns the time to sleep
// before the next one. ok is false if the pass panicked.
func (s *Supervisor) safePass(stop <-chan struct{}) (wait time.Duration, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Monitoring loop pass panicked: %v", r)
			ok = false
		}
	}()
	s.pass(stop)
	return s.nextWait(), true
}

func (s *Supervisor) pass(stop <-chan struct{}) {
	s.mu.Lock()
	due := make([]Descriptor, 0, len(s.order))
	now := time.Now()
	for _, name := range s.order {
		d := s.descriptors[name]
		if rec, ok := s.records[name]; ok && !rec.due(now, d.CheckInterval) {
			continue
		}
		due = append(due, d)
	}
	s.mu.Unlock()

	for _, d := range due {
		select {
		case <-stop:
			return
		default:
		}
		s.checkService(d)
	}
}

// nextWait is the smaller of the global interval and the shortest
// per-service interval.
func (s *Supervisor) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := s.globalInterval
	for _, d := range s.descriptors {
		if d.CheckInterval < wait {
			wait = d.CheckInterval
		}
	}
	return wait
}

// ForceCheck runs a health check for a service right away, with the same
// bookkeeping as a scheduled check.
func (s *Supervisor) ForceCheck(name string) (types.HealthResult, error) {
	d, ok := s.Descriptor(name)
	if !ok {
		logrus.WithField("service", name).Warn("Forced check of unknown service")
		return types.HealthResult{}, ErrServiceNotFound
	}
	result := s.checkService(d)
	logrus.WithField("service", name).Infof("Forced check: %s", result.Status)
	return result, nil
}

func (s *Supervisor) checkService(d Descriptor) types.HealthResult {
	start := time.Now()
	result := s.invokeCheck(d)
	result.ResponseTime = time.Since(start)
	now := time.Now()

	metrics.HealthChecks.WithLabelValues(d.Name, string(result.Status)).Inc()
	metrics.HealthCheckDuration.WithLabelValues(d.Name).Observe(result.ResponseTime.Seconds())

	s.mu.Lock()
	if _, registered := s.descriptors[d.Name]; !registered {
		// Unregistered while the check was running.
		s.mu.Unlock()
		return result
	}
	rec := s.records[d.Name]
	old := rec.status
	rec.lastCheckTime = now
	rec.totalChecks++
	s.stats.totalChecks++

	trigger := false
	switch {
	case result.Status == types.HealthHealthy:
		rec.status = types.HealthHealthy
		rec.lastSuccessTime = now
		rec.failureCount = 0
	case result.Status.IsFailure():
		rec.status = result.Status
		rec.totalFailures++
		s.stats.totalFailures++
		if rec.failureCount < d.failureCap() {
			rec.failureCount++
		}
		logFailure(d, rec.failureCount, result.Message)
		trigger = s.shouldRecover(d, rec, now)
	}
	failures := rec.failureCount
	current := rec.status
	s.mu.Unlock()

	metrics.ServiceFailureCount.WithLabelValues(d.Name).Set(float64(failures))

	if trigger {
		logrus.WithField("service", d.Name).Infof("Triggering recovery after %d failures", d.MaxFailures)
		go func() {
			defer s.releaseRecoverySlot()
			_ = s.attemptRecovery(d)
		}()
	}

	if old != current {
		s.Bus().Publish(lifecycle.Event{
			Kind:    lifecycle.StatusChanged,
			Source:  d.Name,
			Old:     string(old),
			New:     string(current),
			Message: result.Message,
		})
		if current == types.HealthUnhealthy {
			s.Bus().Publish(lifecycle.Event{
				Kind:    lifecycle.ServiceFailed,
				Source:  d.Name,
				Message: result.Message,
			})
		}
	}
	return result
}

// shouldRecover decides, with s.mu held, whether this failure starts a
// recovery. It only ever fires on the check that brings failureCount to
// exactly MaxFailures. A true return means a recovery slot has been taken.
func (s *Supervisor) shouldRecover(d Descriptor, rec *record, now time.Time) bool {
	if rec.failureCount != d.MaxFailures {
		return false
	}
	log := logrus.WithField("service", d.Name)
	switch {
	case d.Recoverer == nil:
		log.Warn("Service reached max failures but has no recovery handler")
		return false
	case !d.AutoRecovery:
		log.Info("Service reached max failures, auto recovery disabled")
		return false
	case rec.inCooldown(now, d.RecoveryCooldown):
		log.Info("Service in recovery cooldown, skipping recovery")
		return false
	case !s.acquireRecoverySlot():
		log.Warn("Recovery limit reached, skipping recovery")
		return false
	}
	return true
}

func logFailure(d Descriptor, failures int, message string) {
	log := logrus.WithField("service", d.Name)
	switch {
	case failures > d.MaxFailures:
		if failures%persistentFailureLogEvery == 0 {
			log.Errorf("Service still unhealthy after %d failures: %s", failures, message)
		}
	case failures >= d.MaxFailures-1:
		log.Errorf("Health check failed (%d/%d): %s", failures, d.MaxFailures, message)
	default:
		log.Warnf("Health check failed (%d/%d): %s", failures, d.MaxFailures, message)
	}
}

// invokeCheck calls the checker, turning a panic or a timeout into an
// unhealthy result.
func (s *Supervisor) invokeCheck(d Descriptor) types.HealthResult {
	if d.CheckTimeout <= 0 {
		return safeCheck(d.Checker)
	}

	ch := make(chan types.HealthResult, 1)
	go func() {
		ch <- safeCheck(d.Checker)
	}()
	select {
	case result := <-ch:
		return result
	case <-time.After(d.CheckTimeout):
		return types.HealthResult{
			Status:  types.HealthUnhealthy,
			Message: fmt.Sprintf("health check timed out after %v", d.CheckTimeout),
			Details: map[string]any{"timeout": d.CheckTimeout.String()},
		}
	}
}

func safeCheck(checker HealthChecker) (result types.HealthResult) {
	defer func() {
		if r := recover(); r != nil {
			result = types.HealthResult{
				Status:  types.HealthUnhealthy,
				Message: fmt.Sprintf("health check failed: %v", r),
				Details: map[string]any{"exception": fmt.Sprint(r)},
			}
		}
	}()
	return checker.CheckHealth()
}
