package supervisor

import (
	"fmt"
	"time"

	"github.com/masa-finance/ledger-relay/internal/lifecycle"
	"github.com/masa-finance/ledger-relay/internal/metrics"
	"github.com/sirupsen/logrus"
)

// acquireRecoverySlot reserves one of the concurrent recovery slots.
func (s *Supervisor) acquireRecoverySlot() bool {
	for {
		cur := s.currentRecoveries.Load()
		if cur >= s.maxConcurrentRecoveries {
			return false
		}
		if s.currentRecoveries.CompareAndSwap(cur, cur+1) {
			metrics.RecoveriesInFlight.Inc()
			return true
		}
	}
}

func (s *Supervisor) releaseRecoverySlot() {
	s.currentRecoveries.Add(-1)
	metrics.RecoveriesInFlight.Dec()
}

// ForceRecover runs the recovery of a service synchronously, regardless of
// its failure count, auto-recovery flag or cooldown. It still takes a slot
// from the concurrent recovery limit.
func (s *Supervisor) ForceRecover(name string) error {
	d, ok := s.Descriptor(name)
	if !ok {
		logrus.WithField("service", name).Warn("Forced recovery of unknown service")
		return ErrServiceNotFound
	}
	if d.Recoverer == nil {
		logrus.WithField("service", name).Warn("Service has no recovery handler")
		return ErrNoRecoverer
	}
	if !s.acquireRecoverySlot() {
		return ErrRecoveryLimit
	}
	defer s.releaseRecoverySlot()

	err := s.attemptRecovery(d)
	logrus.WithField("service", name).Infof("Forced recovery finished, success=%t", err == nil)
	return err
}

// attemptRecovery calls the recoverer of d and books the outcome. The caller
// owns a recovery slot for the duration of the call.
func (s *Supervisor) attemptRecovery(d Descriptor) (err error) {
	log := logrus.WithField("service", d.Name)
	log.Info("Attempting service recovery")

	s.mu.Lock()
	s.stats.totalRecoveries++
	if rec, ok := s.records[d.Name]; ok {
		rec.lastRecoveryTime = time.Now()
	}
	s.mu.Unlock()

	err = safeRecover(d.Recoverer)
	success := err == nil

	s.mu.Lock()
	if success {
		s.stats.successfulRecoveries++
		if rec, ok := s.records[d.Name]; ok {
			rec.failureCount = 0
			rec.recoveryCount++
		}
	} else {
		s.stats.failedRecoveries++
	}
	s.mu.Unlock()

	metrics.Recoveries.WithLabelValues(d.Name, metrics.Outcome(success)).Inc()
	if success {
		metrics.ServiceFailureCount.WithLabelValues(d.Name).Set(0)
		log.Info("Service recovered")
		s.Bus().Publish(lifecycle.Event{Kind: lifecycle.ServiceRecovered, Source: d.Name})
	} else {
		log.WithError(err).Error("Service recovery failed")
	}

	ev := lifecycle.Event{
		Kind:   lifecycle.RecoveryAttempted,
		Source: d.Name,
		Data:   map[string]any{"success": success},
	}
	if err != nil {
		ev.Message = err.Error()
	}
	s.Bus().Publish(ev)
	return err
}

func safeRecover(r Recoverer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrRecoveryFailed, p)
		}
	}()
	return r.Recover()
}
