package supervisor_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/masa-finance/ledger-relay/internal/lifecycle"
	. "github.com/masa-finance/ledger-relay/internal/supervisor"
)

// scriptedChecker returns whatever status it was last told to.
type scriptedChecker struct {
	mu     sync.Mutex
	status types.HealthStatus
	calls  atomic.Int32
}

func newChecker(status types.HealthStatus) *scriptedChecker {
	return &scriptedChecker{status: status}
}

func (c *scriptedChecker) set(status types.HealthStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func (c *scriptedChecker) CheckHealth() types.HealthResult {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.HealthResult{Status: c.status, Message: string(c.status)}
}

type countingRecoverer struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
}

func (r *countingRecoverer) Recover() error {
	r.calls.Add(1)
	if r.release != nil {
		<-r.release
	}
	return r.err
}

func drain(events <-chan lifecycle.Event, kind lifecycle.EventKind) []lifecycle.Event {
	var out []lifecycle.Event
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func failureCount(s *Supervisor, name string) int {
	rec, ok := s.Record(name)
	Expect(ok).To(BeTrue())
	return rec.FailureCount
}

var _ = Describe("Supervisor", func() {
	var (
		bus *lifecycle.Bus
		sup *Supervisor
	)

	BeforeEach(func() {
		bus = lifecycle.NewBus()
		sup = New(bus, WithGlobalInterval(50*time.Millisecond), WithJoinTimeout(time.Second))
	})

	AfterEach(func() {
		Expect(sup.StopMonitoring()).To(Succeed())
	})

	Context("registry", func() {
		It("rejects registrations without a name or checker", func() {
			Expect(sup.Register("", newChecker(types.HealthHealthy), nil)).To(MatchError(ErrInvalidDescriptor))
			Expect(sup.Register("a", nil, nil)).To(MatchError(ErrInvalidDescriptor))
		})

		It("creates an unknown record with defaults", func() {
			Expect(sup.Register("a", newChecker(types.HealthHealthy), nil)).To(Succeed())

			rec, ok := sup.Record("a")
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal(types.HealthUnknown))
			Expect(rec.FailureCount).To(BeZero())

			d, ok := sup.Descriptor("a")
			Expect(ok).To(BeTrue())
			Expect(d.CheckInterval).To(Equal(DefaultCheckInterval))
			Expect(d.MaxFailures).To(Equal(DefaultMaxFailures))
			Expect(d.RecoveryCooldown).To(Equal(DefaultRecoveryCooldown))
			Expect(d.AutoRecovery).To(BeTrue())
		})

		It("keeps registration order", func() {
			for _, name := range []string{"c", "a", "b"} {
				Expect(sup.Register(name, newChecker(types.HealthHealthy), nil)).To(Succeed())
			}
			Expect(sup.ServiceNames()).To(Equal([]string{"c", "a", "b"}))
		})

		It("replaces the descriptor but keeps the record on re-registration", func() {
			Expect(sup.Register("a", newChecker(types.HealthUnhealthy), nil, MaxFailures(5))).To(Succeed())
			_, err := sup.ForceCheck("a")
			Expect(err).NotTo(HaveOccurred())

			Expect(sup.Register("a", newChecker(types.HealthHealthy), nil, MaxFailures(7))).To(Succeed())

			d, _ := sup.Descriptor("a")
			Expect(d.MaxFailures).To(Equal(7))
			rec, _ := sup.Record("a")
			Expect(rec.TotalChecks).To(Equal(int64(1)))
			Expect(rec.FailureCount).To(Equal(1))
			Expect(sup.ServiceNames()).To(Equal([]string{"a"}))
		})

		It("removes the record on unregister", func() {
			Expect(sup.Register("a", newChecker(types.HealthHealthy), nil)).To(Succeed())
			Expect(sup.Unregister("a")).To(Succeed())
			_, ok := sup.Record("a")
			Expect(ok).To(BeFalse())
			Expect(sup.Unregister("a")).To(MatchError(ErrServiceNotFound))
		})

		It("resets the counters of a record", func() {
			Expect(sup.Register("a", newChecker(types.HealthUnhealthy), nil)).To(Succeed())
			_, _ = sup.ForceCheck("a")
			Expect(sup.ResetStats("a")).To(Succeed())

			rec, _ := sup.Record("a")
			Expect(rec.TotalChecks).To(BeZero())
			Expect(rec.FailureCount).To(BeZero())
			Expect(rec.Status).To(Equal(types.HealthUnhealthy))
			Expect(sup.ResetStats("missing")).To(MatchError(ErrServiceNotFound))
		})
	})

	Context("health checks", func() {
		It("reports unknown services", func() {
			_, err := sup.ForceCheck("missing")
			Expect(err).To(MatchError(ErrServiceNotFound))
		})

		It("resets the failure count on success", func() {
			checker := newChecker(types.HealthDegraded)
			Expect(sup.Register("a", checker, nil, MaxFailures(5))).To(Succeed())

			_, _ = sup.ForceCheck("a")
			_, _ = sup.ForceCheck("a")
			Expect(failureCount(sup, "a")).To(Equal(2))

			checker.set(types.HealthHealthy)
			_, _ = sup.ForceCheck("a")

			rec, _ := sup.Record("a")
			Expect(rec.FailureCount).To(BeZero())
			Expect(rec.Status).To(Equal(types.HealthHealthy))
			Expect(rec.LastSuccessTime).NotTo(BeZero())
			Expect(rec.TotalChecks).To(Equal(int64(3)))
			Expect(rec.TotalFailures).To(Equal(int64(2)))
			Expect(rec.SuccessRate).To(BeNumerically("~", 1.0/3.0, 0.001))
		})

		It("counts unknown results without changing the status", func() {
			checker := newChecker(types.HealthHealthy)
			Expect(sup.Register("a", checker, nil)).To(Succeed())
			_, _ = sup.ForceCheck("a")

			checker.set(types.HealthUnknown)
			_, _ = sup.ForceCheck("a")

			rec, _ := sup.Record("a")
			Expect(rec.Status).To(Equal(types.HealthHealthy))
			Expect(rec.TotalChecks).To(Equal(int64(2)))
			Expect(rec.TotalFailures).To(BeZero())
		})

		It("caps the failure count two above the threshold", func() {
			Expect(sup.Register("a", newChecker(types.HealthUnhealthy), nil, MaxFailures(3))).To(Succeed())
			for i := 0; i < 10; i++ {
				_, _ = sup.ForceCheck("a")
			}
			rec, _ := sup.Record("a")
			Expect(rec.FailureCount).To(Equal(5))
			Expect(rec.TotalFailures).To(Equal(int64(10)))
		})

		It("turns a panicking checker into an unhealthy result", func() {
			checker := CheckerFunc(func() types.HealthResult { panic("boom") })
			Expect(sup.Register("a", checker, nil)).To(Succeed())

			result, err := sup.ForceCheck("a")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(types.HealthUnhealthy))
			Expect(result.Message).To(ContainSubstring("boom"))
		})

		It("gives up on a slow checker when a timeout is set", func() {
			block := make(chan struct{})
			defer close(block)
			checker := CheckerFunc(func() types.HealthResult {
				<-block
				return types.Healthy("late")
			})
			Expect(sup.Register("a", checker, nil, CheckTimeout(20*time.Millisecond))).To(Succeed())

			start := time.Now()
			result, err := sup.ForceCheck("a")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(types.HealthUnhealthy))
			Expect(result.Message).To(ContainSubstring("timed out"))
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		})

		It("announces a status change only when the status changes", func() {
			events, cancel := bus.Subscribe(64)
			defer cancel()
			Expect(sup.Register("a", newChecker(types.HealthUnhealthy), nil, MaxFailures(10))).To(Succeed())

			for i := 0; i < 4; i++ {
				_, _ = sup.ForceCheck("a")
			}

			changed := drain(events, lifecycle.StatusChanged)
			Expect(changed).To(HaveLen(1))
			Expect(changed[0].Source).To(Equal("a"))
			Expect(changed[0].Old).To(Equal(string(types.HealthUnknown)))
			Expect(changed[0].New).To(Equal(string(types.HealthUnhealthy)))
		})

		It("announces a failure when a service turns unhealthy", func() {
			events, cancel := bus.Subscribe(64)
			defer cancel()
			checker := newChecker(types.HealthDegraded)
			Expect(sup.Register("a", checker, nil, MaxFailures(10))).To(Succeed())

			_, _ = sup.ForceCheck("a")
			checker.set(types.HealthUnhealthy)
			_, _ = sup.ForceCheck("a")
			_, _ = sup.ForceCheck("a")

			failed := drain(events, lifecycle.ServiceFailed)
			Expect(failed).To(HaveLen(1))
			Expect(failed[0].Source).To(Equal("a"))
		})
	})

	Context("recovery", func() {
		It("recovers once after maxFailures consecutive failures", func() {
			recoverer := &countingRecoverer{}
			Expect(sup.Register("A", newChecker(types.HealthUnhealthy), recoverer, MaxFailures(3))).To(Succeed())

			for i := 0; i < 3; i++ {
				_, _ = sup.ForceCheck("A")
			}

			Eventually(recoverer.calls.Load).Should(Equal(int32(1)))
			Eventually(func() int { return failureCount(sup, "A") }).Should(BeZero())
			Eventually(func() int { rec, _ := sup.Record("A"); return rec.RecoveryCount }).Should(Equal(1))
			Consistently(recoverer.calls.Load, 100*time.Millisecond).Should(Equal(int32(1)))

			stats := sup.Stats()
			Expect(stats.TotalRecoveries).To(Equal(int64(1)))
			Expect(stats.SuccessfulRecoveries).To(Equal(int64(1)))
		})

		It("does not fire again beyond the threshold", func() {
			recoverer := &countingRecoverer{err: errors.New("still broken")}
			Expect(sup.Register("a", newChecker(types.HealthUnhealthy), recoverer, MaxFailures(3))).To(Succeed())

			for i := 0; i < 8; i++ {
				_, _ = sup.ForceCheck("a")
			}

			Eventually(recoverer.calls.Load).Should(Equal(int32(1)))
			Consistently(recoverer.calls.Load, 100*time.Millisecond).Should(Equal(int32(1)))
			Eventually(func() int64 { return sup.Stats().FailedRecoveries }).Should(Equal(int64(1)))
			Expect(failureCount(sup, "a")).To(Equal(5))
			status, _ := sup.ServiceStatus("a")
			Expect(status).To(Equal(types.HealthUnhealthy))
		})

		It("skips recovery inside the cooldown window", func() {
			recoverer := &countingRecoverer{}
			Expect(sup.Register("a", newChecker(types.HealthUnhealthy), recoverer,
				MaxFailures(1), RecoveryCooldown(time.Hour))).To(Succeed())

			_, _ = sup.ForceCheck("a")
			Eventually(recoverer.calls.Load).Should(Equal(int32(1)))
			Eventually(func() int { return failureCount(sup, "a") }).Should(BeZero())

			_, _ = sup.ForceCheck("a")
			Consistently(recoverer.calls.Load, 100*time.Millisecond).Should(Equal(int32(1)))

			rec, _ := sup.Record("a")
			Expect(rec.InRecoveryCooldown).To(BeTrue())
		})

		It("fires again once the threshold is reached outside the cooldown", func() {
			recoverer := &countingRecoverer{}
			Expect(sup.Register("a", newChecker(types.HealthUnhealthy), recoverer,
				MaxFailures(1), RecoveryCooldown(0))).To(Succeed())

			_, _ = sup.ForceCheck("a")
			Eventually(func() int { return failureCount(sup, "a") }).Should(BeZero())
			_, _ = sup.ForceCheck("a")

			Eventually(recoverer.calls.Load).Should(Equal(int32(2)))
		})

		It("does not recover when auto recovery is off", func() {
			recoverer := &countingRecoverer{}
			Expect(sup.Register("a", newChecker(types.HealthUnhealthy), recoverer,
				MaxFailures(1), AutoRecovery(false))).To(Succeed())

			_, _ = sup.ForceCheck("a")
			Consistently(recoverer.calls.Load, 100*time.Millisecond).Should(BeZero())
		})

		It("never exceeds the concurrent recovery limit", func() {
			sup = New(bus, WithMaxConcurrentRecoveries(1))
			release := make(chan struct{})
			ra := &countingRecoverer{release: release}
			rb := &countingRecoverer{release: release}
			Expect(sup.Register("a", newChecker(types.HealthUnhealthy), ra, MaxFailures(1))).To(Succeed())
			Expect(sup.Register("b", newChecker(types.HealthUnhealthy), rb, MaxFailures(1))).To(Succeed())

			_, _ = sup.ForceCheck("a")
			Eventually(sup.CurrentRecoveries).Should(Equal(1))

			_, _ = sup.ForceCheck("b")
			Expect(sup.ForceRecover("b")).To(MatchError(ErrRecoveryLimit))
			Expect(sup.CurrentRecoveries()).To(Equal(1))

			close(release)
			Eventually(sup.CurrentRecoveries).Should(BeZero())
			Expect(ra.calls.Load()).To(Equal(int32(1)))
			Expect(rb.calls.Load()).To(BeZero())
		})

		It("books a panicking recoverer as a failed recovery", func() {
			recoverer := RecovererFunc(func() error { panic("boom") })
			Expect(sup.Register("a", newChecker(types.HealthUnhealthy), recoverer)).To(Succeed())

			err := sup.ForceRecover("a")
			Expect(err).To(MatchError(ErrRecoveryFailed))
			Expect(sup.Stats().FailedRecoveries).To(Equal(int64(1)))
		})

		It("validates forced recoveries", func() {
			Expect(sup.ForceRecover("missing")).To(MatchError(ErrServiceNotFound))
			Expect(sup.Register("a", newChecker(types.HealthHealthy), nil)).To(Succeed())
			Expect(sup.ForceRecover("a")).To(MatchError(ErrNoRecoverer))
		})

		It("announces recovery attempts", func() {
			events, cancel := bus.Subscribe(64)
			defer cancel()
			Expect(sup.Register("a", newChecker(types.HealthUnhealthy), &countingRecoverer{})).To(Succeed())

			Expect(sup.ForceRecover("a")).To(Succeed())

			attempted := drain(events, lifecycle.RecoveryAttempted)
			Expect(attempted).To(HaveLen(1))
			Expect(attempted[0].Data).To(HaveKeyWithValue("success", true))
		})
	})

	Context("monitoring loop", func() {
		It("refuses to start with no services", func() {
			Expect(sup.StartMonitoring()).To(MatchError(ErrNoServices))
			Expect(sup.IsMonitoring()).To(BeFalse())
		})

		It("checks each service on its own interval until stopped", func() {
			fast := newChecker(types.HealthHealthy)
			slow := newChecker(types.HealthHealthy)
			Expect(sup.Register("fast", fast, nil, CheckInterval(10*time.Millisecond))).To(Succeed())
			Expect(sup.Register("slow", slow, nil, CheckInterval(time.Hour))).To(Succeed())

			Expect(sup.StartMonitoring()).To(Succeed())
			Expect(sup.StartMonitoring()).To(Succeed())
			Expect(sup.IsMonitoring()).To(BeTrue())

			Eventually(fast.calls.Load).Should(BeNumerically(">=", 3))
			Expect(slow.calls.Load()).To(Equal(int32(1)))

			Expect(sup.StopMonitoring()).To(Succeed())
			Expect(sup.IsMonitoring()).To(BeFalse())

			seen := fast.calls.Load()
			Consistently(fast.calls.Load, 100*time.Millisecond).Should(Equal(seen))
			Expect(sup.Stats().TotalUptime).To(BeNumerically(">", 0))
		})

		It("keeps running after a checker panics", func() {
			var calls atomic.Int32
			checker := CheckerFunc(func() types.HealthResult {
				calls.Add(1)
				panic("boom")
			})
			Expect(sup.Register("a", checker, nil, CheckInterval(10*time.Millisecond), MaxFailures(100))).To(Succeed())

			Expect(sup.StartMonitoring()).To(Succeed())
			Eventually(calls.Load).Should(BeNumerically(">=", 3))
		})
	})

	Context("as a service", func() {
		It("starts, stops and stops monitoring", func() {
			Expect(sup.Register("a", newChecker(types.HealthHealthy), nil)).To(Succeed())

			Expect(sup.Start()).To(Succeed())
			Expect(sup.Status()).To(Equal(types.StatusRunning))
			Expect(sup.StartMonitoring()).To(Succeed())

			Expect(sup.Stop()).To(Succeed())
			Expect(sup.Status()).To(Equal(types.StatusStopped))
			Expect(sup.IsMonitoring()).To(BeFalse())
		})

		It("is unhealthy while a service is unhealthy", func() {
			Expect(sup.Register("a", newChecker(types.HealthUnhealthy), nil, MaxFailures(10))).To(Succeed())
			_, _ = sup.ForceCheck("a")

			result := sup.CheckHealth()
			Expect(result.Status).To(Equal(types.HealthUnhealthy))
			Expect(result.Details).To(HaveKeyWithValue("unhealthy_services", []string{"a"}))
		})

		It("is degraded when too many checks failed", func() {
			checker := newChecker(types.HealthUnhealthy)
			Expect(sup.Register("a", checker, nil, MaxFailures(10))).To(Succeed())
			_, _ = sup.ForceCheck("a")
			checker.set(types.HealthHealthy)
			_, _ = sup.ForceCheck("a")

			result := sup.CheckHealth()
			Expect(result.Status).To(Equal(types.HealthDegraded))
			Expect(result.Message).To(ContainSubstring("failure rate"))
		})

		It("is healthy when every service is", func() {
			Expect(sup.Register("a", newChecker(types.HealthHealthy), nil)).To(Succeed())
			_, _ = sup.ForceCheck("a")
			Expect(sup.CheckHealth().Status).To(Equal(types.HealthHealthy))
		})

		It("can monitor itself", func() {
			Expect(sup.Register(Name, sup, RestartRecoverer(sup), CheckInterval(10*time.Millisecond))).To(Succeed())
			Expect(sup.StartMonitoring()).To(Succeed())
			Eventually(func() int64 { rec, _ := sup.Record(Name); return rec.TotalChecks }).Should(BeNumerically(">=", 2))
		})

		It("does not stay unhealthy on its own record after a service flaps", func() {
			checker := newChecker(types.HealthUnhealthy)
			Expect(sup.Register("a", checker, nil, MaxFailures(10))).To(Succeed())
			Expect(sup.Register(Name, sup, RestartRecoverer(sup), MaxFailures(10))).To(Succeed())

			_, _ = sup.ForceCheck("a")
			result, err := sup.ForceCheck(Name)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(types.HealthUnhealthy))

			checker.set(types.HealthHealthy)
			for i := 0; i < 5; i++ {
				_, _ = sup.ForceCheck("a")
			}
			result, err = sup.ForceCheck(Name)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(types.HealthHealthy))

			rec, _ := sup.Record(Name)
			Expect(rec.Status).To(Equal(types.HealthHealthy))
			Expect(rec.FailureCount).To(BeZero())
		})

		It("keeps monitoring after recovering itself", func() {
			Expect(sup.Register(Name, sup, RestartRecoverer(sup), CheckInterval(10*time.Millisecond))).To(Succeed())
			Expect(sup.Start()).To(Succeed())
			Expect(sup.StartMonitoring()).To(Succeed())

			Expect(sup.ForceRecover(Name)).To(Succeed())
			Expect(sup.IsMonitoring()).To(BeTrue())
			Expect(sup.Status()).To(Equal(types.StatusRunning))

			rec, _ := sup.Record(Name)
			Expect(rec.RecoveryCount).To(Equal(1))
		})
	})
})
