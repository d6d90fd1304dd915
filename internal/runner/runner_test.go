package runner_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/thejerf/suture/v4"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/masa-finance/ledger-relay/internal/lifecycle"
	. "github.com/masa-finance/ledger-relay/internal/runner"
)

// fakeService counts Start and Stop calls and fails the first failStarts starts.
type fakeService struct {
	*lifecycle.Base
	starts     atomic.Int32
	stops      atomic.Int32
	failStarts int32
	monitoring atomic.Bool
	monitorErr error
}

func newFakeService(name string) *fakeService {
	return &fakeService{Base: lifecycle.NewBase(name, lifecycle.NewBus())}
}

func (f *fakeService) Start() error {
	if f.starts.Add(1) <= f.failStarts {
		f.Fail("boom")
		return errors.New("boom")
	}
	if err := f.SetStatus(types.StatusStarting, ""); err != nil {
		return err
	}
	return f.SetStatus(types.StatusRunning, "")
}

func (f *fakeService) Stop() error {
	f.stops.Add(1)
	f.monitoring.Store(false)
	if f.Status() == types.StatusStopped {
		return nil
	}
	if err := f.SetStatus(types.StatusStopping, ""); err != nil {
		return err
	}
	return f.SetStatus(types.StatusStopped, "")
}

func (f *fakeService) Restart() error {
	return lifecycle.Restart(f, 0)
}

func (f *fakeService) Info() types.ServiceInfo {
	return types.ServiceInfo{Name: f.Name(), Status: f.Status()}
}

func (f *fakeService) CheckHealth() types.HealthResult {
	return types.HealthResult{Status: types.HealthHealthy}
}

func (f *fakeService) StartMonitoring() error {
	if f.monitorErr != nil {
		return f.monitorErr
	}
	f.monitoring.Store(true)
	return nil
}

func serve(svc suture.Service) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()
	return cancel, errCh
}

var _ = Describe("LifecycleService", func() {
	It("starts the service and stops it when the context ends", func() {
		svc := newFakeService("pipeline")
		cancel, errCh := serve(NewLifecycleService(svc))

		Eventually(svc.Status).Should(Equal(types.StatusRunning))
		cancel()

		Eventually(errCh).Should(Receive(MatchError(context.Canceled)))
		Expect(svc.Status()).To(Equal(types.StatusStopped))
		Expect(svc.stops.Load()).To(Equal(int32(1)))
	})

	It("returns a failed start and resets the service", func() {
		svc := newFakeService("pipeline")
		svc.failStarts = 1
		cancel, errCh := serve(NewLifecycleService(svc))
		defer cancel()

		var err error
		Eventually(errCh).Should(Receive(&err))
		Expect(err).To(MatchError(ContainSubstring("start pipeline")))
		Expect(svc.Status()).To(Equal(types.StatusStopped))
	})

	It("is restarted by suture after a failed start", func() {
		svc := newFakeService("pipeline")
		svc.failStarts = 2

		sup := suture.New("test", suture.Spec{
			FailureThreshold: 10,
			FailureBackoff:   10 * time.Millisecond,
			Timeout:          100 * time.Millisecond,
		})
		sup.Add(NewLifecycleService(svc))

		ctx, cancel := context.WithCancel(context.Background())
		errCh := sup.ServeBackground(ctx)

		Eventually(svc.Status).Should(Equal(types.StatusRunning))
		Expect(svc.starts.Load()).To(Equal(int32(3)))

		cancel()
		Eventually(errCh).Should(Receive())
	})

	It("is named after the service", func() {
		Expect(NewLifecycleService(newFakeService("pipeline")).String()).To(Equal("pipeline"))
	})
})

var _ = Describe("MonitorService", func() {
	It("starts monitoring and stops everything with the context", func() {
		svc := newFakeService("supervisor")
		cancel, errCh := serve(NewMonitorService(svc))

		Eventually(svc.monitoring.Load).Should(BeTrue())
		Expect(svc.Status()).To(Equal(types.StatusRunning))
		cancel()

		Eventually(errCh).Should(Receive(MatchError(context.Canceled)))
		Expect(svc.monitoring.Load()).To(BeFalse())
		Expect(svc.Status()).To(Equal(types.StatusStopped))
	})

	It("stops the service when monitoring cannot start", func() {
		svc := newFakeService("supervisor")
		svc.monitorErr = errors.New("no services")
		cancel, errCh := serve(NewMonitorService(svc))
		defer cancel()

		var err error
		Eventually(errCh).Should(Receive(&err))
		Expect(err).To(MatchError(ContainSubstring("start monitoring")))
		Expect(svc.Status()).To(Equal(types.StatusStopped))
	})
})

var _ = Describe("EventLogger", func() {
	It("logs published events by kind", func() {
		logger, hook := logtest.NewNullLogger()
		logger.SetLevel(logrus.DebugLevel)
		bus := lifecycle.NewBus()

		cancel, errCh := serve(NewEventLogger(bus, logger))
		Eventually(bus.Subscribers).Should(Equal(1))

		bus.Publish(lifecycle.Event{Kind: lifecycle.ServiceFailed, Source: "accounting", Message: "api down"})
		bus.Publish(lifecycle.Event{Kind: lifecycle.TaskCompleted, Source: "delivery_pipeline", Message: "task done"})
		bus.Publish(lifecycle.Event{Kind: lifecycle.StatusChanged, Source: "delivery_pipeline", Old: "stopped", New: "running"})

		Eventually(func() int { return len(hook.AllEntries()) }).Should(Equal(3))
		entries := hook.AllEntries()
		Expect(entries[0].Level).To(Equal(logrus.WarnLevel))
		Expect(entries[0].Message).To(Equal("api down"))
		Expect(entries[0].Data).To(HaveKeyWithValue("source", "accounting"))
		Expect(entries[1].Level).To(Equal(logrus.DebugLevel))
		Expect(entries[2].Level).To(Equal(logrus.InfoLevel))
		Expect(entries[2].Data).To(HaveKeyWithValue("new", "running"))

		cancel()
		Eventually(errCh).Should(Receive(MatchError(context.Canceled)))
		Eventually(bus.Subscribers).Should(BeZero())
	})
})

var _ = Describe("LogrusHook", func() {
	It("maps suture events to log levels", func() {
		logger, hook := logtest.NewNullLogger()
		eventHook := LogrusHook(logger)

		eventHook(suture.EventServicePanic{SupervisorName: "core", ServiceName: "pipeline", PanicMsg: "nil map"})
		eventHook(suture.EventBackoff{SupervisorName: "core"})
		eventHook(suture.EventResume{SupervisorName: "core"})

		entries := hook.AllEntries()
		Expect(entries).To(HaveLen(3))
		Expect(entries[0].Level).To(Equal(logrus.ErrorLevel))
		Expect(entries[0].Data).To(HaveKeyWithValue("service_name", "pipeline"))
		Expect(entries[1].Level).To(Equal(logrus.WarnLevel))
		Expect(entries[2].Level).To(Equal(logrus.InfoLevel))
	})
})

var _ = Describe("Tree", func() {
	It("runs core and api services until cancelled", func() {
		core := newFakeService("pipeline")
		api := newFakeService("api")

		tree := NewTree("relay", TreeConfig{ShutdownTimeout: time.Second})
		tree.AddCore(NewLifecycleService(core))
		tree.AddAPI(NewLifecycleService(api))

		ctx, cancel := context.WithCancel(context.Background())
		errCh := tree.ServeBackground(ctx)

		Eventually(core.Status).Should(Equal(types.StatusRunning))
		Eventually(api.Status).Should(Equal(types.StatusRunning))

		cancel()
		Eventually(errCh).Should(Receive())
		Expect(core.Status()).To(Equal(types.StatusStopped))
		Expect(api.Status()).To(Equal(types.StatusStopped))

		report, err := tree.UnstoppedServiceReport()
		Expect(err).NotTo(HaveOccurred())
		Expect(report).To(BeEmpty())
	})

	It("fills zero settings with defaults", func() {
		def := DefaultTreeConfig()
		Expect(def.FailureThreshold).To(Equal(5.0))
		Expect(def.FailureBackoff).To(Equal(15 * time.Second))
		Expect(NewTree("relay", TreeConfig{})).NotTo(BeNil())
	})
})
