package lifecycle_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/ledger-relay/api/types"
	. "github.com/masa-finance/ledger-relay/internal/lifecycle"
)

type fakeService struct {
	*Base
	startErr error
	calls    []string
}

func newFakeService(bus *Bus) *fakeService {
	return &fakeService{Base: NewBase("fake", bus)}
}

func (f *fakeService) Start() error {
	f.calls = append(f.calls, "start")
	if f.startErr != nil {
		return f.startErr
	}
	if err := f.SetStatus(types.StatusStarting, ""); err != nil {
		return err
	}
	return f.SetStatus(types.StatusRunning, "")
}

func (f *fakeService) Stop() error {
	f.calls = append(f.calls, "stop")
	if err := f.SetStatus(types.StatusStopping, ""); err != nil {
		return err
	}
	return f.SetStatus(types.StatusStopped, "")
}

func (f *fakeService) Restart() error { return Restart(f, 0) }

func (f *fakeService) Info() types.ServiceInfo {
	return types.ServiceInfo{Name: f.Name(), Status: f.Status(), Health: f.Health()}
}

func (f *fakeService) CheckHealth() types.HealthResult { return types.Healthy("ok") }

var _ = Describe("Base", func() {
	var (
		bus    *Bus
		events <-chan Event
		cancel func()
		svc    *fakeService
	)

	BeforeEach(func() {
		bus = NewBus()
		events, cancel = bus.Subscribe(16)
		svc = newFakeService(bus)
	})

	AfterEach(func() {
		cancel()
	})

	It("starts stopped and unknown", func() {
		Expect(svc.Status()).To(Equal(types.StatusStopped))
		Expect(svc.Health()).To(Equal(types.HealthUnknown))
	})

	It("walks the start and stop path and announces each change", func() {
		Expect(svc.Start()).To(Succeed())
		Expect(svc.Stop()).To(Succeed())

		var seen []string
		for i := 0; i < 4; i++ {
			var ev Event
			Eventually(events).Should(Receive(&ev))
			Expect(ev.Kind).To(Equal(StatusChanged))
			seen = append(seen, ev.New)
		}
		Expect(seen).To(Equal([]string{"starting", "running", "stopping", "stopped"}))
	})

	It("rejects transitions the state machine does not allow", func() {
		err := svc.SetStatus(types.StatusRunning, "")
		Expect(err).To(MatchError(ErrInvalidTransition))
		Expect(svc.Status()).To(Equal(types.StatusStopped))
	})

	It("does not announce a status that did not change", func() {
		Expect(svc.SetStatus(types.StatusStopped, "")).To(Succeed())
		svc.SetHealth(types.HealthUnknown, "")
		Consistently(events, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("allows any state to land in error", func() {
		Expect(svc.Start()).To(Succeed())
		svc.Fail("boom")
		Expect(svc.Status()).To(Equal(types.StatusError))
		Expect(svc.Health()).To(Equal(types.HealthUnhealthy))
		Expect(CanTransition(types.StatusError, types.StatusStarting)).To(BeTrue())
	})

	Describe("Restart", func() {
		It("stops then starts", func() {
			Expect(svc.Start()).To(Succeed())
			svc.calls = nil
			Expect(svc.Restart()).To(Succeed())
			Expect(svc.calls).To(Equal([]string{"stop", "start"}))
			Expect(svc.Status()).To(Equal(types.StatusRunning))
		})

		It("wraps start failures", func() {
			Expect(svc.Start()).To(Succeed())
			svc.startErr = errors.New("no")
			err := svc.Restart()
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, svc.startErr)).To(BeTrue())
		})
	})
})

var _ = Describe("Bus", func() {
	It("fans out to every subscriber", func() {
		bus := NewBus()
		a, cancelA := bus.Subscribe(4)
		b, cancelB := bus.Subscribe(4)
		defer cancelA()
		defer cancelB()

		bus.Publish(Event{Kind: TaskCompleted, Source: "test"})

		Eventually(a).Should(Receive())
		Eventually(b).Should(Receive())
		Expect(bus.Subscribers()).To(Equal(2))
	})

	It("never blocks the publisher and counts drops", func() {
		bus := NewBus()
		_, cancel := bus.Subscribe(1)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 10; i++ {
				bus.Publish(Event{Kind: QueueStatusChanged})
			}
		}()

		Eventually(done).Should(BeClosed())
		Expect(bus.Dropped()).To(BeEquivalentTo(9))
	})

	It("closes the channel on unsubscribe", func() {
		bus := NewBus()
		ch, cancel := bus.Subscribe(1)
		cancel()
		cancel()
		Eventually(ch).Should(BeClosed())
		Expect(bus.Subscribers()).To(BeZero())
	})

	It("tolerates a nil bus", func() {
		var bus *Bus
		Expect(func() { bus.Publish(Event{Kind: StatusChanged}) }).NotTo(Panic())
		ch, cancel := bus.Subscribe(1)
		defer cancel()
		Eventually(ch).Should(BeClosed())
	})
})
