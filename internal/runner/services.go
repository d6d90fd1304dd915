package runner

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/ledger-relay/internal/lifecycle"
)

// LifecycleService runs a lifecycle.Service under suture: Start when served,
// Stop when the context ends. A failed Start is returned so that suture
// restarts it with backoff.
type LifecycleService struct {
	svc lifecycle.Service
}

func NewLifecycleService(svc lifecycle.Service) *LifecycleService {
	return &LifecycleService{svc: svc}
}

func (s *LifecycleService) Serve(ctx context.Context) error {
	if err := s.svc.Start(); err != nil {
		// Leave the error state so the next attempt can start cleanly.
		_ = s.svc.Stop()
		return fmt.Errorf("start %s: %w", s.svc.Name(), err)
	}
	<-ctx.Done()
	if err := s.svc.Stop(); err != nil {
		logrus.WithField("service", s.svc.Name()).WithError(err).Warn("Stop failed")
	}
	return ctx.Err()
}

func (s *LifecycleService) String() string {
	return s.svc.Name()
}

// Monitor is the part of the health supervisor that runs the monitoring loop.
type Monitor interface {
	lifecycle.Service
	StartMonitoring() error
}

// MonitorService starts a monitor and its loop, and stops both when the
// context ends.
type MonitorService struct {
	monitor Monitor
}

func NewMonitorService(m Monitor) *MonitorService {
	return &MonitorService{monitor: m}
}

func (s *MonitorService) Serve(ctx context.Context) error {
	if err := s.monitor.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.monitor.Name(), err)
	}
	if err := s.monitor.StartMonitoring(); err != nil {
		_ = s.monitor.Stop()
		return fmt.Errorf("start monitoring: %w", err)
	}
	<-ctx.Done()
	if err := s.monitor.Stop(); err != nil {
		logrus.WithField("service", s.monitor.Name()).WithError(err).Warn("Stop failed")
	}
	return ctx.Err()
}

func (s *MonitorService) String() string {
	return s.monitor.Name()
}

// EventLogger writes every event published on a bus to the log.
type EventLogger struct {
	bus    *lifecycle.Bus
	buffer int
	logger logrus.FieldLogger
}

func NewEventLogger(bus *lifecycle.Bus, logger logrus.FieldLogger) *EventLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventLogger{bus: bus, buffer: 256, logger: logger}
}

func (l *EventLogger) Serve(ctx context.Context) error {
	events, unsubscribe := l.bus.Subscribe(l.buffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			l.log(ev)
		}
	}
}

func (l *EventLogger) log(ev lifecycle.Event) {
	entry := l.logger.WithFields(logrus.Fields{"event": ev.Kind, "source": ev.Source})
	if ev.Old != "" || ev.New != "" {
		entry = entry.WithFields(logrus.Fields{"old": ev.Old, "new": ev.New})
	}
	switch ev.Kind {
	case lifecycle.ServiceFailed:
		entry.Warn(ev.Message)
	case lifecycle.QueueStatusChanged, lifecycle.TaskCompleted, lifecycle.ExternalCallCompleted, lifecycle.ReplySent:
		entry.Debug(ev.Message)
	default:
		entry.Info(ev.Message)
	}
}

func (l *EventLogger) String() string {
	return "event-logger"
}
