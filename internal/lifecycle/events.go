package lifecycle

import "time"

type EventKind string

const (
	StatusChanged         EventKind = "status_changed"
	HealthChanged         EventKind = "health_changed"
	ServiceRegistered     EventKind = "service_registered"
	ServiceUnregistered   EventKind = "service_unregistered"
	ServiceFailed         EventKind = "service_failed"
	ServiceRecovered      EventKind = "service_recovered"
	RecoveryAttempted     EventKind = "recovery_attempted"
	MonitoringStarted     EventKind = "monitoring_started"
	MonitoringStopped     EventKind = "monitoring_stopped"
	TaskCompleted         EventKind = "task_completed"
	QueueStatusChanged    EventKind = "queue_status_changed"
	ExternalCallCompleted EventKind = "external_call_completed"
	ReplySent             EventKind = "reply_sent"
)

// Event is a single notification published on a Bus.
// Source is the name of the component that emitted it; Old and New carry the
// previous and current value for transition events.
type Event struct {
	Kind    EventKind
	Source  string
	Old     string
	New     string
	Message string
	Data    map[string]any
	Time    time.Time
}
