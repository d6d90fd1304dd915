package runner

import (
	"github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"
)

// LogrusHook logs suture events through logger. Panics and stop timeouts are
// errors, terminations and backoff are warnings.
func LogrusHook(logger logrus.FieldLogger) suture.EventHook {
	return func(ev suture.Event) {
		entry := logger.WithFields(logrus.Fields(ev.Map()))
		switch ev.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
			entry.Error(ev.String())
		case suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
			entry.Warn(ev.String())
		default:
			entry.Info(ev.String())
		}
	}
}
