package transport

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/masa-finance/ledger-relay/internal/metrics"
)

// Log is a transport for dry runs: messages are logged instead of sent.
type Log struct {
	logger logrus.FieldLogger
}

func NewLog(logger logrus.FieldLogger) *Log {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Log{logger: logger}
}

func (l *Log) Send(_ context.Context, target, message string) error {
	if target == "" {
		metrics.MessagesSent.WithLabelValues(metrics.Outcome(false)).Inc()
		return ErrEmptyTarget
	}
	l.logger.WithField("target", target).Infof("Chat reply: %s", message)
	metrics.MessagesSent.WithLabelValues(metrics.Outcome(true)).Inc()
	return nil
}

func (l *Log) CheckHealth() types.HealthResult {
	return types.Healthy("log transport ready")
}
