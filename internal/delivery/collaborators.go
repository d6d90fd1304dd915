package delivery

import (
	"context"

	"github.com/masa-finance/ledger-relay/api/types"
)

// AccountingProcessor turns a free-text message into an accounting entry.
// A returned error means the call itself failed; a business rejection is an
// outcome with Success false.
type AccountingProcessor interface {
	Process(ctx context.Context, text, sender string) (types.AccountingOutcome, error)
}

// ChatTransport delivers a message to a chat target.
type ChatTransport interface {
	Send(ctx context.Context, target, message string) error
}

// healthReporter is implemented by collaborators that can report their own
// health. Collaborators without it are assumed healthy.
type healthReporter interface {
	CheckHealth() types.HealthResult
}

func collaboratorHealthy(c any) bool {
	if c == nil {
		return false
	}
	if hr, ok := c.(healthReporter); ok {
		return hr.CheckHealth().Status == types.HealthHealthy
	}
	return true
}
