package client

import (
	"fmt"
	"time"

	"github.com/masa-finance/ledger-relay/api/types"
)

// TaskResult is a handle on a queued task.
type TaskResult struct {
	ID         string
	maxRetries int
	delay      time.Duration
	client     *Client
}

func (tr *TaskResult) SetMaxRetries(maxRetries int) {
	tr.maxRetries = maxRetries
}

func (tr *TaskResult) SetDelay(delay time.Duration) {
	tr.delay = delay
}

// Get polls the relay until the task result is available or the retries run out.
func (tr *TaskResult) Get() (types.DeliveryResult, error) {
	var lastErr error
	for retries := 0; retries < tr.maxRetries; retries++ {
		result, found, err := tr.client.GetResult(tr.ID)
		if found {
			return result, nil
		}
		lastErr = err
		time.Sleep(tr.delay)
	}
	if lastErr != nil {
		return types.DeliveryResult{}, fmt.Errorf("max retries reached: %w", lastErr)
	}
	return types.DeliveryResult{}, fmt.Errorf("max retries reached waiting for task %s", tr.ID)
}
