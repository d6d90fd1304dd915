package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/masa-finance/ledger-relay/internal/lifecycle"
	"github.com/masa-finance/ledger-relay/internal/metrics"
)

// stop is closed once the pipeline is stopping; handlers must not queue
// follow-up work after that.
type taskHandler func(ctx context.Context, task *types.DeliveryTask, stop <-chan struct{}) types.DeliveryResult

func (p *Pipeline) worker(id int, stop <-chan struct{}) {
	defer p.wg.Done()
	defer p.liveWorkers.Add(-1)

	log := logrus.WithField("worker", id)
	log.Debug("Delivery worker started")
	for {
		task, err := p.queue.Dequeue(stop, p.pollInterval)
		switch {
		case errors.Is(err, ErrStopped), errors.Is(err, ErrQueueClosed):
			log.Debug("Delivery worker finished")
			return
		case err != nil:
			continue
		}

		// Stop may have been signalled while this task was being handed out.
		select {
		case <-stop:
			p.recordDiscarded(1)
			log.WithField("task_id", task.ID).Debug("Discarding task dequeued after stop")
			return
		default:
		}

		p.process(task, stop)
	}
}

func (p *Pipeline) process(task *types.DeliveryTask, stop <-chan struct{}) {
	start := time.Now()
	p.mu.Lock()
	p.processing[task.ID] = processingEntry{task: task, started: start}
	p.mu.Unlock()
	metrics.TasksInFlight.Inc()

	result := p.execute(task, stop)
	result.TaskID = task.ID
	result.ProcessingTime = time.Since(start)

	if result.Success {
		p.stats.Add(CompletedTasks, 1)
	} else {
		p.stats.Add(FailedTasks, 1)
	}
	p.results.Store(result)

	p.mu.Lock()
	delete(p.processing, task.ID)
	p.mu.Unlock()
	metrics.TasksInFlight.Dec()
	metrics.TasksProcessed.WithLabelValues(string(task.Type), metrics.Outcome(result.Success)).Inc()
	metrics.TaskDuration.WithLabelValues(string(task.Type)).Observe(result.ProcessingTime.Seconds())

	log := logrus.WithFields(logrus.Fields{"task_id": task.ID, "type": task.Type})
	if result.Success {
		log.Infof("Task completed in %v", result.ProcessingTime)
	} else {
		log.Warnf("Task failed: %s", result.Message)
	}

	p.Bus().Publish(lifecycle.Event{
		Kind:    lifecycle.TaskCompleted,
		Source:  Name,
		Message: result.Message,
		Data: map[string]any{
			"task_id": task.ID,
			"type":    string(task.Type),
			"success": result.Success,
			"data":    result.Data,
		},
	})
	p.announceQueueStatus()
}

// execute dispatches a task to its handler. Unknown types and handler panics
// become failed results.
func (p *Pipeline) execute(task *types.DeliveryTask, stop <-chan struct{}) (result types.DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("task_id", task.ID).Errorf("Task handler panicked: %v", r)
			result = types.DeliveryResult{
				Success: false,
				Message: fmt.Sprintf("processing error: %v", r),
			}
		}
	}()

	handler, ok := p.handlers[task.Type]
	if !ok {
		return types.DeliveryResult{
			Success: false,
			Message: fmt.Sprintf("%v: %s", ErrUnknownTaskType, task.Type),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.taskTimeout)
	defer cancel()
	return handler(ctx, task, stop)
}

func (p *Pipeline) handleExternalCall(ctx context.Context, task *types.DeliveryTask, stop <-chan struct{}) types.DeliveryResult {
	outcome, err := p.accounting.Process(ctx, task.Payload, task.SenderHint)
	if err != nil {
		outcome = types.AccountingOutcome{Success: false, Message: fmt.Sprintf("external call failed: %v", err)}
	}

	p.Bus().Publish(lifecycle.Event{
		Kind:    lifecycle.ExternalCallCompleted,
		Source:  Name,
		Message: outcome.Message,
		Data: map[string]any{
			"task_id":    task.ID,
			"target":     task.Target,
			"success":    outcome.Success,
			"irrelevant": outcome.Irrelevant,
		},
	})

	if !outcome.Success {
		p.stats.Add(ExternalCallFailed, 1)
		return types.DeliveryResult{Success: false, Message: outcome.Message}
	}
	p.stats.Add(ExternalCallSuccess, 1)

	data := map[string]any{
		"accounting_result": outcome.Message,
		"irrelevant":        outcome.Irrelevant,
	}
	if p.autoReplyEnabled() && !outcome.Irrelevant {
		p.chainReply(task, p.formatReply(outcome.Message), stop, data)
	}

	return types.DeliveryResult{Success: true, Message: outcome.Message, Data: data}
}

func (p *Pipeline) handleOutboundReply(ctx context.Context, task *types.DeliveryTask, _ <-chan struct{}) types.DeliveryResult {
	err := p.transport.Send(ctx, task.Target, task.Payload)
	success := err == nil

	message := "reply sent"
	if success {
		p.stats.Add(ReplySuccess, 1)
	} else {
		p.stats.Add(ReplyFailed, 1)
		message = fmt.Sprintf("reply failed: %v", err)
	}

	p.Bus().Publish(lifecycle.Event{
		Kind:    lifecycle.ReplySent,
		Source:  Name,
		Message: message,
		Data: map[string]any{
			"task_id": task.ID,
			"target":  task.Target,
			"success": success,
		},
	})

	return types.DeliveryResult{
		Success: success,
		Message: message,
		Data:    map[string]any{"reply_message": task.Payload},
	}
}

// chainReply queues the reply to an external call unless the pipeline is
// stopping. Once Stop has drained the queue, a reply queued now would sit
// there until the next start, so it is discarded instead.
func (p *Pipeline) chainReply(task *types.DeliveryTask, message string, stop <-chan struct{}, data map[string]any) {
	p.drainMu.RLock()
	defer p.drainMu.RUnlock()

	log := logrus.WithField("task_id", task.ID)
	if stopping(stop) {
		p.recordDiscarded(1)
		data["reply_discarded"] = true
		log.Warn("Pipeline stopping, discarding chained reply")
		return
	}
	replyID, err := p.SendReply(task.Target, message)
	if err != nil {
		log.Warnf("Could not chain reply: %v", err)
		return
	}
	p.stats.Add(ChainedReplies, 1)
	data["reply_task_id"] = replyID
}

func stopping(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
