// Package delivery runs inbound messages through the accounting API and
// relays the outcome back to the chat they came from.
//
// Work is modelled as DeliveryTasks on a bounded queue, consumed by a fixed
// pool of workers. A successful, relevant external call chains exactly one
// outbound reply task. Nothing is ever retried: a failed task is final.
package delivery

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/ledger-relay/api/types"
	"github.com/masa-finance/ledger-relay/internal/lifecycle"
	"github.com/masa-finance/ledger-relay/internal/metrics"
)

const (
	// Name is the service name the pipeline reports.
	Name = "message_delivery"

	DefaultWorkers       = 3
	DefaultQueueCapacity = 1000
	DefaultPollInterval  = time.Second
	DefaultJoinTimeout   = 5 * time.Second
	DefaultTaskTimeout   = 60 * time.Second

	// ResultPlaceholder is replaced by the accounting message in a reply template.
	ResultPlaceholder = "{result}"
)

type processingEntry struct {
	task    *types.DeliveryTask
	started time.Time
}

type Pipeline struct {
	*lifecycle.Base

	accounting AccountingProcessor
	transport  ChatTransport

	queue    *TaskQueue
	results  *ResultCache
	stats    *statsCollector
	handlers map[types.TaskType]taskHandler

	workers      int
	pollInterval time.Duration
	joinTimeout  time.Duration
	taskTimeout  time.Duration
	settleDelay  time.Duration

	queueCapacity  int
	resultCacheMax int
	resultCacheAge time.Duration

	cfgMu         sync.RWMutex
	autoReply     bool
	replyTemplate string

	mu         sync.Mutex
	processing map[string]processingEntry

	runMu       sync.Mutex
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	liveWorkers atomic.Int32

	// drainMu orders chained replies against the drain in Stop: a reply is
	// either queued before the drain or sees the closed stop channel.
	drainMu sync.RWMutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueCapacity(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueCapacity = n
		}
	}
}

// WithPollInterval sets how long a worker waits on an empty queue before
// polling again.
func WithPollInterval(interval time.Duration) Option {
	return func(p *Pipeline) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

// WithJoinTimeout bounds how long Stop waits for the workers to exit.
func WithJoinTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) {
		if timeout > 0 {
			p.joinTimeout = timeout
		}
	}
}

// WithTaskTimeout sets the deadline handed to collaborators for one task.
// Tasks processing for longer are reported by CheckHealth.
func WithTaskTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) {
		if timeout > 0 {
			p.taskTimeout = timeout
		}
	}
}

func WithAutoReply(enabled bool) Option {
	return func(p *Pipeline) {
		p.autoReply = enabled
	}
}

// WithReplyTemplate sets the reply template, see SetReplyTemplate.
func WithReplyTemplate(template string) Option {
	return func(p *Pipeline) {
		p.replyTemplate = template
	}
}

func WithResultCache(maxSize int, maxAge time.Duration) Option {
	return func(p *Pipeline) {
		p.resultCacheMax = maxSize
		p.resultCacheAge = maxAge
	}
}

// WithSettleDelay sets the pause between stop and start on Restart.
func WithSettleDelay(delay time.Duration) Option {
	return func(p *Pipeline) {
		if delay >= 0 {
			p.settleDelay = delay
		}
	}
}

func New(accounting AccountingProcessor, transport ChatTransport, bus *lifecycle.Bus, opts ...Option) *Pipeline {
	p := &Pipeline{
		Base:          lifecycle.NewBase(Name, bus),
		accounting:    accounting,
		transport:     transport,
		stats:         newStatsCollector(),
		workers:       DefaultWorkers,
		pollInterval:  DefaultPollInterval,
		joinTimeout:   DefaultJoinTimeout,
		taskTimeout:   DefaultTaskTimeout,
		settleDelay:   lifecycle.DefaultSettleDelay,
		queueCapacity: DefaultQueueCapacity,
		autoReply:     true,
		processing:    make(map[string]processingEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = NewTaskQueue(p.queueCapacity)
	p.results = NewResultCache(p.resultCacheMax, p.resultCacheAge)
	p.handlers = map[types.TaskType]taskHandler{
		types.ExternalCallTask:  p.handleExternalCall,
		types.OutboundReplyTask: p.handleOutboundReply,
	}

	logrus.WithFields(logrus.Fields{
		"workers":        p.workers,
		"queue_capacity": p.queue.Cap(),
		"auto_reply":     p.autoReply,
	}).Info("Delivery pipeline initialized")
	return p
}

// Enqueue adds a task to the queue without blocking. It fills in the id and
// creation time when they are missing. A full queue rejects the task, counts
// an overflow and returns false; a closed pipeline rejects every task.
//
// Tasks can be enqueued while the pipeline is stopped; they are picked up
// once it starts.
func (p *Pipeline) Enqueue(task *types.DeliveryTask) bool {
	return p.enqueue(task) == nil
}

func (p *Pipeline) enqueue(task *types.DeliveryTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedTime.IsZero() {
		task.CreatedTime = time.Now()
	}

	if err := p.queue.Enqueue(task); err != nil {
		if errors.Is(err, ErrQueueFull) {
			p.stats.Add(QueueOverflow, 1)
			metrics.QueueOverflows.Inc()
		}
		logrus.WithFields(logrus.Fields{"task_id": task.ID, "type": task.Type}).Warnf("Failed to enqueue task: %v", err)
		return err
	}

	p.stats.Add(TotalTasks, 1)
	metrics.TasksEnqueued.WithLabelValues(string(task.Type)).Inc()
	logrus.WithFields(logrus.Fields{"task_id": task.ID, "type": task.Type, "target": task.Target}).Debug("Task enqueued")
	p.announceQueueStatus()
	return nil
}

// SubmitMessage queues an inbound message for the accounting API and returns
// the task id. It fails with ErrQueueFull or, after Close, ErrQueueClosed.
func (p *Pipeline) SubmitMessage(target, text, sender string) (string, error) {
	task := &types.DeliveryTask{
		Type:       types.ExternalCallTask,
		Target:     target,
		Payload:    text,
		SenderHint: sender,
	}
	if err := p.enqueue(task); err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{"task_id": task.ID, "target": target}).Infof("Message queued: %s", truncate(text, 50))
	return task.ID, nil
}

// SendReply queues a reply to a chat target and returns the task id.
func (p *Pipeline) SendReply(target, message string) (string, error) {
	task := &types.DeliveryTask{
		Type:    types.OutboundReplyTask,
		Target:  target,
		Payload: message,
	}
	if err := p.enqueue(task); err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{"task_id": task.ID, "target": target}).Infof("Reply queued: %s", truncate(message, 50))
	return task.ID, nil
}

// Start launches the workers. Both collaborators must be set and the
// pipeline must not have been closed.
func (p *Pipeline) Start() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.running {
		return nil
	}
	if p.queue.Closed() {
		return ErrQueueClosed
	}
	if err := p.SetStatus(types.StatusStarting, ""); err != nil {
		return err
	}

	switch {
	case p.accounting == nil:
		p.Fail("accounting processor not set")
		return fmt.Errorf("%w: accounting processor", ErrMissingCollaborator)
	case p.transport == nil:
		p.Fail("chat transport not set")
		return fmt.Errorf("%w: chat transport", ErrMissingCollaborator)
	}

	p.stopCh = make(chan struct{})
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		p.liveWorkers.Add(1)
		go p.worker(i+1, p.stopCh)
	}
	p.running = true
	logrus.Infof("Started %d delivery workers", p.workers)

	if err := p.SetStatus(types.StatusRunning, ""); err != nil {
		return err
	}
	p.SetHealth(types.HealthHealthy, "")
	return nil
}

// Stop signals the workers, waits for them up to the join timeout and then
// discards every task still queued. Tasks already being processed finish on
// their own; discarded tasks produce no result.
func (p *Pipeline) Stop() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if !p.running {
		if p.Status() == types.StatusError {
			return p.SetStatus(types.StatusStopped, "")
		}
		return nil
	}
	if err := p.SetStatus(types.StatusStopping, ""); err != nil {
		return err
	}

	close(p.stopCh)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logrus.Info("All delivery workers stopped")
	case <-time.After(p.joinTimeout):
		logrus.Warnf("Delivery workers did not exit within %v", p.joinTimeout)
	}
	p.running = false

	p.drainMu.Lock()
	n := p.queue.Drain()
	p.drainMu.Unlock()
	if n > 0 {
		p.recordDiscarded(n)
		logrus.Warnf("Discarded %d queued tasks on stop", n)
	}
	p.announceQueueStatus()

	if err := p.SetStatus(types.StatusStopped, ""); err != nil {
		return err
	}
	p.SetHealth(types.HealthUnknown, "")
	return nil
}

func (p *Pipeline) Restart() error {
	return lifecycle.Restart(p, p.settleDelay)
}

// Close stops the pipeline for good. The queue stops accepting tasks, so
// later submissions fail with ErrQueueClosed and Start refuses to run again.
// Cached results stay readable. Close is idempotent.
func (p *Pipeline) Close() error {
	err := p.Stop()
	p.queue.Close()
	logrus.Info("Delivery pipeline closed")
	return err
}

func (p *Pipeline) SetAutoReply(enabled bool) {
	p.cfgMu.Lock()
	p.autoReply = enabled
	p.cfgMu.Unlock()
	logrus.Infof("Auto reply enabled: %t", enabled)
}

// SetReplyTemplate sets the template used for chained replies. Every
// occurrence of {result} is replaced by the accounting message; an empty
// template sends the message as is.
func (p *Pipeline) SetReplyTemplate(template string) {
	p.cfgMu.Lock()
	p.replyTemplate = template
	p.cfgMu.Unlock()
	logrus.Info("Reply template updated")
}

func (p *Pipeline) formatReply(result string) string {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	if p.replyTemplate == "" {
		return result
	}
	return strings.ReplaceAll(p.replyTemplate, ResultPlaceholder, result)
}

func (p *Pipeline) autoReplyEnabled() bool {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.autoReply
}

func (p *Pipeline) QueueStatus() types.QueueStatus {
	p.mu.Lock()
	processing := len(p.processing)
	p.mu.Unlock()
	return types.QueueStatus{
		Pending:        p.queue.Len(),
		Processing:     processing,
		TotalProcessed: p.stats.Get(CompletedTasks) + p.stats.Get(FailedTasks),
	}
}

// Result returns the result of a processed task, if it is still cached.
func (p *Pipeline) Result(taskID string) (types.DeliveryResult, bool) {
	return p.results.Get(taskID)
}

func (p *Pipeline) Stats() Stats {
	return p.stats.Snapshot()
}

func (p *Pipeline) Info() types.ServiceInfo {
	qs := p.QueueStatus()
	return types.ServiceInfo{
		Name:    Name,
		Status:  p.Status(),
		Health:  p.Health(),
		Message: fmt.Sprintf("queue: %d, processing: %d", qs.Pending, qs.Processing),
		Details: map[string]any{
			"auto_reply_enabled": p.autoReplyEnabled(),
			"queue_size":         qs.Pending,
			"queue_capacity":     p.queue.Cap(),
			"processing_tasks":   qs.Processing,
			"worker_threads":     int(p.liveWorkers.Load()),
			"max_workers":        p.workers,
			"stats":              p.stats.Snapshot().Counters,
		},
	}
}

func (p *Pipeline) announceQueueStatus() {
	qs := p.QueueStatus()
	metrics.QueueDepth.Set(float64(qs.Pending))
	p.Bus().Publish(lifecycle.Event{
		Kind:   lifecycle.QueueStatusChanged,
		Source: Name,
		Data:   map[string]any{"pending": qs.Pending, "processing": qs.Processing},
	})
}

func (p *Pipeline) recordDiscarded(n int) {
	p.stats.Add(DiscardedTasks, uint64(n))
	metrics.TasksDiscarded.Add(float64(n))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
