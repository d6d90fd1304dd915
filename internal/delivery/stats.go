package delivery

import (
	"sync"
	"time"
)

// StatType names a pipeline counter. The value is the JSON key used for
// serialization.
type StatType string

const (
	TotalTasks          StatType = "total_tasks"
	CompletedTasks      StatType = "completed_tasks"
	FailedTasks         StatType = "failed_tasks"
	ExternalCallSuccess StatType = "external_call_success"
	ExternalCallFailed  StatType = "external_call_failed"
	ReplySuccess        StatType = "reply_success"
	ReplyFailed         StatType = "reply_failed"
	QueueOverflow       StatType = "queue_overflow"
	ChainedReplies      StatType = "chained_replies"
	DiscardedTasks      StatType = "discarded_tasks"
)

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	BootTimeUnix      int64               `json:"boot_time"`
	LastOperationUnix int64               `json:"last_operation_time"`
	Counters          map[StatType]uint64 `json:"stats"`
}

// Get returns the value of one counter, zero if it was never incremented.
func (s Stats) Get(typ StatType) uint64 {
	return s.Counters[typ]
}

type statsCollector struct {
	mu            sync.Mutex
	bootTime      time.Time
	lastOperation time.Time
	counters      map[StatType]uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		bootTime: time.Now(),
		counters: make(map[StatType]uint64),
	}
}

func (c *statsCollector) Add(typ StatType, num uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastOperation = time.Now()
	c.counters[typ] += num
}

func (c *statsCollector) Get(typ StatType) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[typ]
}

func (c *statsCollector) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters := make(map[StatType]uint64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	s := Stats{BootTimeUnix: c.bootTime.Unix(), Counters: counters}
	if !c.lastOperation.IsZero() {
		s.LastOperationUnix = c.lastOperation.Unix()
	}
	return s
}
