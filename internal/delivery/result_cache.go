package delivery

import (
	"container/list"
	"sync"
	"time"

	"github.com/masa-finance/ledger-relay/api/types"
)

const (
	DefaultResultCacheSize   = 1000
	DefaultResultCacheMaxAge = 10 * time.Minute
)

type storedResult struct {
	result    types.DeliveryResult
	expiresAt time.Time
}

// ResultCache keeps finished delivery results by task id so that callers
// can collect them after submitting. A result is kept for maxAge after its
// task finished and at most maxSize results are kept, oldest first out.
//
// Results are kept in completion order with a single lifetime, so expired
// ones always sit at the front of the list. They are pruned on every access
// and no background sweeper is needed.
type ResultCache struct {
	mu      sync.Mutex
	byTask  map[string]*list.Element
	order   *list.List // *storedResult, oldest completion first
	maxSize int
	maxAge  time.Duration
}

func NewResultCache(maxSize int, maxAge time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = DefaultResultCacheSize
	}
	if maxAge <= 0 {
		maxAge = DefaultResultCacheMaxAge
	}
	return &ResultCache{
		byTask:  make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

// Store records the result of a finished task under its TaskID. Results
// without a task id cannot be looked up and are ignored. Storing a task
// again replaces its result and restarts its lifetime.
func (rc *ResultCache) Store(result types.DeliveryResult) {
	if result.TaskID == "" {
		return
	}
	now := time.Now()

	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.pruneExpired(now)

	entry := &storedResult{result: result, expiresAt: now.Add(rc.maxAge)}
	if el, ok := rc.byTask[result.TaskID]; ok {
		el.Value = entry
		rc.order.MoveToBack(el)
		return
	}
	rc.byTask[result.TaskID] = rc.order.PushBack(entry)
	for rc.order.Len() > rc.maxSize {
		rc.remove(rc.order.Front())
	}
}

// Get returns the result of a finished task. Pending, unknown, evicted and
// expired tasks all report false.
func (rc *ResultCache) Get(taskID string) (types.DeliveryResult, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.pruneExpired(time.Now())

	el, ok := rc.byTask[taskID]
	if !ok {
		return types.DeliveryResult{}, false
	}
	return el.Value.(*storedResult).result, true
}

// Len returns the number of results still available.
func (rc *ResultCache) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.pruneExpired(time.Now())
	return rc.order.Len()
}

// pruneExpired drops expired results from the front. Callers hold mu.
func (rc *ResultCache) pruneExpired(now time.Time) {
	for el := rc.order.Front(); el != nil; el = rc.order.Front() {
		if now.Before(el.Value.(*storedResult).expiresAt) {
			return
		}
		rc.remove(el)
	}
}

func (rc *ResultCache) remove(el *list.Element) {
	delete(rc.byTask, el.Value.(*storedResult).result.TaskID)
	rc.order.Remove(el)
}
