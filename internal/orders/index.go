package orders

import (
	"container/list"
	"sync"

	"github.com/optstream/gateway/internal/persistence"
)

// terminalIndex is a bounded in-memory cache of terminal tasks, keyed by
// idempotency key and task id. Oldest entries are evicted first; evicted
// rows remain in durable storage and rehydrate on demand.
type terminalIndex struct {
	mu      sync.Mutex
	max     int
	order   *list.List               // oldest at front; values are idempotency keys
	byKey   map[string]*list.Element // key -> element
	tasks   map[string]persistence.OrderTask
	byTask  map[string]string // task id -> idempotency key
}

func newTerminalIndex(max int) *terminalIndex {
	if max <= 0 {
		max = 10000
	}
	return &terminalIndex{
		max:    max,
		order:  list.New(),
		byKey:  make(map[string]*list.Element),
		tasks:  make(map[string]persistence.OrderTask),
		byTask: make(map[string]string),
	}
}

func (i *terminalIndex) put(task persistence.OrderTask) {
	if !task.Status.Terminal() {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	key := task.IdempotencyKey
	if el, exists := i.byKey[key]; exists {
		i.order.MoveToBack(el)
		i.tasks[key] = task
		return
	}

	i.byKey[key] = i.order.PushBack(key)
	i.tasks[key] = task
	i.byTask[task.TaskID] = key

	for i.order.Len() > i.max {
		oldest := i.order.Front()
		oldKey := oldest.Value.(string)
		i.order.Remove(oldest)
		if old, ok := i.tasks[oldKey]; ok {
			delete(i.byTask, old.TaskID)
		}
		delete(i.tasks, oldKey)
		delete(i.byKey, oldKey)
	}
}

// drop evicts one entry, used when a settled row is reopened for a fresh
// attempt cycle.
func (i *terminalIndex) drop(key string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	el, ok := i.byKey[key]
	if !ok {
		return
	}
	i.order.Remove(el)
	if task, ok := i.tasks[key]; ok {
		delete(i.byTask, task.TaskID)
	}
	delete(i.tasks, key)
	delete(i.byKey, key)
}

func (i *terminalIndex) get(key string) (persistence.OrderTask, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	task, ok := i.tasks[key]
	return task, ok
}

func (i *terminalIndex) getByID(taskID string) (persistence.OrderTask, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	key, ok := i.byTask[taskID]
	if !ok {
		return persistence.OrderTask{}, false
	}
	task, ok := i.tasks[key]
	return task, ok
}

func (i *terminalIndex) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.order.Len()
}
