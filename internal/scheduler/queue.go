// Package scheduler provides a single shared queue of delayed callbacks.
package scheduler

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when scheduling on a stopped queue.
	ErrStopped = errors.New("scheduler: queue stopped")

	// ErrEmptyKey is returned when scheduling without a key.
	ErrEmptyKey = errors.New("scheduler: empty key")
)

type entry struct {
	key   string
	at    time.Time
	seq   uint64
	fn    func()
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue runs keyed callbacks after a delay on one goroutine.
// Scheduling a key that is already pending replaces the earlier entry.
// Once Cancel or CancelAll returns, the cancelled entries will not be started;
// callbacks already dequeued for execution are not interrupted.
type Queue struct {
	mu      sync.Mutex
	items   entryHeap
	byKey   map[string]*entry
	seq     uint64
	wakeup  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
	logger  *zap.Logger
}

// NewQueue creates a stopped queue. Call Start before callbacks can run.
func NewQueue(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		items:  make(entryHeap, 0),
		byKey:  make(map[string]*entry),
		wakeup: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
}

// Start launches the dispatch goroutine.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.loop()
}

// Stop halts dispatch and drops everything pending. It waits for a running callback to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.clearLocked()
	close(q.stopCh)
	started := q.started
	q.mu.Unlock()

	if started {
		<-q.doneCh
	}
}

// Schedule runs fn after delay under key, replacing any pending entry with that key.
func (q *Queue) Schedule(key string, delay time.Duration, fn func()) error {
	if key == "" {
		return ErrEmptyKey
	}
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}

	if old, ok := q.byKey[key]; ok {
		heap.Remove(&q.items, old.index)
	}
	q.seq++
	e := &entry{key: key, at: time.Now().Add(delay), seq: q.seq, fn: fn}
	heap.Push(&q.items, e)
	q.byKey[key] = e
	q.signalWakeup()
	return nil
}

// Cancel drops the pending entry for key. Returns true if one existed.
func (q *Queue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&q.items, e.index)
	delete(q.byKey, key)
	q.signalWakeup()
	return true
}

// CancelAll drops every pending entry and returns how many were dropped.
func (q *Queue) CancelAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.clearLocked()
	q.signalWakeup()
	return n
}

// Pending returns the keys waiting to run, sorted.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]string, 0, len(q.byKey))
	for k := range q.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (q *Queue) clearLocked() {
	q.items = q.items[:0]
	q.byKey = make(map[string]*entry)
}

func (q *Queue) signalWakeup() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer close(q.doneCh)

	var timer *time.Timer
	defer func() { stopTimer(timer) }()

	for {
		next, hasNext := q.peek()
		if !hasNext {
			select {
			case <-q.wakeup:
				continue
			case <-q.stopCh:
				return
			}
		}

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer = resetTimer(timer, wait)

		select {
		case <-timer.C:
			for e := q.popDue(time.Now()); e != nil; e = q.popDue(time.Now()) {
				q.run(e)
			}
		case <-q.wakeup:
			continue
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) peek() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].at, true
}

// popDue removes and returns the earliest entry due at now, or nil.
// Entries are taken one at a time so a callback can cancel the ones behind it.
func (q *Queue) popDue(now time.Time) *entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || len(q.items) == 0 || q.items[0].at.After(now) {
		return nil
	}
	e := heap.Pop(&q.items).(*entry)
	delete(q.byKey, e.key)
	return e
}

func (q *Queue) run(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("scheduled callback panicked",
				zap.String("key", e.key),
				zap.Any("panic", r))
		}
	}()
	e.fn()
}

func resetTimer(timer *time.Timer, d time.Duration) *time.Timer {
	if timer == nil {
		return time.NewTimer(d)
	}
	stopTimer(timer)
	timer.Reset(d)
	return timer
}

func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
