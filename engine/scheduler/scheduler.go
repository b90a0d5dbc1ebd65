// Package scheduler provides the bounded three-class priority queue and the
// worker pool that drains it.
//
// Features:
//   - Three FIFO classes keyed off message priority: high (>= 75),
//     normal (25-74), low (< 25)
//   - Bounded channel queues; enqueue fails fast with QueueFull
//   - Non-blocking high -> normal -> low dequeue ladder, blocking on all
//     three when empty
//   - Low-starvation relief: every 10th dequeue offers low the first slot
//   - Fixed worker pool with panic isolation per handler call
//
// Deadline handling lives in the worker handler, not here: the scheduler
// hands over whatever was queued and the handler decides whether the item
// is still worth dispatching.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/metrics"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
)

// Logger is the minimal logging surface the scheduler needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Class identifies one of the three priority queues.
type Class string

const (
	ClassHigh   Class = "high"
	ClassNormal Class = "normal"
	ClassLow    Class = "low"
)

const (
	highPriorityMin   = 75
	normalPriorityMin = 25

	// lowPreferenceInterval relieves low-class starvation: every Nth
	// successful dequeue offers the low queue the first slot.
	lowPreferenceInterval = 10

	defaultQueueCapacity = 10_000
)

// ClassFor maps a message priority to its queue class.
func ClassFor(priority int) Class {
	switch {
	case priority >= highPriorityMin:
		return ClassHigh
	case priority >= normalPriorityMin:
		return ClassNormal
	default:
		return ClassLow
	}
}

// Item is one unit of queued work: the message plus whatever pipeline state
// the enqueuer needs back when a worker picks the item up.
type Item struct {
	Message    *protocol.Message
	EnqueuedAt time.Time

	// State is opaque to the scheduler and travels with the item.
	State any
}

// Handler processes one dequeued item. It runs on a pool worker; the ctx is
// the pool's run context and is canceled when the scheduler stops.
type Handler func(ctx context.Context, item *Item)

// Scheduler owns the three class queues and the worker pool.
type Scheduler struct {
	logger   Logger
	capacity int
	workers  int

	high   chan *Item
	normal chan *Item
	low    chan *Item

	dequeueSeq atomic.Int64
	enqueued   atomic.Int64
	dequeued   atomic.Int64
	rejected   atomic.Int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler with the given per-class queue capacity and
// worker count. capacity <= 0 falls back to 10,000; workers <= 0 falls back
// to #CPUs x 2.
func New(capacity, workers int, logger Logger) *Scheduler {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}
	return &Scheduler{
		logger:   logger,
		capacity: capacity,
		workers:  workers,
		high:     make(chan *Item, capacity),
		normal:   make(chan *Item, capacity),
		low:      make(chan *Item, capacity),
	}
}

// Enqueue places an item on the queue for its message's priority class.
// It never blocks: a saturated class fails with QueueFull and the caller
// is expected to retry with backoff.
func (s *Scheduler) Enqueue(item *Item) error {
	if item == nil || item.Message == nil {
		return errors.Validation("item", "nil scheduler item")
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	class := ClassFor(item.Message.Priority)
	q := s.queue(class)

	select {
	case q <- item:
	default:
		s.rejected.Add(1)
		if s.logger != nil {
			s.logger.Warn("queue_full",
				"class", string(class),
				"message_id", item.Message.MessageID,
				"capacity", s.capacity)
		}
		return errors.QueueFull(string(class))
	}

	s.enqueued.Add(1)
	metrics.SetQueueDepth(string(class), len(q))
	if s.logger != nil {
		s.logger.Debug("message_enqueued",
			"class", string(class),
			"message_id", item.Message.MessageID,
			"priority", item.Message.Priority)
	}
	return nil
}

// Dequeue removes the next item, walking high then normal then low without
// blocking and parking on all three classes when everything is empty. It
// returns ctx.Err() once the context is done.
func (s *Scheduler) Dequeue(ctx context.Context) (*Item, error) {
	preferLow := (s.dequeueSeq.Load()+1)%lowPreferenceInterval == 0
	if item := s.tryDequeue(preferLow); item != nil {
		return s.took(item), nil
	}

	select {
	case item := <-s.high:
		return s.took(item), nil
	case item := <-s.normal:
		return s.took(item), nil
	case item := <-s.low:
		return s.took(item), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) tryDequeue(preferLow bool) *Item {
	if preferLow {
		select {
		case item := <-s.low:
			return item
		default:
		}
	}
	select {
	case item := <-s.high:
		return item
	default:
	}
	select {
	case item := <-s.normal:
		return item
	default:
	}
	select {
	case item := <-s.low:
		return item
	default:
	}
	return nil
}

func (s *Scheduler) took(item *Item) *Item {
	s.dequeueSeq.Add(1)
	s.dequeued.Add(1)
	class := ClassFor(item.Message.Priority)
	metrics.SetQueueDepth(string(class), len(s.queue(class)))
	return item
}

func (s *Scheduler) queue(class Class) chan *Item {
	switch class {
	case ClassHigh:
		return s.high
	case ClassLow:
		return s.low
	default:
		return s.normal
	}
}

// Start launches the worker pool. Each worker loops Dequeue -> handler
// until the scheduler is stopped or ctx is canceled. Starting twice is an
// error.
func (s *Scheduler) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.Validation("handler", "nil scheduler handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New(errors.KindInternal, "scheduler already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx, i, handler)
	}
	if s.logger != nil {
		s.logger.Info("scheduler_started",
			"workers", s.workers,
			"queue_capacity", s.capacity)
	}
	return nil
}

func (s *Scheduler) worker(ctx context.Context, id int, handler Handler) {
	defer s.wg.Done()
	for {
		item, err := s.Dequeue(ctx)
		if err != nil {
			return
		}
		s.runHandler(ctx, id, handler, item)
	}
}

func (s *Scheduler) runHandler(ctx context.Context, id int, handler Handler, item *Item) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("scheduler_handler_panic",
				"worker", id,
				"message_id", item.Message.MessageID,
				"panic", r)
		}
	}()
	handler(ctx, item)
}

// Stop halts the workers and waits for in-flight handler calls to return,
// bounded by ctx. Queued items are left in place; use Drain to collect
// them. Calling Stop again keeps waiting for workers that outlived an
// earlier, shorter deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	hadWorkers := s.cancel != nil
	if hadWorkers {
		s.cancel()
		s.cancel = nil
		s.started = false
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if hadWorkers && s.logger != nil {
			s.logger.Info("scheduler_stopped")
		}
		return nil
	case <-ctx.Done():
		if s.logger != nil {
			s.logger.Warn("scheduler_stop_timeout")
		}
		return ctx.Err()
	}
}

// Drain empties every queue and returns the remaining items in class order
// high, normal, low. Intended for shutdown, after Stop, so undispatched
// work can be settled by the caller.
func (s *Scheduler) Drain() []*Item {
	var items []*Item
	for _, q := range []chan *Item{s.high, s.normal, s.low} {
	drainQueue:
		for {
			select {
			case item := <-q:
				items = append(items, item)
			default:
				break drainQueue
			}
		}
	}
	for _, class := range []Class{ClassHigh, ClassNormal, ClassLow} {
		metrics.SetQueueDepth(string(class), 0)
	}
	return items
}

// Depths reports the current queue length per class.
func (s *Scheduler) Depths() map[string]int {
	return map[string]int{
		string(ClassHigh):   len(s.high),
		string(ClassNormal): len(s.normal),
		string(ClassLow):    len(s.low),
	}
}

// Stats returns scheduler counters for diagnostics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return map[string]any{
		"started":        started,
		"workers":        s.workers,
		"queue_capacity": s.capacity,
		"depth_high":     len(s.high),
		"depth_normal":   len(s.normal),
		"depth_low":      len(s.low),
		"enqueued":       s.enqueued.Load(),
		"dequeued":       s.dequeued.Load(),
		"rejected":       s.rejected.Load(),
	}
}
