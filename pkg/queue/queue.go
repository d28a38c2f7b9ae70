package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"roomrelay/pkg/event"
)

var (
	ErrClosed       = errors.New("queue closed")
	ErrUnclassified = errors.New("event must be classified before admission")
	// ErrOverflow means the bounded queue rejected the incoming event itself.
	ErrOverflow = errors.New("queue full")
)

const (
	tierHigh = iota
	tierMedium
	tierLow
	tierCount
)

// Queue is a three-tier mailbox. Pop always returns the head of the highest
// non-empty tier, FIFO within a tier, unless LOW aging is enabled.
type Queue struct {
	capacity   int
	agingEvery int
	onDrop     func(event.Event)
	log        *slog.Logger

	mu       sync.Mutex
	tiers    [tierCount][]event.Event
	size     int
	sinceLow int
	dropped  uint64
	closed   bool

	wake chan struct{}
	done chan struct{}
}

type Option func(*Queue)

// WithCapacity bounds the queue. Zero or negative means unbounded.
func WithCapacity(capacity int) Option {
	return func(q *Queue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithLowAging forces one LOW dequeue after every n consecutive higher-tier
// dequeues made while LOW entries were waiting. Zero keeps strict order.
func WithLowAging(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.agingEvery = n
		}
	}
}

// WithDropHook is called, outside the lock, for each event evicted by overflow.
func WithDropHook(fn func(event.Event)) Option {
	return func(q *Queue) {
		q.onDrop = fn
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		log:  slog.Default(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With("component", "queue")

	return q
}

// Push admits a classified event without blocking.
func (q *Queue) Push(ev event.Event) error {
	tier, ok := tierOf(ev.Priority)
	if !ok {
		return ErrUnclassified
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	var evicted *event.Event
	if q.capacity > 0 && q.size >= q.capacity {
		victim, rejected := q.evictLocked(tier)
		if rejected {
			q.dropped++
			q.mu.Unlock()
			q.log.Debug("Queue full, rejected incoming LOW event", "event_id", ev.ID, "dropped_total", q.Dropped())
			q.notifyDrop(ev)
			return ErrOverflow
		}
		evicted = victim
	}

	q.tiers[tier] = append(q.tiers[tier], ev)
	q.size++
	q.mu.Unlock()

	if evicted != nil {
		q.log.Debug("Queue full, evicted oldest entry", "evicted_id", evicted.ID, "evicted_priority", evicted.Priority.String(), "event_id", ev.ID)
		q.notifyDrop(*evicted)
	}

	q.signal()
	return nil
}

// evictLocked frees one slot for an incoming event of the given tier. The
// oldest LOW goes first, then the oldest MEDIUM for a non-LOW arrival. HIGH
// entries are never evicted, so an all-HIGH queue may exceed capacity.
func (q *Queue) evictLocked(incoming int) (*event.Event, bool) {
	victimTier := -1
	switch {
	case len(q.tiers[tierLow]) > 0:
		victimTier = tierLow
	case incoming == tierLow:
		return nil, true
	case len(q.tiers[tierMedium]) > 0:
		victimTier = tierMedium
	default:
		return nil, false
	}

	victim := q.popTierLocked(victimTier)
	q.dropped++
	return &victim, false
}

// TryPop returns the next event without waiting.
func (q *Queue) TryPop() (event.Event, bool) {
	q.mu.Lock()
	ev, ok := q.nextLocked()
	remaining := q.size
	q.mu.Unlock()

	if ok && remaining > 0 {
		q.signal()
	}
	return ev, ok
}

// Pop blocks until an event is available, the context ends, or the queue closes.
func (q *Queue) Pop(ctx context.Context) (event.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if ev, ok := q.TryPop(); ok {
			return ev, nil
		}

		select {
		case <-ctx.Done():
			return event.Event{}, ctx.Err()
		case <-q.done:
			return event.Event{}, ErrClosed
		case <-q.wake:
		}
	}
}

func (q *Queue) nextLocked() (event.Event, bool) {
	if q.size == 0 {
		return event.Event{}, false
	}

	lowWaiting := len(q.tiers[tierLow]) > 0
	if q.agingEvery > 0 && lowWaiting && q.sinceLow >= q.agingEvery {
		q.sinceLow = 0
		return q.popTierLocked(tierLow), true
	}

	for tier := tierHigh; tier < tierCount; tier++ {
		if len(q.tiers[tier]) == 0 {
			continue
		}
		if tier == tierLow || !lowWaiting {
			q.sinceLow = 0
		} else {
			q.sinceLow++
		}
		return q.popTierLocked(tier), true
	}

	return event.Event{}, false
}

func (q *Queue) popTierLocked(tier int) event.Event {
	ev := q.tiers[tier][0]
	q.tiers[tier][0] = event.Event{}
	q.tiers[tier] = q.tiers[tier][1:]
	if len(q.tiers[tier]) == 0 {
		q.tiers[tier] = nil
	}
	q.size--
	return ev
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Depths returns the queued count per priority.
func (q *Queue) Depths() map[event.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return map[event.Priority]int{
		event.PriorityHigh:   len(q.tiers[tierHigh]),
		event.PriorityMedium: len(q.tiers[tierMedium]),
		event.PriorityLow:    len(q.tiers[tierLow]),
	}
}

// Dropped returns how many events overflow has discarded.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close rejects further pushes and wakes blocked consumers. Queued events
// stay until Drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Drain discards every queued event and returns how many were removed.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	for tier := range q.tiers {
		q.tiers[tier] = nil
	}
	q.size = 0
	return n
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) notifyDrop(ev event.Event) {
	if q.onDrop != nil {
		q.onDrop(ev)
	}
}

func tierOf(priority event.Priority) (int, bool) {
	switch priority {
	case event.PriorityHigh:
		return tierHigh, true
	case event.PriorityMedium:
		return tierMedium, true
	case event.PriorityLow:
		return tierLow, true
	default:
		return 0, false
	}
}
