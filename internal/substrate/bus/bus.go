// Package bus implements the in-process message bus (C2): FIFO
// per-recipient queues, scheduled (delayed) delivery, and wake-on-arrival
// waiting, generalizing the insertion-ordered in-memory store shape used
// throughout the teacher's internal stores to a multi-queue structure.
package bus

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsociety/substrate/pkg/society"
)

// DelayedDeliveryFunc is invoked once per delayed message as it crosses
// into its recipient's FIFO.
type DelayedDeliveryFunc func(msg society.BusMessage)

// Bus is a strictly in-memory, single-process FIFO message bus.
type Bus struct {
	mu      sync.Mutex
	queues  map[string][]society.BusMessage
	seen    map[string]bool // sender|id dedup, per spec §4.2
	delayed delayedQueue
	clock   society.Clock
	logger  *slog.Logger

	waiters []chan struct{}

	onDelayedDelivery DelayedDeliveryFunc
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithClock overrides the bus's clock.
func WithClock(clock society.Clock) Option {
	return func(b *Bus) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithLogger overrides the bus's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithDelayedDeliveryHandler registers the callback fired exactly once per
// delayed message as it is moved into its recipient's FIFO.
func WithDelayedDeliveryHandler(fn DelayedDeliveryFunc) Option {
	return func(b *Bus) { b.onDelayedDelivery = fn }
}

// New constructs an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queues: make(map[string][]society.BusMessage),
		seen:   make(map[string]bool),
		clock:  society.SystemClock{},
		logger: slog.Default().With("component", "bus"),
	}
	heap.Init(&b.delayed)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SendResult is the ack returned by Send.
type SendResult struct {
	MessageID             string
	ScheduledDeliveryTime *time.Time
}

// Send enqueues msg for immediate delivery, or schedules it if
// ScheduledDeliveryTime is set in the future. Duplicate ids from the same
// sender are not re-enqueued.
func (b *Bus) Send(msg society.BusMessage) SendResult {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.clock.Now()
	}

	b.mu.Lock()
	dedupKey := msg.From + "|" + msg.ID
	if b.seen[dedupKey] {
		b.mu.Unlock()
		return SendResult{MessageID: msg.ID, ScheduledDeliveryTime: msg.ScheduledDeliveryTime}
	}
	b.seen[dedupKey] = true

	if msg.ScheduledDeliveryTime != nil && msg.ScheduledDeliveryTime.After(b.clock.Now()) {
		heap.Push(&b.delayed, &delayedItem{msg: msg})
		b.mu.Unlock()
		return SendResult{MessageID: msg.ID, ScheduledDeliveryTime: msg.ScheduledDeliveryTime}
	}

	b.queues[msg.To] = append(b.queues[msg.To], msg)
	b.wake()
	b.mu.Unlock()
	return SendResult{MessageID: msg.ID}
}

// DeliverDueMessages moves every scheduled message whose time has passed
// into its recipient's FIFO, firing onDelayedDelivery with a copy carrying
// deliveredAt.
func (b *Bus) DeliverDueMessages() int {
	now := b.clock.Now()
	var delivered []society.BusMessage

	b.mu.Lock()
	for b.delayed.Len() > 0 {
		next := b.delayed[0]
		if next.msg.ScheduledDeliveryTime.After(now) {
			break
		}
		item := heap.Pop(&b.delayed).(*delayedItem)
		at := now
		item.msg.DeliveredAt = &at
		b.queues[item.msg.To] = append(b.queues[item.msg.To], item.msg)
		delivered = append(delivered, item.msg)
	}
	if len(delivered) > 0 {
		b.wake()
	}
	b.mu.Unlock()

	if b.onDelayedDelivery != nil {
		for _, m := range delivered {
			b.onDelayedDelivery(m)
		}
	}
	return len(delivered)
}

// ReceiveNext pops the oldest queued message for agentID, or returns false
// if its queue is empty.
func (b *Bus) ReceiveNext(agentID string) (society.BusMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[agentID]
	if len(q) == 0 {
		return society.BusMessage{}, false
	}
	msg := q[0]
	b.queues[agentID] = q[1:]
	return msg, true
}

// HasPending reports whether any recipient has a non-empty queue.
func (b *Bus) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

// GetQueueDepth returns the number of queued messages for agentID.
func (b *Bus) GetQueueDepth(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[agentID])
}

// ClearQueue discards every queued message for agentID.
func (b *Bus) ClearQueue(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, agentID)
}

// WaitForMessage blocks until any queue becomes non-empty or timeout
// elapses, or ctx is cancelled. The bus-wait is expected to be bounded to
// at most 100ms by the scheduler so periodic tasks run on a steady cadence.
func (b *Bus) WaitForMessage(ctx context.Context, timeout time.Duration) {
	if b.HasPending() {
		return
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// wake must be called with b.mu held; it fires every waiter exactly once.
func (b *Bus) wake() {
	for _, ch := range b.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.waiters = nil
}

// delayedItem is one entry in the due-time ordered heap.
type delayedItem struct {
	msg   society.BusMessage
	index int
}

// delayedQueue is a container/heap.Interface ordered by
// ScheduledDeliveryTime, the idiomatic stdlib structure for a due-time
// ordered queue absent any scheduling library in the retrieved pack.
type delayedQueue []*delayedItem

func (q delayedQueue) Len() int { return len(q) }
func (q delayedQueue) Less(i, j int) bool {
	return q[i].msg.ScheduledDeliveryTime.Before(*q[j].msg.ScheduledDeliveryTime)
}
func (q delayedQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *delayedQueue) Push(x any) {
	item := x.(*delayedItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *delayedQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
