package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/appetiteclub/kds/internal/logging"
	"github.com/appetiteclub/kds/internal/metrics"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultBuffer is the queue capacity used when Subscribe is called with a
// non-positive size.
const DefaultBuffer = 64

// Bus fans ticket refresh signals out to any number of subscribers.
// Publish never blocks: a subscriber whose queue is full loses that event
// and nobody else is affected.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	logger  *slog.Logger
	dropped metrics.Counter
}

// Subscription is one session's registration with the bus.
type Subscription struct {
	id      string
	ch      chan event.TicketRefresh
	bus     *Bus
	dropped atomic.Int64
}

// New creates an empty bus. Call Close at shutdown.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		logger:  logging.OrDiscard(logger),
		dropped: metrics.NewCounter("kds.bus.dropped", "Events dropped for slow subscribers"),
	}
}

// Subscribe registers a new queue with the given capacity. Subscribing to
// a closed bus returns a subscription whose channel is already closed.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		id:  uuid.NewString(),
		ch:  make(chan event.TicketRefresh, buffer),
		bus: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.logger.Debug("bus subscriber added", "subscriber_id", sub.id, "total_subscribers", len(b.subs))
	return sub
}

// Unsubscribe deregisters sub and closes its channel. Safe to call more
// than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
	b.logger.Debug("bus subscriber removed", "subscriber_id", sub.id, "total_subscribers", len(b.subs))
}

// Publish offers evt to every subscriber and returns how many accepted it.
func (b *Bus) Publish(evt event.TicketRefresh) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.subs {
		select {
		case sub.ch <- evt:
			delivered++
		default:
			sub.dropped.Add(1)
			b.dropped.Inc(context.Background(), attribute.String("source", evt.Source))
			b.logger.Info("subscriber queue full, dropping event",
				"subscriber_id", sub.id,
				"sambapos_ticket_id", evt.SambaPOSTicketID,
			)
		}
	}
	return delivered
}

// SubscriberCount reports the number of registered subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes every subscription. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// Stop satisfies the application lifecycle.
func (b *Bus) Stop(context.Context) error {
	b.Close()
	return nil
}

func (s *Subscription) ID() string { return s.id }

// C is the subscriber's queue. It is closed on Unsubscribe or bus Close.
func (s *Subscription) C() <-chan event.TicketRefresh { return s.ch }

// Dropped counts events this subscriber missed because its queue was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close is shorthand for Unsubscribe.
func (s *Subscription) Close() { s.bus.Unsubscribe(s) }
