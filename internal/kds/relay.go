package kds

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/appetiteclub/kds/internal/bus"
	"github.com/appetiteclub/kds/internal/logging"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/pkg/events"
)

// Relay mirrors bus events to an external broker so other services can
// follow ticket changes.
type Relay struct {
	events    Subscriber
	publisher events.Publisher
	logger    *slog.Logger

	mu     sync.Mutex
	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(events Subscriber, publisher events.Publisher, logger *slog.Logger) *Relay {
	return &Relay{
		events:    events,
		publisher: publisher,
		logger:    logging.OrDiscard(logger),
	}
}

func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.sub = r.events.Subscribe(bus.DefaultBuffer)
	r.done = make(chan struct{})

	go r.run(runCtx, r.sub, r.done)
	return nil
}

func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, sub, done := r.cancel, r.sub, r.done
	r.cancel, r.sub, r.done = nil, nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	sub.Close()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) run(ctx context.Context, sub *bus.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			r.forward(ctx, evt)
		}
	}
}

func (r *Relay) forward(ctx context.Context, evt event.TicketRefresh) {
	data, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("cannot encode ticket refresh", "error", err)
		return
	}
	if err := r.publisher.Publish(ctx, event.KDSTicketsTopic, data); err != nil {
		r.logger.Warn("cannot mirror ticket refresh",
			"sambapos_ticket_id", evt.SambaPOSTicketID, "error", err)
	}
}
