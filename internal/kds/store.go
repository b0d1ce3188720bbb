package kds

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/appetiteclub/kds/internal/logging"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/appetiteclub/kds/pkg/events"
	"github.com/jonboulle/clockwork"
)

// DefaultCourses is used when no course list is configured.
var DefaultCourses = []string{"Starters", "Mains", "Desserts"}

// Notifier receives ticket refresh signals. *bus.Bus satisfies it.
type Notifier interface {
	Publish(evt event.TicketRefresh) int
}

type entry struct {
	mu     sync.Mutex
	ticket *Ticket
}

// Store is the authoritative set of active tickets. Reads are served from
// memory; every mutation is written through to the repositories before it
// becomes visible. Mutations of one ticket are serialized by that ticket's
// lock; different tickets never contend beyond the index lock.
type Store struct {
	mu    sync.RWMutex
	byKey map[Key]*entry
	byID  map[TicketID]*entry

	courses []string
	tickets TicketRepository
	bumps   BumpRepository

	notifier  Notifier
	publisher events.Publisher
	clock     clockwork.Clock
	logger    *slog.Logger
}

type StoreOption func(*Store)

func WithStoreClock(clock clockwork.Clock) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// WithNotifier makes staff actions announce the changed ticket.
func WithNotifier(n Notifier) StoreOption {
	return func(s *Store) { s.notifier = n }
}

// WithBumpPublisher mirrors every course bump to an external broker.
func WithBumpPublisher(p events.Publisher) StoreOption {
	return func(s *Store) { s.publisher = p }
}

// NewStore creates an empty store. Nil repositories keep state in memory
// only.
func NewStore(courses []string, tickets TicketRepository, bumps BumpRepository, logger *slog.Logger, opts ...StoreOption) *Store {
	if len(courses) == 0 {
		courses = DefaultCourses
	}
	s := &Store{
		byKey:     make(map[Key]*entry),
		byID:      make(map[TicketID]*entry),
		courses:   append([]string(nil), courses...),
		tickets:   tickets,
		bumps:     bumps,
		publisher: events.NoopPublisher{},
		clock:     clockwork.NewRealClock(),
		logger:    logging.OrDiscard(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Courses returns the configured course order.
func (s *Store) Courses() []string {
	return append([]string(nil), s.courses...)
}

// Warm loads active tickets from the repository.
func (s *Store) Warm(ctx context.Context) error {
	if s.tickets == nil {
		s.logger.Info("ticket repository not configured, store starts empty")
		return nil
	}

	tickets, err := s.tickets.List(ctx, TicketFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("cannot load active tickets: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range tickets {
		t := tickets[i]
		if !t.Active {
			continue
		}
		if prev, ok := s.byKey[t.Key()]; ok && prev.ticket != nil {
			s.logger.Warn("duplicate active ticket in repository, keeping first",
				"sambapos_ticket_id", t.SambaPOSTicketID, "ticket_id", t.ID)
			continue
		}
		e := &entry{ticket: &t}
		s.byKey[t.Key()] = e
		s.byID[t.ID] = e
	}

	s.logger.Info("ticket store warmed", "count", len(s.byKey))
	return nil
}

// Start satisfies the application lifecycle by warming the store.
func (s *Store) Start(ctx context.Context) error {
	return s.Warm(ctx)
}

// Get returns a copy of the ticket record with the given id. Closed
// records are read from the repository.
func (s *Store) Get(ctx context.Context, id TicketID) (*Ticket, error) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()

	if ok {
		e.mu.Lock()
		t := e.ticket.Clone()
		e.mu.Unlock()
		if t != nil {
			return t, nil
		}
	}

	if s.tickets == nil {
		return nil, ErrTicketNotFound
	}
	t, err := s.tickets.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Active returns copies of the active tickets of a kitchen ordered by
// receipt time.
func (s *Store) Active(kitchenID string) []*Ticket {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.byKey))
	for k, e := range s.byKey {
		if k.KitchenID == kitchenID {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	out := make([]*Ticket, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.ticket != nil && e.ticket.Active {
			out = append(out, e.ticket.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].SambaPOSTicketID < out[j].SambaPOSTicketID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// Keys lists the active keys of a kitchen.
func (s *Store) Keys(kitchenID string) []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]Key, 0, len(s.byKey))
	for k := range s.byKey {
		if k.KitchenID == kitchenID {
			keys = append(keys, k)
		}
	}
	return keys
}

// Bumps returns the audit trail of a ticket record, oldest first.
func (s *Store) Bumps(ctx context.Context, id TicketID) ([]CourseBump, error) {
	if s.bumps == nil {
		return nil, nil
	}
	bumps, err := s.bumps.ListByTicket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cannot list bumps: %w", err)
	}
	return bumps, nil
}

// lockKey returns the entry for key with its lock held, creating an empty
// entry when the key is not indexed. Callers must unlock, and must call
// dropLocked if they leave the entry empty.
func (s *Store) lockKey(key Key) *entry {
	for {
		s.mu.Lock()
		e, ok := s.byKey[key]
		if !ok {
			e = &entry{}
			s.byKey[key] = e
		}
		s.mu.Unlock()

		e.mu.Lock()

		s.mu.RLock()
		current := s.byKey[key]
		s.mu.RUnlock()
		if current == e {
			return e
		}
		// Evicted while we waited; retry on the fresh entry.
		e.mu.Unlock()
	}
}

// lockID returns the entry indexed under id with its lock held.
func (s *Store) lockID(id TicketID) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	if e.ticket == nil || !e.ticket.Active {
		e.mu.Unlock()
		return nil, false
	}
	return e, true
}

// dropLocked removes e from the index. e.mu must be held.
func (s *Store) dropLocked(key Key, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byKey[key] == e {
		delete(s.byKey, key)
	}
	if e.ticket != nil && s.byID[e.ticket.ID] == e {
		delete(s.byID, e.ticket.ID)
	}
	e.ticket = nil
}

func (s *Store) indexID(id TicketID, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = e
}

func (s *Store) create(ctx context.Context, t *Ticket) error {
	if s.tickets == nil {
		return nil
	}
	if err := s.tickets.Create(ctx, t); err != nil {
		return fmt.Errorf("cannot create ticket: %w", err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, t *Ticket) error {
	if s.tickets == nil {
		return nil
	}
	if err := s.tickets.Update(ctx, t); err != nil {
		return fmt.Errorf("cannot update ticket: %w", err)
	}
	return nil
}

func (s *Store) notify(t *Ticket, source string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(event.NewTicketRefresh(t.KitchenID, t.SambaPOSTicketID, source, s.clock.Now()))
}
