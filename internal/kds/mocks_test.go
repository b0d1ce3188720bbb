package kds

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/appetiteclub/kds/internal/signalr"
	"github.com/appetiteclub/kds/pkg/event"
)

// MockTicketRepository is a test mock for TicketRepository
type MockTicketRepository struct {
	mu      sync.Mutex
	tickets map[TicketID]*Ticket

	CreateFunc   func(ctx context.Context, t *Ticket) error
	UpdateFunc   func(ctx context.Context, t *Ticket) error
	FindByIDFunc func(ctx context.Context, id TicketID) (*Ticket, error)
	ListFunc     func(ctx context.Context, filter TicketFilter) ([]Ticket, error)

	creates int
	updates int
}

func NewMockTicketRepository() *MockTicketRepository {
	return &MockTicketRepository{tickets: make(map[TicketID]*Ticket)}
}

func (m *MockTicketRepository) Create(ctx context.Context, t *Ticket) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	m.tickets[t.ID] = t.Clone()
	return nil
}

func (m *MockTicketRepository) Update(ctx context.Context, t *Ticket) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[t.ID]; !ok {
		return ErrTicketNotFound
	}
	m.updates++
	m.tickets[t.ID] = t.Clone()
	return nil
}

func (m *MockTicketRepository) FindByID(ctx context.Context, id TicketID) (*Ticket, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	return t.Clone(), nil
}

func (m *MockTicketRepository) List(ctx context.Context, filter TicketFilter) ([]Ticket, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Ticket
	for _, t := range m.tickets {
		if filter.ActiveOnly && !t.Active {
			continue
		}
		if filter.KitchenID != "" && t.KitchenID != filter.KitchenID {
			continue
		}
		if filter.SambaPOSTicketID != nil && t.SambaPOSTicketID != *filter.SambaPOSTicketID {
			continue
		}
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// byPOSID returns every stored record for a POS id, oldest first.
func (m *MockTicketRepository) byPOSID(id int64) []Ticket {
	all, _ := m.List(context.Background(), TicketFilter{SambaPOSTicketID: &id})
	return all
}

func (m *MockTicketRepository) counts() (creates, updates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.updates
}

// MockBumpRepository is a test mock for BumpRepository
type MockBumpRepository struct {
	mu    sync.Mutex
	bumps []CourseBump

	AppendFunc func(ctx context.Context, b *CourseBump) error
}

func NewMockBumpRepository() *MockBumpRepository {
	return &MockBumpRepository{}
}

func (m *MockBumpRepository) Append(ctx context.Context, b *CourseBump) error {
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, b)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bumps = append(m.bumps, *b)
	return nil
}

func (m *MockBumpRepository) ListByTicket(ctx context.Context, id TicketID) ([]CourseBump, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CourseBump
	for _, b := range m.bumps {
		if b.TicketID == id {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MockBumpRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bumps)
}

// MockTicketSource serves a settable snapshot.
type MockTicketSource struct {
	mu       sync.Mutex
	snapshot []SnapshotTicket
	err      error
	calls    int

	ListOpenTicketsFunc func(ctx context.Context, kitchenID string) ([]SnapshotTicket, error)
}

func NewMockTicketSource(snapshot ...SnapshotTicket) *MockTicketSource {
	return &MockTicketSource{snapshot: snapshot}
}

func (m *MockTicketSource) ListOpenTickets(ctx context.Context, kitchenID string) ([]SnapshotTicket, error) {
	if m.ListOpenTicketsFunc != nil {
		return m.ListOpenTicketsFunc(ctx, kitchenID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return append([]SnapshotTicket(nil), m.snapshot...), nil
}

func (m *MockTicketSource) set(snapshot ...SnapshotTicket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snapshot
	m.err = nil
}

func (m *MockTicketSource) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockTicketSource) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockNotifier records published refresh events.
type MockNotifier struct {
	mu     sync.Mutex
	events []event.TicketRefresh
}

func (m *MockNotifier) Publish(evt event.TicketRefresh) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return 1
}

func (m *MockNotifier) all() []event.TicketRefresh {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]event.TicketRefresh(nil), m.events...)
}

// MockPublisher records broker messages.
type MockPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte

	PublishFunc func(ctx context.Context, topic string, msg []byte) error
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{messages: make(map[string][][]byte)}
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, msg []byte) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[topic] = append(m.messages[topic], msg)
	return nil
}

func (m *MockPublisher) on(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.messages[topic]...)
}

// MockLocker grants or refuses the reconcile lock.
type MockLocker struct {
	mu       sync.Mutex
	held     bool
	refuse   bool
	err      error
	acquired int
	released int
}

func (m *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	if m.refuse || m.held {
		return nil, false, nil
	}
	m.held = true
	m.acquired++
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.held = false
		m.released++
		return nil
	}, true, nil
}

// MockTriggerer counts reconciliation requests.
type MockTriggerer struct {
	calls atomic.Int32
}

func (m *MockTriggerer) Trigger() { m.calls.Add(1) }

// MockListener reports a fixed connection state.
type MockListener struct {
	state signalr.State
	err   error
	since time.Time
}

func (m *MockListener) State() signalr.State { return m.state }
func (m *MockListener) LastError() error     { return m.err }
func (m *MockListener) Since() time.Time     { return m.since }
