package kds

import "context"

type TicketFilter struct {
	KitchenID        string
	SambaPOSTicketID *int64
	ActiveOnly       bool
	Limit            int
	Offset           int
}

// TicketRepository persists ticket records. FindByID returns
// ErrTicketNotFound when no record matches.
type TicketRepository interface {
	Create(ctx context.Context, t *Ticket) error
	Update(ctx context.Context, t *Ticket) error
	FindByID(ctx context.Context, id TicketID) (*Ticket, error)
	List(ctx context.Context, filter TicketFilter) ([]Ticket, error)
}

// BumpRepository is the append-only course bump log.
type BumpRepository interface {
	Append(ctx context.Context, b *CourseBump) error
	ListByTicket(ctx context.Context, id TicketID) ([]CourseBump, error)
}
