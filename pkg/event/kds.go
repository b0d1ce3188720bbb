package event

import "time"

const (
	// KDSTicketsTopic mirrors ticket refresh signals to other processes.
	KDSTicketsTopic = "kds.tickets"
	// KDSBumpsTopic carries the course bump audit trail.
	KDSBumpsTopic = "kds.bumps"

	EventTicketRefresh = "ticket_refresh"
	EventCourseBumped  = "kds.course.bumped"
)

// Origin of a ticket refresh signal.
const (
	SourcePOS       = "pos"
	SourceReconcile = "reconcile"
	SourceStaff     = "staff"
)

// TicketRefresh tells display sessions that a ticket changed and should be
// pulled again. It carries no ticket detail on purpose.
type TicketRefresh struct {
	Type             string    `json:"type"`
	KitchenID        string    `json:"kitchen_id,omitempty"`
	SambaPOSTicketID int64     `json:"sambapos_ticket_id"`
	Timestamp        time.Time `json:"timestamp"`
	Source           string    `json:"source,omitempty"`
}

// NewTicketRefresh builds a refresh event with the type filled in.
func NewTicketRefresh(kitchenID string, ticketID int64, source string, at time.Time) TicketRefresh {
	return TicketRefresh{
		Type:             EventTicketRefresh,
		KitchenID:        kitchenID,
		SambaPOSTicketID: ticketID,
		Timestamp:        at.UTC(),
		Source:           source,
	}
}

type CourseBumpedEvent struct {
	EventType            string    `json:"event_type"`
	OccurredAt           time.Time `json:"occurred_at"`
	BumpID               string    `json:"bump_id"`
	TicketID             string    `json:"ticket_id"`
	KitchenID            string    `json:"kitchen_id"`
	SambaPOSTicketID     int64     `json:"sambapos_ticket_id"`
	Course               string    `json:"course"`
	Action               string    `json:"action"`
	Actor                *string   `json:"actor,omitempty"`
	SecondsSincePrevious *int64    `json:"seconds_since_previous,omitempty"`
}
