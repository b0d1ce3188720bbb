package kds

import (
	"time"

	"github.com/appetiteclub/kds/pkg/enums/coursestatus"
	"github.com/google/uuid"
)

type TicketID = uuid.UUID
type BumpID = uuid.UUID

// Key identifies an active ticket. Only one active record may hold a key.
type Key struct {
	KitchenID        string
	SambaPOSTicketID int64
}

type CourseState struct {
	Name   string     `bson:"name" json:"name"`
	Status string     `bson:"status" json:"status"`
	AwayAt *time.Time `bson:"away_at,omitempty" json:"away_at,omitempty"`
	SentAt *time.Time `bson:"sent_at,omitempty" json:"sent_at,omitempty"`
}

// Ticket is the local record of one POS ticket. A POS id seen again after
// its record was closed gets a new record with a new ID.
type Ticket struct {
	ID               TicketID `bson:"_id" json:"id"`
	KitchenID        string   `bson:"kitchen_id" json:"kitchen_id"`
	SambaPOSTicketID int64    `bson:"sambapos_ticket_id" json:"sambapos_ticket_id"`
	SambaPOSUID      string   `bson:"sambapos_uid,omitempty" json:"sambapos_uid,omitempty"`

	Number string  `bson:"number" json:"number"`
	Table  string  `bson:"table,omitempty" json:"table,omitempty"`
	Covers int     `bson:"covers" json:"covers"`
	Total  float64 `bson:"total" json:"total"`

	ReceivedAt    time.Time `bson:"received_at" json:"received_at"`
	LastPOSUpdate time.Time `bson:"last_pos_update" json:"last_pos_update"`

	Active   bool       `bson:"active" json:"active"`
	Bumped   bool       `bson:"bumped" json:"bumped"`
	BumpedAt *time.Time `bson:"bumped_at,omitempty" json:"bumped_at,omitempty"`

	CourseStates []CourseState `bson:"course_states" json:"course_states"`

	InitialOrderIDs  []int64 `bson:"initial_order_ids" json:"initial_order_ids"`
	CurrentOrderIDs  []int64 `bson:"current_order_ids" json:"current_order_ids"`
	AdditionOrderIDs []int64 `bson:"addition_order_ids,omitempty" json:"addition_order_ids,omitempty"`

	LastBumpAt  *time.Time `bson:"last_bump_at,omitempty" json:"last_bump_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	ClosedAt    *time.Time `bson:"closed_at,omitempty" json:"closed_at,omitempty"`

	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
	ModelVersion int       `bson:"model_version" json:"model_version"`
}

// CourseBump is an append-only audit entry for a staff course action.
type CourseBump struct {
	ID                   BumpID    `bson:"_id" json:"id"`
	TicketID             TicketID  `bson:"ticket_id" json:"ticket_id"`
	KitchenID            string    `bson:"kitchen_id" json:"kitchen_id"`
	SambaPOSTicketID     int64     `bson:"sambapos_ticket_id" json:"sambapos_ticket_id"`
	Course               string    `bson:"course" json:"course"`
	Action               string    `bson:"action" json:"action"`
	OccurredAt           time.Time `bson:"occurred_at" json:"occurred_at"`
	Actor                *string   `bson:"actor,omitempty" json:"actor,omitempty"`
	SecondsSincePrevious *int64    `bson:"seconds_since_previous,omitempty" json:"seconds_since_previous,omitempty"`
}

func (t *Ticket) Key() Key {
	return Key{KitchenID: t.KitchenID, SambaPOSTicketID: t.SambaPOSTicketID}
}

// Course returns the index and state of the named course, or -1 and nil.
func (t *Ticket) Course(name string) (int, *CourseState) {
	for i := range t.CourseStates {
		if t.CourseStates[i].Name == name {
			return i, &t.CourseStates[i]
		}
	}
	return -1, nil
}

// CourseStatus returns the status code of the named course, or "".
func (t *Ticket) CourseStatus(name string) string {
	if _, cs := t.Course(name); cs != nil {
		return cs.Status
	}
	return ""
}

func (t *Ticket) HasAdditions() bool {
	return len(t.AdditionOrderIDs) > 0
}

// Complete reports whether the last course has been sent.
func (t *Ticket) Complete() bool {
	n := len(t.CourseStates)
	return n > 0 && t.CourseStates[n-1].Status == coursestatus.Statuses.Sent.Code()
}

// Clone returns a deep copy safe to hand out while the original keeps
// changing under the store's lock.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.BumpedAt = cloneTime(t.BumpedAt)
	c.LastBumpAt = cloneTime(t.LastBumpAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.ClosedAt = cloneTime(t.ClosedAt)
	c.InitialOrderIDs = cloneIDs(t.InitialOrderIDs)
	c.CurrentOrderIDs = cloneIDs(t.CurrentOrderIDs)
	c.AdditionOrderIDs = cloneIDs(t.AdditionOrderIDs)
	if t.CourseStates != nil {
		c.CourseStates = make([]CourseState, len(t.CourseStates))
		for i, cs := range t.CourseStates {
			cs.AwayAt = cloneTime(cs.AwayAt)
			cs.SentAt = cloneTime(cs.SentAt)
			c.CourseStates[i] = cs
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneIDs(ids []int64) []int64 {
	if ids == nil {
		return nil
	}
	return append([]int64(nil), ids...)
}
