package kds

import (
	"time"
)

type CourseView struct {
	CourseState
	Severity       Severity `json:"severity,omitempty"`
	ElapsedSeconds int64    `json:"elapsed_seconds,omitempty"`
	Overdue        bool     `json:"overdue,omitempty"`
}

// TicketView is a ticket as the board renders it, with timers computed at
// read time.
type TicketView struct {
	*Ticket
	Courses          []CourseView `json:"courses"`
	ReceivedSeverity Severity     `json:"received_severity,omitempty"`
	ReceivedSeconds  int64        `json:"received_seconds"`
	HasAdditions     bool         `json:"has_additions"`
	Complete         bool         `json:"complete"`
}

// Board decides what the display shows and how urgent it is.
type Board struct {
	Away     Thresholds
	Received Thresholds
	// Grace keeps completed tickets on screen for a while.
	Grace time.Duration
}

func DefaultBoard() Board {
	return Board{
		Away:     DefaultAwayThresholds,
		Received: DefaultReceivedThresholds,
		Grace:    2 * time.Minute,
	}
}

// Visible reports whether t belongs on the board at now.
func (b Board) Visible(t *Ticket, now time.Time) bool {
	if !t.Active || t.Bumped {
		return false
	}
	if t.CompletedAt != nil && now.Sub(*t.CompletedAt) >= b.Grace {
		return false
	}
	return true
}

func (b Board) View(t *Ticket, now time.Time) TicketView {
	v := TicketView{
		Ticket:          t,
		Courses:         make([]CourseView, len(t.CourseStates)),
		ReceivedSeconds: elapsedSeconds(t.ReceivedAt, now),
		HasAdditions:    t.HasAdditions(),
		Complete:        t.Complete(),
	}

	for i, cs := range t.CourseStates {
		cv := CourseView{CourseState: cs}
		if cs.Status == away && cs.AwayAt != nil {
			elapsed := now.Sub(*cs.AwayAt)
			cv.Severity, cv.Overdue = b.Away.Classify(elapsed)
			cv.ElapsedSeconds = elapsedSeconds(*cs.AwayAt, now)
		}
		v.Courses[i] = cv
	}

	if len(t.CourseStates) > 0 && t.CourseStates[0].Status != sent && !t.ReceivedAt.IsZero() {
		v.ReceivedSeverity, _ = b.Received.Classify(now.Sub(t.ReceivedAt))
	}
	return v
}

// Render filters and decorates tickets for display.
func (b Board) Render(tickets []*Ticket, now time.Time) []TicketView {
	out := make([]TicketView, 0, len(tickets))
	for _, t := range tickets {
		if b.Visible(t, now) {
			out = append(out, b.View(t, now))
		}
	}
	return out
}

func elapsedSeconds(from, now time.Time) int64 {
	if from.IsZero() {
		return 0
	}
	d := now.Sub(from)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
