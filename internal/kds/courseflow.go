package kds

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/appetiteclub/kds/pkg/enums/coursestatus"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/google/uuid"
)

var (
	pending = coursestatus.Statuses.Pending.Code()
	away    = coursestatus.Statuses.Away.Code()
	sent    = coursestatus.Statuses.Sent.Code()
)

// NewCourseStates lays out courses for a ticket seen for the first time:
// the first course is called away at the given time, the rest wait.
func NewCourseStates(courses []string, at time.Time) []CourseState {
	states := make([]CourseState, len(courses))
	for i, name := range courses {
		states[i] = CourseState{Name: name, Status: pending}
	}
	if len(states) > 0 {
		ts := at
		states[0].Status = away
		states[0].AwayAt = &ts
	}
	return states
}

// CallAway moves a pending course to away. Every earlier course must have
// been sent.
func CallAway(t *Ticket, course string, at time.Time) error {
	i, cs := t.Course(course)
	if cs == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCourse, course)
	}

	switch cs.Status {
	case away:
		return &InvalidTransitionError{Course: course, Action: coursestatus.ActionAway, From: cs.Status, Reason: ReasonAlreadyAway}
	case sent:
		return &InvalidTransitionError{Course: course, Action: coursestatus.ActionAway, From: cs.Status, Reason: ReasonAlreadySent}
	}

	if i > 0 && t.CourseStates[i-1].Status != sent {
		return &InvalidTransitionError{Course: course, Action: coursestatus.ActionAway, From: cs.Status, Reason: ReasonPreviousNotSent}
	}

	ts := at
	cs.Status = away
	cs.AwayAt = &ts
	return nil
}

// MarkSent moves an away course to sent and stamps completion when it was
// the last course.
func MarkSent(t *Ticket, course string, at time.Time) error {
	_, cs := t.Course(course)
	if cs == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCourse, course)
	}

	switch cs.Status {
	case pending:
		return &InvalidTransitionError{Course: course, Action: coursestatus.ActionSent, From: cs.Status, Reason: ReasonNotAway}
	case sent:
		return &InvalidTransitionError{Course: course, Action: coursestatus.ActionSent, From: cs.Status, Reason: ReasonAlreadySent}
	}

	ts := at
	cs.Status = sent
	cs.SentAt = &ts
	if t.Complete() && t.CompletedAt == nil {
		done := at
		t.CompletedAt = &done
	}
	return nil
}

// newBump builds the audit record for an action applied at `at` and moves
// the ticket's last-bump mark forward.
func newBump(t *Ticket, course, action, actor string, at time.Time) *CourseBump {
	b := &CourseBump{
		ID:               uuid.New(),
		TicketID:         t.ID,
		KitchenID:        t.KitchenID,
		SambaPOSTicketID: t.SambaPOSTicketID,
		Course:           course,
		Action:           action,
		OccurredAt:       at,
	}
	if actor != "" {
		a := actor
		b.Actor = &a
	}
	if t.LastBumpAt != nil {
		secs := int64(at.Sub(*t.LastBumpAt) / time.Second)
		if secs < 0 {
			secs = 0
		}
		b.SecondsSincePrevious = &secs
	}
	last := at
	t.LastBumpAt = &last
	return b
}

// Away calls a course away on the given ticket record.
func (s *Store) Away(ctx context.Context, id TicketID, course, actor string) (*Ticket, *CourseBump, error) {
	return s.applyCourseAction(ctx, id, course, coursestatus.ActionAway, actor)
}

// Sent marks a course as delivered on the given ticket record.
func (s *Store) Sent(ctx context.Context, id TicketID, course, actor string) (*Ticket, *CourseBump, error) {
	return s.applyCourseAction(ctx, id, course, coursestatus.ActionSent, actor)
}

func (s *Store) applyCourseAction(ctx context.Context, id TicketID, course, action, actor string) (*Ticket, *CourseBump, error) {
	e, ok := s.lockID(id)
	if !ok {
		return nil, nil, s.missing(ctx, id)
	}
	defer e.mu.Unlock()

	now := s.clock.Now()
	next := e.ticket.Clone()

	var err error
	switch action {
	case coursestatus.ActionAway:
		err = CallAway(next, course, now)
	case coursestatus.ActionSent:
		err = MarkSent(next, course, now)
	default:
		err = fmt.Errorf("unknown course action %q", action)
	}
	if err != nil {
		return nil, nil, err
	}

	prevBumpAt := cloneTime(next.LastBumpAt)
	bump := newBump(next, course, action, actor, now)
	next.UpdatedAt = now

	if err := s.update(ctx, next); err != nil {
		return nil, nil, err
	}
	e.ticket = next

	if s.bumps != nil {
		if err := s.bumps.Append(ctx, bump); err != nil {
			s.logger.Error("course updated but bump not recorded",
				"ticket_id", next.ID, "course", course, "action", action, "error", err)
			// LastBumpAt must point at a recorded bump.
			rolled := next.Clone()
			rolled.LastBumpAt = prevBumpAt
			if uerr := s.update(ctx, rolled); uerr != nil {
				s.logger.Error("cannot roll back last bump time", "ticket_id", next.ID, "error", uerr)
			} else {
				e.ticket = rolled
			}
			return e.ticket.Clone(), nil, fmt.Errorf("cannot record bump: %w", err)
		}
	}

	s.publishBump(ctx, bump)
	s.notify(next, event.SourceStaff)

	s.logger.Info("course action applied",
		"ticket_id", next.ID,
		"sambapos_ticket_id", next.SambaPOSTicketID,
		"course", course,
		"action", action,
	)
	return next.Clone(), bump, nil
}

// Bump hides a ticket from the board. It is not a course action and leaves
// no audit record. Bumping twice is a no-op.
func (s *Store) Bump(ctx context.Context, id TicketID) (*Ticket, error) {
	e, ok := s.lockID(id)
	if !ok {
		return nil, s.missing(ctx, id)
	}
	defer e.mu.Unlock()

	if e.ticket.Bumped {
		return e.ticket.Clone(), nil
	}

	now := s.clock.Now()
	next := e.ticket.Clone()
	next.Bumped = true
	next.BumpedAt = &now
	next.UpdatedAt = now

	if err := s.update(ctx, next); err != nil {
		return nil, err
	}
	e.ticket = next

	s.notify(next, event.SourceStaff)
	return next.Clone(), nil
}

// missing tells a closed record apart from an unknown one.
func (s *Store) missing(ctx context.Context, id TicketID) error {
	if s.tickets == nil {
		return ErrTicketNotFound
	}
	t, err := s.tickets.FindByID(ctx, id)
	if err != nil || t == nil {
		return ErrTicketNotFound
	}
	if !t.Active {
		return ErrTicketClosed
	}
	return ErrTicketNotFound
}

func (s *Store) publishBump(ctx context.Context, b *CourseBump) {
	evt := event.CourseBumpedEvent{
		EventType:            event.EventCourseBumped,
		OccurredAt:           b.OccurredAt,
		BumpID:               b.ID.String(),
		TicketID:             b.TicketID.String(),
		KitchenID:            b.KitchenID,
		SambaPOSTicketID:     b.SambaPOSTicketID,
		Course:               b.Course,
		Action:               b.Action,
		Actor:                b.Actor,
		SecondsSincePrevious: b.SecondsSincePrevious,
	}

	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("cannot encode course bump event", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event.KDSBumpsTopic, data); err != nil {
		s.logger.Warn("cannot publish course bump event", "bump_id", b.ID, "error", err)
	}
}
