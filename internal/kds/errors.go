package kds

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid course transition")
	ErrUnknownCourse     = errors.New("unknown course")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrTicketClosed      = errors.New("ticket is closed")
)

// Reasons carried by InvalidTransitionError, shown to staff as is.
const (
	ReasonPreviousNotSent = "previous course not yet sent"
	ReasonAlreadyAway     = "course already away"
	ReasonAlreadySent     = "course already sent"
	ReasonNotAway         = "course not yet away"
)

// InvalidTransitionError is returned when a staff action does not fit the
// course's current state. It matches ErrInvalidTransition with errors.Is.
type InvalidTransitionError struct {
	Course string
	Action string
	From   string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot mark %s %s from %s: %s", e.Course, e.Action, e.From, e.Reason)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
