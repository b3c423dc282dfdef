package appointment

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrNotParticipant         = errors.New("actor is not a participant of the appointment")
	ErrActorNotAllowed        = errors.New("actor role may not perform this transition")
	ErrReasonRequired         = errors.New("transition requires a reason")
	ErrConcurrentModification = errors.New("appointment was modified concurrently")
)

type transition struct {
	from Status
	to   Status
}

type transitionRule struct {
	doctor       bool // doctor on the appointment may trigger
	patient      bool // patient on the appointment may trigger
	reasonNeeded bool
}

// transitions is the complete directed graph of allowed status changes.
// rejected, cancelled, completed and no_show are terminal: they never appear
// as a source state.
var transitions = map[transition]transitionRule{
	{StatusPending, StatusConfirmed}:   {doctor: true},
	{StatusPending, StatusRejected}:    {doctor: true, reasonNeeded: true},
	{StatusPending, StatusCancelled}:   {doctor: true, patient: true, reasonNeeded: true},
	{StatusConfirmed, StatusCancelled}: {doctor: true, patient: true, reasonNeeded: true},
	{StatusConfirmed, StatusCompleted}: {doctor: true},
	{StatusConfirmed, StatusNoShow}:    {doctor: true},
}

// Terminal reports whether the status has no outgoing transitions.
func Terminal(s Status) bool {
	for tr := range transitions {
		if tr.from == s {
			return false
		}
	}
	return true
}

// CanTransition is the single capability check for status changes: the
// transition must exist in the table, the actor must be a participant of the
// appointment, and the actor's role must be allowed to trigger it. A required
// reason must be non-empty.
func CanTransition(actor Actor, appt *Appointment, to Status, reason *string) error {
	rule, ok := transitions[transition{appt.Status, to}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, to)
	}
	if !appt.Participant(actor) {
		return ErrNotParticipant
	}
	switch actor.Role {
	case RoleDoctor:
		if !rule.doctor {
			return fmt.Errorf("%w: %s -> %s by %s", ErrActorNotAllowed, appt.Status, to, actor.Role)
		}
	case RolePatient:
		if !rule.patient {
			return fmt.Errorf("%w: %s -> %s by %s", ErrActorNotAllowed, appt.Status, to, actor.Role)
		}
	default:
		return ErrNotParticipant
	}
	if rule.reasonNeeded && (reason == nil || *reason == "") {
		return fmt.Errorf("%w: %s -> %s", ErrReasonRequired, appt.Status, to)
	}
	return nil
}
