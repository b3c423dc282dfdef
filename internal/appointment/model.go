package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/careslot/careslot/internal/availability"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

// live statuses occupy the doctor's calendar; everything else is terminal and
// kept for history only.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusConfirmed
}

type Type string

const (
	TypeTextConsultation Type = "text_consultation"
	TypeVideoCall        Type = "video_call"
	TypePhoneCall        Type = "phone_call"
)

func (t Type) Valid() bool {
	switch t {
	case TypeTextConsultation, TypeVideoCall, TypePhoneCall:
		return true
	}
	return false
}

// Duration returns the consultation length implied by the type.
func (t Type) Duration() time.Duration {
	switch t {
	case TypeVideoCall:
		return 30 * time.Minute
	default:
		return 15 * time.Minute
	}
}

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Actor is the already-authenticated caller identity, resolved upstream and
// passed explicitly into every operation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

type Doctor struct {
	ID           uuid.UUID
	Name         string
	Specialty    *string
	Active       bool
	PrepaidTypes []Type
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RequiresPrepayment reports whether the doctor demands payment up front for
// the consultation type.
func (d *Doctor) RequiresPrepayment(t Type) bool {
	for _, pt := range d.PrepaidTypes {
		if pt == t {
			return true
		}
	}
	return false
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID              uuid.UUID
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	ScheduledAt     time.Time
	DurationMinutes int
	Type            Type
	Status          Status
	Reason          *string
	Price           *int64 // cents; nil = free
	PaymentRef      *string

	ConfirmedAt        *time.Time
	RejectedAt         *time.Time
	CancelledAt        *time.Time
	CompletedAt        *time.Time
	RejectionReason    *string
	CancellationReason *string
	ClosingNotes       *string
	RemindedAt         *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Appointment) Duration() time.Duration {
	return time.Duration(a.DurationMinutes) * time.Minute
}

// Interval is the half-open [scheduled_at, scheduled_at+duration) range the
// appointment occupies.
func (a *Appointment) Interval() availability.Interval {
	return availability.Interval{Start: a.ScheduledAt, End: a.ScheduledAt.Add(a.Duration())}
}

// Participant reports whether the actor is the doctor or patient on the
// appointment, in the matching role.
func (a *Appointment) Participant(actor Actor) bool {
	switch actor.Role {
	case RoleDoctor:
		return actor.ID == a.DoctorID
	case RolePatient:
		return actor.ID == a.PatientID
	}
	return false
}

// SessionStatus is the lifecycle of a consultation session, a separate
// aggregate from the appointment itself.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionFinished  SessionStatus = "finished"
	SessionCancelled SessionStatus = "cancelled"
)

// ConsultationSession tracks the live consultation a doctor runs against a
// confirmed appointment.
type ConsultationSession struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Status        SessionStatus
	StartedAt     time.Time
	EndedAt       *time.Time
	Notes         *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EventLog is one auditable record of a booking or transition attempt.
type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	ActorID       *uuid.UUID
	ActorRole     *string
	Outcome       string // success or failure
	Payload       []byte
	CreatedAt     time.Time
}

// Detail joins an appointment with its participants' display names for the
// read side.
type Detail struct {
	Appointment
	DoctorName  string
	PatientName string
}
