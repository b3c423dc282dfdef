package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/careslot/careslot/internal/availability"
)

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSessionNotFound     = errors.New("consultation session not found")
	ErrSessionAlreadyOpen  = errors.New("consultation session already active")

	// ErrSlotTaken is the typed classification of the storage uniqueness or
	// overlap rejection: the target interval is no longer free.
	ErrSlotTaken = errors.New("slot already taken")

	// ErrTxContention is the typed classification of a transient storage
	// conflict (deadlock, serialization failure). Callers retry on it; it is
	// never surfaced to the boundary.
	ErrTxContention = errors.New("transient transaction contention")
)

// StatusPatch carries the side effects a transition writes along with the new
// status.
type StatusPatch struct {
	At     time.Time // transition timestamp column for the target status
	Reason *string   // rejection or cancellation reason
	Notes  *string   // closing notes on completion
}

// SearchFilter scopes the read side to one participant plus optional
// criteria.
type SearchFilter struct {
	Actor       Actor
	Status      *Status
	From        *time.Time
	To          *time.Time
	ReasonQuery string
	Limit       int
	Offset      int
}

// Stats is the per-participant aggregate view.
type Stats struct {
	ByStatus map[Status]int `json:"by_status"`
	Total    int            `json:"total"`
	Today    int            `json:"today"`
}

// Repository contains all DB interactions needed by the coordinator, the
// state machine service and the read side. Mutating methods own their
// transaction boundaries.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// ActiveIntervals implements availability.BookingSource.
	ActiveIntervals(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]availability.Interval, error)

	// PatientOverlaps reports whether the patient holds a live appointment,
	// with any doctor, overlapping the interval. exclude skips one
	// appointment (used by reschedule); pass uuid.Nil otherwise.
	PatientOverlaps(ctx context.Context, patientID uuid.UUID, iv availability.Interval, exclude uuid.UUID) (bool, error)

	// CreateBooked atomically re-validates doctor-side overlap and inserts the
	// appointment in status pending. Returns ErrSlotTaken when the interval is
	// no longer free and ErrTxContention on transient conflicts.
	CreateBooked(ctx context.Context, appt *Appointment) (*Appointment, error)

	// UpdateSchedule atomically re-validates overlap and moves a live
	// appointment to a new time, keeping its identity and history.
	UpdateSchedule(ctx context.Context, id uuid.UUID, expectFrom time.Time, newAt time.Time) (*Appointment, error)

	// TransitionStatus compare-and-swaps the status from -> to and applies the
	// patch. Returns ErrConcurrentModification when the row is no longer in
	// the expected source state.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status, patch StatusPatch) (*Appointment, error)

	// Consultation sessions
	CreateSession(ctx context.Context, apptID uuid.UUID, startedAt time.Time) (*ConsultationSession, error)
	GetActiveSession(ctx context.Context, apptID uuid.UUID) (*ConsultationSession, error)
	FinishSession(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, notes *string) (*ConsultationSession, error)

	// Read side
	Search(ctx context.Context, f SearchFilter) ([]Detail, int, error)
	CountByStatus(ctx context.Context, actor Actor) (map[Status]int, error)
	CountBetween(ctx context.Context, actor Actor, from, to time.Time) (int, error)
	ListBetween(ctx context.Context, actor Actor, from, to time.Time) ([]Detail, error)

	// Reminder worker
	FindUpcomingUnreminded(ctx context.Context, from, until time.Time) ([]Appointment, error)
	MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error

	// Audit trail
	InsertEvent(ctx context.Context, ev EventLog) error
}
