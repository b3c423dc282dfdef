package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentRejected    = "APPOINTMENT_REJECTED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
	EventConsultationStarted    = "CONSULTATION_STARTED"
	EventConsultationFinished   = "CONSULTATION_FINISHED"
	EventAppointmentReminder    = "APPOINTMENT_REMINDER"
)

// Event is the lifecycle notification pushed to external consumers
// (notifications, reminders). It carries identifiers only, no clinical data.
type Event struct {
	Type          string    `json:"type"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	At            time.Time `json:"at"`
}

// Publisher pushes lifecycle events to the outside world. Publication is
// best-effort; the audit log in Postgres is the durable record.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// NopPublisher discards events. Used in tests and tools that do not need
// external notification.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, any) error { return nil }

func eventForStatus(to Status) string {
	switch to {
	case StatusConfirmed:
		return EventAppointmentConfirmed
	case StatusRejected:
		return EventAppointmentRejected
	case StatusCancelled:
		return EventAppointmentCancelled
	case StatusCompleted:
		return EventAppointmentCompleted
	case StatusNoShow:
		return EventAppointmentNoShow
	}
	return ""
}
