package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/careslot/careslot/internal/appointment"
	"github.com/careslot/careslot/internal/availability"
)

type BookAppointmentRequest struct {
	DoctorID    string  `json:"doctor_id" validate:"required,uuid"`
	ScheduledAt string  `json:"scheduled_at" validate:"required"` // ISO-8601, future
	Type        string  `json:"type" validate:"required,oneof=text_consultation video_call phone_call"`
	Reason      *string `json:"reason,omitempty" validate:"omitempty,max=1000"`
	Price       *int64  `json:"price,omitempty" validate:"omitempty,gte=0"`
	PaymentRef  *string `json:"payment_ref,omitempty"`
}

type RescheduleRequest struct {
	ScheduledAt string `json:"scheduled_at" validate:"required"`
}

type TransitionRequest struct {
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=1000"`
	Notes  *string `json:"notes,omitempty" validate:"omitempty,max=4000"`
}

type SetAvailabilityRequest struct {
	DayOfWeek   int     `json:"day_of_week" validate:"gte=0,lte=6"`
	Start       string  `json:"start_time" validate:"required"`
	End         string  `json:"end_time" validate:"required"`
	BreakStart  *string `json:"break_start,omitempty"`
	BreakEnd    *string `json:"break_end,omitempty"`
	SlotMinutes int     `json:"slot_duration_minutes" validate:"required,gte=15,lte=240"`
	MaxPerDay   int     `json:"max_appointments_per_day" validate:"required,gte=1"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"id"`
	DoctorID           uuid.UUID  `json:"doctor_id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	ScheduledAt        time.Time  `json:"scheduled_at"`
	DurationMinutes    int        `json:"duration_minutes"`
	Type               string     `json:"type"`
	Status             string     `json:"status"`
	Reason             *string    `json:"reason,omitempty"`
	Price              *int64     `json:"price,omitempty"`
	ConfirmedAt        *time.Time `json:"confirmed_at,omitempty"`
	RejectedAt         *time.Time `json:"rejected_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	RejectionReason    *string    `json:"rejection_reason,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	ClosingNotes       *string    `json:"closing_notes,omitempty"`
	DoctorName         string     `json:"doctor_name,omitempty"`
	PatientName        string     `json:"patient_name,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		DoctorID:           a.DoctorID,
		PatientID:          a.PatientID,
		ScheduledAt:        a.ScheduledAt,
		DurationMinutes:    a.DurationMinutes,
		Type:               string(a.Type),
		Status:             string(a.Status),
		Reason:             a.Reason,
		Price:              a.Price,
		ConfirmedAt:        a.ConfirmedAt,
		RejectedAt:         a.RejectedAt,
		CancelledAt:        a.CancelledAt,
		CompletedAt:        a.CompletedAt,
		RejectionReason:    a.RejectionReason,
		CancellationReason: a.CancellationReason,
		ClosingNotes:       a.ClosingNotes,
		CreatedAt:          a.CreatedAt,
	}
}

func toDetailResponse(d appointment.Detail) AppointmentResponse {
	resp := toAppointmentResponse(&d.Appointment)
	resp.DoctorName = d.DoctorName
	resp.PatientName = d.PatientName
	return resp
}

type PageResponse struct {
	Items  []AppointmentResponse `json:"items"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type SlotResponse struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"duration_minutes"`
}

func toSlotResponses(slots []availability.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotResponse{
			Start:           s.Start,
			End:             s.End,
			DurationMinutes: int(s.Duration.Minutes()),
		})
	}
	return out
}

type RuleResponse struct {
	ID          uuid.UUID `json:"id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	DayOfWeek   int       `json:"day_of_week"`
	Start       string    `json:"start_time"`
	End         string    `json:"end_time"`
	BreakStart  *string   `json:"break_start,omitempty"`
	BreakEnd    *string   `json:"break_end,omitempty"`
	SlotMinutes int       `json:"slot_duration_minutes"`
	MaxPerDay   int       `json:"max_appointments_per_day"`
	Active      bool      `json:"active"`
}

func toRuleResponse(r availability.Rule) RuleResponse {
	resp := RuleResponse{
		ID:          r.ID,
		DoctorID:    r.DoctorID,
		DayOfWeek:   int(r.Weekday),
		Start:       r.Start.String(),
		End:         r.End.String(),
		SlotMinutes: r.SlotMinutes,
		MaxPerDay:   r.MaxPerDay,
		Active:      r.Active,
	}
	if r.BreakStart != nil {
		s := r.BreakStart.String()
		resp.BreakStart = &s
	}
	if r.BreakEnd != nil {
		s := r.BreakEnd.String()
		resp.BreakEnd = &s
	}
	return resp
}

type SessionResponse struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
