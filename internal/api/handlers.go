package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/careslot/careslot/internal/appointment"
	"github.com/careslot/careslot/internal/availability"
	"github.com/careslot/careslot/internal/booking"
)

// Handlers bundles the services behind the REST surface.
type Handlers struct {
	coordinator *booking.Coordinator
	appts       *appointment.Service
	queries     *appointment.QueryService
	calendar    *availability.Calendar
	slots       *availability.Generator
	validate    *validator.Validate
}

func NewHandlers(coordinator *booking.Coordinator, appts *appointment.Service, queries *appointment.QueryService, calendar *availability.Calendar, slots *availability.Generator) *Handlers {
	return &Handlers{
		coordinator: coordinator,
		appts:       appts,
		queries:     queries,
		calendar:    calendar,
		slots:       slots,
		validate:    validator.New(),
	}
}

func (h *Handlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return false
	}
	return true
}

func requireActor(w http.ResponseWriter, r *http.Request) (appointment.Actor, bool) {
	actor, ok := actorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_actor", "authenticated caller identity is required")
	}
	return actor, ok
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// POST /appointments

func (h *Handlers) BookAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if actor.Role != appointment.RolePatient {
		writeError(w, http.StatusForbidden, "patients_only", "only patients may book appointments")
		return
	}

	var req BookAppointmentRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_doctor_id", "doctor_id must be a valid UUID")
		return
	}
	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_scheduled_at", "scheduled_at must be ISO-8601")
		return
	}

	appt, err := h.coordinator.Book(r.Context(), booking.Request{
		DoctorID:    doctorID,
		PatientID:   actor.ID,
		ScheduledAt: scheduledAt,
		Type:        appointment.Type(req.Type),
		Reason:      req.Reason,
		Price:       req.Price,
		PaymentRef:  req.PaymentRef,
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

// GET /appointments

func (h *Handlers) ListAppointments(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	f := appointment.SearchFilter{Actor: actor}
	q := r.URL.Query()

	if s := q.Get("status"); s != "" {
		status := appointment.Status(s)
		f.Status = &status
	}
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_from", "from must be ISO-8601")
			return
		}
		f.From = &t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_to", "to must be ISO-8601")
			return
		}
		f.To = &t
	}
	f.ReasonQuery = q.Get("q")
	f.Limit = intQuery(q.Get("limit"), 20)
	f.Offset = intQuery(q.Get("offset"), 0)

	details, total, err := h.queries.List(r.Context(), f)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	items := make([]AppointmentResponse, 0, len(details))
	for _, d := range details {
		items = append(items, toDetailResponse(d))
	}
	writeJSON(w, http.StatusOK, PageResponse{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// GET /appointments/{id}

func (h *Handlers) GetAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	appt, err := h.queries.Get(r.Context(), actor, id)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// GET /appointments/stats

func (h *Handlers) AppointmentStats(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	stats, err := h.queries.Stats(r.Context(), actor)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /appointments/today

func (h *Handlers) AppointmentsToday(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	details, err := h.queries.Today(r.Context(), actor)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	items := make([]AppointmentResponse, 0, len(details))
	for _, d := range details {
		items = append(items, toDetailResponse(d))
	}
	writeJSON(w, http.StatusOK, items)
}

// Status transitions

func (h *Handlers) transitionHandler(to appointment.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var req TransitionRequest
		if r.ContentLength > 0 {
			if !h.decodeAndValidate(w, r, &req) {
				return
			}
		}

		appt, err := h.appts.Transition(r.Context(), actor, id, to, req.Reason, req.Notes)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// POST /appointments/{id}/reschedule

func (h *Handlers) RescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	var req RescheduleRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	newAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_scheduled_at", "scheduled_at must be ISO-8601")
		return
	}

	appt, err := h.coordinator.Reschedule(r.Context(), actor, id, newAt)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// POST /appointments/{id}/start

func (h *Handlers) StartConsultation(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	session, err := h.appts.StartConsultation(r.Context(), actor, id)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		ID:            session.ID,
		AppointmentID: session.AppointmentID,
		Status:        string(session.Status),
		StartedAt:     session.StartedAt,
		EndedAt:       session.EndedAt,
	})
}

// POST /appointments/{id}/end

func (h *Handlers) EndConsultation(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	var req TransitionRequest
	if r.ContentLength > 0 {
		if !h.decodeAndValidate(w, r, &req) {
			return
		}
	}

	appt, err := h.appts.EndConsultation(r.Context(), actor, id, req.Notes)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func intQuery(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// handleDomainError maps the error taxonomy onto HTTP codes. Transient
// storage errors never reach here; the coordinator retries them internally
// and surfaces only the terminal classification.
func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrDoctorNotFound),
		errors.Is(err, appointment.ErrPatientNotFound),
		errors.Is(err, appointment.ErrAppointmentNotFound),
		errors.Is(err, availability.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())

	case errors.Is(err, appointment.ErrNotParticipant),
		errors.Is(err, appointment.ErrActorNotAllowed),
		errors.Is(err, booking.ErrNotRequestingPatient):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())

	case errors.Is(err, booking.ErrPaymentRequired):
		writeError(w, http.StatusPaymentRequired, "payment_required", err.Error())

	case errors.Is(err, booking.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, booking.ErrDeadlockExhausted):
		writeError(w, http.StatusConflict, "booking_conflict", err.Error())
	case errors.Is(err, booking.ErrPatientAlreadyBooked):
		writeError(w, http.StatusConflict, "patient_already_booked", err.Error())
	case errors.Is(err, booking.ErrDoctorInactive):
		writeError(w, http.StatusConflict, "doctor_inactive", err.Error())
	case errors.Is(err, appointment.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "concurrent_modification", err.Error())

	case errors.Is(err, appointment.ErrInvalidTransition),
		errors.Is(err, appointment.ErrReasonRequired),
		errors.Is(err, appointment.ErrSessionNotFound),
		errors.Is(err, appointment.ErrSessionAlreadyOpen),
		errors.Is(err, booking.ErrInvalidSchedule),
		errors.Is(err, booking.ErrInvalidType),
		errors.Is(err, availability.ErrInvalidRule),
		errors.Is(err, availability.ErrInvalidRange):
		writeError(w, http.StatusUnprocessableEntity, "unprocessable", err.Error())

	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
