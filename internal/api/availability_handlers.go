package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/careslot/careslot/internal/appointment"
	"github.com/careslot/careslot/internal/availability"
)

func doctorID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// requireDoctorSelf ensures the caller is the doctor whose calendar is being
// modified.
func requireDoctorSelf(w http.ResponseWriter, r *http.Request, id uuid.UUID) (appointment.Actor, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return appointment.Actor{}, false
	}
	if actor.Role != appointment.RoleDoctor || actor.ID != id {
		writeError(w, http.StatusForbidden, "forbidden", "only the doctor may manage their own availability")
		return appointment.Actor{}, false
	}
	return actor, true
}

// PUT /doctors/{id}/availability

func (h *Handlers) SetAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := doctorID(w, r)
	if !ok {
		return
	}
	if _, ok := requireDoctorSelf(w, r, id); !ok {
		return
	}

	var req SetAvailabilityRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	rule, err := ruleFromRequest(req)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	saved, err := h.calendar.SetRule(r.Context(), id, *rule)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleResponse(*saved))
}

func ruleFromRequest(req SetAvailabilityRequest) (*availability.Rule, error) {
	start, err := availability.ParseTimeOfDay(req.Start)
	if err != nil {
		return nil, err
	}
	end, err := availability.ParseTimeOfDay(req.End)
	if err != nil {
		return nil, err
	}

	rule := availability.Rule{
		Weekday:     time.Weekday(req.DayOfWeek),
		Start:       start,
		End:         end,
		SlotMinutes: req.SlotMinutes,
		MaxPerDay:   req.MaxPerDay,
	}

	if req.BreakStart != nil {
		bs, err := availability.ParseTimeOfDay(*req.BreakStart)
		if err != nil {
			return nil, err
		}
		rule.BreakStart = &bs
	}
	if req.BreakEnd != nil {
		be, err := availability.ParseTimeOfDay(*req.BreakEnd)
		if err != nil {
			return nil, err
		}
		rule.BreakEnd = &be
	}

	return &rule, nil
}

// GET /doctors/{id}/availability

func (h *Handlers) ListAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := doctorID(w, r)
	if !ok {
		return
	}

	rules, err := h.calendar.ListRules(r.Context(), id)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	out := make([]RuleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

// DELETE /doctors/{id}/availability/{ruleID}

func (h *Handlers) DeactivateAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := doctorID(w, r)
	if !ok {
		return
	}
	if _, ok := requireDoctorSelf(w, r, id); !ok {
		return
	}

	ruleID, err := uuid.Parse(chi.URLParam(r, "ruleID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_rule_id", "ruleID must be a valid UUID")
		return
	}

	if err := h.calendar.Deactivate(r.Context(), ruleID); err != nil {
		handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /doctors/{id}/available-slots?date=YYYY-MM-DD or ?from=...&to=...

func (h *Handlers) AvailableSlots(w http.ResponseWriter, r *http.Request) {
	id, ok := doctorID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var from, to time.Time

	switch {
	case q.Get("date") != "":
		day, err := time.Parse("2006-01-02", q.Get("date"))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		from, to = day, day
	case q.Get("from") != "" && q.Get("to") != "":
		var err error
		from, err = time.Parse("2006-01-02", q.Get("from"))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_from", "from must be YYYY-MM-DD")
			return
		}
		to, err = time.Parse("2006-01-02", q.Get("to"))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_to", "to must be YYYY-MM-DD")
			return
		}
	default:
		writeError(w, http.StatusUnprocessableEntity, "missing_range", "provide date=YYYY-MM-DD or from and to")
		return
	}

	// 404 for unknown doctors, per the read API contract.
	if _, err := h.queries.GetDoctor(r.Context(), id); err != nil {
		handleDomainError(w, err)
		return
	}

	slots, err := h.slots.AvailableSlots(r.Context(), id, from, to)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}
