package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careslot/careslot/internal/clock"
)

// Service applies status transitions and runs consultation sessions. All
// writes go through the compare-and-swap discipline of the repository, so two
// actors racing on the same appointment cannot both win.
type Service struct {
	repo  Repository
	pub   Publisher
	clock clock.Clock
	log   zerolog.Logger
}

func NewService(repo Repository, pub Publisher, clk clock.Clock, log zerolog.Logger) *Service {
	return &Service{repo: repo, pub: pub, clock: clk, log: log}
}

// Transition moves the appointment to the target status on behalf of the
// actor. The capability check and the CAS write together guarantee the table
// in the state machine is never violated, even under concurrent actors.
func (s *Service) Transition(ctx context.Context, actor Actor, id uuid.UUID, to Status, reason, notes *string) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	eventType := eventForStatus(to)

	if err := CanTransition(actor, appt, to, reason); err != nil {
		s.audit(ctx, actor, eventType, "denied", &id, map[string]any{
			"from":  string(appt.Status),
			"to":    string(to),
			"error": err.Error(),
		})
		return nil, err
	}

	patch := StatusPatch{At: s.clock.Now(), Reason: reason, Notes: notes}
	updated, err := s.repo.TransitionStatus(ctx, id, appt.Status, to, patch)
	if err != nil {
		s.audit(ctx, actor, eventType, "failure", &id, map[string]any{
			"from":  string(appt.Status),
			"to":    string(to),
			"error": err.Error(),
		})
		if errors.Is(err, ErrConcurrentModification) {
			return nil, err
		}
		return nil, fmt.Errorf("transition %s -> %s: %w", appt.Status, to, err)
	}

	s.audit(ctx, actor, eventType, "success", &id, map[string]any{
		"from": string(appt.Status),
		"to":   string(to),
	})
	s.publish(ctx, eventType, updated)

	return updated, nil
}

// StartConsultation opens the consultation session for a confirmed
// appointment. Only the appointment's doctor may start it, and only one
// session can be active at a time.
func (s *Service) StartConsultation(ctx context.Context, actor Actor, apptID uuid.UUID) (*ConsultationSession, error) {
	appt, err := s.repo.GetByID(ctx, apptID)
	if err != nil {
		return nil, err
	}
	if actor.Role != RoleDoctor || !appt.Participant(actor) {
		return nil, ErrNotParticipant
	}
	if appt.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: consultation requires a confirmed appointment, got %s", ErrInvalidTransition, appt.Status)
	}

	session, err := s.repo.CreateSession(ctx, apptID, s.clock.Now())
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actor, EventConsultationStarted, "success", &apptID, map[string]any{
		"session_id": session.ID.String(),
	})
	s.publish(ctx, EventConsultationStarted, appt)

	return session, nil
}

// EndConsultation closes the active session and completes the appointment
// through the state machine in one go.
func (s *Service) EndConsultation(ctx context.Context, actor Actor, apptID uuid.UUID, notes *string) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, apptID)
	if err != nil {
		return nil, err
	}
	if actor.Role != RoleDoctor || !appt.Participant(actor) {
		return nil, ErrNotParticipant
	}

	session, err := s.repo.GetActiveSession(ctx, apptID)
	if err != nil {
		return nil, err
	}

	// The appointment completes first; a lost transition race leaves the
	// session active and nothing is recorded as finished.
	updated, err := s.Transition(ctx, actor, apptID, StatusCompleted, nil, notes)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.FinishSession(ctx, session.ID, s.clock.Now(), notes); err != nil {
		return nil, fmt.Errorf("finish session: %w", err)
	}

	s.audit(ctx, actor, EventConsultationFinished, "success", &apptID, map[string]any{
		"session_id": session.ID.String(),
	})
	s.publish(ctx, EventConsultationFinished, updated)

	return updated, nil
}

// SendDueReminders is called by the reminder worker. It emits one reminder
// event per confirmed appointment starting within the lead window and marks
// it so the next run skips it.
func (s *Service) SendDueReminders(ctx context.Context, lead time.Duration) (int, error) {
	now := s.clock.Now()
	due, err := s.repo.FindUpcomingUnreminded(ctx, now, now.Add(lead))
	if err != nil {
		return 0, fmt.Errorf("find due reminders: %w", err)
	}

	sent := 0
	for _, appt := range due {
		if err := s.repo.MarkReminded(ctx, appt.ID, now); err != nil {
			s.log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("mark reminded failed")
			continue
		}
		s.publish(ctx, EventAppointmentReminder, &appt)
		s.audit(ctx, Actor{}, EventAppointmentReminder, "success", &appt.ID, nil)
		sent++
	}

	return sent, nil
}

func (s *Service) publish(ctx context.Context, eventType string, appt *Appointment) {
	ev := Event{
		Type:          eventType,
		AppointmentID: appt.ID,
		DoctorID:      appt.DoctorID,
		PatientID:     appt.PatientID,
		ScheduledAt:   appt.ScheduledAt,
		At:            s.clock.Now(),
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("publish event failed")
	}
}

func (s *Service) audit(ctx context.Context, actor Actor, eventType, outcome string, apptID *uuid.UUID, payload map[string]any) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			s.log.Error().Err(err).Str("event", eventType).Msg("marshal audit payload failed")
			data = nil
		}
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: apptID,
		Outcome:       outcome,
		Payload:       data,
		CreatedAt:     s.clock.Now(),
	}
	if actor.ID != uuid.Nil {
		id := actor.ID
		role := string(actor.Role)
		ev.ActorID = &id
		ev.ActorRole = &role
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("insert audit event failed")
	}
}
