package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careslot/careslot/internal/appointment"
	"github.com/careslot/careslot/internal/availability"
	"github.com/careslot/careslot/internal/clock"
	redisclient "github.com/careslot/careslot/internal/redis"
)

var (
	ErrDoctorInactive       = errors.New("doctor is not accepting bookings")
	ErrInvalidSchedule      = errors.New("scheduled time must be in the future")
	ErrSlotUnavailable      = errors.New("requested slot is not available")
	ErrPatientAlreadyBooked = errors.New("patient already has an overlapping appointment")
	ErrPaymentRequired      = errors.New("prepayment required for this consultation type")
	ErrDeadlockExhausted    = errors.New("booking failed after retries, please try again")
	ErrNotRequestingPatient = errors.New("only the appointment's patient may reschedule")
	ErrInvalidType          = errors.New("unknown consultation type")
)

// Request is a booking attempt as it arrives from the API layer.
type Request struct {
	DoctorID    uuid.UUID
	PatientID   uuid.UUID
	ScheduledAt time.Time
	Type        appointment.Type
	Reason      *string
	Price       *int64
	PaymentRef  *string
}

// Coordinator is the single path through which appointments come into
// existence or move. It re-validates slot availability against live
// appointment state and commits atomically, retrying the whole
// validate-and-commit sequence on transient storage contention.
type Coordinator struct {
	repo       appointment.Repository
	slots      *availability.Generator
	locker     redisclient.Locker
	pub        appointment.Publisher
	clock      clock.Clock
	log        zerolog.Logger
	retries    int
	backoffMin time.Duration
	backoffMax time.Duration
}

type Options struct {
	Retries    int           // attempts before surfacing ErrDeadlockExhausted
	BackoffMin time.Duration // randomized sleep between attempts, lower bound
	BackoffMax time.Duration // randomized sleep between attempts, upper bound
}

func NewCoordinator(repo appointment.Repository, slots *availability.Generator, locker redisclient.Locker, pub appointment.Publisher, clk clock.Clock, log zerolog.Logger, opts Options) *Coordinator {
	if opts.Retries < 1 {
		opts.Retries = 3
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 10 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = 50 * time.Millisecond
	}
	return &Coordinator{
		repo:       repo,
		slots:      slots,
		locker:     locker,
		pub:        pub,
		clock:      clk,
		log:        log,
		retries:    opts.Retries,
		backoffMin: opts.BackoffMin,
		backoffMax: opts.BackoffMax,
	}
}

// Book creates a new appointment in status pending. Of N concurrent calls
// targeting the same doctor and overlapping interval, exactly one succeeds;
// the others fail with ErrSlotUnavailable.
func (c *Coordinator) Book(ctx context.Context, req Request) (*appointment.Appointment, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}

	doctor, err := c.repo.GetDoctorByID(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}
	if !doctor.Active {
		c.auditBooking(ctx, req, "denied", nil, ErrDoctorInactive)
		return nil, ErrDoctorInactive
	}

	if _, err := c.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		return nil, err
	}

	if !req.ScheduledAt.After(c.clock.Now()) {
		return nil, ErrInvalidSchedule
	}

	appt := &appointment.Appointment{
		DoctorID:        req.DoctorID,
		PatientID:       req.PatientID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: int(req.Type.Duration() / time.Minute),
		Type:            req.Type,
		Status:          appointment.StatusPending,
		Reason:          req.Reason,
		Price:           req.Price,
		PaymentRef:      req.PaymentRef,
	}

	var created *appointment.Appointment
	err = c.commitWithRetry(ctx, req.DoctorID, req.ScheduledAt, func(ctx context.Context) error {
		// The entire validate-and-commit sequence reruns on every attempt:
		// availability can change between retries.
		if err := c.validateSlot(ctx, req.DoctorID, req.PatientID, appt.Interval(), uuid.Nil); err != nil {
			return err
		}
		// Prepayment is the last precondition: a request that also fails
		// on availability reports the availability error.
		if doctor.RequiresPrepayment(req.Type) && req.PaymentRef == nil {
			return ErrPaymentRequired
		}
		a, err := c.repo.CreateBooked(ctx, appt)
		if err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		outcome := "failure"
		if errors.Is(err, ErrPaymentRequired) {
			outcome = "denied"
		}
		c.auditBooking(ctx, req, outcome, nil, err)
		return nil, err
	}

	c.auditBooking(ctx, req, "success", created, nil)
	c.publish(ctx, appointment.EventAppointmentBooked, created)

	c.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("doctor_id", created.DoctorID.String()).
		Time("scheduled_at", created.ScheduledAt).
		Msg("appointment booked")

	return created, nil
}

// Reschedule moves a live appointment to a new time on behalf of its patient,
// re-running the schedule, slot and patient-overlap checks and committing
// under the same retry discipline. The appointment keeps its identity and
// history.
func (c *Coordinator) Reschedule(ctx context.Context, actor appointment.Actor, apptID uuid.UUID, newAt time.Time) (*appointment.Appointment, error) {
	appt, err := c.repo.GetByID(ctx, apptID)
	if err != nil {
		return nil, err
	}
	if actor.Role != appointment.RolePatient || actor.ID != appt.PatientID {
		return nil, ErrNotRequestingPatient
	}
	if !appt.Status.Live() {
		return nil, fmt.Errorf("%w: cannot reschedule a %s appointment", appointment.ErrInvalidTransition, appt.Status)
	}

	if !newAt.After(c.clock.Now()) {
		return nil, ErrInvalidSchedule
	}

	newIv := availability.Interval{Start: newAt, End: newAt.Add(appt.Duration())}

	var updated *appointment.Appointment
	err = c.commitWithRetry(ctx, appt.DoctorID, newAt, func(ctx context.Context) error {
		if err := c.validateSlot(ctx, appt.DoctorID, appt.PatientID, newIv, apptID); err != nil {
			return err
		}
		a, err := c.repo.UpdateSchedule(ctx, apptID, appt.ScheduledAt, newAt)
		if err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		c.audit(ctx, appointment.EventAppointmentRescheduled, "failure", &apptID, map[string]any{
			"new_scheduled_at": newAt,
			"error":            err.Error(),
		})
		return nil, err
	}

	c.audit(ctx, appointment.EventAppointmentRescheduled, "success", &apptID, map[string]any{
		"old_scheduled_at": appt.ScheduledAt,
		"new_scheduled_at": newAt,
	})
	c.publish(ctx, appointment.EventAppointmentRescheduled, updated)

	return updated, nil
}

// validateSlot checks that the target instant starts a generated available
// slot and that the patient is free across all doctors.
func (c *Coordinator) validateSlot(ctx context.Context, doctorID, patientID uuid.UUID, iv availability.Interval, exclude uuid.UUID) error {
	ok, err := c.slots.Bookable(ctx, doctorID, iv.Start)
	if err != nil {
		if errors.Is(err, availability.ErrInvalidRange) {
			return ErrSlotUnavailable
		}
		return fmt.Errorf("check slot availability: %w", err)
	}
	if !ok {
		return ErrSlotUnavailable
	}

	busy, err := c.repo.PatientOverlaps(ctx, patientID, iv, exclude)
	if err != nil {
		return fmt.Errorf("check patient overlap: %w", err)
	}
	if busy {
		return ErrPatientAlreadyBooked
	}
	return nil
}

// commitWithRetry wraps the critical section in the per-(doctor, day) lock and
// retries on the repository's transient-contention classification with a small
// randomized backoff. Conflict rejections are terminal and translate to
// ErrSlotUnavailable.
func (c *Coordinator) commitWithRetry(ctx context.Context, doctorID uuid.UUID, at time.Time, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		err := c.locker.WithDoctorDayLock(ctx, doctorID, at, fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, appointment.ErrTxContention):
			lastErr = err
			c.log.Warn().
				Int("attempt", attempt).
				Str("doctor_id", doctorID.String()).
				Msg("booking transaction contention, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff()):
			}
		case errors.Is(err, appointment.ErrSlotTaken):
			return ErrSlotUnavailable
		default:
			return err
		}
	}
	c.log.Error().Err(lastErr).Str("doctor_id", doctorID.String()).Msg("booking retries exhausted")
	return ErrDeadlockExhausted
}

func (c *Coordinator) backoff() time.Duration {
	spread := c.backoffMax - c.backoffMin
	if spread <= 0 {
		return c.backoffMin
	}
	return c.backoffMin + time.Duration(rand.Int63n(int64(spread)))
}

func (c *Coordinator) publish(ctx context.Context, eventType string, appt *appointment.Appointment) {
	ev := appointment.Event{
		Type:          eventType,
		AppointmentID: appt.ID,
		DoctorID:      appt.DoctorID,
		PatientID:     appt.PatientID,
		ScheduledAt:   appt.ScheduledAt,
		At:            c.clock.Now(),
	}
	if err := c.pub.Publish(ctx, ev); err != nil {
		c.log.Error().Err(err).Str("event", eventType).Msg("publish event failed")
	}
}

func (c *Coordinator) auditBooking(ctx context.Context, req Request, outcome string, created *appointment.Appointment, cause error) {
	payload := map[string]any{
		"doctor_id":    req.DoctorID.String(),
		"scheduled_at": req.ScheduledAt,
		"type":         string(req.Type),
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}

	var apptID *uuid.UUID
	if created != nil {
		apptID = &created.ID
	}
	c.auditAs(ctx, appointment.Actor{ID: req.PatientID, Role: appointment.RolePatient}, appointment.EventAppointmentBooked, outcome, apptID, payload)
}

func (c *Coordinator) audit(ctx context.Context, eventType, outcome string, apptID *uuid.UUID, payload map[string]any) {
	c.auditAs(ctx, appointment.Actor{}, eventType, outcome, apptID, payload)
}

func (c *Coordinator) auditAs(ctx context.Context, actor appointment.Actor, eventType, outcome string, apptID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", eventType).Msg("marshal audit payload failed")
		data = nil
	}

	ev := appointment.EventLog{
		EventType:     eventType,
		AppointmentID: apptID,
		Outcome:       outcome,
		Payload:       data,
		CreatedAt:     c.clock.Now(),
	}
	if actor.ID != uuid.Nil {
		id := actor.ID
		role := string(actor.Role)
		ev.ActorID = &id
		ev.ActorRole = &role
	}

	if err := c.repo.InsertEvent(ctx, ev); err != nil {
		c.log.Error().Err(err).Str("event", eventType).Msg("insert audit event failed")
	}
}
