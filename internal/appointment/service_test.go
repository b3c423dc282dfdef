package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careslot/careslot/internal/clock"
)

var testNow = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type serviceFixture struct {
	repo    *memRepo
	pub     *capturePublisher
	clock   *clock.Fixed
	svc     *Service
	doctor  *Doctor
	patient *Patient
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	repo := newMemRepo()
	pub := &capturePublisher{}
	clk := clock.FixedAt(testNow)
	return &serviceFixture{
		repo:    repo,
		pub:     pub,
		clock:   clk,
		svc:     NewService(repo, pub, clk, zerolog.Nop()),
		doctor:  repo.addDoctor(Doctor{Name: "Dr. Chen", Active: true}),
		patient: repo.addPatient(Patient{Name: "Ana Silva"}),
	}
}

func (f *serviceFixture) seedAppointment(status Status) *Appointment {
	return f.repo.addAppointment(Appointment{
		DoctorID:        f.doctor.ID,
		PatientID:       f.patient.ID,
		ScheduledAt:     testNow.Add(2 * time.Hour),
		DurationMinutes: 15,
		Type:            TypeTextConsultation,
		Status:          status,
	})
}

func (f *serviceFixture) asDoctor() Actor  { return Actor{ID: f.doctor.ID, Role: RoleDoctor} }
func (f *serviceFixture) asPatient() Actor { return Actor{ID: f.patient.ID, Role: RolePatient} }

func TestServiceTransitionConfirm(t *testing.T) {
	f := newServiceFixture(t)
	appt := f.seedAppointment(StatusPending)

	updated, err := f.svc.Transition(context.Background(), f.asDoctor(), appt.ID, StatusConfirmed, nil, nil)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if updated.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", updated.Status)
	}
	if updated.ConfirmedAt == nil || !updated.ConfirmedAt.Equal(testNow) {
		t.Errorf("ConfirmedAt = %v, want %v", updated.ConfirmedAt, testNow)
	}

	types := f.pub.types()
	if len(types) != 1 || types[0] != EventAppointmentConfirmed {
		t.Errorf("published events = %v, want [%s]", types, EventAppointmentConfirmed)
	}

	outcomes := f.repo.eventOutcomes()
	if len(outcomes) != 1 || outcomes[0] != [2]string{EventAppointmentConfirmed, "success"} {
		t.Errorf("audit log = %v, want one success entry", outcomes)
	}
}

func TestServiceTransitionCancelWithReason(t *testing.T) {
	f := newServiceFixture(t)
	appt := f.seedAppointment(StatusConfirmed)
	reason := "schedule conflict"

	updated, err := f.svc.Transition(context.Background(), f.asPatient(), appt.ID, StatusCancelled, &reason, nil)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if updated.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", updated.Status)
	}
	if updated.CancellationReason == nil || *updated.CancellationReason != reason {
		t.Errorf("CancellationReason = %v, want %q", updated.CancellationReason, reason)
	}
	if updated.CancelledAt == nil {
		t.Error("CancelledAt not set")
	}
}

func TestServiceTransitionDeniedLeavesStateUntouched(t *testing.T) {
	f := newServiceFixture(t)
	appt := f.seedAppointment(StatusPending)

	_, err := f.svc.Transition(context.Background(), f.asPatient(), appt.ID, StatusConfirmed, nil, nil)
	if !errors.Is(err, ErrActorNotAllowed) {
		t.Fatalf("got %v, want ErrActorNotAllowed", err)
	}

	stored, err := f.repo.GetByID(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != StatusPending {
		t.Errorf("status changed to %s after denied transition", stored.Status)
	}

	outcomes := f.repo.eventOutcomes()
	if len(outcomes) != 1 || outcomes[0][1] != "denied" {
		t.Errorf("audit log = %v, want one denied entry", outcomes)
	}
	if len(f.pub.types()) != 0 {
		t.Error("denied transition published an event")
	}
}

func TestServiceTransitionLosesRace(t *testing.T) {
	f := newServiceFixture(t)
	appt := f.seedAppointment(StatusPending)

	// A concurrent doctor call lands between the read and the write.
	reason := "patient asked first"
	f.repo.beforeTransition = func() {
		f.repo.beforeTransition = nil
		if _, err := f.svc.Transition(context.Background(), f.asDoctor(), appt.ID, StatusRejected, &reason, nil); err != nil {
			t.Errorf("interleaved transition: %v", err)
		}
	}

	_, err := f.svc.Transition(context.Background(), f.asDoctor(), appt.ID, StatusConfirmed, nil, nil)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("got %v, want ErrConcurrentModification", err)
	}

	stored, _ := f.repo.GetByID(context.Background(), appt.ID)
	if stored.Status != StatusRejected {
		t.Errorf("status = %s, want rejected (the race winner)", stored.Status)
	}
}

func TestServiceTransitionUnknownAppointment(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Transition(context.Background(), f.asDoctor(), uuid.New(), StatusConfirmed, nil, nil)
	if !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("got %v, want ErrAppointmentNotFound", err)
	}
}

func TestStartConsultation(t *testing.T) {
	f := newServiceFixture(t)
	appt := f.seedAppointment(StatusConfirmed)

	session, err := f.svc.StartConsultation(context.Background(), f.asDoctor(), appt.ID)
	if err != nil {
		t.Fatalf("StartConsultation: %v", err)
	}
	if session.Status != SessionActive {
		t.Errorf("session status = %s, want active", session.Status)
	}
	if session.AppointmentID != appt.ID {
		t.Errorf("session appointment = %v, want %v", session.AppointmentID, appt.ID)
	}

	// Second start on the same appointment fails.
	if _, err := f.svc.StartConsultation(context.Background(), f.asDoctor(), appt.ID); !errors.Is(err, ErrSessionAlreadyOpen) {
		t.Errorf("second start: got %v, want ErrSessionAlreadyOpen", err)
	}
}

func TestStartConsultationGuards(t *testing.T) {
	f := newServiceFixture(t)

	pending := f.seedAppointment(StatusPending)
	if _, err := f.svc.StartConsultation(context.Background(), f.asDoctor(), pending.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending appointment: got %v, want ErrInvalidTransition", err)
	}

	confirmed := f.seedAppointment(StatusConfirmed)
	if _, err := f.svc.StartConsultation(context.Background(), f.asPatient(), confirmed.ID); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("patient actor: got %v, want ErrNotParticipant", err)
	}
	stranger := Actor{ID: uuid.New(), Role: RoleDoctor}
	if _, err := f.svc.StartConsultation(context.Background(), stranger, confirmed.ID); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("other doctor: got %v, want ErrNotParticipant", err)
	}
}

func TestEndConsultationCompletesAppointment(t *testing.T) {
	f := newServiceFixture(t)
	appt := f.seedAppointment(StatusConfirmed)

	if _, err := f.svc.StartConsultation(context.Background(), f.asDoctor(), appt.ID); err != nil {
		t.Fatalf("StartConsultation: %v", err)
	}

	f.clock.Advance(20 * time.Minute)
	notes := "prescribed rest, follow up in two weeks"

	updated, err := f.svc.EndConsultation(context.Background(), f.asDoctor(), appt.ID, &notes)
	if err != nil {
		t.Fatalf("EndConsultation: %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", updated.Status)
	}
	if updated.ClosingNotes == nil || *updated.ClosingNotes != notes {
		t.Errorf("ClosingNotes = %v, want %q", updated.ClosingNotes, notes)
	}

	session, err := f.repo.GetActiveSession(context.Background(), appt.ID)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("active session after end: got %v, %v; want ErrSessionNotFound", session, err)
	}
}

func TestEndConsultationLosesRaceKeepsSessionOpen(t *testing.T) {
	f := newServiceFixture(t)
	appt := f.seedAppointment(StatusConfirmed)

	if _, err := f.svc.StartConsultation(context.Background(), f.asDoctor(), appt.ID); err != nil {
		t.Fatalf("StartConsultation: %v", err)
	}

	// The patient cancels between the read and the completion write.
	reason := "family emergency"
	f.repo.beforeTransition = func() {
		f.repo.beforeTransition = nil
		if _, err := f.svc.Transition(context.Background(), f.asPatient(), appt.ID, StatusCancelled, &reason, nil); err != nil {
			t.Errorf("interleaved cancel: %v", err)
		}
	}

	_, err := f.svc.EndConsultation(context.Background(), f.asDoctor(), appt.ID, nil)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("got %v, want ErrConcurrentModification", err)
	}

	// The session stays open and nothing claims the consultation finished.
	if _, err := f.repo.GetActiveSession(context.Background(), appt.ID); err != nil {
		t.Errorf("active session after lost race: %v", err)
	}
	for _, ev := range f.repo.eventOutcomes() {
		if ev[0] == EventConsultationFinished {
			t.Errorf("audit entry %v recorded for an unfinished consultation", ev)
		}
	}
	for _, typ := range f.pub.types() {
		if typ == EventConsultationFinished {
			t.Error("consultation finished event published for an unfinished consultation")
		}
	}
}

func TestEndConsultationWithoutSession(t *testing.T) {
	f := newServiceFixture(t)
	appt := f.seedAppointment(StatusConfirmed)

	_, err := f.svc.EndConsultation(context.Background(), f.asDoctor(), appt.ID, nil)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func TestSendDueReminders(t *testing.T) {
	f := newServiceFixture(t)

	dueSoon := f.repo.addAppointment(Appointment{
		DoctorID: f.doctor.ID, PatientID: f.patient.ID,
		ScheduledAt: testNow.Add(3 * time.Hour), DurationMinutes: 15,
		Type: TypeTextConsultation, Status: StatusConfirmed,
	})
	f.repo.addAppointment(Appointment{
		DoctorID: f.doctor.ID, PatientID: f.patient.ID,
		ScheduledAt: testNow.Add(48 * time.Hour), DurationMinutes: 15,
		Type: TypeTextConsultation, Status: StatusConfirmed,
	})
	f.repo.addAppointment(Appointment{
		DoctorID: f.doctor.ID, PatientID: f.patient.ID,
		ScheduledAt: testNow.Add(4 * time.Hour), DurationMinutes: 15,
		Type: TypeTextConsultation, Status: StatusPending, // unconfirmed, no reminder
	})

	sent, err := f.svc.SendDueReminders(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("SendDueReminders: %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}

	stored, _ := f.repo.GetByID(context.Background(), dueSoon.ID)
	if stored.RemindedAt == nil {
		t.Error("RemindedAt not set on reminded appointment")
	}

	types := f.pub.types()
	if len(types) != 1 || types[0] != EventAppointmentReminder {
		t.Errorf("published events = %v, want [%s]", types, EventAppointmentReminder)
	}

	// Second run finds nothing new.
	sent, err = f.svc.SendDueReminders(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("SendDueReminders second run: %v", err)
	}
	if sent != 0 {
		t.Errorf("second run sent = %d, want 0", sent)
	}
}
