package appointment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careslot/careslot/internal/availability"
)

// memRepo is an in-memory Repository used by the service and query tests.
// All methods take the mutex so concurrent callers behave like they would
// against the real store.
type memRepo struct {
	mu       sync.Mutex
	doctors  map[uuid.UUID]*Doctor
	patients map[uuid.UUID]*Patient
	appts    map[uuid.UUID]*Appointment
	sessions map[uuid.UUID]*ConsultationSession
	events   []EventLog

	// beforeTransition runs inside TransitionStatus before the CAS check,
	// letting tests interleave a concurrent writer.
	beforeTransition func()
}

func newMemRepo() *memRepo {
	return &memRepo{
		doctors:  make(map[uuid.UUID]*Doctor),
		patients: make(map[uuid.UUID]*Patient),
		appts:    make(map[uuid.UUID]*Appointment),
		sessions: make(map[uuid.UUID]*ConsultationSession),
	}
}

func (m *memRepo) addDoctor(d Doctor) *Doctor {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	m.doctors[d.ID] = &d
	return &d
}

func (m *memRepo) addPatient(p Patient) *Patient {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.patients[p.ID] = &p
	return &p
}

func (m *memRepo) addAppointment(a Appointment) *Appointment {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.appts[a.ID] = &a
	return &a
}

func (m *memRepo) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memRepo) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memRepo) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memRepo) ActiveIntervals(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]availability.Interval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	window := availability.Interval{Start: from, End: to}
	var out []availability.Interval
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Status.Live() && a.Interval().Overlaps(window) {
			out = append(out, a.Interval())
		}
	}
	return out, nil
}

func (m *memRepo) PatientOverlaps(ctx context.Context, patientID uuid.UUID, iv availability.Interval, exclude uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appts {
		if a.ID == exclude {
			continue
		}
		if a.PatientID == patientID && a.Status.Live() && a.Interval().Overlaps(iv) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) CreateBooked(ctx context.Context, appt *Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iv := appt.Interval()
	for _, a := range m.appts {
		if a.DoctorID == appt.DoctorID && a.Status.Live() && a.Interval().Overlaps(iv) {
			return nil, ErrSlotTaken
		}
	}
	cp := *appt
	cp.ID = uuid.New()
	cp.Status = StatusPending
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.appts[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memRepo) UpdateSchedule(ctx context.Context, id uuid.UUID, expectFrom time.Time, newAt time.Time) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if !a.ScheduledAt.Equal(expectFrom) {
		return nil, ErrConcurrentModification
	}
	iv := availability.Interval{Start: newAt, End: newAt.Add(a.Duration())}
	for _, other := range m.appts {
		if other.ID == id {
			continue
		}
		if other.DoctorID == a.DoctorID && other.Status.Live() && other.Interval().Overlaps(iv) {
			return nil, ErrSlotTaken
		}
	}
	a.ScheduledAt = newAt
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (m *memRepo) TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status, patch StatusPatch) (*Appointment, error) {
	if m.beforeTransition != nil {
		m.beforeTransition()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrConcurrentModification
	}
	a.Status = to
	switch to {
	case StatusConfirmed:
		a.ConfirmedAt = &patch.At
	case StatusRejected:
		a.RejectedAt = &patch.At
		a.RejectionReason = patch.Reason
	case StatusCancelled:
		a.CancelledAt = &patch.At
		a.CancellationReason = patch.Reason
	case StatusCompleted:
		a.CompletedAt = &patch.At
		a.ClosingNotes = patch.Notes
	}
	a.UpdatedAt = patch.At
	cp := *a
	return &cp, nil
}

func (m *memRepo) CreateSession(ctx context.Context, apptID uuid.UUID, startedAt time.Time) (*ConsultationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.AppointmentID == apptID && s.Status == SessionActive {
			return nil, ErrSessionAlreadyOpen
		}
	}
	s := &ConsultationSession{
		ID:            uuid.New(),
		AppointmentID: apptID,
		Status:        SessionActive,
		StartedAt:     startedAt,
	}
	m.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (m *memRepo) GetActiveSession(ctx context.Context, apptID uuid.UUID) (*ConsultationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.AppointmentID == apptID && s.Status == SessionActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *memRepo) FinishSession(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, notes *string) (*ConsultationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.Status = SessionFinished
	s.EndedAt = &endedAt
	s.Notes = notes
	cp := *s
	return &cp, nil
}

func (m *memRepo) Search(ctx context.Context, f SearchFilter) ([]Detail, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*Appointment
	for _, a := range m.appts {
		if !a.Participant(f.Actor) {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.From != nil && a.ScheduledAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !a.ScheduledAt.Before(*f.To) {
			continue
		}
		if f.ReasonQuery != "" {
			if a.Reason == nil || !strings.Contains(strings.ToLower(*a.Reason), strings.ToLower(f.ReasonQuery)) {
				continue
			}
		}
		matched = append(matched, a)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ScheduledAt.Before(matched[j].ScheduledAt)
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]Detail, 0, len(matched))
	for _, a := range matched {
		out = append(out, m.detail(a))
	}
	return out, total, nil
}

func (m *memRepo) detail(a *Appointment) Detail {
	d := Detail{Appointment: *a}
	if doc, ok := m.doctors[a.DoctorID]; ok {
		d.DoctorName = doc.Name
	}
	if p, ok := m.patients[a.PatientID]; ok {
		d.PatientName = p.Name
	}
	return d
}

func (m *memRepo) CountByStatus(ctx context.Context, actor Actor) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Status]int)
	for _, a := range m.appts {
		if a.Participant(actor) {
			counts[a.Status]++
		}
	}
	return counts, nil
}

func (m *memRepo) CountBetween(ctx context.Context, actor Actor, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appts {
		if a.Participant(actor) && !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) ListBetween(ctx context.Context, actor Actor, from, to time.Time) ([]Detail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Detail
	for _, a := range m.appts {
		if a.Participant(actor) && !a.ScheduledAt.Before(from) && a.ScheduledAt.Before(to) {
			out = append(out, m.detail(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}

func (m *memRepo) FindUpcomingUnreminded(ctx context.Context, from, until time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.Status == StatusConfirmed && a.RemindedAt == nil &&
			!a.ScheduledAt.Before(from) && a.ScheduledAt.Before(until) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memRepo) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.RemindedAt = &at
	return nil
}

func (m *memRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// eventOutcomes returns the recorded (event_type, outcome) pairs in order.
func (m *memRepo) eventOutcomes() [][2]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][2]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, [2]string{ev.EventType, ev.Outcome})
	}
	return out
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(ctx context.Context, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := event.(Event); ok {
		p.events = append(p.events, ev)
	}
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}
