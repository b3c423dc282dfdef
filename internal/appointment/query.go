package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/careslot/careslot/internal/clock"
)

// QueryService is the read side: filtering, search and statistics. It never
// mutates state and is not on the booking critical path.
type QueryService struct {
	repo  Repository
	clock clock.Clock
}

func NewQueryService(repo Repository, clk clock.Clock) *QueryService {
	return &QueryService{repo: repo, clock: clk}
}

// GetDoctor looks up a doctor's public profile.
func (q *QueryService) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return q.repo.GetDoctorByID(ctx, id)
}

// Get returns the appointment if the actor participates in it.
func (q *QueryService) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.Participant(actor) {
		return nil, ErrNotParticipant
	}
	return appt, nil
}

// List searches the actor's own appointments with optional status, date range
// and free-text reason criteria.
func (q *QueryService) List(ctx context.Context, f SearchFilter) ([]Detail, int, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, 0, fmt.Errorf("list appointments: to is before from")
	}
	return q.repo.Search(ctx, f)
}

// Stats aggregates the actor's appointments by status plus today's count.
func (q *QueryService) Stats(ctx context.Context, actor Actor) (*Stats, error) {
	counts, err := q.repo.CountByStatus(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}

	dayStart := startOfDay(q.clock.Now())
	today, err := q.repo.CountBetween(ctx, actor, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("count today: %w", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	return &Stats{ByStatus: counts, Total: total, Today: today}, nil
}

// Today lists the actor's appointments for the current calendar day,
// ascending by start time.
func (q *QueryService) Today(ctx context.Context, actor Actor) ([]Detail, error) {
	dayStart := startOfDay(q.clock.Now())
	return q.repo.ListBetween(ctx, actor, dayStart, dayStart.AddDate(0, 0, 1))
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
