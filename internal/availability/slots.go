package availability

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/careslot/careslot/internal/clock"
)

var ErrInvalidRange = errors.New("invalid slot query range")

// Slot is a concrete bookable interval derived from a rule.
type Slot struct {
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"-"`
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the two half-open intervals share an instant.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Expand walks the rule's working hours on the given date and yields candidate
// slots in ascending start order, skipping slots that intersect the break
// window and slots whose start has already passed. The sequence is pure and
// restartable: iterating twice yields the same slots.
func Expand(rule Rule, date time.Time, now time.Time) iter.Seq[Slot] {
	return func(yield func(Slot) bool) {
		step := rule.SlotDuration()
		var brk *Interval
		if rule.BreakStart != nil && rule.BreakEnd != nil {
			brk = &Interval{Start: rule.BreakStart.On(date), End: rule.BreakEnd.On(date)}
		}

		stepMinutes := TimeOfDay(rule.SlotMinutes)
		for m := rule.Start; m+stepMinutes <= rule.End; m += stepMinutes {
			start := m.On(date)
			slot := Slot{Start: start, End: start.Add(step), Duration: step}

			if brk != nil && brk.Overlaps(Interval{Start: slot.Start, End: slot.End}) {
				continue
			}
			if slot.Start.Before(now) {
				continue
			}
			if !yield(slot) {
				return
			}
		}
	}
}

// BookingSource exposes the live appointment state the generator filters
// candidate slots against.
type BookingSource interface {
	// ActiveIntervals returns the [scheduled_at, scheduled_at+duration)
	// intervals of the doctor's pending and confirmed appointments that
	// intersect [from, to).
	ActiveIntervals(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Interval, error)
}

// Generator expands availability rules into the doctor's currently bookable
// slots.
type Generator struct {
	rules    Repository
	bookings BookingSource
	clock    clock.Clock
}

func NewGenerator(rules Repository, bookings BookingSource, clk clock.Clock) *Generator {
	return &Generator{rules: rules, bookings: bookings, clock: clk}
}

// AvailableSlots produces the doctor's free slots for each calendar date in
// [from, to], ascending by start time. Days without an active rule contribute
// nothing; days already at their booking cap contribute nothing; slots taken
// by pending or confirmed appointments are filtered out.
func (g *Generator) AvailableSlots(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error) {
	now := g.clock.Now()

	fromDay := startOfDay(from)
	toDay := startOfDay(to)
	if toDay.Before(fromDay) {
		return nil, fmt.Errorf("%w: to %s is before from %s", ErrInvalidRange, to.Format("2006-01-02"), from.Format("2006-01-02"))
	}
	if fromDay.Before(startOfDay(now)) {
		return nil, fmt.Errorf("%w: from %s is in the past", ErrInvalidRange, from.Format("2006-01-02"))
	}

	var result []Slot
	for day := fromDay; !day.After(toDay); day = day.AddDate(0, 0, 1) {
		slots, err := g.daySlots(ctx, doctorID, day, now)
		if err != nil {
			return nil, err
		}
		result = append(result, slots...)
	}
	return result, nil
}

// Bookable reports whether the instant is the start of one of the doctor's
// currently available slots. Instants inside a slot but off the grid are not
// bookable: appointments always begin on a slot boundary.
func (g *Generator) Bookable(ctx context.Context, doctorID uuid.UUID, at time.Time) (bool, error) {
	slots, err := g.daySlots(ctx, doctorID, startOfDay(at), g.clock.Now())
	if err != nil {
		return false, err
	}
	for _, s := range slots {
		if at.Equal(s.Start) {
			return true, nil
		}
	}
	return false, nil
}

func (g *Generator) daySlots(ctx context.Context, doctorID uuid.UUID, day, now time.Time) ([]Slot, error) {
	rule, err := g.rules.GetActiveRule(ctx, doctorID, day.Weekday())
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load availability rule: %w", err)
	}

	booked, err := g.bookings.ActiveIntervals(ctx, doctorID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("load booked intervals: %w", err)
	}
	if len(booked) >= rule.MaxPerDay {
		return nil, nil
	}

	var slots []Slot
	for slot := range Expand(*rule, day, now) {
		if overlapsAny(slot, booked) {
			continue
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func overlapsAny(slot Slot, booked []Interval) bool {
	iv := Interval{Start: slot.Start, End: slot.End}
	for _, b := range booked {
		if iv.Overlaps(b) {
			return true
		}
	}
	return false
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
