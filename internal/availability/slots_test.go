package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/careslot/careslot/internal/clock"
)

// stubRules serves one active rule per weekday from memory.
type stubRules struct {
	rules map[time.Weekday]*Rule
}

func (s *stubRules) Upsert(ctx context.Context, rule *Rule) (*Rule, error) {
	s.rules[rule.Weekday] = rule
	return rule, nil
}

func (s *stubRules) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Rule, error) {
	var out []Rule
	for _, r := range s.rules {
		out = append(out, *r)
	}
	return out, nil
}

func (s *stubRules) GetActiveRule(ctx context.Context, doctorID uuid.UUID, weekday time.Weekday) (*Rule, error) {
	rule, ok := s.rules[weekday]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return rule, nil
}

func (s *stubRules) Deactivate(ctx context.Context, ruleID uuid.UUID) error {
	return nil
}

type stubBookings struct {
	intervals []Interval
	err       error
}

func (s *stubBookings) ActiveIntervals(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Interval, error) {
	return s.intervals, s.err
}

var (
	// A Monday.
	testDay = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
)

func officeHoursRule(t *testing.T) Rule {
	t.Helper()
	return Rule{
		ID:          uuid.New(),
		DoctorID:    uuid.New(),
		Weekday:     time.Monday,
		Start:       tod(t, "09:00"),
		End:         tod(t, "17:00"),
		BreakStart:  todPtr(t, "12:00"),
		BreakEnd:    todPtr(t, "13:00"),
		SlotMinutes: 30,
		MaxPerDay:   10,
		Active:      true,
	}
}

func at(t *testing.T, hhmm string) time.Time {
	t.Helper()
	return tod(t, hhmm).On(testDay)
}

func TestExpandFullDay(t *testing.T) {
	rule := officeHoursRule(t)
	dayBefore := testDay.AddDate(0, 0, -1)

	var slots []Slot
	for s := range Expand(rule, testDay, dayBefore) {
		slots = append(slots, s)
	}

	// 09:00-12:00 yields 6 half-hour slots, 13:00-17:00 yields 8.
	if len(slots) != 14 {
		t.Fatalf("got %d slots, want 14", len(slots))
	}
	if !slots[0].Start.Equal(at(t, "09:00")) {
		t.Errorf("first slot starts at %v, want 09:00", slots[0].Start)
	}
	if !slots[len(slots)-1].Start.Equal(at(t, "16:30")) {
		t.Errorf("last slot starts at %v, want 16:30", slots[len(slots)-1].Start)
	}

	brk := Interval{Start: at(t, "12:00"), End: at(t, "13:00")}
	for i, s := range slots {
		if (Interval{Start: s.Start, End: s.End}).Overlaps(brk) {
			t.Errorf("slot %d [%v, %v) intersects the break", i, s.Start, s.End)
		}
		if s.End.Sub(s.Start) != 30*time.Minute {
			t.Errorf("slot %d has duration %v, want 30m", i, s.End.Sub(s.Start))
		}
		if i > 0 && !slots[i-1].Start.Before(s.Start) {
			t.Errorf("slots out of order at index %d", i)
		}
	}
}

func TestExpandSkipsPastSlots(t *testing.T) {
	rule := officeHoursRule(t)
	now := at(t, "10:15")

	var slots []Slot
	for s := range Expand(rule, testDay, now) {
		slots = append(slots, s)
	}

	if len(slots) == 0 {
		t.Fatal("got no slots")
	}
	if !slots[0].Start.Equal(at(t, "10:30")) {
		t.Errorf("first slot starts at %v, want 10:30", slots[0].Start)
	}
}

func TestExpandIsRestartable(t *testing.T) {
	rule := officeHoursRule(t)
	seq := Expand(rule, testDay, testDay)

	first, second := 0, 0
	for range seq {
		first++
	}
	for range seq {
		second++
	}
	if first != second || first == 0 {
		t.Errorf("sequence not restartable: first pass %d, second pass %d", first, second)
	}
}

func TestExpandStopsEarly(t *testing.T) {
	rule := officeHoursRule(t)

	n := 0
	for range Expand(rule, testDay, testDay) {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Errorf("yielded %d slots after break, want 3", n)
	}
}

func newTestGenerator(t *testing.T, rule Rule, bookings *stubBookings, now time.Time) *Generator {
	t.Helper()
	rules := &stubRules{rules: map[time.Weekday]*Rule{rule.Weekday: &rule}}
	return NewGenerator(rules, bookings, clock.FixedAt(now))
}

func TestAvailableSlotsFiltersBooked(t *testing.T) {
	rule := officeHoursRule(t)
	bookings := &stubBookings{intervals: []Interval{
		{Start: at(t, "10:00"), End: at(t, "10:30")},
	}}
	g := newTestGenerator(t, rule, bookings, testDay)

	slots, err := g.AvailableSlots(context.Background(), rule.DoctorID, testDay, testDay)
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}

	if len(slots) != 13 {
		t.Fatalf("got %d slots, want 13", len(slots))
	}
	for _, s := range slots {
		if s.Start.Equal(at(t, "10:00")) {
			t.Error("booked 10:00 slot still offered")
		}
	}
}

func TestAvailableSlotsDayAtCapacity(t *testing.T) {
	rule := officeHoursRule(t)
	rule.MaxPerDay = 2
	bookings := &stubBookings{intervals: []Interval{
		{Start: at(t, "09:00"), End: at(t, "09:30")},
		{Start: at(t, "11:00"), End: at(t, "11:30")},
	}}
	g := newTestGenerator(t, rule, bookings, testDay)

	slots, err := g.AvailableSlots(context.Background(), rule.DoctorID, testDay, testDay)
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("got %d slots for a day at capacity, want 0", len(slots))
	}
}

func TestAvailableSlotsDayWithoutRule(t *testing.T) {
	rule := officeHoursRule(t)
	g := newTestGenerator(t, rule, &stubBookings{}, testDay)

	// Tuesday has no rule; the day contributes nothing but is not an error.
	tuesday := testDay.AddDate(0, 0, 1)
	slots, err := g.AvailableSlots(context.Background(), rule.DoctorID, tuesday, tuesday)
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("got %d slots on a day without a rule, want 0", len(slots))
	}
}

func TestAvailableSlotsSpansDays(t *testing.T) {
	rule := officeHoursRule(t)
	g := newTestGenerator(t, rule, &stubBookings{}, testDay)

	// Monday through next Monday: only the two Mondays have rules.
	slots, err := g.AvailableSlots(context.Background(), rule.DoctorID, testDay, testDay.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("AvailableSlots: %v", err)
	}
	if len(slots) != 28 {
		t.Fatalf("got %d slots across two Mondays, want 28", len(slots))
	}
}

func TestAvailableSlotsRejectsBadRanges(t *testing.T) {
	rule := officeHoursRule(t)
	g := newTestGenerator(t, rule, &stubBookings{}, testDay)

	_, err := g.AvailableSlots(context.Background(), rule.DoctorID, testDay.AddDate(0, 0, 3), testDay)
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("inverted range: got %v, want ErrInvalidRange", err)
	}

	_, err = g.AvailableSlots(context.Background(), rule.DoctorID, testDay.AddDate(0, 0, -7), testDay)
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("past range: got %v, want ErrInvalidRange", err)
	}
}

func TestBookable(t *testing.T) {
	rule := officeHoursRule(t)
	bookings := &stubBookings{intervals: []Interval{
		{Start: at(t, "14:00"), End: at(t, "14:30")},
	}}
	g := newTestGenerator(t, rule, bookings, testDay)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "open slot start", at: at(t, "10:00"), want: true},
		{name: "off the slot grid", at: at(t, "10:07"), want: false},
		{name: "adjacent slot start", at: at(t, "10:30"), want: true},
		{name: "during break", at: at(t, "12:30"), want: false},
		{name: "before working hours", at: at(t, "08:00"), want: false},
		{name: "at closing time", at: at(t, "17:00"), want: false},
		{name: "booked slot", at: at(t, "14:00"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Bookable(context.Background(), rule.DoctorID, tt.at)
			if err != nil {
				t.Fatalf("Bookable: %v", err)
			}
			if got != tt.want {
				t.Errorf("Bookable(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}
