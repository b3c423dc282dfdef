package availability

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	MinSlotMinutes = 15
	MaxSlotMinutes = 240
)

var ErrInvalidRule = errors.New("invalid availability rule")

// TimeOfDay is a wall-clock minute offset from midnight (0..1439). Rules store
// working hours this way so the same rule applies to every occurrence of its
// weekday.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" in 24-hour format.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: time of day must be HH:MM, got %q", ErrInvalidRule, s)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// On anchors the time of day to a concrete calendar date.
func (t TimeOfDay) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, int(t)/60, int(t)%60, 0, 0, date.Location())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("%w: time of day must be a JSON string", ErrInvalidRule)
	}
	parsed, err := ParseTimeOfDay(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Rule is a doctor's recurring weekly availability for one day of the week.
// At most one active rule exists per (doctor, weekday).
type Rule struct {
	ID          uuid.UUID
	DoctorID    uuid.UUID
	Weekday     time.Weekday
	Start       TimeOfDay
	End         TimeOfDay
	BreakStart  *TimeOfDay
	BreakEnd    *TimeOfDay
	SlotMinutes int
	MaxPerDay   int
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the rule invariants: start < end, slot duration within
// bounds, and the break window (if any) inside working hours.
func (r Rule) Validate() error {
	if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
		return fmt.Errorf("%w: day of week out of range: %d", ErrInvalidRule, r.Weekday)
	}
	if r.Start < 0 || r.End > 24*60 {
		return fmt.Errorf("%w: working hours out of range", ErrInvalidRule)
	}
	if r.Start >= r.End {
		return fmt.Errorf("%w: start %s must be before end %s", ErrInvalidRule, r.Start, r.End)
	}
	if r.SlotMinutes < MinSlotMinutes || r.SlotMinutes > MaxSlotMinutes {
		return fmt.Errorf("%w: slot duration %d outside [%d,%d] minutes", ErrInvalidRule, r.SlotMinutes, MinSlotMinutes, MaxSlotMinutes)
	}
	if r.MaxPerDay < 1 {
		return fmt.Errorf("%w: max appointments per day must be at least 1", ErrInvalidRule)
	}
	if (r.BreakStart == nil) != (r.BreakEnd == nil) {
		return fmt.Errorf("%w: break start and end must be set together", ErrInvalidRule)
	}
	if r.BreakStart != nil {
		bs, be := *r.BreakStart, *r.BreakEnd
		if bs >= be {
			return fmt.Errorf("%w: break start %s must be before break end %s", ErrInvalidRule, bs, be)
		}
		if bs < r.Start || be > r.End {
			return fmt.Errorf("%w: break [%s,%s) must lie within working hours [%s,%s)", ErrInvalidRule, bs, be, r.Start, r.End)
		}
	}
	return nil
}

// SlotDuration returns the rule's slot length.
func (r Rule) SlotDuration() time.Duration {
	return time.Duration(r.SlotMinutes) * time.Minute
}
