package availability

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Calendar owns a doctor's recurring weekly availability.
type Calendar struct {
	rules Repository
	log   zerolog.Logger
}

func NewCalendar(rules Repository, log zerolog.Logger) *Calendar {
	return &Calendar{rules: rules, log: log}
}

// SetRule upserts the active rule for the rule's (doctor, weekday) after
// validating its invariants.
func (c *Calendar) SetRule(ctx context.Context, doctorID uuid.UUID, rule Rule) (*Rule, error) {
	rule.DoctorID = doctorID
	rule.Active = true

	if err := rule.Validate(); err != nil {
		return nil, err
	}

	saved, err := c.rules.Upsert(ctx, &rule)
	if err != nil {
		return nil, fmt.Errorf("upsert availability rule: %w", err)
	}

	c.log.Info().
		Str("doctor_id", doctorID.String()).
		Str("rule_id", saved.ID.String()).
		Int("day_of_week", int(saved.Weekday)).
		Msg("availability rule set")

	return saved, nil
}

// ListRules returns every rule for the doctor, active and inactive, ordered by
// day of week.
func (c *Calendar) ListRules(ctx context.Context, doctorID uuid.UUID) ([]Rule, error) {
	rules, err := c.rules.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list availability rules: %w", err)
	}
	return rules, nil
}

// Deactivate soft-disables a rule. Slot generation for that weekday stops;
// appointments already booked stay untouched.
func (c *Calendar) Deactivate(ctx context.Context, ruleID uuid.UUID) error {
	if err := c.rules.Deactivate(ctx, ruleID); err != nil {
		return err
	}
	c.log.Info().Str("rule_id", ruleID.String()).Msg("availability rule deactivated")
	return nil
}
