package availability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrRuleNotFound = errors.New("availability rule not found")

// Repository contains all DB interactions needed by the calendar and the slot
// generator.
type Repository interface {
	// Upsert replaces the active rule for (doctor, weekday), or inserts one.
	Upsert(ctx context.Context, rule *Rule) (*Rule, error)

	// ListByDoctor returns all rules, active and inactive, ordered by weekday.
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Rule, error)

	// GetActiveRule returns the single active rule for the weekday, or
	// ErrRuleNotFound.
	GetActiveRule(ctx context.Context, doctorID uuid.UUID, weekday time.Weekday) (*Rule, error)

	// Deactivate soft-disables a rule. Existing appointments are unaffected.
	Deactivate(ctx context.Context, ruleID uuid.UUID) error
}
