package availability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const ruleColumns = `id, doctor_id, day_of_week, start_minute, end_minute,
	break_start_minute, break_end_minute, slot_minutes, max_per_day, active,
	created_at, updated_at`

func scanRule(row pgx.Row) (*Rule, error) {
	var r Rule
	var weekday int16
	var start, end int16
	var breakStart, breakEnd *int16
	var slotMinutes, maxPerDay int16

	err := row.Scan(
		&r.ID,
		&r.DoctorID,
		&weekday,
		&start,
		&end,
		&breakStart,
		&breakEnd,
		&slotMinutes,
		&maxPerDay,
		&r.Active,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}

	r.Weekday = time.Weekday(weekday)
	r.Start = TimeOfDay(start)
	r.End = TimeOfDay(end)
	if breakStart != nil {
		bs := TimeOfDay(*breakStart)
		r.BreakStart = &bs
	}
	if breakEnd != nil {
		be := TimeOfDay(*breakEnd)
		r.BreakEnd = &be
	}
	r.SlotMinutes = int(slotMinutes)
	r.MaxPerDay = int(maxPerDay)
	return &r, nil
}

func minutePtr(t *TimeOfDay) *int16 {
	if t == nil {
		return nil
	}
	m := int16(*t)
	return &m
}

func (r *PgRepository) Upsert(ctx context.Context, rule *Rule) (*Rule, error) {
	id := rule.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO availability_rules
			(id, doctor_id, day_of_week, start_minute, end_minute,
			 break_start_minute, break_end_minute, slot_minutes, max_per_day,
			 active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, now(), now())
		ON CONFLICT (doctor_id, day_of_week) WHERE active
		DO UPDATE SET
			start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			break_start_minute = EXCLUDED.break_start_minute,
			break_end_minute = EXCLUDED.break_end_minute,
			slot_minutes = EXCLUDED.slot_minutes,
			max_per_day = EXCLUDED.max_per_day,
			updated_at = now()
		RETURNING `+ruleColumns+`
	`, id, rule.DoctorID, int16(rule.Weekday), int16(rule.Start), int16(rule.End),
		minutePtr(rule.BreakStart), minutePtr(rule.BreakEnd),
		int16(rule.SlotMinutes), int16(rule.MaxPerDay))

	return scanRule(row)
}

func (r *PgRepository) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE doctor_id = $1
		ORDER BY day_of_week, active DESC, created_at
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rule)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) GetActiveRule(ctx context.Context, doctorID uuid.UUID, weekday time.Weekday) (*Rule, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE doctor_id = $1 AND day_of_week = $2 AND active
	`, doctorID, int16(weekday))
	return scanRule(row)
}

func (r *PgRepository) Deactivate(ctx context.Context, ruleID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE availability_rules
		SET active = false,
		    updated_at = now()
		WHERE id = $1 AND active
	`, ruleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}
