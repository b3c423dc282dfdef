package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careslot/careslot/internal/availability"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Error classification at the repository boundary. The coordinator's retry
// loop only ever sees the typed errors, never raw driver codes.

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

func classify(err error) error {
	if isTransient(err) {
		return fmt.Errorf("%w: %v", ErrTxContention, err)
	}
	return err
}

// Scan helpers

const apptColumns = `id, doctor_id, patient_id, scheduled_at, duration_minutes,
	type, status, reason, price_cents, payment_ref,
	confirmed_at, rejected_at, cancelled_at, completed_at,
	rejection_reason, cancellation_reason, closing_notes, reminded_at,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var typ, status string

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.ScheduledAt,
		&a.DurationMinutes,
		&typ,
		&status,
		&a.Reason,
		&a.Price,
		&a.PaymentRef,
		&a.ConfirmedAt,
		&a.RejectedAt,
		&a.CancelledAt,
		&a.CompletedAt,
		&a.RejectionReason,
		&a.CancellationReason,
		&a.ClosingNotes,
		&a.RemindedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Type = Type(typ)
	a.Status = Status(status)
	return &a, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var prepaid []string

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Specialty,
		&d.Active,
		&prepaid,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	for _, p := range prepaid {
		d.PrepaidTypes = append(d.PrepaidTypes, Type(p))
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanSession(row pgx.Row) (*ConsultationSession, error) {
	var s ConsultationSession
	var status string

	err := row.Scan(
		&s.ID,
		&s.AppointmentID,
		&status,
		&s.StartedAt,
		&s.EndedAt,
		&s.Notes,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	s.Status = SessionStatus(status)
	return &s, nil
}

// Lookups

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, active, prepaid_types, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// Overlap checks

func (r *PgRepository) ActiveIntervals(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]availability.Interval, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT scheduled_at, scheduled_at + make_interval(mins => duration_minutes)
		FROM appointments
		WHERE doctor_id = $1
		  AND status IN ('pending', 'confirmed')
		  AND scheduled_at < $3
		  AND scheduled_at + make_interval(mins => duration_minutes) > $2
		ORDER BY scheduled_at
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []availability.Interval
	for rows.Next() {
		var iv availability.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		result = append(result, iv)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) PatientOverlaps(ctx context.Context, patientID uuid.UUID, iv availability.Interval, exclude uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments
			WHERE patient_id = $1
			  AND id <> $4
			  AND status IN ('pending', 'confirmed')
			  AND scheduled_at < $3
			  AND scheduled_at + make_interval(mins => duration_minutes) > $2
		)
	`, patientID, iv.Start, iv.End, exclude).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// Commit protocol. Both writers re-validate doctor-side overlap inside the
// transaction with the candidate rows locked; the partial unique index on
// (doctor_id, scheduled_at) for live statuses backstops identical start
// times that never met in the overlap scan.

func (r *PgRepository) CreateBooked(ctx context.Context, appt *Appointment) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx)

	iv := appt.Interval()
	taken, err := doctorOverlapLocked(ctx, tx, appt.DoctorID, iv, uuid.Nil)
	if err != nil {
		return nil, classify(err)
	}
	if taken {
		return nil, ErrSlotTaken
	}

	id := appt.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments
			(id, doctor_id, patient_id, scheduled_at, duration_minutes, type,
			 status, reason, price_cents, payment_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, now(), now())
		RETURNING `+apptColumns+`
	`, id, appt.DoctorID, appt.PatientID, appt.ScheduledAt, appt.DurationMinutes,
		string(appt.Type), appt.Reason, appt.Price, appt.PaymentRef)

	created, err := scanAppointment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlotTaken
		}
		return nil, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}

	return created, nil
}

func (r *PgRepository) UpdateSchedule(ctx context.Context, id uuid.UUID, expectFrom time.Time, newAt time.Time) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx)

	current, err := scanAppointment(tx.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, classify(err)
	}
	if !current.Status.Live() || !current.ScheduledAt.Equal(expectFrom) {
		return nil, ErrConcurrentModification
	}

	iv := availability.Interval{Start: newAt, End: newAt.Add(current.Duration())}
	taken, err := doctorOverlapLocked(ctx, tx, current.DoctorID, iv, id)
	if err != nil {
		return nil, classify(err)
	}
	if taken {
		return nil, ErrSlotTaken
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET scheduled_at = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+apptColumns+`
	`, id, newAt)

	updated, err := scanAppointment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlotTaken
		}
		return nil, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}

	return updated, nil
}

func doctorOverlapLocked(ctx context.Context, tx pgx.Tx, doctorID uuid.UUID, iv availability.Interval, exclude uuid.UUID) (bool, error) {
	rows, err := tx.Query(ctx, `
		SELECT id
		FROM appointments
		WHERE doctor_id = $1
		  AND id <> $4
		  AND status IN ('pending', 'confirmed')
		  AND scheduled_at < $3
		  AND scheduled_at + make_interval(mins => duration_minutes) > $2
		FOR UPDATE
	`, doctorID, iv.Start, iv.End, exclude)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	taken := rows.Next()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return taken, nil
}

// State machine writes

func (r *PgRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status, patch StatusPatch) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now(),
		    confirmed_at = CASE WHEN $2 = 'confirmed' THEN $4 ELSE confirmed_at END,
		    rejected_at = CASE WHEN $2 = 'rejected' THEN $4 ELSE rejected_at END,
		    cancelled_at = CASE WHEN $2 = 'cancelled' THEN $4 ELSE cancelled_at END,
		    completed_at = CASE WHEN $2 = 'completed' THEN $4 ELSE completed_at END,
		    rejection_reason = CASE WHEN $2 = 'rejected' THEN $5 ELSE rejection_reason END,
		    cancellation_reason = CASE WHEN $2 = 'cancelled' THEN $5 ELSE cancellation_reason END,
		    closing_notes = COALESCE($6, closing_notes)
		WHERE id = $1
		  AND status = $3
		RETURNING `+apptColumns+`
	`, id, string(to), string(from), patch.At, patch.Reason, patch.Notes)

	updated, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Distinguish a missing row from a lost CAS race.
			if _, getErr := r.GetByID(ctx, id); getErr == nil {
				return nil, ErrConcurrentModification
			}
			return nil, ErrAppointmentNotFound
		}
		return nil, classify(err)
	}

	return updated, nil
}

// Consultation sessions

func (r *PgRepository) CreateSession(ctx context.Context, apptID uuid.UUID, startedAt time.Time) (*ConsultationSession, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO consultation_sessions
			(id, appointment_id, status, started_at, created_at, updated_at)
		VALUES ($1, $2, 'active', $3, now(), now())
		RETURNING id, appointment_id, status, started_at, ended_at, notes, created_at, updated_at
	`, uuid.New(), apptID, startedAt)

	session, err := scanSession(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSessionAlreadyOpen
		}
		return nil, classify(err)
	}
	return session, nil
}

func (r *PgRepository) GetActiveSession(ctx context.Context, apptID uuid.UUID) (*ConsultationSession, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, appointment_id, status, started_at, ended_at, notes, created_at, updated_at
		FROM consultation_sessions
		WHERE appointment_id = $1 AND status = 'active'
	`, apptID)
	return scanSession(row)
}

func (r *PgRepository) FinishSession(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, notes *string) (*ConsultationSession, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE consultation_sessions
		SET status = 'finished',
		    ended_at = $2,
		    notes = COALESCE($3, notes),
		    updated_at = now()
		WHERE id = $1 AND status = 'active'
		RETURNING id, appointment_id, status, started_at, ended_at, notes, created_at, updated_at
	`, sessionID, endedAt, notes)
	return scanSession(row)
}

// Read side

func participantClause(actor Actor, args *[]any) string {
	if actor.Role == RoleDoctor {
		*args = append(*args, actor.ID)
		return fmt.Sprintf("a.doctor_id = $%d", len(*args))
	}
	*args = append(*args, actor.ID)
	return fmt.Sprintf("a.patient_id = $%d", len(*args))
}

func (r *PgRepository) Search(ctx context.Context, f SearchFilter) ([]Detail, int, error) {
	var args []any
	where := []string{participantClause(f.Actor, &args)}

	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("a.status = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, *f.From)
		where = append(where, fmt.Sprintf("a.scheduled_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where = append(where, fmt.Sprintf("a.scheduled_at < $%d", len(args)))
	}
	if f.ReasonQuery != "" {
		args = append(args, "%"+f.ReasonQuery+"%")
		where = append(where, fmt.Sprintf("a.reason ILIKE $%d", len(args)))
	}

	cond := strings.Join(where, " AND ")

	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM appointments a WHERE `+cond, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s, d.name, p.name
		FROM appointments a
		JOIN doctors d ON d.id = a.doctor_id
		JOIN patients p ON p.id = a.patient_id
		WHERE %s
		ORDER BY a.scheduled_at DESC
		LIMIT $%d OFFSET $%d
	`, prefixedApptColumns("a"), cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	details, err := collectDetails(rows)
	if err != nil {
		return nil, 0, err
	}
	return details, total, nil
}

func prefixedApptColumns(alias string) string {
	cols := strings.Split(apptColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func collectDetails(rows pgx.Rows) ([]Detail, error) {
	var result []Detail
	for rows.Next() {
		var d Detail
		var typ, status string
		err := rows.Scan(
			&d.ID, &d.DoctorID, &d.PatientID, &d.ScheduledAt, &d.DurationMinutes,
			&typ, &status, &d.Reason, &d.Price, &d.PaymentRef,
			&d.ConfirmedAt, &d.RejectedAt, &d.CancelledAt, &d.CompletedAt,
			&d.RejectionReason, &d.CancellationReason, &d.ClosingNotes, &d.RemindedAt,
			&d.CreatedAt, &d.UpdatedAt,
			&d.DoctorName, &d.PatientName,
		)
		if err != nil {
			return nil, err
		}
		d.Type = Type(typ)
		d.Status = Status(status)
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) CountByStatus(ctx context.Context, actor Actor) (map[Status]int, error) {
	var args []any
	cond := participantClause(actor, &args)

	rows, err := r.pool.Query(ctx, `
		SELECT a.status, count(*)
		FROM appointments a
		WHERE `+cond+`
		GROUP BY a.status
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *PgRepository) CountBetween(ctx context.Context, actor Actor, from, to time.Time) (int, error) {
	var args []any
	cond := participantClause(actor, &args)
	args = append(args, from, to)

	var n int
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT count(*)
		FROM appointments a
		WHERE %s AND a.scheduled_at >= $%d AND a.scheduled_at < $%d
	`, cond, len(args)-1, len(args)), args...).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *PgRepository) ListBetween(ctx context.Context, actor Actor, from, to time.Time) ([]Detail, error) {
	var args []any
	cond := participantClause(actor, &args)
	args = append(args, from, to)

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s, d.name, p.name
		FROM appointments a
		JOIN doctors d ON d.id = a.doctor_id
		JOIN patients p ON p.id = a.patient_id
		WHERE %s AND a.scheduled_at >= $%d AND a.scheduled_at < $%d
		ORDER BY a.scheduled_at
	`, prefixedApptColumns("a"), cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDetails(rows)
}

// Reminder worker

func (r *PgRepository) FindUpcomingUnreminded(ctx context.Context, from, until time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE status = 'confirmed'
		  AND reminded_at IS NULL
		  AND scheduled_at >= $1
		  AND scheduled_at < $2
		ORDER BY scheduled_at
	`, from, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET reminded_at = $2,
		    updated_at = now()
		WHERE id = $1 AND reminded_at IS NULL
	`, id, at)
	return err
}

// Audit trail

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs
			(event_type, appointment_id, actor_id, actor_role, outcome, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	`, ev.EventType, ev.AppointmentID, ev.ActorID, ev.ActorRole, ev.Outcome, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
