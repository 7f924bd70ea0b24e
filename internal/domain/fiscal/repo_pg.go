package fiscal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dentalclinic/billing/internal/platform/apperror"
	"github.com/dentalclinic/billing/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const seqCols = `id, cai, invoice_type, range_start, range_end, current_number, number_width,
	branch, point_of_emission, authorization_date, expiration_date,
	is_active, has_been_used, created_by, created_at, updated_at`

func scanSequence(row pgx.Row) (*Sequence, error) {
	var s Sequence
	err := row.Scan(&s.ID, &s.CAI, &s.InvoiceType, &s.RangeStart, &s.RangeEnd, &s.CurrentNumber, &s.Width,
		&s.Branch, &s.PointOfEmission, &s.AuthorizationDate, &s.ExpirationDate,
		&s.IsActive, &s.HasBeenUsed, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

// scanOptional maps "no row" to (nil, nil).
func scanOptional(row pgx.Row) (*Sequence, error) {
	s, err := scanSequence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *repoPG) LockType(ctx context.Context, t InvoiceType) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('fiscal:' || $1))`, string(t))
	return err
}

func (r *repoPG) LockAutoNumbering(ctx context.Context) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('fiscal:auto'))`)
	return err
}

func (r *repoPG) Create(ctx context.Context, s *Sequence) error {
	s.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO fiscal_sequence (id, cai, invoice_type, range_start, range_end, current_number, number_width,
			branch, point_of_emission, authorization_date, expiration_date, is_active, has_been_used, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		s.ID, s.CAI, string(s.InvoiceType), s.RangeStart, s.RangeEnd, s.CurrentNumber, s.Width,
		s.Branch, s.PointOfEmission, s.AuthorizationDate, s.ExpirationDate, s.IsActive, s.HasBeenUsed, s.CreatedBy,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if db.IsUniqueViolation(err, "uq_fiscal_sequence_cai") {
		return apperror.Rule("CAI %s is already registered", s.CAI)
	}
	if db.IsUniqueViolation(err, "uq_fiscal_sequence_active_type") {
		return apperror.Conflict("another %s sequence was activated concurrently", s.InvoiceType)
	}
	return err
}

func (r *repoPG) get(ctx context.Context, id uuid.UUID, suffix string) (*Sequence, error) {
	s, err := scanSequence(r.conn(ctx).QueryRow(ctx, `SELECT `+seqCols+` FROM fiscal_sequence WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("fiscal sequence", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load fiscal sequence: %w", err)
	}
	return s, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Sequence, error) {
	return r.get(ctx, id, "")
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Sequence, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *repoPG) ExistsCAI(ctx context.Context, cai string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM fiscal_sequence WHERE cai = $1)`, cai).Scan(&exists)
	return exists, err
}

func (r *repoPG) List(ctx context.Context) ([]*Sequence, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+seqCols+` FROM fiscal_sequence
		ORDER BY is_active DESC, expiration_date DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list fiscal sequences: %w", err)
	}
	defer rows.Close()

	var out []*Sequence
	for rows.Next() {
		s, err := scanSequence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fiscal sequence: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoPG) Active(ctx context.Context, t InvoiceType) (*Sequence, error) {
	return scanOptional(r.conn(ctx).QueryRow(ctx, `SELECT `+seqCols+` FROM fiscal_sequence
		WHERE invoice_type = $1 AND is_active
		FOR UPDATE`, string(t)))
}

func (r *repoPG) NextStandby(ctx context.Context, t InvoiceType, now time.Time) (*Sequence, error) {
	return scanOptional(r.conn(ctx).QueryRow(ctx, `SELECT `+seqCols+` FROM fiscal_sequence
		WHERE invoice_type = $1 AND NOT is_active AND NOT has_been_used
			AND expiration_date >= $2 AND current_number < range_end
		ORDER BY expiration_date ASC, created_at ASC
		LIMIT 1
		FOR UPDATE`, string(t), now))
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE fiscal_sequence SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if db.IsUniqueViolation(err, "uq_fiscal_sequence_active_type") {
		return apperror.Conflict("another sequence of the same type is already active")
	}
	if err != nil {
		return fmt.Errorf("update fiscal sequence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("fiscal sequence", id)
	}
	return nil
}

func (r *repoPG) DeactivateOthers(ctx context.Context, t InvoiceType, keep uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE fiscal_sequence SET is_active = FALSE, updated_at = NOW()
		WHERE invoice_type = $1 AND is_active AND id <> $2`, string(t), keep)
	return err
}

func (r *repoPG) Advance(ctx context.Context, id uuid.UUID) (int64, error) {
	var next int64
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE fiscal_sequence
		SET current_number = current_number + 1, has_been_used = TRUE, updated_at = NOW()
		WHERE id = $1 AND current_number < range_end
		RETURNING current_number`, id).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperror.Rule("fiscal sequence %s has no numbers left", id)
	}
	return next, err
}
