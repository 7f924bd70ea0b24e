package odontogram

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dentalclinic/billing/internal/platform/apperror"
	"github.com/dentalclinic/billing/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const chartQuery = `
	SELECT o.id, o.patient_id, trim(p.first_name || ' ' || p.last_name)
	FROM odontogram o
	JOIN patient p ON p.id = o.patient_id
	WHERE o.id = $1`

func (r *repoPG) scanChart(row pgx.Row, id uuid.UUID) (*Chart, error) {
	var c Chart
	if err := row.Scan(&c.ID, &c.PatientID, &c.PatientName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("odontogram", id)
		}
		return nil, fmt.Errorf("load odontogram: %w", err)
	}
	return &c, nil
}

func (r *repoPG) GetChart(ctx context.Context, id uuid.UUID) (*Chart, error) {
	return r.scanChart(db.Conn(ctx, r.pool).QueryRow(ctx, chartQuery, id), id)
}

func (r *repoPG) LockChart(ctx context.Context, id uuid.UUID) (*Chart, error) {
	return r.scanChart(db.Conn(ctx, r.pool).QueryRow(ctx, chartQuery+` FOR UPDATE OF o`, id), id)
}

func (r *repoPG) ListBillable(ctx context.Context, chartID uuid.UUID, ids []uuid.UUID) ([]*TreatmentRecord, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT tr.id, tr.odontogram_id, tr.tooth_record_id, th.tooth_number,
			tr.treatment_id, t.name, t.code, tr.price, tr.is_paid, tr.created_at
		FROM treatment_record tr
		JOIN treatment t ON t.id = tr.treatment_id
		LEFT JOIN tooth_record th ON th.id = tr.tooth_record_id
		WHERE tr.odontogram_id = $1
			AND NOT tr.is_paid
			AND ($2::uuid[] IS NULL OR tr.id = ANY($2))
			AND NOT EXISTS (
				SELECT 1 FROM invoice_line_item li
				JOIN invoice i ON i.id = li.invoice_id
				WHERE i.status <> 'cancelled' AND tr.id = ANY(li.treatment_record_ids))
		ORDER BY tr.created_at, tr.id`, chartID, ids)
	if err != nil {
		return nil, fmt.Errorf("list billable treatments: %w", err)
	}
	defer rows.Close()

	var out []*TreatmentRecord
	for rows.Next() {
		var tr TreatmentRecord
		if err := rows.Scan(&tr.ID, &tr.OdontogramID, &tr.ToothRecordID, &tr.ToothNumber,
			&tr.TreatmentID, &tr.TreatmentName, &tr.TreatmentCode, &tr.Price, &tr.IsPaid, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan treatment record: %w", err)
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}

func (r *repoPG) MarkPaid(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE treatment_record SET is_paid = TRUE, updated_at = NOW()
		WHERE id = ANY($1) AND NOT is_paid`, ids)
	if err != nil {
		return 0, fmt.Errorf("mark treatments paid: %w", err)
	}
	return tag.RowsAffected(), nil
}
