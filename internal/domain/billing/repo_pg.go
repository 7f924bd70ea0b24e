package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dentalclinic/billing/internal/platform/apperror"
	"github.com/dentalclinic/billing/internal/platform/db"
)

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository { return &invoiceRepoPG{pool: pool} }

func (r *invoiceRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const invCols = `id, invoice_number, invoice_type, fiscal_sequence_id, cai,
	patient_id, patient_name, odontogram_id, invoice_date,
	subtotal, discount, tax, total, status, notes, created_by, created_at, updated_at`

func scanInvoice(row pgx.Row, extra ...interface{}) (*Invoice, error) {
	var inv Invoice
	dest := []interface{}{&inv.ID, &inv.InvoiceNumber, &inv.InvoiceType, &inv.FiscalSequenceID, &inv.CAI,
		&inv.PatientID, &inv.PatientName, &inv.OdontogramID, &inv.InvoiceDate,
		&inv.Subtotal, &inv.Discount, &inv.Tax, &inv.Total, &inv.Status, &inv.Notes, &inv.CreatedBy,
		&inv.CreatedAt, &inv.UpdatedAt}
	err := row.Scan(append(dest, extra...)...)
	return &inv, err
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	inv.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO invoice (id, invoice_number, invoice_type, fiscal_sequence_id, cai,
			patient_id, patient_name, odontogram_id, invoice_date,
			subtotal, discount, tax, total, status, notes, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		inv.ID, inv.InvoiceNumber, inv.InvoiceType, inv.FiscalSequenceID, inv.CAI,
		inv.PatientID, inv.PatientName, inv.OdontogramID, inv.InvoiceDate,
		inv.Subtotal, inv.Discount, inv.Tax, inv.Total, inv.Status, inv.Notes, inv.CreatedBy,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_invoice_number") {
			return apperror.Conflict("invoice number %s is already in use", inv.InvoiceNumber)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}

	for i, li := range inv.LineItems {
		li.ID = uuid.New()
		li.InvoiceID = inv.ID
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO invoice_line_item (id, invoice_id, treatment_id, treatment_code, description,
				is_global, tooth_numbers, quantity, unit_price, subtotal, treatment_record_ids, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			li.ID, li.InvoiceID, li.TreatmentID, li.TreatmentCode, li.Description,
			li.IsGlobal, li.ToothNumbers, li.Quantity, li.UnitPrice, li.Subtotal, li.TreatmentRecordIDs, i)
		if err != nil {
			return fmt.Errorf("insert invoice line item: %w", err)
		}
	}
	return nil
}

func (r *invoiceRepoPG) get(ctx context.Context, id uuid.UUID, suffix string) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invCols+` FROM invoice WHERE id = $1`+suffix, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("invoice", id)
		}
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	items, err := r.lineItems(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.LineItems = items
	return inv, nil
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.get(ctx, id, "")
}

func (r *invoiceRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *invoiceRepoPG) lineItems(ctx context.Context, invoiceID uuid.UUID) ([]*LineItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, treatment_id, treatment_code, description,
			is_global, tooth_numbers, quantity, unit_price, subtotal, treatment_record_ids
		FROM invoice_line_item WHERE invoice_id = $1
		ORDER BY position`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list invoice line items: %w", err)
	}
	defer rows.Close()

	items := []*LineItem{}
	for rows.Next() {
		var li LineItem
		if err := rows.Scan(&li.ID, &li.InvoiceID, &li.TreatmentID, &li.TreatmentCode, &li.Description,
			&li.IsGlobal, &li.ToothNumbers, &li.Quantity, &li.UnitPrice, &li.Subtotal, &li.TreatmentRecordIDs); err != nil {
			return nil, fmt.Errorf("scan invoice line item: %w", err)
		}
		items = append(items, &li)
	}
	return items, rows.Err()
}

func (r *invoiceRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM invoice WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+invCols+`,
			COALESCE((SELECT SUM(p.amount) FROM payment p WHERE p.invoice_id = invoice.id), 0)
		FROM invoice WHERE patient_id = $1
		ORDER BY invoice_date DESC, created_at DESC
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		var paid decimal.Decimal
		inv, err := scanInvoice(rows, &paid)
		if err != nil {
			return nil, 0, fmt.Errorf("scan invoice: %w", err)
		}
		inv.AmountPaid = paid
		inv.Settle()
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

func (r *invoiceRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status InvoiceStatus, notes *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice SET status = $2, notes = $3, updated_at = NOW() WHERE id = $1`,
		id, status, notes)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("invoice", id)
	}
	return nil
}

// LastAutoNumber relies on the fixed-width suffix: lexical order is numeric.
func (r *invoiceRepoPG) LastAutoNumber(ctx context.Context) (string, error) {
	var number string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT invoice_number FROM invoice
		WHERE invoice_number ~ '^AUTO-[0-9]{8}$'
		ORDER BY invoice_number DESC LIMIT 1`).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load last internal invoice number: %w", err)
	}
	return number, nil
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment (id, invoice_id, payment_date, amount, method, reference, notes, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		p.ID, p.InvoiceID, p.PaymentDate, p.Amount, p.Method, p.Reference, p.Notes, p.CreatedBy,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, payment_date, amount, method, reference, notes, created_by, created_at
		FROM payment WHERE invoice_id = $1
		ORDER BY payment_date, created_at`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	payments := []*Payment{}
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.PaymentDate, &p.Amount, &p.Method,
			&p.Reference, &p.Notes, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}

func (r *paymentRepoPG) SumByInvoice(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payment WHERE invoice_id = $1`, invoiceID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum payments: %w", err)
	}
	return sum, nil
}
