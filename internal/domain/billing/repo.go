package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InvoiceRepository interface {
	// Create inserts inv and its line items, assigning their IDs.
	Create(ctx context.Context, inv *Invoice) error
	// GetByID loads the invoice with its line items. Payments and
	// AmountPaid are left for the caller.
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// GetForUpdate is GetByID plus a row lock held until the transaction
	// ends. Payments and cancellation of one invoice serialize on it.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// ListByPatient returns one page of the patient's invoices, newest
	// first, with AmountPaid and Balance filled in.
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status InvoiceStatus, notes *string) error
	// LastAutoNumber reports the highest internal AUTO number issued.
	LastAutoNumber(ctx context.Context) (string, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
	SumByInvoice(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error)
}
