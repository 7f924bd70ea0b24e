package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dentalclinic/billing/internal/domain/fiscal"
	"github.com/dentalclinic/billing/internal/domain/odontogram"
	"github.com/dentalclinic/billing/internal/platform/apperror"
	"github.com/dentalclinic/billing/internal/platform/auth"
)

type Service struct {
	invoices InvoiceRepository
	payments PaymentRepository
	charts   odontogram.Repository
	alloc    *fiscal.Allocator
	tx       fiscal.TxRunner
	now      func() time.Time
	logger   zerolog.Logger
}

func NewService(invoices InvoiceRepository, payments PaymentRepository, charts odontogram.Repository,
	alloc *fiscal.Allocator, tx fiscal.TxRunner) *Service {
	return &Service{
		invoices: invoices,
		payments: payments,
		charts:   charts,
		alloc:    alloc,
		tx:       tx,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
}

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// -- Preview --

func (s *Service) buildPreview(ctx context.Context, chartID uuid.UUID) (*Preview, error) {
	chart, err := s.charts.GetChart(ctx, chartID)
	if err != nil {
		return nil, err
	}
	records, err := s.charts.ListBillable(ctx, chart.ID, nil)
	if err != nil {
		return nil, err
	}
	global, perTooth := BuildLineItems(records)
	if global == nil {
		global = []*LineItem{}
	}
	if perTooth == nil {
		perTooth = []*LineItem{}
	}
	subtotal := sumLines(global, perTooth)
	return &Preview{
		OdontogramID:     chart.ID,
		PatientID:        chart.PatientID,
		PatientName:      chart.PatientName,
		GlobalTreatments: global,
		ToothTreatments:  perTooth,
		Subtotal:         subtotal,
		Discount:         decimal.Zero,
		Tax:              decimal.Zero,
		Total:            subtotal,
	}, nil
}

// PendingTreatments lists what could still be billed on the chart. An
// empty result is not an error.
func (s *Service) PendingTreatments(ctx context.Context, chartID uuid.UUID) (*Preview, error) {
	return s.buildPreview(ctx, chartID)
}

// PreviewInvoice shows the invoice CreateInvoice would produce for every
// pending treatment on the chart, before any discount. It writes nothing.
func (s *Service) PreviewInvoice(ctx context.Context, chartID uuid.UUID) (*Preview, error) {
	p, err := s.buildPreview(ctx, chartID)
	if err != nil {
		return nil, err
	}
	if len(p.GlobalTreatments) == 0 && len(p.ToothTreatments) == 0 {
		return nil, apperror.Rule("no pending treatments")
	}
	return p, nil
}

// -- Invoices --

type CreateInvoiceInput struct {
	ChartID            uuid.UUID
	TreatmentRecordIDs []uuid.UUID
	// InvoiceType defaults to factura.
	InvoiceType        fiscal.InvoiceType
	DiscountAmount     *decimal.Decimal
	DiscountPercentage *decimal.Decimal
	Notes              *string
}

// CreateInvoice bills the requested treatment records of a chart. Records
// that are already paid, already invoiced or not on the chart are skipped;
// nothing left to bill is a rule violation. Number allocation, the invoice
// insert and the fiscal cursor advance commit together.
func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*Invoice, error) {
	t := in.InvoiceType
	if t == "" {
		t = fiscal.InvoiceTypeFactura
	}
	if !t.Valid() {
		return nil, apperror.Validation("invalid invoice type %q", t)
	}

	var inv *Invoice
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		chart, err := s.charts.LockChart(ctx, in.ChartID)
		if err != nil {
			return err
		}
		records, err := s.charts.ListBillable(ctx, chart.ID, in.TreatmentRecordIDs)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return apperror.Rule("no pending treatments")
		}

		global, perTooth := BuildLineItems(records)
		subtotal := sumLines(global, perTooth)
		discount, err := ComputeDiscount(subtotal, in.DiscountAmount, in.DiscountPercentage)
		if err != nil {
			return err
		}

		alloc, err := s.alloc.Allocate(ctx, t)
		if err != nil {
			return err
		}

		inv = &Invoice{
			InvoiceNumber: alloc.Number,
			InvoiceType:   t,
			PatientID:     chart.PatientID,
			PatientName:   chart.PatientName,
			OdontogramID:  chart.ID,
			InvoiceDate:   s.now(),
			Subtotal:      subtotal,
			Discount:      discount,
			Tax:           decimal.Zero,
			Total:         subtotal.Sub(discount),
			AmountPaid:    decimal.Zero,
			Status:        StatusPending,
			Notes:         in.Notes,
			CreatedBy:     auth.UserIDFromContext(ctx),
			LineItems:     append(global, perTooth...),
			Payments:      []*Payment{},
		}
		if alloc.Sequence != nil {
			seqID, cai := alloc.Sequence.ID, alloc.Sequence.CAI
			inv.FiscalSequenceID = &seqID
			inv.CAI = &cai
		}
		if inv.Total.IsZero() {
			inv.Status = StatusPaid
		}

		if err := s.invoices.Create(ctx, inv); err != nil {
			return err
		}
		if err := s.alloc.Consume(ctx, alloc); err != nil {
			return err
		}
		if inv.Status == StatusPaid {
			if _, err := s.charts.MarkPaid(ctx, inv.TreatmentRecordIDs()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	inv.Settle()

	s.logger.Info().
		Str("invoice_number", inv.InvoiceNumber).
		Str("invoice_id", inv.ID.String()).
		Str("total", inv.Total.StringFixed(2)).
		Int("line_items", len(inv.LineItems)).
		Msg("invoice created")
	return inv, nil
}

// hydrate fills payments and the derived amounts.
func (s *Service) hydrate(ctx context.Context, inv *Invoice) error {
	payments, err := s.payments.ListByInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	inv.Payments = payments
	inv.AmountPaid = decimal.Zero
	for _, p := range payments {
		inv.AmountPaid = inv.AmountPaid.Add(p.Amount)
	}
	inv.Settle()
	return nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) ListInvoicesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	return s.invoices.ListByPatient(ctx, patientID, limit, offset)
}

// -- Payments --

type RegisterPaymentInput struct {
	InvoiceID uuid.UUID
	Amount    decimal.Decimal
	Method    PaymentMethod
	Reference *string
	Notes     *string
}

// RegisterPayment records a payment against an open invoice. The balance
// is re-read under the invoice row lock, so concurrent payments can never
// add up to more than the total. Settling the invoice marks every
// treatment record it covers as paid.
func (s *Service) RegisterPayment(ctx context.Context, in RegisterPaymentInput) (*Payment, error) {
	if !in.Amount.IsPositive() {
		return nil, apperror.Validation("payment amount must be greater than zero")
	}
	if err := requireCents("payment amount", in.Amount); err != nil {
		return nil, err
	}
	if !in.Method.Valid() {
		return nil, apperror.Validation("invalid payment method %q", in.Method)
	}

	var (
		payment *Payment
		settled bool
		inv     *Invoice
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		settled = false
		var err error
		if inv, err = s.invoices.GetForUpdate(ctx, in.InvoiceID); err != nil {
			return err
		}
		switch inv.Status {
		case StatusCancelled:
			return apperror.Rule("cannot pay a cancelled invoice")
		case StatusPaid:
			return apperror.Rule("invoice %s is already fully paid", inv.InvoiceNumber)
		}

		paid, err := s.payments.SumByInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		balance := inv.Total.Sub(paid)
		if in.Amount.GreaterThan(balance) {
			return apperror.Rule("payment amount %s exceeds the outstanding balance %s",
				in.Amount.StringFixed(2), balance.StringFixed(2))
		}

		payment = &Payment{
			InvoiceID:   inv.ID,
			PaymentDate: s.now(),
			Amount:      in.Amount,
			Method:      in.Method,
			Reference:   in.Reference,
			Notes:       in.Notes,
			CreatedBy:   auth.UserIDFromContext(ctx),
		}
		if err := s.payments.Create(ctx, payment); err != nil {
			return err
		}

		inv.AmountPaid = paid.Add(in.Amount)
		inv.Settle()
		status := StatusPartiallyPaid
		if !inv.Balance.IsPositive() {
			status = StatusPaid
			settled = true
		}
		if err := s.invoices.UpdateStatus(ctx, inv.ID, status, inv.Notes); err != nil {
			return err
		}
		inv.Status = status

		if settled {
			if _, err := s.charts.MarkPaid(ctx, inv.TreatmentRecordIDs()); err != nil {
				return fmt.Errorf("mark treatments paid: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if settled {
		s.logger.Info().
			Str("invoice_number", inv.InvoiceNumber).
			Str("total", inv.Total.StringFixed(2)).
			Msg("invoice settled")
	}
	return payment, nil
}

// -- Cancellation --

// CancelInvoice voids an invoice nobody has paid anything on. The reason is
// appended to the existing notes. Numbers are never reused, so a cancelled
// fiscal number stays consumed.
func (s *Service) CancelInvoice(ctx context.Context, id uuid.UUID, reason string) (*Invoice, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperror.Validation("a cancellation reason is required")
	}

	var inv *Invoice
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if inv, err = s.invoices.GetForUpdate(ctx, id); err != nil {
			return err
		}
		switch inv.Status {
		case StatusCancelled:
			return apperror.Rule("invoice %s is already cancelled", inv.InvoiceNumber)
		case StatusPaid:
			return apperror.Rule("cannot cancel a paid invoice")
		}

		payments, err := s.payments.ListByInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		if len(payments) > 0 {
			return apperror.Rule("cannot cancel an invoice with registered payments")
		}

		notes := appendNote(inv.Notes, "[CANCELLED] Reason: "+reason)
		if err := s.invoices.UpdateStatus(ctx, inv.ID, StatusCancelled, notes); err != nil {
			return err
		}
		inv.Status = StatusCancelled
		inv.Notes = notes
		inv.Payments = payments
		inv.AmountPaid = decimal.Zero
		inv.Settle()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("invoice_number", inv.InvoiceNumber).
		Str("reason", reason).
		Msg("invoice cancelled")
	return inv, nil
}

func appendNote(notes *string, line string) *string {
	if notes == nil || strings.TrimSpace(*notes) == "" {
		return &line
	}
	joined := *notes + "\n" + line
	return &joined
}
