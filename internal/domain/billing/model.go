package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dentalclinic/billing/internal/domain/fiscal"
)

type InvoiceStatus string

const (
	StatusPending       InvoiceStatus = "pending"
	StatusPartiallyPaid InvoiceStatus = "partially_paid"
	StatusPaid          InvoiceStatus = "paid"
	StatusCancelled     InvoiceStatus = "cancelled"
	// StatusOverdue is set by an external scheduled job; nothing here
	// transitions into it.
	StatusOverdue InvoiceStatus = "overdue"
)

func (s InvoiceStatus) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCreditCard   PaymentMethod = "credit_card"
	MethodDebitCard    PaymentMethod = "debit_card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCheck        PaymentMethod = "check"
	MethodOther        PaymentMethod = "other"
)

var validPaymentMethods = map[PaymentMethod]bool{
	MethodCash: true, MethodCreditCard: true, MethodDebitCard: true,
	MethodBankTransfer: true, MethodCheck: true, MethodOther: true,
}

func (m PaymentMethod) Valid() bool { return validPaymentMethods[m] }

type Invoice struct {
	ID               uuid.UUID          `json:"id"`
	InvoiceNumber    string             `json:"invoice_number"`
	InvoiceType      fiscal.InvoiceType `json:"invoice_type"`
	FiscalSequenceID *uuid.UUID         `json:"fiscal_sequence_id,omitempty"`
	CAI              *string            `json:"cai,omitempty"`
	PatientID        uuid.UUID          `json:"patient_id"`
	PatientName      string             `json:"patient_name"`
	OdontogramID     uuid.UUID          `json:"odontogram_id"`
	InvoiceDate      time.Time          `json:"invoice_date"`
	Subtotal         decimal.Decimal    `json:"subtotal"`
	Discount         decimal.Decimal    `json:"discount"`
	Tax              decimal.Decimal    `json:"tax"`
	Total            decimal.Decimal    `json:"total"`
	AmountPaid       decimal.Decimal    `json:"amount_paid"`
	Balance          decimal.Decimal    `json:"balance"`
	Status           InvoiceStatus      `json:"status"`
	Notes            *string            `json:"notes,omitempty"`
	CreatedBy        string             `json:"created_by,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	LineItems        []*LineItem        `json:"line_items"`
	Payments         []*Payment         `json:"payments"`
}

// Settle recomputes Balance from Total and AmountPaid.
func (inv *Invoice) Settle() {
	inv.Balance = inv.Total.Sub(inv.AmountPaid)
}

// TreatmentRecordIDs returns the distinct records behind all line items.
func (inv *Invoice) TreatmentRecordIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, li := range inv.LineItems {
		for _, id := range li.TreatmentRecordIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// LineItem is one invoice row: a single global treatment, or every
// per-tooth record of one treatment type merged together.
type LineItem struct {
	ID                 uuid.UUID       `json:"id"`
	InvoiceID          uuid.UUID       `json:"invoice_id"`
	TreatmentID        uuid.UUID       `json:"treatment_id"`
	TreatmentCode      string          `json:"treatment_code"`
	Description        string          `json:"description"`
	IsGlobal           bool            `json:"is_global"`
	ToothNumbers       *string         `json:"tooth_numbers,omitempty"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	TreatmentRecordIDs []uuid.UUID     `json:"treatment_record_ids"`
}

type Payment struct {
	ID          uuid.UUID       `json:"id"`
	InvoiceID   uuid.UUID       `json:"invoice_id"`
	PaymentDate time.Time       `json:"payment_date"`
	Amount      decimal.Decimal `json:"amount"`
	Method      PaymentMethod   `json:"method"`
	Reference   *string         `json:"reference,omitempty"`
	Notes       *string         `json:"notes,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Preview is what an invoice for a chart would contain right now.
type Preview struct {
	OdontogramID     uuid.UUID       `json:"odontogram_id"`
	PatientID        uuid.UUID       `json:"patient_id"`
	PatientName      string          `json:"patient_name"`
	GlobalTreatments []*LineItem     `json:"global_treatments"`
	ToothTreatments  []*LineItem     `json:"tooth_treatments"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Discount         decimal.Decimal `json:"discount"`
	Tax              decimal.Decimal `json:"tax"`
	Total            decimal.Decimal `json:"total"`
}
