// Package fiscal manages CAI authorizations: government-issued numeric
// ranges within which invoices must be numbered sequentially.
package fiscal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type InvoiceType string

const (
	InvoiceTypeFactura     InvoiceType = "factura"
	InvoiceTypeRecibo      InvoiceType = "recibo"
	InvoiceTypeNotaCredito InvoiceType = "nota_credito"
	InvoiceTypeNotaDebito  InvoiceType = "nota_debito"
)

// NearExhaustionThreshold is the remaining-number count at which invoice
// creation moves to the next standby sequence.
const NearExhaustionThreshold int64 = 10

// maxRangeWidth keeps every range value inside int64.
const maxRangeWidth = 18

var documentTypeCodes = map[InvoiceType]string{
	InvoiceTypeFactura:     "01",
	InvoiceTypeRecibo:      "03",
	InvoiceTypeNotaCredito: "04",
	InvoiceTypeNotaDebito:  "05",
}

func (t InvoiceType) Valid() bool {
	_, ok := documentTypeCodes[t]
	return ok
}

// DocumentCode is the two-digit code printed in fiscal invoice numbers.
func (t InvoiceType) DocumentCode() string {
	return documentTypeCodes[t]
}

// Sequence is a CAI range. Range values are stored as integers and
// rendered zero-padded to Width digits.
type Sequence struct {
	ID                uuid.UUID
	CAI               string
	InvoiceType       InvoiceType
	RangeStart        int64
	RangeEnd          int64
	CurrentNumber     int64
	Width             int
	Branch            string
	PointOfEmission   string
	AuthorizationDate time.Time
	ExpirationDate    time.Time
	IsActive          bool
	HasBeenUsed       bool
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (s *Sequence) IsExpiredAt(now time.Time) bool {
	return now.After(s.ExpirationDate)
}

func (s *Sequence) IsExhausted() bool {
	return s.CurrentNumber >= s.RangeEnd
}

func (s *Sequence) CanIssueAt(now time.Time) bool {
	return s.IsActive && !s.IsExpiredAt(now) && !s.IsExhausted()
}

func (s *Sequence) Remaining() int64 {
	return s.RangeEnd - s.CurrentNumber
}

func (s *Sequence) IsNearExhaustion(threshold int64) bool {
	return s.Remaining() <= threshold
}

// Pad renders n at the sequence's display width.
func (s *Sequence) Pad(n int64) string {
	return fmt.Sprintf("%0*d", s.Width, n)
}

// FormatInvoiceNumber renders the number the next invoice will carry,
// e.g. "001-002-01-00000042".
func (s *Sequence) FormatInvoiceNumber() string {
	return fmt.Sprintf("%s-%s-%s-%s", s.PointOfEmission, s.Branch, s.InvoiceType.DocumentCode(), s.Pad(s.CurrentNumber))
}

// SequenceView is the API representation with derived fields resolved.
type SequenceView struct {
	ID                uuid.UUID   `json:"id"`
	CAI               string      `json:"cai"`
	InvoiceType       InvoiceType `json:"invoice_type"`
	RangeStart        string      `json:"range_start"`
	RangeEnd          string      `json:"range_end"`
	CurrentNumber     string      `json:"current_number"`
	Branch            string      `json:"branch"`
	PointOfEmission   string      `json:"point_of_emission"`
	AuthorizationDate time.Time   `json:"authorization_date"`
	ExpirationDate    time.Time   `json:"expiration_date"`
	IsActive          bool        `json:"is_active"`
	HasBeenUsed       bool        `json:"has_been_used"`
	IsExpired         bool        `json:"is_expired"`
	IsExhausted       bool        `json:"is_exhausted"`
	CanIssue          bool        `json:"can_issue"`
	Remaining         int64       `json:"remaining"`
	IsNearExhaustion  bool        `json:"is_near_exhaustion"`
	NextInvoiceNumber string      `json:"next_invoice_number,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

func (s *Sequence) View(now time.Time, threshold int64) *SequenceView {
	v := &SequenceView{
		ID:                s.ID,
		CAI:               s.CAI,
		InvoiceType:       s.InvoiceType,
		RangeStart:        s.Pad(s.RangeStart),
		RangeEnd:          s.Pad(s.RangeEnd),
		CurrentNumber:     s.Pad(s.CurrentNumber),
		Branch:            s.Branch,
		PointOfEmission:   s.PointOfEmission,
		AuthorizationDate: s.AuthorizationDate,
		ExpirationDate:    s.ExpirationDate,
		IsActive:          s.IsActive,
		HasBeenUsed:       s.HasBeenUsed,
		IsExpired:         s.IsExpiredAt(now),
		IsExhausted:       s.IsExhausted(),
		CanIssue:          s.CanIssueAt(now),
		Remaining:         s.Remaining(),
		IsNearExhaustion:  s.IsNearExhaustion(threshold),
		CreatedAt:         s.CreatedAt,
	}
	if v.CanIssue {
		v.NextInvoiceNumber = s.FormatInvoiceNumber()
	}
	return v
}
