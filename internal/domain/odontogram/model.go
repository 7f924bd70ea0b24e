// Package odontogram is the read side of dental charts that billing
// consumes: the chart's owning patient and its performed treatments.
// Chart and treatment CRUD live elsewhere.
package odontogram

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Chart struct {
	ID          uuid.UUID `json:"id"`
	PatientID   uuid.UUID `json:"patient_id"`
	PatientName string    `json:"patient_name"`
}

// TreatmentRecord is a billable procedure on a chart. ToothRecordID is nil
// for clinic-wide treatments such as a cleaning.
type TreatmentRecord struct {
	ID            uuid.UUID       `json:"id"`
	OdontogramID  uuid.UUID       `json:"odontogram_id"`
	ToothRecordID *uuid.UUID      `json:"tooth_record_id,omitempty"`
	ToothNumber   *int            `json:"tooth_number,omitempty"`
	TreatmentID   uuid.UUID       `json:"treatment_id"`
	TreatmentName string          `json:"treatment_name"`
	TreatmentCode string          `json:"treatment_code"`
	Price         decimal.Decimal `json:"price"`
	IsPaid        bool            `json:"is_paid"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (r *TreatmentRecord) IsGlobal() bool {
	return r.ToothRecordID == nil
}
