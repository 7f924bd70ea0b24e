package odontogram

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	GetChart(ctx context.Context, id uuid.UUID) (*Chart, error)
	// LockChart is GetChart plus a row lock held until the transaction ends.
	LockChart(ctx context.Context, id uuid.UUID) (*Chart, error)
	// ListBillable returns the chart's unpaid records that no live invoice
	// already covers. A nil ids slice means every such record.
	ListBillable(ctx context.Context, chartID uuid.UUID, ids []uuid.UUID) ([]*TreatmentRecord, error)
	// MarkPaid flips is_paid on the given records and reports how many
	// changed. Records already paid are left alone.
	MarkPaid(ctx context.Context, ids []uuid.UUID) (int64, error)
}
