package fiscal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// LockType serializes numbering and activation for one invoice type
	// until the surrounding transaction ends.
	LockType(ctx context.Context, t InvoiceType) error
	// LockAutoNumbering serializes the internal AUTO counter, which all
	// invoice types share.
	LockAutoNumbering(ctx context.Context) error

	Create(ctx context.Context, s *Sequence) error
	GetByID(ctx context.Context, id uuid.UUID) (*Sequence, error)
	// GetForUpdate is GetByID plus a row lock.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Sequence, error)
	ExistsCAI(ctx context.Context, cai string) (bool, error)
	List(ctx context.Context) ([]*Sequence, error)
	// Active returns the active sequence for t, or nil when there is none.
	Active(ctx context.Context, t InvoiceType) (*Sequence, error)
	// NextStandby returns the inactive, never-used, unexpired, unexhausted
	// sequence of type t expiring soonest, or nil.
	NextStandby(ctx context.Context, t InvoiceType, now time.Time) (*Sequence, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	// DeactivateOthers clears is_active on every sequence of type t except keep.
	DeactivateOthers(ctx context.Context, t InvoiceType, keep uuid.UUID) error
	// Advance moves the cursor forward by one and marks the sequence used.
	// It returns the new cursor, or a rule violation when the range is spent.
	Advance(ctx context.Context, id uuid.UUID) (int64, error)
}

// AutoNumberSource reports the highest internal "AUTO-########" invoice
// number issued so far, or "" when there is none.
type AutoNumberSource interface {
	LastAutoNumber(ctx context.Context) (string, error)
}
