package fiscal

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dentalclinic/billing/internal/platform/apperror"
)

const (
	autoPrefix = "AUTO-"
	autoDigits = 8
	autoMax    = 99999999
)

var autoNumberPattern = regexp.MustCompile(`^AUTO-(\d{8})$`)

// Allocation is the number reserved for one invoice. Sequence is nil when
// the number comes from the internal AUTO counter.
type Allocation struct {
	Number   string
	Sequence *Sequence
}

// Allocator picks the invoice number for a new invoice. Allocate and
// Consume must run in the same transaction as the invoice insert.
type Allocator struct {
	repo      Repository
	autos     AutoNumberSource
	threshold int64
	now       func() time.Time
	logger    zerolog.Logger
}

func NewAllocator(repo Repository, autos AutoNumberSource) *Allocator {
	return &Allocator{
		repo:      repo,
		autos:     autos,
		threshold: NearExhaustionThreshold,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
}

// SetThreshold overrides NearExhaustionThreshold; n <= 0 is ignored.
func (a *Allocator) SetThreshold(n int64) {
	if n > 0 {
		a.threshold = n
	}
}

func (a *Allocator) SetLogger(l zerolog.Logger) { a.logger = l }

// Allocate locks numbering for t and returns the next number. An active
// sequence that is near exhaustion (or can no longer issue) is retired in
// favour of the standby expiring soonest. With no usable sequence the
// internal AUTO counter is used.
func (a *Allocator) Allocate(ctx context.Context, t InvoiceType) (*Allocation, error) {
	if !t.Valid() {
		return nil, apperror.Validation("invalid invoice type %q", t)
	}
	if err := a.repo.LockType(ctx, t); err != nil {
		return nil, fmt.Errorf("lock fiscal numbering: %w", err)
	}

	now := a.now()
	active, err := a.repo.Active(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("load active sequence: %w", err)
	}

	seq := active
	if seq != nil && !seq.CanIssueAt(now) {
		seq = nil
	}
	// Only a usable active sequence hands over to a standby; an expired or
	// exhausted one leaves issuance on internal numbering.
	if seq != nil && seq.IsNearExhaustion(a.threshold) {
		standby, err := a.switchToStandby(ctx, active, now)
		if err != nil {
			return nil, err
		}
		if standby != nil {
			seq = standby
		}
	}

	if seq != nil {
		return &Allocation{Number: seq.FormatInvoiceNumber(), Sequence: seq}, nil
	}
	return a.allocateAuto(ctx, t)
}

func (a *Allocator) switchToStandby(ctx context.Context, current *Sequence, now time.Time) (*Sequence, error) {
	next, err := a.repo.NextStandby(ctx, current.InvoiceType, now)
	if err != nil {
		return nil, fmt.Errorf("find standby sequence: %w", err)
	}
	if next == nil {
		return nil, nil
	}

	// Deactivate first: the single-active index would reject the reverse order.
	if err := a.repo.SetActive(ctx, current.ID, false); err != nil {
		return nil, err
	}
	if err := a.repo.SetActive(ctx, next.ID, true); err != nil {
		return nil, err
	}
	current.IsActive = false
	next.IsActive = true

	a.logger.Info().
		Str("invoice_type", string(current.InvoiceType)).
		Str("from_cai", current.CAI).
		Int64("from_remaining", current.Remaining()).
		Str("to_cai", next.CAI).
		Time("to_expires", next.ExpirationDate).
		Msg("fiscal sequence switched")
	return next, nil
}

func (a *Allocator) allocateAuto(ctx context.Context, t InvoiceType) (*Allocation, error) {
	if err := a.repo.LockAutoNumbering(ctx); err != nil {
		return nil, fmt.Errorf("lock internal numbering: %w", err)
	}
	last, err := a.autos.LastAutoNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last internal number: %w", err)
	}
	number, err := NextAutoNumber(last)
	if err != nil {
		return nil, err
	}

	a.logger.Warn().
		Str("invoice_type", string(t)).
		Str("invoice_number", number).
		Msg("no usable fiscal sequence, using internal numbering")
	return &Allocation{Number: number}, nil
}

// Consume advances the sequence behind alloc by one. Internal numbers need
// no bookkeeping.
func (a *Allocator) Consume(ctx context.Context, alloc *Allocation) error {
	if alloc == nil || alloc.Sequence == nil {
		return nil
	}
	next, err := a.repo.Advance(ctx, alloc.Sequence.ID)
	if err != nil {
		return err
	}
	alloc.Sequence.CurrentNumber = next
	alloc.Sequence.HasBeenUsed = true
	return nil
}

// NextAutoNumber returns the internal number following last. An empty or
// non-AUTO last starts the counter at AUTO-00000001.
func NextAutoNumber(last string) (string, error) {
	n := int64(0)
	if m := autoNumberPattern.FindStringSubmatch(last); m != nil {
		parsed, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return "", apperror.Rule("cannot parse internal invoice number %q", last)
		}
		n = parsed
	}
	if n >= autoMax {
		return "", apperror.Rule("internal invoice numbering is exhausted")
	}
	return fmt.Sprintf("%s%0*d", autoPrefix, autoDigits, n+1), nil
}
