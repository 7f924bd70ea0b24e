//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalclinic/billing/internal/domain/fiscal"
	"github.com/dentalclinic/billing/internal/platform/apperror"
	"github.com/dentalclinic/billing/internal/platform/db"
)

func TestSingleActiveSequenceIndex(t *testing.T) {
	clinic := newClinic(t, "uqactive")
	svc := newServices()
	first := seedSequence(t, clinic, svc, "CAI-A", "00000001", "00000100", farFuture())
	require.True(t, first.IsActive)

	err := inClinic(clinic, func(ctx context.Context) error {
		_, err := db.ConnFromContext(ctx).Exec(ctx, `
			INSERT INTO fiscal_sequence (id, cai, invoice_type, range_start, range_end, current_number, number_width,
				branch, point_of_emission, authorization_date, expiration_date, is_active)
			VALUES ($1, 'CAI-B', 'factura', 1, 100, 1, 8, '001', '002', NOW(), NOW() + INTERVAL '1 year', TRUE)`,
			uuid.New())
		return err
	})
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err, "uq_fiscal_sequence_active_type"), "got %v", err)
}

func TestDuplicateCAIRejected(t *testing.T) {
	clinic := newClinic(t, "dupcai")
	svc := newServices()
	seedSequence(t, clinic, svc, "CAI-DUP", "00000001", "00000100", farFuture())

	err := inClinic(clinic, func(ctx context.Context) error {
		_, err := svc.Fiscal.CreateSequence(ctx, fiscal.CreateSequenceInput{
			CAI:               "CAI-DUP",
			InvoiceType:       fiscal.InvoiceTypeFactura,
			RangeStart:        "00000101",
			RangeEnd:          "00000200",
			Branch:            "001",
			PointOfEmission:   "002",
			AuthorizationDate: time.Now(),
			ExpirationDate:    farFuture(),
		})
		return err
	})
	assert.True(t, apperror.Is(err, apperror.KindBusinessRule), "got %v", err)
}

func TestActivateSwitchesActiveSequence(t *testing.T) {
	clinic := newClinic(t, "activate")
	svc := newServices()
	a := seedSequence(t, clinic, svc, "CAI-ONE", "00000001", "00000100", farFuture())
	b := seedSequence(t, clinic, svc, "CAI-TWO", "00000101", "00000200", farFuture())

	mustInClinic(t, clinic, func(ctx context.Context) error {
		got, err := svc.Fiscal.Activate(ctx, b.ID)
		require.NoError(t, err)
		assert.True(t, got.IsActive)

		seqs, err := svc.Fiscal.List(ctx)
		require.NoError(t, err)
		require.Len(t, seqs, 2)
		assert.Equal(t, b.ID, seqs[0].ID, "active sequence is listed first")
		return nil
	})
	assert.False(t, getSequence(t, clinic, svc, a.ID).IsActive)

	mustInClinic(t, clinic, func(ctx context.Context) error {
		got, err := svc.Fiscal.Deactivate(ctx, b.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		return nil
	})
}

func TestAdvanceStopsAtRangeEnd(t *testing.T) {
	clinic := newClinic(t, "advance")
	svc := newServices()
	seq := seedSequence(t, clinic, svc, "CAI-END", "00000001", "00000005", farFuture())
	setCursor(t, clinic, seq.ID, 4)

	repo := fiscal.NewRepoPG(env.Pool)
	mustInClinic(t, clinic, func(ctx context.Context) error {
		next, err := repo.Advance(ctx, seq.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), next)

		_, err = repo.Advance(ctx, seq.ID)
		assert.True(t, apperror.Is(err, apperror.KindBusinessRule), "got %v", err)
		return nil
	})

	after := getSequence(t, clinic, svc, seq.ID)
	assert.True(t, after.IsExhausted())
	assert.True(t, after.HasBeenUsed)
}

func TestNextStandbyPicksEarliestExpiry(t *testing.T) {
	clinic := newClinic(t, "standby")
	svc := newServices()
	seedSequence(t, clinic, svc, "CAI-ACTIVE", "00000001", "00000100", farFuture())
	late := seedSequence(t, clinic, svc, "CAI-LATE", "00000201", "00000300", time.Now().AddDate(2, 0, 0))
	soon := seedSequence(t, clinic, svc, "CAI-SOON", "00000301", "00000400", time.Now().AddDate(0, 6, 0))
	expired := seedSequence(t, clinic, svc, "CAI-GONE", "00000401", "00000500", farFuture())
	mustInClinic(t, clinic, func(ctx context.Context) error {
		_, err := db.ConnFromContext(ctx).Exec(ctx,
			`UPDATE fiscal_sequence SET expiration_date = NOW() - INTERVAL '1 day' WHERE id = $1`, expired.ID)
		return err
	})

	repo := fiscal.NewRepoPG(env.Pool)
	mustInClinic(t, clinic, func(ctx context.Context) error {
		return db.RunInTx(ctx, env.Pool, func(ctx context.Context) error {
			next, err := repo.NextStandby(ctx, fiscal.InvoiceTypeFactura, time.Now())
			require.NoError(t, err)
			require.NotNil(t, next)
			assert.Equal(t, soon.ID, next.ID)
			assert.NotEqual(t, late.ID, next.ID)
			return nil
		})
	})
}
