package fiscal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalclinic/billing/internal/domain/fiscal"
	"github.com/dentalclinic/billing/internal/domain/fiscal/fiscaltest"
	"github.com/dentalclinic/billing/internal/platform/apperror"
)

func newSeq(cai string, start, end, current int64, active bool, expires time.Time) *fiscal.Sequence {
	return &fiscal.Sequence{
		CAI:               cai,
		InvoiceType:       fiscal.InvoiceTypeFactura,
		RangeStart:        start,
		RangeEnd:          end,
		CurrentNumber:     current,
		Width:             8,
		Branch:            "001",
		PointOfEmission:   "000",
		AuthorizationDate: time.Now().Add(-24 * time.Hour),
		ExpirationDate:    expires,
		IsActive:          active,
	}
}

func inYears(n int) time.Time { return time.Now().AddDate(n, 0, 0) }

func allocateAndConsume(t *testing.T, a *fiscal.Allocator) *fiscal.Allocation {
	t.Helper()
	ctx := context.Background()
	alloc, err := a.Allocate(ctx, fiscal.InvoiceTypeFactura)
	require.NoError(t, err)
	require.NoError(t, a.Consume(ctx, alloc))
	return alloc
}

func TestAllocator_UsesActiveSequence(t *testing.T) {
	repo := fiscaltest.NewRepo()
	seq := repo.Add(newSeq("CAI-A", 1, 10, 1, true, inYears(1)))
	a := fiscal.NewAllocator(repo, &fiscaltest.AutoSource{})

	alloc := allocateAndConsume(t, a)

	assert.Equal(t, "000-001-01-00000001", alloc.Number)
	stored := repo.Peek(seq.ID)
	assert.Equal(t, int64(2), stored.CurrentNumber)
	assert.Equal(t, "00000002", stored.Pad(stored.CurrentNumber))
	assert.Equal(t, int64(8), stored.Remaining())
	assert.True(t, stored.HasBeenUsed)
	assert.Equal(t, 1, repo.Locks[fiscal.InvoiceTypeFactura])
}

func TestAllocator_MonotonicCursor(t *testing.T) {
	repo := fiscaltest.NewRepo()
	seq := repo.Add(newSeq("CAI-A", 1, 100, 1, true, inYears(1)))
	a := fiscal.NewAllocator(repo, &fiscaltest.AutoSource{})
	a.SetThreshold(1)

	seen := map[string]bool{}
	for i := 0; i < 25; i++ {
		alloc := allocateAndConsume(t, a)
		assert.False(t, seen[alloc.Number], "duplicate %s", alloc.Number)
		seen[alloc.Number] = true
	}
	assert.Equal(t, int64(26), repo.Peek(seq.ID).CurrentNumber)
}

func TestAllocator_SwitchesNearExhaustion(t *testing.T) {
	repo := fiscaltest.NewRepo()
	current := repo.Add(newSeq("CAI-OLD", 1, 10, 1, true, inYears(1)))
	later := repo.Add(newSeq("CAI-LATER", 1, 500, 1, false, inYears(3)))
	sooner := repo.Add(newSeq("CAI-SOONER", 1, 500, 1, false, inYears(2)))
	a := fiscal.NewAllocator(repo, &fiscaltest.AutoSource{})

	alloc := allocateAndConsume(t, a)

	require.NotNil(t, alloc.Sequence)
	assert.Equal(t, sooner.ID, alloc.Sequence.ID)
	assert.False(t, repo.Peek(current.ID).IsActive)
	assert.Equal(t, int64(1), repo.Peek(current.ID).CurrentNumber)
	assert.True(t, repo.Peek(sooner.ID).IsActive)
	assert.Equal(t, int64(2), repo.Peek(sooner.ID).CurrentNumber)
	assert.False(t, repo.Peek(later.ID).IsActive)
}

func TestAllocator_SkipsIneligibleStandbys(t *testing.T) {
	repo := fiscaltest.NewRepo()
	current := repo.Add(newSeq("CAI-OLD", 1, 10, 5, true, inYears(1)))
	used := newSeq("CAI-USED", 1, 500, 3, false, inYears(1))
	used.HasBeenUsed = true
	repo.Add(used)
	repo.Add(newSeq("CAI-EXPIRED", 1, 500, 1, false, time.Now().Add(-time.Hour)))
	repo.Add(newSeq("CAI-SPENT", 1, 500, 500, false, inYears(1)))
	other := newSeq("CAI-RECIBO", 1, 500, 1, false, inYears(1))
	other.InvoiceType = fiscal.InvoiceTypeRecibo
	repo.Add(other)
	a := fiscal.NewAllocator(repo, &fiscaltest.AutoSource{})

	alloc := allocateAndConsume(t, a)

	assert.Equal(t, current.ID, alloc.Sequence.ID, "no eligible standby: keep consuming the current range")
	assert.Equal(t, "000-001-01-00000005", alloc.Number)
}

func TestAllocator_NoSwitchAboveThreshold(t *testing.T) {
	repo := fiscaltest.NewRepo()
	current := repo.Add(newSeq("CAI-A", 1, 100, 50, true, inYears(1)))
	repo.Add(newSeq("CAI-B", 1, 100, 1, false, inYears(1)))
	a := fiscal.NewAllocator(repo, &fiscaltest.AutoSource{})

	alloc := allocateAndConsume(t, a)
	assert.Equal(t, current.ID, alloc.Sequence.ID)
}

func TestAllocator_ConfiguredThreshold(t *testing.T) {
	repo := fiscaltest.NewRepo()
	repo.Add(newSeq("CAI-A", 1, 100, 50, true, inYears(1)))
	standby := repo.Add(newSeq("CAI-B", 1, 100, 1, false, inYears(1)))
	a := fiscal.NewAllocator(repo, &fiscaltest.AutoSource{})
	a.SetThreshold(60)

	alloc := allocateAndConsume(t, a)
	assert.Equal(t, standby.ID, alloc.Sequence.ID)
}

func TestAllocator_UnusableActiveDoesNotSwitch(t *testing.T) {
	cases := []struct {
		name   string
		active *fiscal.Sequence
	}{
		{name: "exhausted", active: newSeq("CAI-A", 1, 10, 10, true, inYears(1))},
		{name: "expired", active: newSeq("CAI-A", 1, 100, 1, true, time.Now().Add(-time.Minute))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := fiscaltest.NewRepo()
			active := repo.Add(tc.active)
			standby := repo.Add(newSeq("CAI-B", 1, 100, 1, false, inYears(1)))
			a := fiscal.NewAllocator(repo, &fiscaltest.AutoSource{})

			alloc := allocateAndConsume(t, a)
			assert.Equal(t, "AUTO-00000001", alloc.Number)
			assert.Nil(t, alloc.Sequence)
			assert.True(t, repo.Peek(active.ID).IsActive)
			assert.False(t, repo.Peek(standby.ID).IsActive)
			assert.Equal(t, int64(1), repo.Peek(standby.ID).CurrentNumber)
		})
	}
}

func TestAllocator_AutoNumbering(t *testing.T) {
	repo := fiscaltest.NewRepo()
	a := fiscal.NewAllocator(repo, &fiscaltest.AutoSource{})

	alloc := allocateAndConsume(t, a)
	assert.Equal(t, "AUTO-00000001", alloc.Number)
	assert.Nil(t, alloc.Sequence)

	a = fiscal.NewAllocator(repo, &fiscaltest.AutoSource{Last: "AUTO-00000041"})
	assert.Equal(t, "AUTO-00000042", allocateAndConsume(t, a).Number)
}

func TestAllocator_ExpiredActiveWithoutStandbyUsesAuto(t *testing.T) {
	repo := fiscaltest.NewRepo()
	seq := repo.Add(newSeq("CAI-A", 1, 100, 1, true, time.Now().Add(-time.Minute)))
	a := fiscal.NewAllocator(repo, &fiscaltest.AutoSource{})

	alloc := allocateAndConsume(t, a)
	assert.Equal(t, "AUTO-00000001", alloc.Number)
	assert.Equal(t, int64(1), repo.Peek(seq.ID).CurrentNumber)
}

func TestAllocator_InactiveStandbyAloneIsNotAutoActivated(t *testing.T) {
	repo := fiscaltest.NewRepo()
	standby := repo.Add(newSeq("CAI-A", 1, 100, 1, false, inYears(1)))
	a := fiscal.NewAllocator(repo, &fiscaltest.AutoSource{})

	alloc := allocateAndConsume(t, a)
	assert.Equal(t, "AUTO-00000001", alloc.Number)
	assert.False(t, repo.Peek(standby.ID).IsActive)
}

func TestAllocator_InvalidType(t *testing.T) {
	a := fiscal.NewAllocator(fiscaltest.NewRepo(), &fiscaltest.AutoSource{})
	_, err := a.Allocate(context.Background(), fiscal.InvoiceType("boleta"))
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}

func TestAllocator_ConsumeNeverPassesRangeEnd(t *testing.T) {
	repo := fiscaltest.NewRepo()
	seq := repo.Add(newSeq("CAI-A", 1, 3, 3, true, inYears(1)))
	a := fiscal.NewAllocator(repo, &fiscaltest.AutoSource{})

	err := a.Consume(context.Background(), &fiscal.Allocation{Number: "x", Sequence: seq})
	assert.True(t, apperror.Is(err, apperror.KindBusinessRule))
	assert.Equal(t, int64(3), repo.Peek(seq.ID).CurrentNumber)
}
