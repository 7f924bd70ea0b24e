package fiscal_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalclinic/billing/internal/domain/fiscal"
	"github.com/dentalclinic/billing/internal/domain/fiscal/fiscaltest"
	"github.com/dentalclinic/billing/internal/platform/apperror"
)

func newService() (*fiscal.Service, *fiscaltest.Repo) {
	repo := fiscaltest.NewRepo()
	return fiscal.NewService(repo, fiscaltest.NewTxRunner(repo)), repo
}

func validInput(cai string) fiscal.CreateSequenceInput {
	return fiscal.CreateSequenceInput{
		CAI:               cai,
		InvoiceType:       fiscal.InvoiceTypeFactura,
		RangeStart:        "00000001",
		RangeEnd:          "00000500",
		Branch:            "001",
		PointOfEmission:   "000",
		AuthorizationDate: time.Now().Add(-24 * time.Hour),
		ExpirationDate:    inYears(1),
		CreatedBy:         "admin-1",
	}
}

func TestCreateSequence_FirstOfTypeIsActive(t *testing.T) {
	svc, _ := newService()
	seq, err := svc.CreateSequence(context.Background(), validInput("CAI-1"))
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, seq.ID)
	assert.True(t, seq.IsActive)
	assert.False(t, seq.HasBeenUsed)
	assert.Equal(t, int64(1), seq.CurrentNumber)
	assert.Equal(t, 8, seq.Width)
	assert.Equal(t, "admin-1", seq.CreatedBy)
}

func TestCreateSequence_SecondIsStandby(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	_, err := svc.CreateSequence(ctx, validInput("CAI-1"))
	require.NoError(t, err)

	second, err := svc.CreateSequence(ctx, validInput("CAI-2"))
	require.NoError(t, err)
	assert.False(t, second.IsActive)

	recibo := validInput("CAI-3")
	recibo.InvoiceType = fiscal.InvoiceTypeRecibo
	third, err := svc.CreateSequence(ctx, recibo)
	require.NoError(t, err)
	assert.True(t, third.IsActive, "first recibo sequence is active")
}

func TestCreateSequence_DuplicateCAI(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	_, err := svc.CreateSequence(ctx, validInput("CAI-1"))
	require.NoError(t, err)

	_, err = svc.CreateSequence(ctx, validInput("CAI-1"))
	assert.True(t, apperror.Is(err, apperror.KindBusinessRule))
}

func TestCreateSequence_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fiscal.CreateSequenceInput)
	}{
		{"missing cai", func(in *fiscal.CreateSequenceInput) { in.CAI = "  " }},
		{"bad type", func(in *fiscal.CreateSequenceInput) { in.InvoiceType = "boleta" }},
		{"inverted range", func(in *fiscal.CreateSequenceInput) { in.RangeStart, in.RangeEnd = "00000500", "00000001" }},
		{"mismatched widths", func(in *fiscal.CreateSequenceInput) { in.RangeEnd = "500" }},
		{"non numeric", func(in *fiscal.CreateSequenceInput) { in.RangeStart = "0000000A" }},
		{"missing branch", func(in *fiscal.CreateSequenceInput) { in.Branch = "" }},
		{"expires before authorization", func(in *fiscal.CreateSequenceInput) {
			in.ExpirationDate = in.AuthorizationDate.Add(-time.Hour)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo := newService()
			in := validInput("CAI-1")
			tt.mutate(&in)
			_, err := svc.CreateSequence(context.Background(), in)
			assert.True(t, apperror.Is(err, apperror.KindValidation), "got %v", err)
			list, _ := repo.List(context.Background())
			assert.Empty(t, list)
		})
	}
}

func TestActivate_DeactivatesOthersOfSameType(t *testing.T) {
	svc, repo := newService()
	ctx := context.Background()
	first := repo.Add(newSeq("CAI-1", 1, 100, 1, true, inYears(1)))
	second := repo.Add(newSeq("CAI-2", 1, 100, 1, false, inYears(1)))
	recibo := newSeq("CAI-R", 1, 100, 1, true, inYears(1))
	recibo.InvoiceType = fiscal.InvoiceTypeRecibo
	repo.Add(recibo)

	got, err := svc.Activate(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.False(t, repo.Peek(first.ID).IsActive)
	assert.True(t, repo.Peek(second.ID).IsActive)
	assert.True(t, repo.Peek(recibo.ID).IsActive, "other invoice types are untouched")

	active, _ := repo.Active(ctx, fiscal.InvoiceTypeFactura)
	assert.Equal(t, second.ID, active.ID)
}

func TestActivate_Rejections(t *testing.T) {
	used := newSeq("CAI-USED", 1, 100, 7, false, inYears(1))
	used.HasBeenUsed = true
	expired := newSeq("CAI-EXP", 1, 100, 1, false, time.Now().Add(-time.Hour))
	spent := newSeq("CAI-SPENT", 1, 100, 100, false, inYears(1))

	for _, seq := range []*fiscal.Sequence{used, expired, spent} {
		t.Run(seq.CAI, func(t *testing.T) {
			svc, repo := newService()
			repo.Add(seq)
			_, err := svc.Activate(context.Background(), seq.ID)
			assert.True(t, apperror.Is(err, apperror.KindBusinessRule), "got %v", err)
			assert.False(t, repo.Peek(seq.ID).IsActive)
		})
	}
}

func TestActivate_NotFound(t *testing.T) {
	svc, _ := newService()
	_, err := svc.Activate(context.Background(), uuid.New())
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
}

func TestDeactivate_KeepsUsedFlag(t *testing.T) {
	svc, repo := newService()
	ctx := context.Background()
	seq := newSeq("CAI-1", 1, 100, 5, true, inYears(1))
	seq.HasBeenUsed = true
	repo.Add(seq)

	got, err := svc.Deactivate(ctx, seq.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.True(t, repo.Peek(seq.ID).HasBeenUsed)

	_, err = svc.Activate(ctx, seq.ID)
	assert.True(t, apperror.Is(err, apperror.KindBusinessRule), "used sequence cannot come back")

	again, err := svc.Deactivate(ctx, seq.ID)
	require.NoError(t, err)
	assert.False(t, again.IsActive)
}

func TestList_ActiveFirst(t *testing.T) {
	svc, repo := newService()
	repo.Add(newSeq("CAI-INACTIVE", 1, 100, 1, false, inYears(5)))
	active := repo.Add(newSeq("CAI-ACTIVE", 1, 100, 1, true, inYears(1)))

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, active.ID, list[0].ID)
}
