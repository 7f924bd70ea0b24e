package billing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalclinic/billing/internal/domain/odontogram"
	"github.com/dentalclinic/billing/internal/platform/apperror"
)

func record(treatment uuid.UUID, name string, tooth int, price string) *odontogram.TreatmentRecord {
	r := &odontogram.TreatmentRecord{
		ID:            uuid.New(),
		TreatmentID:   treatment,
		TreatmentName: name,
		Price:         dec(price),
	}
	if tooth != 0 {
		tr := uuid.New()
		n := tooth
		r.ToothRecordID = &tr
		r.ToothNumber = &n
	}
	return r
}

func TestBuildLineItems_GlobalRecordsStaySeparate(t *testing.T) {
	a := record(cleaning, "Cleaning", 0, "300.00")
	b := record(cleaning, "Cleaning", 0, "300.00")

	global, perTooth := BuildLineItems([]*odontogram.TreatmentRecord{a, b})

	require.Len(t, global, 2)
	assert.Empty(t, perTooth)
	for _, li := range global {
		assert.True(t, li.IsGlobal)
		assert.Equal(t, 1, li.Quantity)
		assert.Nil(t, li.ToothNumbers)
		assert.Len(t, li.TreatmentRecordIDs, 1)
	}
}

func TestBuildLineItems_GroupsPerToothByTreatment(t *testing.T) {
	records := []*odontogram.TreatmentRecord{
		record(filling, "Filling", 46, "150.00"),
		record(crown, "Crown", 11, "900.00"),
		record(filling, "Filling", 12, "180.00"),
		record(filling, "Filling", 46, "150.00"),
	}

	global, perTooth := BuildLineItems(records)

	assert.Empty(t, global)
	require.Len(t, perTooth, 2)

	fill := perTooth[0]
	assert.Equal(t, "Filling", fill.Description)
	assert.Equal(t, "12, 46", *fill.ToothNumbers)
	assert.Equal(t, 3, fill.Quantity)
	assert.True(t, dec("150.00").Equal(fill.UnitPrice))
	assert.True(t, dec("480.00").Equal(fill.Subtotal))
	assert.ElementsMatch(t, []uuid.UUID{records[0].ID, records[2].ID, records[3].ID}, fill.TreatmentRecordIDs)

	assert.Equal(t, "Crown", perTooth[1].Description)
	assert.Equal(t, "11", *perTooth[1].ToothNumbers)
}

func TestBuildLineItems_SubtotalMatchesRecordSum(t *testing.T) {
	records := []*odontogram.TreatmentRecord{
		record(cleaning, "Cleaning", 0, "300.10"),
		record(filling, "Filling", 21, "150.25"),
		record(filling, "Filling", 22, "150.25"),
		record(crown, "Crown", 36, "899.99"),
	}
	global, perTooth := BuildLineItems(records)
	assert.True(t, dec("1500.59").Equal(sumLines(global, perTooth)))
}

func TestComputeDiscount(t *testing.T) {
	subtotal := dec("200.00")
	tests := []struct {
		name    string
		amount  string
		percent string
		want    string
		kind    apperror.Kind
	}{
		{name: "no discount", want: "0"},
		{name: "flat", amount: "25.50", want: "25.50"},
		{name: "percentage", percent: "10", want: "20.00"},
		{name: "percentage rounds to cents", percent: "33.333", want: "66.67"},
		{name: "flat wins", amount: "5", percent: "50", want: "5"},
		{name: "whole subtotal", amount: "200.00", want: "200.00"},
		{name: "above subtotal", amount: "200.01", kind: apperror.KindValidation},
		{name: "negative flat", amount: "-1", kind: apperror.KindValidation},
		{name: "flat finer than a cent", amount: "0.005", kind: apperror.KindValidation},
		{name: "percentage above 100", percent: "100.5", kind: apperror.KindValidation},
		{name: "negative percentage", percent: "-3", kind: apperror.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeDiscount(subtotal, optional(tt.amount), optional(tt.percent))
			if tt.kind != "" {
				assert.True(t, apperror.Is(err, tt.kind), "err: %v", err)
				return
			}
			require.NoError(t, err)
			assert.True(t, dec(tt.want).Equal(got), "got %s", got)
		})
	}
}

func optional(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	return decPtr(s)
}
