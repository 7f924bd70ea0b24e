package billing

import (
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dentalclinic/billing/internal/domain/odontogram"
	"github.com/dentalclinic/billing/internal/platform/apperror"
)

var hundred = decimal.NewFromInt(100)

// BuildLineItems turns treatment records into invoice rows. Each global
// record is its own row. Per-tooth records are grouped by treatment: the
// row lists the sorted distinct teeth, shows the first record's price as
// unit price and sums the group's prices as subtotal. Rows keep the order
// in which their first record appears.
func BuildLineItems(records []*odontogram.TreatmentRecord) (global, perTooth []*LineItem) {
	groups := make(map[uuid.UUID]*LineItem)
	teeth := make(map[uuid.UUID]map[int]bool)

	for _, r := range records {
		if r.IsGlobal() {
			global = append(global, &LineItem{
				TreatmentID:        r.TreatmentID,
				TreatmentCode:      r.TreatmentCode,
				Description:        r.TreatmentName,
				IsGlobal:           true,
				Quantity:           1,
				UnitPrice:          r.Price,
				Subtotal:           r.Price,
				TreatmentRecordIDs: []uuid.UUID{r.ID},
			})
			continue
		}

		li, ok := groups[r.TreatmentID]
		if !ok {
			li = &LineItem{
				TreatmentID:   r.TreatmentID,
				TreatmentCode: r.TreatmentCode,
				Description:   r.TreatmentName,
				UnitPrice:     r.Price,
				Subtotal:      decimal.Zero,
			}
			groups[r.TreatmentID] = li
			teeth[r.TreatmentID] = make(map[int]bool)
			perTooth = append(perTooth, li)
		}
		li.Quantity++
		li.Subtotal = li.Subtotal.Add(r.Price)
		li.TreatmentRecordIDs = append(li.TreatmentRecordIDs, r.ID)
		if r.ToothNumber != nil {
			teeth[r.TreatmentID][*r.ToothNumber] = true
		}
	}

	for id, li := range groups {
		joined := joinTeeth(teeth[id])
		li.ToothNumbers = &joined
	}
	return global, perTooth
}

func joinTeeth(set map[int]bool) string {
	nums := make([]int, 0, len(set))
	for n := range set {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

func sumLines(items ...[]*LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, list := range items {
		for _, li := range list {
			total = total.Add(li.Subtotal)
		}
	}
	return total
}

// requireCents rejects amounts finer than a cent. Money columns are
// NUMERIC(12,2) and would silently round them.
func requireCents(field string, d decimal.Decimal) error {
	if !d.Equal(d.Round(2)) {
		return apperror.Validation("%s must have at most 2 decimal places, got %s", field, d.String())
	}
	return nil
}

// ComputeDiscount resolves the requested discount against subtotal. A flat
// amount wins over a percentage. Negative values, percentages above 100
// and discounts larger than the subtotal are rejected.
func ComputeDiscount(subtotal decimal.Decimal, amount, percentage *decimal.Decimal) (decimal.Decimal, error) {
	discount := decimal.Zero
	switch {
	case amount != nil:
		if amount.IsNegative() {
			return decimal.Zero, apperror.Validation("discount_amount must not be negative")
		}
		if err := requireCents("discount_amount", *amount); err != nil {
			return decimal.Zero, err
		}
		discount = *amount
	case percentage != nil:
		if percentage.IsNegative() || percentage.GreaterThan(hundred) {
			return decimal.Zero, apperror.Validation("discount_percentage must be between 0 and 100")
		}
		discount = subtotal.Mul(*percentage).Div(hundred).Round(2)
	}
	if discount.GreaterThan(subtotal) {
		return decimal.Zero, apperror.Validation("discount %s exceeds subtotal %s", discount.StringFixed(2), subtotal.StringFixed(2))
	}
	return discount, nil
}
