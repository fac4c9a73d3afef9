package charge

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Totals is the charge breakdown of an order. Values are exact; use Rounded
// for presentation.
type Totals struct {
	FoodSubtotal decimal.Decimal
	ChargesTotal decimal.Decimal
	TaxAmount    decimal.Decimal
	GrandTotal   decimal.Decimal
}

// Rounded returns the totals rounded to two decimal places.
func (t Totals) Rounded() Totals {
	return Totals{
		FoodSubtotal: t.FoodSubtotal.Round(2),
		ChargesTotal: t.ChargesTotal.Round(2),
		TaxAmount:    t.TaxAmount.Round(2),
		GrandTotal:   t.GrandTotal.Round(2),
	}
}

// ComputeTotal sums line items and extra charges and applies tax to the food
// subtotal only. Extra charges, derived or manual, are never taxed and are
// taken as already materialized.
func ComputeTotal(items []Item, charges []ExtraCharge, taxRatePercent decimal.Decimal) (Totals, error) {
	if taxRatePercent.IsNegative() {
		return Totals{}, invalid("tax_rate", ErrNegativeTaxRate)
	}

	food, err := Subtotal(items)
	if err != nil {
		return Totals{}, err
	}

	chargesTotal := decimal.Zero
	for _, c := range charges {
		if c.Amount.IsNegative() {
			return Totals{}, invalid("charge "+c.ID, ErrNegativeAmount)
		}
		chargesTotal = chargesTotal.Add(c.Amount)
	}

	tax := food.Mul(taxRatePercent).Div(hundred)

	return Totals{
		FoodSubtotal: food,
		ChargesTotal: chargesTotal,
		TaxAmount:    tax,
		GrandTotal:   food.Add(chargesTotal).Add(tax),
	}, nil
}

// Quote materializes the group's charge into charges and then computes the
// totals. A nil group leaves charges untouched.
func Quote(items []Item, charges []ExtraCharge, taxRatePercent decimal.Decimal, group *Group) (Totals, []ExtraCharge, error) {
	applied, err := ApplyGroup(charges, items, group)
	if err != nil {
		return Totals{}, nil, err
	}
	totals, err := ComputeTotal(items, applied, taxRatePercent)
	if err != nil {
		return Totals{}, nil, err
	}
	return totals, applied, nil
}

// Subtotal returns the sum of unit price times quantity.
func Subtotal(items []Item) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, item := range items {
		if err := validateItem(item); err != nil {
			return decimal.Zero, err
		}
		line := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		sum = sum.Add(line)
	}
	return sum, nil
}

// TotalQuantity returns the sum of quantities across all items.
func TotalQuantity(items []Item) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}

func validateItem(item Item) error {
	if item.Quantity < 1 {
		return invalid("item "+item.ID, ErrInvalidQuantity)
	}
	if item.UnitPrice.IsNegative() {
		return invalid("item "+item.ID, ErrNegativeAmount)
	}
	return nil
}
