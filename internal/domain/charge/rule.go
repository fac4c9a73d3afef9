package charge

import (
	"github.com/shopspring/decimal"
)

// EvaluateRule returns the surcharge a rule yields for the given cart.
//
// A flat fee is returned unconditionally, even for an empty cart. Per-item
// and tiered rules yield zero for an empty cart. For tiered rules the first
// tier whose band contains the total quantity wins; no match yields zero.
func EvaluateRule(items []Item, rule Rule) (decimal.Decimal, error) {
	if err := ValidateRule(rule); err != nil {
		return decimal.Zero, err
	}
	for _, item := range items {
		if err := validateItem(item); err != nil {
			return decimal.Zero, err
		}
	}

	qty := TotalQuantity(items)

	if rule.Tiered() {
		if qty == 0 {
			return decimal.Zero, nil
		}
		for _, tier := range rule.Tiers {
			if tier.Contains(qty) {
				return evaluate(tier.Type, tier.Amount, qty), nil
			}
		}
		return decimal.Zero, nil
	}

	return evaluate(rule.Type, rule.Amount, qty), nil
}

func evaluate(typ RuleType, amount decimal.Decimal, qty int) decimal.Decimal {
	if typ == RulePerItem {
		return amount.Mul(decimal.NewFromInt(int64(qty)))
	}
	return amount
}

// ValidateRule checks rule types, amounts and tier bands.
func ValidateRule(rule Rule) error {
	if !rule.Tiered() {
		return validateLeaf("rule", rule.Type, rule.Amount)
	}
	for _, tier := range rule.Tiers {
		if err := validateLeaf("tier", tier.Type, tier.Amount); err != nil {
			return err
		}
		if tier.MinQuantity < 0 || (tier.MaxQuantity != 0 && tier.MaxQuantity < tier.MinQuantity) {
			return invalid("tier", ErrInvalidTier)
		}
	}
	return nil
}

func validateLeaf(field string, typ RuleType, amount decimal.Decimal) error {
	switch typ {
	case RuleFlatFee, RulePerItem:
	default:
		return invalid(field, ErrUnknownRuleType)
	}
	if amount.IsNegative() {
		return invalid(field, ErrNegativeAmount)
	}
	return nil
}

// ApplyGroup replaces the charge derived from group with a freshly evaluated
// one. The charge is omitted when the rule evaluates to zero. Applying the
// same group twice to the same cart yields the same charges. A nil group, or
// one without a rule, returns charges unchanged.
func ApplyGroup(charges []ExtraCharge, items []Item, group *Group) ([]ExtraCharge, error) {
	if group == nil || group.Rule == nil {
		return cloneCharges(charges), nil
	}

	amount, err := EvaluateRule(items, *group.Rule)
	if err != nil {
		return nil, err
	}

	out := RemoveGroup(charges, group.ID)
	if amount.IsZero() {
		return out, nil
	}

	name := group.ChargeName
	if name == "" {
		name = group.Name
	}
	return append(out, Derived(group.ID, name, amount)), nil
}

// RemoveGroup returns charges without the charge derived from groupID.
func RemoveGroup(charges []ExtraCharge, groupID string) []ExtraCharge {
	out := make([]ExtraCharge, 0, len(charges))
	for _, c := range charges {
		if c.IsDerivedFrom(groupID) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// RemoveDerived returns charges with every group-derived charge dropped.
func RemoveDerived(charges []ExtraCharge) []ExtraCharge {
	out := make([]ExtraCharge, 0, len(charges))
	for _, c := range charges {
		if c.Kind == KindGroup {
			continue
		}
		out = append(out, c)
	}
	return out
}

func cloneCharges(charges []ExtraCharge) []ExtraCharge {
	if charges == nil {
		return nil
	}
	out := make([]ExtraCharge, len(charges))
	copy(out, charges)
	return out
}
