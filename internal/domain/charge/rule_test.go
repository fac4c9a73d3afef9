package charge

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateRule(t *testing.T) {
	cart := []Item{
		{ID: "a", UnitPrice: d("50"), Quantity: 3},
		{ID: "b", UnitPrice: d("20"), Quantity: 2},
	}
	tiers := []Tier{
		{MinQuantity: 1, MaxQuantity: 2, Type: RuleFlatFee, Amount: d("5")},
		{MinQuantity: 3, MaxQuantity: 5, Type: RulePerItem, Amount: d("2")},
		{MinQuantity: 4, MaxQuantity: 0, Type: RuleFlatFee, Amount: d("99")},
	}

	tests := []struct {
		name  string
		items []Item
		rule  Rule
		want  string
	}{
		{
			name:  "flat fee",
			items: cart,
			rule:  Rule{Type: RuleFlatFee, Amount: d("25")},
			want:  "25",
		},
		{
			name: "flat fee on empty cart",
			rule: Rule{Type: RuleFlatFee, Amount: d("25")},
			want: "25",
		},
		{
			name:  "per item",
			items: []Item{{ID: "a", UnitPrice: d("50"), Quantity: 3}},
			rule:  Rule{Type: RulePerItem, Amount: d("10")},
			want:  "30",
		},
		{
			name: "per item on empty cart",
			rule: Rule{Type: RulePerItem, Amount: d("10")},
			want: "0",
		},
		{
			name:  "tier first match wins",
			items: cart,
			rule:  Rule{Tiers: tiers},
			want:  "10",
		},
		{
			name:  "tier low band",
			items: []Item{{ID: "a", UnitPrice: d("1"), Quantity: 2}},
			rule:  Rule{Tiers: tiers},
			want:  "5",
		},
		{
			name:  "tier open-ended band",
			items: []Item{{ID: "a", UnitPrice: d("1"), Quantity: 40}},
			rule:  Rule{Tiers: tiers},
			want:  "99",
		},
		{
			name:  "no tier matches",
			items: []Item{{ID: "a", UnitPrice: d("1"), Quantity: 7}},
			rule:  Rule{Tiers: tiers[:2]},
			want:  "0",
		},
		{
			name: "tiered on empty cart",
			rule: Rule{Tiers: []Tier{{MinQuantity: 0, Type: RuleFlatFee, Amount: d("8")}}},
			want: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateRule(tt.items, tt.rule)
			require.NoError(t, err)
			assert.True(t, d(tt.want).Equal(got), "expected %s, got %s", tt.want, got)
		})
	}
}

func TestEvaluateRule_PerItemLinear(t *testing.T) {
	rule := Rule{Type: RulePerItem, Amount: d("2.75")}
	items := []Item{
		{ID: "a", UnitPrice: d("9"), Quantity: 2},
		{ID: "b", UnitPrice: d("4"), Quantity: 5},
	}

	got, err := EvaluateRule(items, rule)
	require.NoError(t, err)
	assert.True(t, d("2.75").Mul(decimal.NewFromInt(7)).Equal(got))

	doubled := make([]Item, len(items))
	for i, item := range items {
		item.Quantity *= 2
		doubled[i] = item
	}
	gotDoubled, err := EvaluateRule(doubled, rule)
	require.NoError(t, err)
	assert.True(t, got.Mul(decimal.NewFromInt(2)).Equal(gotDoubled))
}

func TestEvaluateRule_FlatFeeIgnoresCart(t *testing.T) {
	rule := Rule{Type: RuleFlatFee, Amount: d("15")}
	carts := [][]Item{
		nil,
		{{ID: "a", UnitPrice: d("1"), Quantity: 1}},
		{{ID: "a", UnitPrice: d("300"), Quantity: 40}, {ID: "b", UnitPrice: d("2"), Quantity: 9}},
	}
	for _, cart := range carts {
		got, err := EvaluateRule(cart, rule)
		require.NoError(t, err)
		assert.True(t, d("15").Equal(got))
	}
}

func TestEvaluateRule_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr error
	}{
		{name: "unknown type", rule: Rule{Type: "percent", Amount: d("1")}, wantErr: ErrUnknownRuleType},
		{name: "negative amount", rule: Rule{Type: RuleFlatFee, Amount: d("-1")}, wantErr: ErrNegativeAmount},
		{
			name:    "inverted band",
			rule:    Rule{Tiers: []Tier{{MinQuantity: 5, MaxQuantity: 2, Type: RuleFlatFee, Amount: d("1")}}},
			wantErr: ErrInvalidTier,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EvaluateRule(nil, tt.rule)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestApplyGroup(t *testing.T) {
	group := &Group{ID: "qr-1", Name: "Patio", Rule: &Rule{Type: RulePerItem, Amount: d("10")}}
	manual := Manual("m1", "Corkage", d("12"))
	items := []Item{{ID: "a", UnitPrice: d("50"), Quantity: 3}}

	once, err := ApplyGroup([]ExtraCharge{manual}, items, group)
	require.NoError(t, err)
	twice, err := ApplyGroup(once, items, group)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	require.Len(t, twice, 2)
	assert.Equal(t, manual, twice[0])
	assert.Equal(t, KindGroup, twice[1].Kind)
	assert.Equal(t, "qr-1", twice[1].GroupID)
	assert.Equal(t, "Patio", twice[1].Name)
	assert.True(t, d("30").Equal(twice[1].Amount))

	// Recomputed after the cart changes.
	items[0].Quantity = 1
	updated, err := ApplyGroup(twice, items, group)
	require.NoError(t, err)
	require.Len(t, updated, 2)
	assert.True(t, d("10").Equal(updated[1].Amount))
}

func TestApplyGroup_ZeroAmountDropsCharge(t *testing.T) {
	group := &Group{ID: "g", Rule: &Rule{Type: RulePerItem, Amount: d("4")}}
	existing := []ExtraCharge{Derived("g", "Table", d("8"))}

	got, err := ApplyGroup(existing, nil, group)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestApplyGroup_NilGroup(t *testing.T) {
	existing := []ExtraCharge{Manual("m1", "Tip", d("3"))}
	got, err := ApplyGroup(existing, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, existing, got)
}

func TestRemoveGroup_KeepsManualWithSameID(t *testing.T) {
	// A manual charge that happens to use the derived prefix is not touched.
	spoof := Manual(DerivedID("g"), "Manual", d("1"))
	got := RemoveGroup([]ExtraCharge{spoof, Derived("g", "Table", d("2"))}, "g")
	assert.Equal(t, []ExtraCharge{spoof}, got)
}

func TestRemoveDerived(t *testing.T) {
	manual := Manual("m1", "Tip", d("3"))
	got := RemoveDerived([]ExtraCharge{Derived("a", "A", d("1")), manual, Derived("b", "B", d("2"))})
	assert.Equal(t, []ExtraCharge{manual}, got)
}
