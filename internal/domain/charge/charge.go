// Package charge computes order totals and evaluates table/QR group
// surcharge rules. Every function in this package is pure.
package charge

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind distinguishes a manually entered charge from one derived from a
// table/QR group rule.
type Kind string

const (
	// KindManual is a surcharge typed in by staff.
	KindManual Kind = "manual"
	// KindGroup is a surcharge materialized from a group's charge rule.
	KindGroup Kind = "group"
)

// DerivedIDPrefix prefixes the identifier of every group-derived charge.
const DerivedIDPrefix = "group-charge-"

// RuleType enumerates the supported group charge strategies.
type RuleType string

const (
	// RuleFlatFee applies a single constant amount once per order.
	RuleFlatFee RuleType = "flat_fee"
	// RulePerItem multiplies the amount by the total line-item quantity.
	RulePerItem RuleType = "per_item"
)

var (
	// ErrInvalidQuantity is returned for a line item with quantity below 1.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	// ErrNegativeAmount is returned for a negative price or charge amount.
	ErrNegativeAmount = errors.New("amount must not be negative")
	// ErrNegativeTaxRate is returned for a tax rate below zero.
	ErrNegativeTaxRate = errors.New("tax rate must not be negative")
	// ErrUnknownRuleType is returned for a rule with an unsupported type.
	ErrUnknownRuleType = errors.New("unknown charge rule type")
	// ErrInvalidTier is returned for a tier whose quantity band is malformed.
	ErrInvalidTier = errors.New("invalid charge tier")
	// ErrGroupNotFound is returned by a GroupSource for an unknown group.
	ErrGroupNotFound = errors.New("group not found")
)

// ValidationError reports which input failed validation.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

// Item is a line item reduced to what pricing needs. UnitPrice is the
// effective price, already adjusted for a selected variant.
type Item struct {
	ID        string
	UnitPrice decimal.Decimal
	Quantity  int
}

// ExtraCharge is a surcharge attached to an order. Manual charges carry a
// caller-chosen ID; group charges carry the GroupID they were derived from
// and an ID built from it.
type ExtraCharge struct {
	ID      string
	Name    string
	Amount  decimal.Decimal
	Kind    Kind
	GroupID string
}

// Manual builds a manually entered charge.
func Manual(id, name string, amount decimal.Decimal) ExtraCharge {
	return ExtraCharge{ID: id, Name: name, Amount: amount, Kind: KindManual}
}

// Derived builds the charge materialized from the rule of group groupID.
func Derived(groupID, name string, amount decimal.Decimal) ExtraCharge {
	return ExtraCharge{
		ID:      DerivedID(groupID),
		Name:    name,
		Amount:  amount,
		Kind:    KindGroup,
		GroupID: groupID,
	}
}

// DerivedID returns the deterministic charge identifier for a group.
func DerivedID(groupID string) string {
	return DerivedIDPrefix + groupID
}

// IsDerivedFrom reports whether c was materialized from group groupID.
func (c ExtraCharge) IsDerivedFrom(groupID string) bool {
	return c.Kind == KindGroup && c.GroupID == groupID
}

// Tier is one quantity band of a tiered rule. MaxQuantity of zero means the
// band has no upper bound.
type Tier struct {
	MinQuantity int
	MaxQuantity int
	Type        RuleType
	Amount      decimal.Decimal
}

// Contains reports whether qty falls inside the band.
func (t Tier) Contains(qty int) bool {
	if qty < t.MinQuantity {
		return false
	}
	return t.MaxQuantity == 0 || qty <= t.MaxQuantity
}

// Rule is the surcharge policy of a table/QR group. When Tiers is non-empty
// the rule is tiered and Type/Amount are ignored.
type Rule struct {
	Type   RuleType
	Amount decimal.Decimal
	Tiers  []Tier
}

// Tiered reports whether the rule selects its amount by quantity band.
func (r Rule) Tiered() bool {
	return len(r.Tiers) > 0
}

// Group is a table or QR group that owns a charge rule.
type Group struct {
	ID   string
	Name string
	// ChargeName labels the derived charge on the order, e.g. "Table service".
	ChargeName string
	Rule       *Rule
}

// GroupSource looks up table/QR groups.
type GroupSource interface {
	GetGroup(ctx context.Context, id string) (*Group, error)
}
