package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-engine/internal/domain/charge"
	"github.com/xenking/order-engine/internal/domain/status"
)

// Status is the coarse state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further edits are accepted in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ErrNotFound is returned when a requested order does not exist.
var ErrNotFound = errors.New("order not found")

// Variant is a priced option of a menu item. When selected, its price
// replaces the item's unit price.
type Variant struct {
	Name  string
	Price decimal.Decimal
}

// LineItem is one menu entry with quantity inside an order.
type LineItem struct {
	ID         string
	Name       string
	UnitPrice  decimal.Decimal
	Quantity   int
	Variant    *Variant
	CategoryID string
}

// EffectivePrice returns the variant price when a variant is selected and
// the unit price otherwise.
func (li LineItem) EffectivePrice() decimal.Decimal {
	if li.Variant != nil {
		return li.Variant.Price
	}
	return li.UnitPrice
}

// Order is the unit of consistency: line items, extra charges and the status
// history belong to exactly one order.
type Order struct {
	ID           string
	PartnerID    string
	Items        []LineItem
	Status       Status
	History      status.History
	ExtraCharges []charge.ExtraCharge
	GroupID      string
	TaxRate      decimal.Decimal
	Note         string
	PlacedBy     string
	AssignedTo   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// Version is assigned by the repository and grows with every write.
	Version int64
}

// Clone returns a deep copy of o.
func (o Order) Clone() Order {
	out := o
	if o.Items != nil {
		out.Items = make([]LineItem, len(o.Items))
		for i, li := range o.Items {
			if li.Variant != nil {
				v := *li.Variant
				li.Variant = &v
			}
			out.Items[i] = li
		}
	}
	if o.ExtraCharges != nil {
		out.ExtraCharges = make([]charge.ExtraCharge, len(o.ExtraCharges))
		copy(out.ExtraCharges, o.ExtraCharges)
	}
	out.History = o.History.Clone()
	return out
}

// ChargeItems projects the line items for pricing.
func (o Order) ChargeItems() []charge.Item {
	return ChargeItems(o.Items)
}

// ChargeItems projects line items for pricing.
func ChargeItems(items []LineItem) []charge.Item {
	out := make([]charge.Item, len(items))
	for i, li := range items {
		out[i] = charge.Item{
			ID:        li.ID,
			UnitPrice: li.EffectivePrice(),
			Quantity:  li.Quantity,
		}
	}
	return out
}

// Totals computes the charge breakdown of the order.
func (o Order) Totals() (charge.Totals, error) {
	return charge.ComputeTotal(o.ChargeItems(), o.ExtraCharges, o.TaxRate)
}

// Quantity returns the total number of units across line items.
func (o Order) Quantity() int {
	return charge.TotalQuantity(o.ChargeItems())
}

// Patch lists the order fields UpdateOrder may change. Nil fields are left
// untouched. Items travel in a patch only together with the group charge
// they affect; plain item edits use UpdateOrderItems.
type Patch struct {
	Items        *[]LineItem
	ExtraCharges *[]charge.ExtraCharge
	GroupID      *string
	TaxRate      *decimal.Decimal
	Note         *string
	AssignedTo   *string
}

// StatusUpdate carries a coarse status together with the fine-grained history.
type StatusUpdate struct {
	Status  Status
	History status.History
}

// Apply returns a copy of o with the patch fields set.
func (p Patch) Apply(o Order) Order {
	out := o.Clone()
	if p.Items != nil {
		out.Items = Order{Items: *p.Items}.Clone().Items
	}
	if p.ExtraCharges != nil {
		out.ExtraCharges = append([]charge.ExtraCharge(nil), (*p.ExtraCharges)...)
	}
	if p.GroupID != nil {
		out.GroupID = *p.GroupID
	}
	if p.TaxRate != nil {
		out.TaxRate = *p.TaxRate
	}
	if p.Note != nil {
		out.Note = *p.Note
	}
	if p.AssignedTo != nil {
		out.AssignedTo = *p.AssignedTo
	}
	return out
}

// Filter selects the orders a push feed subscription follows. Empty fields
// match everything.
type Filter struct {
	PartnerID string
	PlacedBy  string
}

// Match reports whether o is selected by the filter.
func (f Filter) Match(o Order) bool {
	if f.PartnerID != "" && o.PartnerID != f.PartnerID {
		return false
	}
	if f.PlacedBy != "" && o.PlacedBy != f.PlacedBy {
		return false
	}
	return true
}

// Repository is the request/response boundary to order storage. Writes
// return the stored record including its new Version.
type Repository interface {
	CreateOrder(ctx context.Context, o *Order) (*Order, error)
	UpdateOrder(ctx context.Context, id string, patch Patch) (*Order, error)
	UpdateOrderItems(ctx context.Context, id string, items []LineItem) (*Order, error)
	UpdateOrderStatus(ctx context.Context, id string, upd StatusUpdate) (*Order, error)
	GetOrderByID(ctx context.Context, id string) (*Order, error)
	ListOrdersByPartner(ctx context.Context, partnerID string) ([]Order, error)
}

// SnapshotFunc receives the full set of orders matching a subscription.
type SnapshotFunc func(orders []Order)

// Feed is a push subscription emitting full snapshots of the orders matching
// a filter whenever one of them changes upstream. The returned function
// cancels the subscription.
type Feed interface {
	Subscribe(ctx context.Context, f Filter, fn SnapshotFunc) (func(), error)
}
