package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-engine/internal/domain/charge"
	"github.com/xenking/order-engine/internal/domain/status"
)

// Sentinel errors for order edits.
var (
	ErrEmptyOrder     = errors.New("order must contain at least one item")
	ErrOrderClosed    = errors.New("order is closed")
	ErrNoChange       = errors.New("order already in requested state")
	ErrItemNotFound   = errors.New("line item not found")
	ErrDuplicateItem  = errors.New("duplicate line item")
	ErrChargeExists   = errors.New("charge already exists")
	ErrChargeNotFound = errors.New("charge not found")
	ErrBadCharge      = errors.New("charge not removable")
)

// InvalidQuantityError indicates a line item with a quantity below one.
type InvalidQuantityError struct {
	ItemID   string
	Quantity int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity %d is invalid for item %s", e.Quantity, e.ItemID)
}

// TransitionError indicates a status change not allowed from the current state.
type TransitionError struct {
	From   Status
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s an order that is %s", e.Action, e.From)
}

// Validate checks that o has items, valid quantities and a consistent history.
func (o Order) Validate() error {
	if len(o.Items) == 0 {
		return ErrEmptyOrder
	}
	if err := validateItems(o.Items); err != nil {
		return err
	}
	if err := o.History.Validate(); err != nil {
		return errors.Wrap(err, "history")
	}
	if _, err := o.Totals(); err != nil {
		return err
	}
	return nil
}

// validateItems checks quantities and that every line ID is unique, so item
// edits address exactly one line.
func validateItems(items []LineItem) error {
	seen := make(map[string]struct{}, len(items))
	for _, li := range items {
		if li.Quantity < 1 {
			return &InvalidQuantityError{ItemID: li.ID, Quantity: li.Quantity}
		}
		if _, dup := seen[li.ID]; dup {
			return errors.Wrap(ErrDuplicateItem, li.ID)
		}
		seen[li.ID] = struct{}{}
	}
	return nil
}

func (o Order) editable() error {
	if o.Status.Terminal() {
		return errors.Wrapf(ErrOrderClosed, "order %s is %s", o.ID, o.Status)
	}
	return nil
}

// withItems installs items and refreshes the derived charge of group, if any.
func (o Order) withItems(items []LineItem, group *charge.Group, now time.Time) (Order, error) {
	if err := validateItems(items); err != nil {
		return Order{}, err
	}
	out := o.Clone()
	out.Items = items
	if group != nil {
		charges, err := charge.ApplyGroup(out.ExtraCharges, ChargeItems(items), group)
		if err != nil {
			return Order{}, errors.Wrap(err, "apply group charge")
		}
		out.ExtraCharges = charges
	}
	out.UpdatedAt = now
	return out, nil
}

// SetItems replaces the line items. The group charge is re-evaluated when
// group is not nil.
func (o Order) SetItems(items []LineItem, group *charge.Group, now time.Time) (Order, error) {
	if err := o.editable(); err != nil {
		return Order{}, err
	}
	cp := make([]LineItem, len(items))
	copy(cp, items)
	return o.withItems(cp, group, now)
}

// AddItem appends a line item, or increases the quantity of the line with the
// same ID and variant. Another variant of an item already on the order gets
// its own line ID (see VariantLineID).
func (o Order) AddItem(item LineItem, group *charge.Group, now time.Time) (Order, error) {
	if err := o.editable(); err != nil {
		return Order{}, err
	}
	if item.Quantity < 1 {
		return Order{}, &InvalidQuantityError{ItemID: item.ID, Quantity: item.Quantity}
	}
	items := o.Clone().Items
	variantID := VariantLineID(item)
	for i, li := range items {
		if (li.ID == item.ID || li.ID == variantID) && sameVariant(li.Variant, item.Variant) {
			items[i].Quantity += item.Quantity
			return o.withItems(items, group, now)
		}
	}
	if hasLine(items, item.ID) {
		item.ID = variantID
	}
	return o.withItems(append(items, item), group, now)
}

// VariantLineID is the line ID used for item when another variant of the
// same item is already on the order: "pizza" with variant "Extra Large"
// becomes "pizza:extra-large", and without a variant "pizza:default".
func VariantLineID(item LineItem) string {
	name := "default"
	if item.Variant != nil && strings.TrimSpace(item.Variant.Name) != "" {
		name = strings.ToLower(strings.Join(strings.Fields(item.Variant.Name), "-"))
	}
	return item.ID + ":" + name
}

func hasLine(items []LineItem, id string) bool {
	for _, li := range items {
		if li.ID == id {
			return true
		}
	}
	return false
}

// ChangeQuantity adds delta to the quantity of item itemID. A line whose
// quantity drops to zero is removed; below zero is an error. A zero delta
// returns ErrNoChange.
func (o Order) ChangeQuantity(itemID string, delta int, group *charge.Group, now time.Time) (Order, error) {
	if err := o.editable(); err != nil {
		return Order{}, err
	}
	items := o.Clone().Items
	for i, li := range items {
		if li.ID != itemID {
			continue
		}
		qty := li.Quantity + delta
		switch {
		case delta == 0:
			return Order{}, errors.Wrapf(ErrNoChange, "item %s already has quantity %d", itemID, qty)
		case qty < 0:
			return Order{}, &InvalidQuantityError{ItemID: itemID, Quantity: qty}
		case qty == 0:
			items = append(items[:i], items[i+1:]...)
		default:
			items[i].Quantity = qty
		}
		return o.withItems(items, group, now)
	}
	return Order{}, errors.Wrap(ErrItemNotFound, itemID)
}

// SetQuantity sets the quantity of item itemID; zero removes the line.
func (o Order) SetQuantity(itemID string, qty int, group *charge.Group, now time.Time) (Order, error) {
	for _, li := range o.Items {
		if li.ID == itemID {
			return o.ChangeQuantity(itemID, qty-li.Quantity, group, now)
		}
	}
	return Order{}, errors.Wrap(ErrItemNotFound, itemID)
}

// RemoveItem drops the line item itemID.
func (o Order) RemoveItem(itemID string, group *charge.Group, now time.Time) (Order, error) {
	return o.SetQuantity(itemID, 0, group, now)
}

func sameVariant(a, b *Variant) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Name == b.Name && a.Price.Equal(b.Price)
}

// AddCharge attaches a manual extra charge.
func (o Order) AddCharge(c charge.ExtraCharge, now time.Time) (Order, error) {
	if err := o.editable(); err != nil {
		return Order{}, err
	}
	if c.Amount.IsNegative() {
		return Order{}, &charge.ValidationError{Field: "charge " + c.ID, Err: charge.ErrNegativeAmount}
	}
	c.Kind = charge.KindManual
	c.GroupID = ""
	for _, existing := range o.ExtraCharges {
		if existing.ID == c.ID {
			return Order{}, errors.Wrap(ErrChargeExists, c.ID)
		}
	}
	out := o.Clone()
	out.ExtraCharges = append(out.ExtraCharges, c)
	out.UpdatedAt = now
	return out, nil
}

// RemoveCharge drops a manual extra charge. Group charges follow the order's
// group and are removed with SetGroup.
func (o Order) RemoveCharge(chargeID string, now time.Time) (Order, error) {
	if err := o.editable(); err != nil {
		return Order{}, err
	}
	out := o.Clone()
	kept := out.ExtraCharges[:0]
	found := false
	for _, c := range out.ExtraCharges {
		if c.ID != chargeID {
			kept = append(kept, c)
			continue
		}
		if c.Kind == charge.KindGroup {
			return Order{}, errors.Wrapf(ErrBadCharge, "%s is derived from group %s", c.ID, c.GroupID)
		}
		found = true
	}
	if !found {
		return Order{}, errors.Wrap(ErrChargeNotFound, chargeID)
	}
	out.ExtraCharges = kept
	out.UpdatedAt = now
	return out, nil
}

// SetGroup moves the order to group (nil detaches it), replacing any
// previously derived group charge.
func (o Order) SetGroup(group *charge.Group, now time.Time) (Order, error) {
	if err := o.editable(); err != nil {
		return Order{}, err
	}
	out := o.Clone()
	out.ExtraCharges = charge.RemoveDerived(out.ExtraCharges)
	out.GroupID = ""
	if group != nil {
		charges, err := charge.ApplyGroup(out.ExtraCharges, out.ChargeItems(), group)
		if err != nil {
			return Order{}, errors.Wrap(err, "apply group charge")
		}
		out.ExtraCharges = charges
		out.GroupID = group.ID
	}
	out.UpdatedAt = now
	return out, nil
}

// SetNote replaces the free-text note.
func (o Order) SetNote(note string, now time.Time) (Order, error) {
	if o.Note == note {
		return Order{}, ErrNoChange
	}
	out := o.Clone()
	out.Note = note
	out.UpdatedAt = now
	return out, nil
}

// Assign sets the staff member responsible for the order.
func (o Order) Assign(staffID string, now time.Time) (Order, error) {
	if err := o.editable(); err != nil {
		return Order{}, err
	}
	if o.AssignedTo == staffID {
		return Order{}, ErrNoChange
	}
	out := o.Clone()
	out.AssignedTo = staffID
	out.UpdatedAt = now
	return out, nil
}

// SetTaxRate changes the tax percentage applied to the food subtotal.
func (o Order) SetTaxRate(rate decimal.Decimal, now time.Time) (Order, error) {
	if err := o.editable(); err != nil {
		return Order{}, err
	}
	if rate.IsNegative() {
		return Order{}, &charge.ValidationError{Field: "tax_rate", Err: charge.ErrNegativeTaxRate}
	}
	if o.TaxRate.Equal(rate) {
		return Order{}, ErrNoChange
	}
	out := o.Clone()
	out.TaxRate = rate
	out.UpdatedAt = now
	return out, nil
}

// Action is a staff-initiated status change.
type Action string

const (
	ActionAccept       Action = "accept"
	ActionDispatch     Action = "dispatch"
	ActionComplete     Action = "complete"
	ActionCancel       Action = "cancel"
	ActionUndoDispatch Action = "undo-dispatch"
)

// ParseAction validates an action name.
func ParseAction(v string) (Action, error) {
	switch a := Action(v); a {
	case ActionAccept, ActionDispatch, ActionComplete, ActionCancel, ActionUndoDispatch:
		return a, nil
	default:
		return "", errors.Errorf("unknown action %q", v)
	}
}

// Transition applies a status action. Accept and dispatch advance their stage
// (dispatch also accepts if needed); complete advances every remaining stage
// and closes the order; cancel closes it without touching the history; undo
// clears the dispatched stage. Repeating an action returns ErrNoChange.
func (o Order) Transition(action Action, now time.Time) (Order, error) {
	if o.Status.Terminal() {
		if (action == ActionComplete && o.Status == StatusCompleted) ||
			(action == ActionCancel && o.Status == StatusCancelled) {
			return Order{}, ErrNoChange
		}
		return Order{}, &TransitionError{From: o.Status, Action: action}
	}

	out := o.Clone()
	var err error
	switch action {
	case ActionAccept:
		out.History, err = o.History.Advance(status.StageAccepted, now)
	case ActionDispatch:
		out.History, err = o.History.AdvanceThrough(status.StageDispatched, now)
	case ActionComplete:
		out.History, err = o.History.AdvanceThrough(status.StageCompleted, now)
		out.Status = StatusCompleted
	case ActionCancel:
		out.Status = StatusCancelled
	case ActionUndoDispatch:
		out.History, err = o.History.Retreat(status.StageDispatched)
	default:
		return Order{}, errors.Errorf("unknown action %q", action)
	}
	if err != nil {
		return Order{}, errors.Wrap(err, string(action))
	}

	if out.Status == o.Status && historyEqual(out.History, o.History) {
		return Order{}, ErrNoChange
	}
	out.UpdatedAt = now
	return out, nil
}

func historyEqual(a, b status.History) bool {
	for _, s := range status.Stages {
		ea, eb := a[s], b[s]
		if ea.Completed != eb.Completed {
			return false
		}
		if ea.Completed && ea.CompletedAt != nil && eb.CompletedAt != nil &&
			!ea.CompletedAt.Equal(*eb.CompletedAt) {
			return false
		}
	}
	return true
}
