package ordersync

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/order-engine/internal/domain/charge"
	"github.com/xenking/order-engine/internal/domain/order"
)

// Env carries what a mutation may consult besides the order itself.
type Env struct {
	Now time.Time
	// Group is the table/QR group the order currently belongs to.
	Group *charge.Group
	// Target is the group requested by Mutation.GroupID.
	Target *charge.Group
}

// Mutation is a named order edit bound to the repository call that persists
// it. Edit must be pure: it runs under the client lock.
type Mutation struct {
	Name string
	// GroupID, when set, is resolved into Env.Target before Edit runs.
	GroupID *string
	Edit    func(o order.Order, env Env) (order.Order, error)
	Persist func(ctx context.Context, repo order.Repository, before, after order.Order) (*order.Order, error)
}

// SetItems replaces all line items.
func SetItems(items []order.LineItem) Mutation {
	return Mutation{
		Name: "set_items",
		Edit: func(o order.Order, env Env) (order.Order, error) {
			return o.SetItems(items, env.Group, env.Now)
		},
		Persist: persistItems,
	}
}

// AddItem adds a line item or merges it into an identical one.
func AddItem(item order.LineItem) Mutation {
	return Mutation{
		Name: "add_item",
		Edit: func(o order.Order, env Env) (order.Order, error) {
			return o.AddItem(item, env.Group, env.Now)
		},
		Persist: persistItems,
	}
}

// ChangeQuantity adds delta to a line item's quantity.
func ChangeQuantity(itemID string, delta int) Mutation {
	return Mutation{
		Name: "change_quantity",
		Edit: func(o order.Order, env Env) (order.Order, error) {
			return o.ChangeQuantity(itemID, delta, env.Group, env.Now)
		},
		Persist: persistItems,
	}
}

// SetQuantity sets a line item's quantity.
func SetQuantity(itemID string, qty int) Mutation {
	return Mutation{
		Name: "set_quantity",
		Edit: func(o order.Order, env Env) (order.Order, error) {
			return o.SetQuantity(itemID, qty, env.Group, env.Now)
		},
		Persist: persistItems,
	}
}

// RemoveItem drops a line item.
func RemoveItem(itemID string) Mutation {
	return Mutation{
		Name: "remove_item",
		Edit: func(o order.Order, env Env) (order.Order, error) {
			return o.RemoveItem(itemID, env.Group, env.Now)
		},
		Persist: persistItems,
	}
}

// AddCharge attaches a manual extra charge.
func AddCharge(c charge.ExtraCharge) Mutation {
	return Mutation{
		Name: "add_charge",
		Edit: func(o order.Order, env Env) (order.Order, error) {
			return o.AddCharge(c, env.Now)
		},
		Persist: persistCharges,
	}
}

// RemoveCharge drops a manual extra charge.
func RemoveCharge(chargeID string) Mutation {
	return Mutation{
		Name: "remove_charge",
		Edit: func(o order.Order, env Env) (order.Order, error) {
			return o.RemoveCharge(chargeID, env.Now)
		},
		Persist: persistCharges,
	}
}

// SetGroup moves the order to another table/QR group; an empty id detaches
// it.
func SetGroup(groupID string) Mutation {
	return Mutation{
		Name:    "set_group",
		GroupID: &groupID,
		Edit: func(o order.Order, env Env) (order.Order, error) {
			if groupID == o.GroupID {
				return order.Order{}, order.ErrNoChange
			}
			return o.SetGroup(env.Target, env.Now)
		},
		Persist: func(ctx context.Context, repo order.Repository, _, after order.Order) (*order.Order, error) {
			return repo.UpdateOrder(ctx, after.ID, order.Patch{
				GroupID:      &after.GroupID,
				ExtraCharges: &after.ExtraCharges,
			})
		},
	}
}

// SetTaxRate changes the tax percentage.
func SetTaxRate(rate decimal.Decimal) Mutation {
	return Mutation{
		Name: "set_tax_rate",
		Edit: func(o order.Order, env Env) (order.Order, error) {
			return o.SetTaxRate(rate, env.Now)
		},
		Persist: func(ctx context.Context, repo order.Repository, _, after order.Order) (*order.Order, error) {
			return repo.UpdateOrder(ctx, after.ID, order.Patch{TaxRate: &after.TaxRate})
		},
	}
}

// SetNote replaces the order note.
func SetNote(note string) Mutation {
	return Mutation{
		Name: "set_note",
		Edit: func(o order.Order, env Env) (order.Order, error) {
			return o.SetNote(note, env.Now)
		},
		Persist: func(ctx context.Context, repo order.Repository, _, after order.Order) (*order.Order, error) {
			return repo.UpdateOrder(ctx, after.ID, order.Patch{Note: &after.Note})
		},
	}
}

// Assign hands the order to a staff member.
func Assign(staffID string) Mutation {
	return Mutation{
		Name: "assign",
		Edit: func(o order.Order, env Env) (order.Order, error) {
			return o.Assign(staffID, env.Now)
		},
		Persist: func(ctx context.Context, repo order.Repository, _, after order.Order) (*order.Order, error) {
			return repo.UpdateOrder(ctx, after.ID, order.Patch{AssignedTo: &after.AssignedTo})
		},
	}
}

// Transition applies a status action such as accept or dispatch.
func Transition(action order.Action) Mutation {
	return Mutation{
		Name: "transition_" + string(action),
		Edit: func(o order.Order, env Env) (order.Order, error) {
			return o.Transition(action, env.Now)
		},
		Persist: func(ctx context.Context, repo order.Repository, _, after order.Order) (*order.Order, error) {
			return repo.UpdateOrderStatus(ctx, after.ID, order.StatusUpdate{
				Status:  after.Status,
				History: after.History,
			})
		},
	}
}

var create = Mutation{
	Name: "create",
	Persist: func(ctx context.Context, repo order.Repository, _, after order.Order) (*order.Order, error) {
		return repo.CreateOrder(ctx, &after)
	},
}

func persistItems(ctx context.Context, repo order.Repository, before, after order.Order) (*order.Order, error) {
	if chargesEqual(before.ExtraCharges, after.ExtraCharges) {
		return repo.UpdateOrderItems(ctx, after.ID, after.Items)
	}
	return repo.UpdateOrder(ctx, after.ID, order.Patch{
		Items:        &after.Items,
		ExtraCharges: &after.ExtraCharges,
	})
}

func persistCharges(ctx context.Context, repo order.Repository, _, after order.Order) (*order.Order, error) {
	return repo.UpdateOrder(ctx, after.ID, order.Patch{ExtraCharges: &after.ExtraCharges})
}

func chargesEqual(a, b []charge.ExtraCharge) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Name != b[i].Name || a[i].Kind != b[i].Kind ||
			a[i].GroupID != b[i].GroupID || !a[i].Amount.Equal(b[i].Amount) {
			return false
		}
	}
	return true
}
