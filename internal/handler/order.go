package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-engine/internal/domain/auth"
	"github.com/xenking/order-engine/internal/domain/charge"
	"github.com/xenking/order-engine/internal/domain/order"
	"github.com/xenking/order-engine/internal/ordersync"
	"github.com/xenking/order-engine/internal/wire"
	"github.com/xenking/order-engine/pkg/httpmiddleware"
)

func staff(r *http.Request) *auth.StaffKey {
	k, _ := auth.StaffFrom(r.Context())
	return k
}

// lookup returns the order from the local view, loading it from the
// repository when unknown. Orders of other partners are reported as not
// found.
func (h *Handler) lookup(ctx context.Context, key *auth.StaffKey, id string) (order.Order, error) {
	o, ok := h.orders.Get(id)
	if !ok {
		var err error
		if o, err = h.orders.Load(ctx, id); err != nil {
			return order.Order{}, err
		}
	}
	if !visible(key, o.PartnerID) {
		return order.Order{}, errors.Wrap(order.ErrNotFound, id)
	}
	return o, nil
}

func (h *Handler) respond(w http.ResponseWriter, code int, o order.Order) {
	var e jx.Encoder
	encodeOrderView(&e, o, h.orders.Pending(o.ID))
	writeJSON(w, code, &e)
}

// mutate applies m to the order named in the URL. The response carries the
// stored order once the write resolved, or the optimistic snapshot with 202
// when the client asked for ?async=1.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, m ordersync.Mutation) {
	ctx := r.Context()
	id := chi.URLParam(r, "orderID")
	if _, err := h.lookup(ctx, staff(r), id); err != nil {
		h.fail(w, r, err)
		return
	}

	wr, err := h.orders.Apply(ctx, id, m)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !wr.Changed() {
		h.respond(w, http.StatusOK, wr.Result())
		return
	}
	if r.URL.Query().Get("async") == "1" {
		var e jx.Encoder
		encodeOrderView(&e, wr.Snapshot, true)
		writeJSON(w, http.StatusAccepted, &e)
		return
	}
	if err := wr.Wait(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, wr.Result())
}

// PlaceOrder handles POST /api/orders.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	key := staff(r)
	var (
		body      placeOrderBody
		partnerID string
	)
	if err := h.decodeBody(w, r, func(d *jx.Decoder, k string) error {
		if k == "partner_id" {
			var err error
			partnerID, err = d.Str()
			return errors.Wrap(err, k)
		}
		return body.decode(d, k)
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	if key.PartnerID != "" {
		partnerID = key.PartnerID
	}
	if partnerID == "" {
		h.fail(w, r, badRequest(errors.New("partner_id is required")))
		return
	}

	o, err := h.placer.PlaceOrder(r.Context(), order.PlaceOrderRequest{
		PartnerID: partnerID,
		Items:     body.Items,
		GroupID:   body.GroupID,
		TaxRate:   body.TaxRate,
		Note:      body.Note,
		PlacedBy:  key.StaffID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, o)
}

// ListOrders handles GET /api/orders. The status, placed_by and assigned_to
// query parameters narrow the result.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	key := staff(r)
	q := r.URL.Query()
	st, placedBy, assignedTo := order.Status(q.Get("status")), q.Get("placed_by"), q.Get("assigned_to")

	orders := h.orders.List(func(o order.Order) bool {
		switch {
		case !visible(key, o.PartnerID):
			return false
		case st != "" && o.Status != st:
			return false
		case placedBy != "" && o.PlacedBy != placedBy:
			return false
		case assignedTo != "" && o.AssignedTo != assignedTo:
			return false
		}
		return true
	})

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("orders")
	e.ArrStart()
	for _, o := range orders {
		encodeOrderView(&e, o, h.orders.Pending(o.ID))
	}
	e.ArrEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// GetOrder handles GET /api/orders/{orderID}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.lookup(r.Context(), staff(r), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, o)
}

// SetItems handles PUT /api/orders/{orderID}/items.
func (h *Handler) SetItems(w http.ResponseWriter, r *http.Request) {
	var items []order.LineItem
	if err := h.decodeBody(w, r, func(d *jx.Decoder, key string) error {
		if key != "items" {
			return d.Skip()
		}
		var err error
		items, err = wire.DecodeItems(d)
		return errors.Wrap(err, key)
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mutate(w, r, ordersync.SetItems(items))
}

// AddItem handles POST /api/orders/{orderID}/items.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	li, err := h.decodeItem(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.mutate(w, r, ordersync.AddItem(li))
}

// UpdateItem handles PATCH /api/orders/{orderID}/items/{itemID} with either
// {"delta": n} or {"quantity": n}.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var body quantityBody
	if err := h.decodeBody(w, r, body.decode); err != nil {
		h.fail(w, r, err)
		return
	}
	itemID := chi.URLParam(r, "itemID")
	switch {
	case body.Delta != nil && body.Quantity == nil:
		h.mutate(w, r, ordersync.ChangeQuantity(itemID, *body.Delta))
	case body.Quantity != nil && body.Delta == nil:
		h.mutate(w, r, ordersync.SetQuantity(itemID, *body.Quantity))
	default:
		h.fail(w, r, badRequest(errors.New("exactly one of delta or quantity is required")))
	}
}

// RemoveItem handles DELETE /api/orders/{orderID}/items/{itemID}.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, ordersync.RemoveItem(chi.URLParam(r, "itemID")))
}

// AddCharge handles POST /api/orders/{orderID}/charges. Staff charges are
// always manual; an ID is generated when omitted.
func (h *Handler) AddCharge(w http.ResponseWriter, r *http.Request) {
	var (
		id, name string
		amount   decimal.Decimal
		seen     bool
	)
	if err := h.decodeBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			id, err = d.Str()
		case "name":
			name, err = d.Str()
		case "amount":
			amount, err = wire.DecodeDecimal(d)
			seen = true
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	if !seen {
		h.fail(w, r, badRequest(errors.New("amount is required")))
		return
	}
	if id == "" {
		id = uuid.NewString()
	}
	h.mutate(w, r, ordersync.AddCharge(charge.Manual(id, name, amount)))
}

// RemoveCharge handles DELETE /api/orders/{orderID}/charges/{chargeID}.
func (h *Handler) RemoveCharge(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, ordersync.RemoveCharge(chi.URLParam(r, "chargeID")))
}

// decodeField reads a body holding the named field and hands its value
// to fn.
func (h *Handler) decodeField(w http.ResponseWriter, r *http.Request, field string, fn func(d *jx.Decoder) error) error {
	seen := false
	if err := h.decodeBody(w, r, func(d *jx.Decoder, key string) error {
		if key != field {
			return d.Skip()
		}
		seen = true
		return errors.Wrap(fn(d), key)
	}); err != nil {
		return err
	}
	if !seen {
		return badRequest(errors.Errorf("%s is required", field))
	}
	return nil
}

func strField(v *string) func(d *jx.Decoder) error {
	return func(d *jx.Decoder) error {
		if d.Next() == jx.Null {
			*v = ""
			return d.Null()
		}
		s, err := d.Str()
		*v = s
		return err
	}
}

// SetGroup handles PUT /api/orders/{orderID}/group. An empty or null
// group_id detaches the order from its group.
func (h *Handler) SetGroup(w http.ResponseWriter, r *http.Request) {
	var groupID string
	if err := h.decodeField(w, r, "group_id", strField(&groupID)); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mutate(w, r, ordersync.SetGroup(groupID))
}

// SetTaxRate handles PUT /api/orders/{orderID}/tax-rate.
func (h *Handler) SetTaxRate(w http.ResponseWriter, r *http.Request) {
	var rate decimal.Decimal
	if err := h.decodeField(w, r, "tax_rate", func(d *jx.Decoder) error {
		var err error
		rate, err = wire.DecodeDecimal(d)
		return err
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mutate(w, r, ordersync.SetTaxRate(rate))
}

// SetNote handles PUT /api/orders/{orderID}/note.
func (h *Handler) SetNote(w http.ResponseWriter, r *http.Request) {
	var note string
	if err := h.decodeField(w, r, "note", strField(&note)); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mutate(w, r, ordersync.SetNote(note))
}

// Assign handles PUT /api/orders/{orderID}/assignee.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	var staffID string
	if err := h.decodeField(w, r, "staff_id", strField(&staffID)); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mutate(w, r, ordersync.Assign(staffID))
}

// Transition handles POST /api/orders/{orderID}/actions/{action}.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	action, err := order.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		h.fail(w, r, badRequest(err))
		return
	}
	h.mutate(w, r, ordersync.Transition(action))
}

// GetGroup handles GET /api/groups/{groupID}.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "groupID")
	if h.groups == nil {
		httpmiddleware.WriteError(w, http.StatusNotFound, "group not found")
		return
	}
	g, err := h.groups.GetGroup(r.Context(), id)
	if errors.Is(err, charge.ErrGroupNotFound) {
		httpmiddleware.WriteError(w, http.StatusNotFound, "group not found")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var e jx.Encoder
	wire.EncodeGroup(&e, *g)
	writeJSON(w, http.StatusOK, &e)
}
