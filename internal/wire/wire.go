// Package wire encodes orders and notification intents as JSON with jx. The
// same encoding is used for JSONB columns, the HTTP API, broker messages and
// the feed journal.
package wire

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-engine/internal/domain/charge"
	"github.com/xenking/order-engine/internal/domain/order"
	"github.com/xenking/order-engine/internal/domain/status"
)

// EncodeDecimal writes d as a JSON string to keep full precision.
func EncodeDecimal(e *jx.Encoder, d decimal.Decimal) {
	e.Str(d.String())
}

// DecodeDecimal reads a decimal from a JSON string or number.
func DecodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Decimal{}, errors.Errorf("unexpected %s for decimal", d.Next())
	}
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}

// decodeOptStr reads a string, treating null as empty.
func decodeOptStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

// EncodeItem writes one line item.
func EncodeItem(e *jx.Encoder, li order.LineItem) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(li.ID)
	e.FieldStart("name")
	e.Str(li.Name)
	e.FieldStart("unit_price")
	EncodeDecimal(e, li.UnitPrice)
	e.FieldStart("quantity")
	e.Int(li.Quantity)
	if li.Variant != nil {
		e.FieldStart("variant")
		e.ObjStart()
		e.FieldStart("name")
		e.Str(li.Variant.Name)
		e.FieldStart("price")
		EncodeDecimal(e, li.Variant.Price)
		e.ObjEnd()
	}
	if li.CategoryID != "" {
		e.FieldStart("category_id")
		e.Str(li.CategoryID)
	}
	e.ObjEnd()
}

// DecodeItem reads one line item.
func DecodeItem(d *jx.Decoder) (order.LineItem, error) {
	var li order.LineItem
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			li.ID, err = d.Str()
		case "name":
			li.Name, err = decodeOptStr(d)
		case "unit_price":
			li.UnitPrice, err = DecodeDecimal(d)
		case "quantity":
			li.Quantity, err = d.Int()
		case "variant":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v order.Variant
			err = d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "name":
					v.Name, err = d.Str()
				case "price":
					v.Price, err = DecodeDecimal(d)
				default:
					err = d.Skip()
				}
				return err
			})
			li.Variant = &v
		case "category_id":
			li.CategoryID, err = decodeOptStr(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return li, err
}

// EncodeItems writes a line item array.
func EncodeItems(e *jx.Encoder, items []order.LineItem) {
	e.ArrStart()
	for _, li := range items {
		EncodeItem(e, li)
	}
	e.ArrEnd()
}

// DecodeItems reads a line item array.
func DecodeItems(d *jx.Decoder) ([]order.LineItem, error) {
	items := []order.LineItem{}
	err := d.Arr(func(d *jx.Decoder) error {
		li, err := DecodeItem(d)
		if err != nil {
			return err
		}
		items = append(items, li)
		return nil
	})
	return items, err
}

// EncodeCharge writes one extra charge.
func EncodeCharge(e *jx.Encoder, c charge.ExtraCharge) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(c.ID)
	e.FieldStart("name")
	e.Str(c.Name)
	e.FieldStart("amount")
	EncodeDecimal(e, c.Amount)
	e.FieldStart("kind")
	e.Str(string(c.Kind))
	if c.GroupID != "" {
		e.FieldStart("group_id")
		e.Str(c.GroupID)
	}
	e.ObjEnd()
}

// DecodeCharge reads one extra charge. A missing kind means manual.
func DecodeCharge(d *jx.Decoder) (charge.ExtraCharge, error) {
	c := charge.ExtraCharge{Kind: charge.KindManual}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			c.ID, err = d.Str()
		case "name":
			c.Name, err = decodeOptStr(d)
		case "amount":
			c.Amount, err = DecodeDecimal(d)
		case "kind":
			var s string
			s, err = d.Str()
			c.Kind = charge.Kind(s)
		case "group_id":
			c.GroupID, err = decodeOptStr(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return c, err
}

// EncodeCharges writes an extra charge array.
func EncodeCharges(e *jx.Encoder, charges []charge.ExtraCharge) {
	e.ArrStart()
	for _, c := range charges {
		EncodeCharge(e, c)
	}
	e.ArrEnd()
}

// DecodeCharges reads an extra charge array.
func DecodeCharges(d *jx.Decoder) ([]charge.ExtraCharge, error) {
	charges := []charge.ExtraCharge{}
	err := d.Arr(func(d *jx.Decoder) error {
		c, err := DecodeCharge(d)
		if err != nil {
			return err
		}
		charges = append(charges, c)
		return nil
	})
	return charges, err
}

// EncodeHistory writes a status history as an object keyed by stage, in
// lifecycle order.
func EncodeHistory(e *jx.Encoder, h status.History) {
	e.ObjStart()
	for _, s := range status.Stages {
		entry, ok := h[s]
		if !ok {
			continue
		}
		e.FieldStart(string(s))
		e.ObjStart()
		e.FieldStart("completed")
		e.Bool(entry.Completed)
		if entry.CompletedAt != nil {
			e.FieldStart("completed_at")
			encodeTime(e, *entry.CompletedAt)
		}
		e.ObjEnd()
	}
	e.ObjEnd()
}

// DecodeHistory reads a status history. Unknown stages are rejected.
func DecodeHistory(d *jx.Decoder) (status.History, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	h := status.History{}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		stage, err := status.ParseStage(key)
		if err != nil {
			return err
		}
		entry := status.Entry{Stage: stage}
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "completed":
				v, err := d.Bool()
				entry.Completed = v
				return err
			case "completed_at":
				if d.Next() == jx.Null {
					return d.Null()
				}
				at, err := decodeTime(d)
				entry.CompletedAt = &at
				return err
			default:
				return d.Skip()
			}
		}); err != nil {
			return errors.Wrap(err, key)
		}
		h[stage] = entry
		return nil
	})
	return h, err
}

// EncodeTotals writes a charge breakdown rounded to cents.
func EncodeTotals(e *jx.Encoder, t charge.Totals) {
	t = t.Rounded()
	e.ObjStart()
	e.FieldStart("food_subtotal")
	EncodeDecimal(e, t.FoodSubtotal)
	e.FieldStart("charges_total")
	EncodeDecimal(e, t.ChargesTotal)
	e.FieldStart("tax_amount")
	EncodeDecimal(e, t.TaxAmount)
	e.FieldStart("grand_total")
	EncodeDecimal(e, t.GrandTotal)
	e.ObjEnd()
}

// EncodeOrder writes a full order.
func EncodeOrder(e *jx.Encoder, o order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("partner_id")
	e.Str(o.PartnerID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("items")
	EncodeItems(e, o.Items)
	e.FieldStart("extra_charges")
	EncodeCharges(e, o.ExtraCharges)
	e.FieldStart("history")
	EncodeHistory(e, o.History)
	if o.GroupID != "" {
		e.FieldStart("group_id")
		e.Str(o.GroupID)
	}
	e.FieldStart("tax_rate")
	EncodeDecimal(e, o.TaxRate)
	if o.Note != "" {
		e.FieldStart("note")
		e.Str(o.Note)
	}
	if o.PlacedBy != "" {
		e.FieldStart("placed_by")
		e.Str(o.PlacedBy)
	}
	if o.AssignedTo != "" {
		e.FieldStart("assigned_to")
		e.Str(o.AssignedTo)
	}
	e.FieldStart("created_at")
	encodeTime(e, o.CreatedAt)
	e.FieldStart("updated_at")
	encodeTime(e, o.UpdatedAt)
	e.FieldStart("version")
	e.Int64(o.Version)
	e.ObjEnd()
}

// DecodeOrder reads a full order.
func DecodeOrder(d *jx.Decoder) (order.Order, error) {
	var o order.Order
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			o.ID, err = d.Str()
		case "partner_id":
			o.PartnerID, err = decodeOptStr(d)
		case "status":
			var s string
			s, err = d.Str()
			o.Status = order.Status(s)
		case "items":
			o.Items, err = DecodeItems(d)
		case "extra_charges":
			o.ExtraCharges, err = DecodeCharges(d)
		case "history":
			o.History, err = DecodeHistory(d)
		case "group_id":
			o.GroupID, err = decodeOptStr(d)
		case "tax_rate":
			o.TaxRate, err = DecodeDecimal(d)
		case "note":
			o.Note, err = decodeOptStr(d)
		case "placed_by":
			o.PlacedBy, err = decodeOptStr(d)
		case "assigned_to":
			o.AssignedTo, err = decodeOptStr(d)
		case "created_at":
			o.CreatedAt, err = decodeTime(d)
		case "updated_at":
			o.UpdatedAt, err = decodeTime(d)
		case "version":
			o.Version, err = d.Int64()
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return o, err
}

// EncodeOrders writes an order array.
func EncodeOrders(e *jx.Encoder, orders []order.Order) {
	e.ArrStart()
	for _, o := range orders {
		EncodeOrder(e, o)
	}
	e.ArrEnd()
}

// DecodeOrders reads an order array.
func DecodeOrders(d *jx.Decoder) ([]order.Order, error) {
	orders := []order.Order{}
	err := d.Arr(func(d *jx.Decoder) error {
		o, err := DecodeOrder(d)
		if err != nil {
			return err
		}
		orders = append(orders, o)
		return nil
	})
	return orders, err
}

// MarshalOrder returns the JSON encoding of o.
func MarshalOrder(o order.Order) []byte {
	var e jx.Encoder
	EncodeOrder(&e, o)
	return e.Bytes()
}

// UnmarshalOrder decodes an order.
func UnmarshalOrder(data []byte) (order.Order, error) {
	o, err := DecodeOrder(jx.DecodeBytes(data))
	if err != nil {
		return order.Order{}, errors.Wrap(err, "decode order")
	}
	return o, nil
}

// MarshalItems returns the JSON encoding of items.
func MarshalItems(items []order.LineItem) []byte {
	var e jx.Encoder
	EncodeItems(&e, items)
	return e.Bytes()
}

// UnmarshalItems decodes a line item array.
func UnmarshalItems(data []byte) ([]order.LineItem, error) {
	items, err := DecodeItems(jx.DecodeBytes(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode items")
	}
	return items, nil
}

// MarshalCharges returns the JSON encoding of charges.
func MarshalCharges(charges []charge.ExtraCharge) []byte {
	var e jx.Encoder
	EncodeCharges(&e, charges)
	return e.Bytes()
}

// UnmarshalCharges decodes an extra charge array.
func UnmarshalCharges(data []byte) ([]charge.ExtraCharge, error) {
	charges, err := DecodeCharges(jx.DecodeBytes(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode charges")
	}
	return charges, nil
}

// MarshalHistory returns the JSON encoding of h.
func MarshalHistory(h status.History) []byte {
	var e jx.Encoder
	EncodeHistory(&e, h)
	return e.Bytes()
}

// UnmarshalHistory decodes a status history.
func UnmarshalHistory(data []byte) (status.History, error) {
	h, err := DecodeHistory(jx.DecodeBytes(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode history")
	}
	return h, nil
}
