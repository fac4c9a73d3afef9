package wire

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/order-engine/internal/domain/charge"
)

// EncodeRule writes a group charge rule.
func EncodeRule(e *jx.Encoder, r charge.Rule) {
	e.ObjStart()
	if r.Type != "" {
		e.FieldStart("type")
		e.Str(string(r.Type))
		e.FieldStart("amount")
		EncodeDecimal(e, r.Amount)
	}
	if r.Tiered() {
		e.FieldStart("tiers")
		e.ArrStart()
		for _, t := range r.Tiers {
			e.ObjStart()
			e.FieldStart("min_quantity")
			e.Int(t.MinQuantity)
			if t.MaxQuantity > 0 {
				e.FieldStart("max_quantity")
				e.Int(t.MaxQuantity)
			}
			e.FieldStart("type")
			e.Str(string(t.Type))
			e.FieldStart("amount")
			EncodeDecimal(e, t.Amount)
			e.ObjEnd()
		}
		e.ArrEnd()
	}
	e.ObjEnd()
}

func decodeTier(d *jx.Decoder) (charge.Tier, error) {
	var t charge.Tier
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "min_quantity":
			t.MinQuantity, err = d.Int()
		case "max_quantity":
			if d.Next() == jx.Null {
				return d.Null()
			}
			t.MaxQuantity, err = d.Int()
		case "type":
			var s string
			s, err = d.Str()
			t.Type = charge.RuleType(s)
		case "amount":
			t.Amount, err = DecodeDecimal(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return t, err
}

// DecodeRule reads a group charge rule.
func DecodeRule(d *jx.Decoder) (charge.Rule, error) {
	var r charge.Rule
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "type":
			var s string
			s, err = d.Str()
			r.Type = charge.RuleType(s)
		case "amount":
			r.Amount, err = DecodeDecimal(d)
		case "tiers":
			err = d.Arr(func(d *jx.Decoder) error {
				t, err := decodeTier(d)
				if err != nil {
					return err
				}
				r.Tiers = append(r.Tiers, t)
				return nil
			})
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return r, err
}

// MarshalRule returns the JSON encoding of r.
func MarshalRule(r charge.Rule) []byte {
	var e jx.Encoder
	EncodeRule(&e, r)
	return e.Bytes()
}

// UnmarshalRule decodes a group charge rule and validates it.
func UnmarshalRule(data []byte) (charge.Rule, error) {
	r, err := DecodeRule(jx.DecodeBytes(data))
	if err != nil {
		return charge.Rule{}, errors.Wrap(err, "decode rule")
	}
	if err := charge.ValidateRule(r); err != nil {
		return charge.Rule{}, err
	}
	return r, nil
}

// EncodeGroup writes a table/QR group.
func EncodeGroup(e *jx.Encoder, g charge.Group) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(g.ID)
	e.FieldStart("name")
	e.Str(g.Name)
	if g.ChargeName != "" {
		e.FieldStart("charge_name")
		e.Str(g.ChargeName)
	}
	if g.Rule != nil {
		e.FieldStart("rule")
		EncodeRule(e, *g.Rule)
	}
	e.ObjEnd()
}

// DecodeGroup reads a table/QR group and validates its rule.
func DecodeGroup(d *jx.Decoder) (charge.Group, error) {
	var g charge.Group
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			g.ID, err = d.Str()
		case "name":
			g.Name, err = decodeOptStr(d)
		case "charge_name":
			g.ChargeName, err = decodeOptStr(d)
		case "rule":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var r charge.Rule
			if r, err = DecodeRule(d); err == nil {
				g.Rule = &r
			}
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return charge.Group{}, err
	}
	if g.ID == "" {
		return charge.Group{}, errors.New("group id is required")
	}
	if g.Rule != nil {
		if err := charge.ValidateRule(*g.Rule); err != nil {
			return charge.Group{}, err
		}
	}
	return g, nil
}

// DecodeGroups reads a group array.
func DecodeGroups(d *jx.Decoder) ([]charge.Group, error) {
	var groups []charge.Group
	err := d.Arr(func(d *jx.Decoder) error {
		g, err := DecodeGroup(d)
		if err != nil {
			return err
		}
		groups = append(groups, g)
		return nil
	})
	return groups, err
}
