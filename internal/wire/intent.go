package wire

import (
	"slices"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/order-engine/internal/domain/notify"
)

// EncodeIntent writes a notification intent. Metadata keys are sorted.
func EncodeIntent(e *jx.Encoder, in notify.Intent) {
	e.ObjStart()
	e.FieldStart("key")
	e.Str(in.Key)
	e.FieldStart("event")
	e.Str(string(in.Event))
	e.FieldStart("target_tokens")
	e.ArrStart()
	for _, t := range in.TargetTokens {
		e.Str(t)
	}
	e.ArrEnd()
	e.FieldStart("title")
	e.Str(in.Title)
	e.FieldStart("body")
	e.Str(in.Body)
	e.FieldStart("metadata")
	e.ObjStart()
	keys := make([]string, 0, len(in.Metadata))
	for k := range in.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		e.FieldStart(k)
		e.Str(in.Metadata[k])
	}
	e.ObjEnd()
	e.ObjEnd()
}

// DecodeIntent reads a notification intent.
func DecodeIntent(d *jx.Decoder) (notify.Intent, error) {
	var in notify.Intent
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "key":
			in.Key, err = d.Str()
		case "event":
			var s string
			s, err = d.Str()
			in.Event = notify.Event(s)
		case "target_tokens":
			err = d.Arr(func(d *jx.Decoder) error {
				t, err := d.Str()
				if err != nil {
					return err
				}
				in.TargetTokens = append(in.TargetTokens, t)
				return nil
			})
		case "title":
			in.Title, err = d.Str()
		case "body":
			in.Body, err = d.Str()
		case "metadata":
			in.Metadata = map[string]string{}
			err = d.Obj(func(d *jx.Decoder, key string) error {
				v, err := d.Str()
				in.Metadata[key] = v
				return err
			})
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return in, err
}

// MarshalIntent returns the JSON encoding of in.
func MarshalIntent(in notify.Intent) []byte {
	var e jx.Encoder
	EncodeIntent(&e, in)
	return e.Bytes()
}

// UnmarshalIntent decodes a notification intent.
func UnmarshalIntent(data []byte) (notify.Intent, error) {
	in, err := DecodeIntent(jx.DecodeBytes(data))
	if err != nil {
		return notify.Intent{}, errors.Wrap(err, "decode intent")
	}
	return in, nil
}
