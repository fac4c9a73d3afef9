package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-engine/internal/domain/order"
	"github.com/xenking/order-engine/internal/domain/status"
	"github.com/xenking/order-engine/internal/wire"
)

// badRequestError marks a body or parameter that could not be parsed.
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string {
	return e.err.Error()
}

func (e *badRequestError) Unwrap() error {
	return e.err
}

func badRequest(err error) error {
	return &badRequestError{err: err}
}

// decodeBody reads the request body and runs fn on it as a JSON object.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		return badRequest(errors.Wrap(err, "read body"))
	}
	if err := jx.DecodeBytes(data).Obj(fn); err != nil {
		return badRequest(errors.Wrap(err, "decode body"))
	}
	return nil
}

type placeOrderBody struct {
	Items   []order.LineItem
	GroupID string
	TaxRate decimal.Decimal
	Note    string
}

func (b *placeOrderBody) decode(d *jx.Decoder, key string) error {
	var err error
	switch key {
	case "items":
		b.Items, err = wire.DecodeItems(d)
	case "group_id":
		b.GroupID, err = d.Str()
	case "tax_rate":
		b.TaxRate, err = wire.DecodeDecimal(d)
	case "note":
		b.Note, err = d.Str()
	default:
		err = d.Skip()
	}
	return errors.Wrap(err, key)
}

// quantityBody changes a line item either by delta or to an absolute
// quantity.
type quantityBody struct {
	Delta    *int
	Quantity *int
}

func (b *quantityBody) decode(d *jx.Decoder, key string) error {
	switch key {
	case "delta":
		v, err := d.Int()
		b.Delta = &v
		return errors.Wrap(err, key)
	case "quantity":
		v, err := d.Int()
		b.Quantity = &v
		return errors.Wrap(err, key)
	default:
		return d.Skip()
	}
}

// decodeItem reads a whole body as one line item.
func (h *Handler) decodeItem(w http.ResponseWriter, r *http.Request) (order.LineItem, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		return order.LineItem{}, badRequest(errors.Wrap(err, "read body"))
	}
	li, err := wire.DecodeItem(jx.DecodeBytes(data))
	if err != nil {
		return order.LineItem{}, badRequest(errors.Wrap(err, "decode item"))
	}
	if li.ID == "" {
		return order.LineItem{}, badRequest(errors.New("item id is required"))
	}
	return li, nil
}

func encodeTimeline(e *jx.Encoder, entries []status.Entry) {
	e.ArrStart()
	for _, entry := range entries {
		e.ObjStart()
		e.FieldStart("stage")
		e.Str(string(entry.Stage))
		e.FieldStart("completed")
		e.Bool(entry.Completed)
		if entry.CompletedAt != nil {
			e.FieldStart("completed_at")
			e.Str(entry.CompletedAt.UTC().Format(time.RFC3339Nano))
		}
		e.ObjEnd()
	}
	e.ArrEnd()
}

// encodeOrderView writes an order with its totals, its linear status
// timeline and whether a write is still in flight.
func encodeOrderView(e *jx.Encoder, o order.Order, pending bool) {
	e.ObjStart()
	e.FieldStart("order")
	wire.EncodeOrder(e, o)
	if t, err := o.Totals(); err == nil {
		e.FieldStart("totals")
		wire.EncodeTotals(e, t)
	}
	e.FieldStart("timeline")
	encodeTimeline(e, o.History.Project())
	e.FieldStart("pending")
	e.Bool(pending)
	e.ObjEnd()
}

func writeJSON(w http.ResponseWriter, code int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
