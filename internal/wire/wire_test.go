package wire

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/order-engine/internal/domain/charge"
	"github.com/xenking/order-engine/internal/domain/notify"
	"github.com/xenking/order-engine/internal/domain/order"
	"github.com/xenking/order-engine/internal/domain/status"
)

var t0 = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func fullOrder(t *testing.T) order.Order {
	t.Helper()
	h, err := status.History(nil).AdvanceThrough(status.StageDispatched, t0)
	require.NoError(t, err)
	return order.Order{
		ID:        "o1",
		PartnerID: "partner-1",
		Items: []order.LineItem{
			{ID: "p1", Name: "Margherita", UnitPrice: decimal.RequireFromString("9.50"), Quantity: 2, CategoryID: "pizza"},
			{
				ID: "p2", Name: "Cola", UnitPrice: decimal.NewFromInt(3), Quantity: 1,
				Variant: &order.Variant{Name: "large", Price: decimal.RequireFromString("4.25")},
			},
		},
		Status:       order.StatusPending,
		History:      h,
		ExtraCharges: []charge.ExtraCharge{charge.Manual("tip", "Tip", decimal.NewFromInt(2)), charge.Derived("t4", "Service", decimal.NewFromInt(6))},
		GroupID:      "t4",
		TaxRate:      decimal.RequireFromString("7.5"),
		Note:         "ring twice",
		PlacedBy:     "user-1",
		AssignedTo:   "staff-9",
		CreatedAt:    t0,
		UpdatedAt:    t0.Add(time.Minute),
		Version:      42,
	}
}

func TestOrder_RoundTrip(t *testing.T) {
	in := fullOrder(t)

	out, err := UnmarshalOrder(MarshalOrder(in))
	require.NoError(t, err)

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Version, out.Version)
	assert.Equal(t, in.Note, out.Note)
	assert.True(t, in.TaxRate.Equal(out.TaxRate))
	require.Len(t, out.Items, 2)
	assert.True(t, out.Items[0].UnitPrice.Equal(decimal.RequireFromString("9.5")))
	require.NotNil(t, out.Items[1].Variant)
	assert.Equal(t, "large", out.Items[1].Variant.Name)
	require.Len(t, out.ExtraCharges, 2)
	assert.Equal(t, charge.KindGroup, out.ExtraCharges[1].Kind)
	assert.Equal(t, "t4", out.ExtraCharges[1].GroupID)
	assert.True(t, out.History.IsCompleted(status.StageDispatched))
	assert.Equal(t, t0, *out.History[status.StageAccepted].CompletedAt)
	assert.Equal(t, in.UpdatedAt, out.UpdatedAt)

	inTotals, err := in.Totals()
	require.NoError(t, err)
	outTotals, err := out.Totals()
	require.NoError(t, err)
	assert.True(t, inTotals.GrandTotal.Equal(outTotals.GrandTotal))
}

func TestDecodeItems_AcceptsNumbers(t *testing.T) {
	items, err := UnmarshalItems([]byte(`[{"id":"p1","unit_price":12.5,"quantity":3,"variant":null,"extra":true}]`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, decimal.RequireFromString("12.5").Equal(items[0].UnitPrice))
	assert.Nil(t, items[0].Variant)
}

func TestDecodeCharges_DefaultsToManual(t *testing.T) {
	charges, err := UnmarshalCharges([]byte(`[{"id":"c1","name":"Bag","amount":"0.30"}]`))
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, charge.KindManual, charges[0].Kind)
}

func TestDecodeHistory_RejectsUnknownStage(t *testing.T) {
	_, err := UnmarshalHistory([]byte(`{"plated":{"completed":true}}`))
	require.ErrorIs(t, err, status.ErrUnknownStage)
}

func TestDecodeOrder_Malformed(t *testing.T) {
	_, err := UnmarshalOrder([]byte(`{"id":"o1","items":[{"quantity":"two"}]}`))
	require.Error(t, err)
}

func TestIntent_RoundTrip(t *testing.T) {
	in := notify.Intent{
		Key:          "order:o1:created",
		Event:        notify.EventCreated,
		TargetTokens: []string{"a", "b"},
		Title:        "New order",
		Body:         "Order o1 was placed",
		Metadata:     map[string]string{"order_id": "o1", "status": "pending"},
	}
	data := MarshalIntent(in)
	assert.Contains(t, string(data), `"metadata":{"order_id":"o1","status":"pending"}`)

	out, err := UnmarshalIntent(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
