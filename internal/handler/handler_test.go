package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/order-engine/internal/domain/auth"
	"github.com/xenking/order-engine/internal/domain/charge"
	"github.com/xenking/order-engine/internal/domain/order"
	"github.com/xenking/order-engine/internal/domain/status"
	"github.com/xenking/order-engine/internal/ordersync"
	"github.com/xenking/order-engine/internal/storage/memory"
	"github.com/xenking/order-engine/internal/wire"
	"github.com/xenking/order-engine/pkg/httpmiddleware"
)

// --- Mock implementations ---

type mockAuthenticator struct {
	keys map[string]*auth.StaffKey
}

func (m *mockAuthenticator) Authenticate(_ context.Context, key string) (*auth.StaffKey, error) {
	k, ok := m.keys[key]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return k, nil
}

// flakyRepo fails status writes while fail is set.
type flakyRepo struct {
	*memory.Repository
	fail atomic.Bool
}

func (f *flakyRepo) UpdateOrderStatus(ctx context.Context, id string, upd order.StatusUpdate) (*order.Order, error) {
	if f.fail.Load() {
		return nil, errors.New("connection reset")
	}
	return f.Repository.UpdateOrderStatus(ctx, id, upd)
}

// --- Helpers ---

const (
	writerKey = "writer-key"
	readerKey = "reader-key"
	otherKey  = "other-partner-key"
)

type testServer struct {
	repo    *flakyRepo
	handler http.Handler
}

func newTestServer(t *testing.T, cfg HandlerConfig) *testServer {
	t.Helper()

	repo := &flakyRepo{Repository: memory.NewRepository()}
	repo.PutGroup(charge.Group{
		ID:         "table-7",
		Name:       "Table 7",
		ChargeName: "Table service",
		Rule:       &charge.Rule{Type: charge.RuleFlatFee, Amount: decimal.NewFromInt(5)},
	})

	client, err := ordersync.New(repo, ordersync.WithGroups(repo))
	require.NoError(t, err)
	t.Cleanup(client.Close)

	authn := &mockAuthenticator{keys: map[string]*auth.StaffKey{
		writerKey: {ID: "k1", StaffID: "staff-1", PartnerID: "p1", Scopes: []string{auth.ScopeOrdersRead, auth.ScopeOrdersWrite}},
		readerKey: {ID: "k2", StaffID: "staff-2", PartnerID: "p1", Scopes: []string{auth.ScopeOrdersRead}},
		otherKey:  {ID: "k3", StaffID: "staff-3", PartnerID: "p2", Scopes: []string{auth.ScopeOrdersRead, auth.ScopeOrdersWrite}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := NewHandler(cfg, client, order.NewService(repo, client), repo, authn)
	return &testServer{repo: repo, handler: h.Routes(ctx)}
}

func (s *testServer) do(t *testing.T, key, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

type orderView struct {
	Order      order.Order
	GrandTotal decimal.Decimal
	Timeline   map[status.Stage]bool
	Pending    bool
}

func decodeView(t *testing.T, d *jx.Decoder) orderView {
	t.Helper()
	v := orderView{Timeline: map[status.Stage]bool{}}
	require.NoError(t, d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "order":
			v.Order, err = wire.DecodeOrder(d)
		case "totals":
			err = d.Obj(func(d *jx.Decoder, key string) error {
				if key != "grand_total" {
					return d.Skip()
				}
				var err error
				v.GrandTotal, err = wire.DecodeDecimal(d)
				return err
			})
		case "timeline":
			err = d.Arr(func(d *jx.Decoder) error {
				var (
					stage     status.Stage
					completed bool
				)
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					switch key {
					case "stage":
						s, err := d.Str()
						stage = status.Stage(s)
						return err
					case "completed":
						var err error
						completed, err = d.Bool()
						return err
					default:
						return d.Skip()
					}
				}); err != nil {
					return err
				}
				v.Timeline[stage] = completed
				return nil
			})
		case "pending":
			v.Pending, err = d.Bool()
		default:
			err = d.Skip()
		}
		return err
	}))
	return v
}

func parseView(t *testing.T, w *httptest.ResponseRecorder) orderView {
	t.Helper()
	return decodeView(t, jx.DecodeStr(w.Body.String()))
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var msg string
	require.NoError(t, jx.DecodeStr(w.Body.String()).Obj(func(d *jx.Decoder, key string) error {
		if key != "message" {
			return d.Skip()
		}
		var err error
		msg, err = d.Str()
		return err
	}))
	return msg
}

const burgerOrder = `{
	"items": [{"id": "burger", "name": "Burger", "unit_price": "10.00", "quantity": 2}],
	"group_id": "table-7",
	"tax_rate": "10"
}`

func (s *testServer) place(t *testing.T) orderView {
	t.Helper()
	w := s.do(t, writerKey, http.MethodPost, "/api/orders", burgerOrder)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return parseView(t, w)
}

// --- Tests ---

func TestAuthenticate(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})

	tests := []struct {
		name   string
		key    string
		method string
		body   string
		want   int
	}{
		{name: "missing key", key: "", method: http.MethodGet, want: http.StatusUnauthorized},
		{name: "unknown key", key: "nope", method: http.MethodGet, want: http.StatusUnauthorized},
		{name: "reader lists", key: readerKey, method: http.MethodGet, want: http.StatusOK},
		{name: "reader places", key: readerKey, method: http.MethodPost, body: burgerOrder, want: http.StatusForbidden},
		{name: "writer places", key: writerKey, method: http.MethodPost, body: burgerOrder, want: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.key, tt.method, "/api/orders", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestPlaceOrder(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	v := s.place(t)

	assert.NotEmpty(t, v.Order.ID)
	assert.Equal(t, "p1", v.Order.PartnerID)
	assert.Equal(t, "staff-1", v.Order.PlacedBy)
	assert.Equal(t, order.StatusPending, v.Order.Status)
	require.Len(t, v.Order.ExtraCharges, 1)
	assert.Equal(t, charge.KindGroup, v.Order.ExtraCharges[0].Kind)
	// 20 food + 2 tax on food + 5 table service.
	assert.True(t, decimal.NewFromInt(27).Equal(v.GrandTotal), v.GrandTotal.String())
	assert.False(t, v.Timeline[status.StageAccepted])
	assert.Positive(t, v.Order.Version)
}

func TestPlaceOrder_Errors(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: `{"items": [`, want: http.StatusBadRequest},
		{name: "no items", body: `{"items": []}`, want: http.StatusUnprocessableEntity},
		{name: "zero quantity", body: `{"items": [{"id": "a", "unit_price": "1", "quantity": 0}]}`, want: http.StatusUnprocessableEntity},
		{name: "negative tax", body: `{"items": [{"id": "a", "unit_price": "1", "quantity": 1}], "tax_rate": "-1"}`, want: http.StatusUnprocessableEntity},
		{name: "unknown group", body: `{"items": [{"id": "a", "unit_price": "1", "quantity": 1}], "group_id": "nope"}`, want: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, writerKey, http.MethodPost, "/api/orders", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestOrderLifecycle(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	id := s.place(t).Order.ID
	base := "/api/orders/" + id

	w := s.do(t, writerKey, http.MethodPatch, base+"/items/burger", `{"delta": 1}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	// 30 food + 3 tax + 5 table service.
	assert.True(t, decimal.NewFromInt(38).Equal(parseView(t, w).GrandTotal))

	w = s.do(t, writerKey, http.MethodPost, base+"/charges", `{"id": "tip", "name": "Tip", "amount": "2.50"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decimal.RequireFromString("40.5").Equal(parseView(t, w).GrandTotal))

	w = s.do(t, writerKey, http.MethodPut, base+"/note", `{"note": "no onions"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no onions", parseView(t, w).Order.Note)

	w = s.do(t, writerKey, http.MethodPost, base+"/actions/accept", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	accepted := parseView(t, w)
	assert.True(t, accepted.Timeline[status.StageAccepted])
	assert.False(t, accepted.Timeline[status.StageDispatched])

	w = s.do(t, writerKey, http.MethodPost, base+"/actions/accept", "")
	require.Equal(t, http.StatusOK, w.Code, "repeating an action is not an error")
	assert.Equal(t, accepted.Order.Version, parseView(t, w).Order.Version)

	w = s.do(t, writerKey, http.MethodPost, base+"/actions/complete", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := parseView(t, w)
	assert.Equal(t, order.StatusCompleted, done.Order.Status)
	for _, stage := range status.Stages {
		assert.True(t, done.Timeline[stage], stage)
	}

	w = s.do(t, writerKey, http.MethodPatch, base+"/items/burger", `{"delta": 1}`)
	assert.Equal(t, http.StatusConflict, w.Code, "closed orders are read-only")
}

func TestUpdateItem_Errors(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	base := "/api/orders/" + s.place(t).Order.ID

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "no field", path: base + "/items/burger", body: `{}`, want: http.StatusBadRequest},
		{name: "both fields", path: base + "/items/burger", body: `{"delta": 1, "quantity": 3}`, want: http.StatusBadRequest},
		{name: "negative", path: base + "/items/burger", body: `{"quantity": -1}`, want: http.StatusUnprocessableEntity},
		{name: "removes last item", path: base + "/items/burger", body: `{"quantity": 0}`, want: http.StatusUnprocessableEntity},
		{name: "unknown item", path: base + "/items/fries", body: `{"delta": 1}`, want: http.StatusNotFound},
		{name: "unknown order", path: "/api/orders/nope/items/burger", body: `{"delta": 1}`, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, writerKey, http.MethodPatch, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestItemLines_VariantsAreAddressable(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	placed := s.place(t)
	base := "/api/orders/" + placed.Order.ID

	w := s.do(t, writerKey, http.MethodPost, base+"/items",
		`{"id": "burger", "name": "Burger", "unit_price": "10.00", "quantity": 1, "variant": {"name": "Large", "price": "14.00"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	items := parseView(t, w).Order.Items
	require.Len(t, items, 2)
	assert.Equal(t, "burger:large", items[1].ID)

	w = s.do(t, writerKey, http.MethodPatch, base+"/items/burger:large", `{"quantity": 3}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	items = parseView(t, w).Order.Items
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, 3, items[1].Quantity)

	w = s.do(t, writerKey, http.MethodDelete, base+"/items/burger:large", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := parseView(t, w)
	require.Len(t, v.Order.Items, 1)
	assert.Nil(t, v.Order.Items[0].Variant)

	w = s.do(t, writerKey, http.MethodPatch, base+"/items/burger", `{"delta": 0}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, v.Order.Version, parseView(t, w).Order.Version, "a zero delta is not written")

	w = s.do(t, writerKey, http.MethodPut, base+"/items",
		`{"items": [{"id": "a", "unit_price": "1", "quantity": 1}, {"id": "a", "unit_price": "2", "quantity": 1}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func TestRemoveCharge_Unknown(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	base := "/api/orders/" + s.place(t).Order.ID

	w := s.do(t, writerKey, http.MethodDelete, base+"/charges/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "charge not found", errorMessage(t, w))
}

func TestTransition_Errors(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	base := "/api/orders/" + s.place(t).Order.ID

	w := s.do(t, writerKey, http.MethodPost, base+"/actions/teleport", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, writerKey, http.MethodPost, base+"/actions/cancel", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, writerKey, http.MethodPost, base+"/actions/dispatch", "")
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestGetOrder_PartnerScoped(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	id := s.place(t).Order.ID

	w := s.do(t, readerKey, http.MethodGet, "/api/orders/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, parseView(t, w).Order.ID)

	w = s.do(t, otherKey, http.MethodGet, "/api/orders/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, otherKey, http.MethodGet, "/api/orders", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"orders":[]}`, w.Body.String())

	w = s.do(t, readerKey, http.MethodGet, "/api/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOrder_LoadsUnknown(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s.repo.Put(order.Order{
		ID:        "seeded",
		PartnerID: "p1",
		Items:     []order.LineItem{{ID: "tea", UnitPrice: decimal.NewFromInt(3), Quantity: 1}},
		Status:    order.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   7,
	})

	w := s.do(t, readerKey, http.MethodGet, "/api/orders/seeded", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(7), parseView(t, w).Order.Version)
}

func TestListOrders_Filter(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	first := s.place(t).Order.ID
	second := s.place(t).Order.ID

	w := s.do(t, writerKey, http.MethodPost, "/api/orders/"+second+"/actions/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, readerKey, http.MethodGet, "/api/orders?status=pending", "")
	require.Equal(t, http.StatusOK, w.Code)

	var ids []string
	require.NoError(t, jx.DecodeStr(w.Body.String()).Obj(func(d *jx.Decoder, key string) error {
		return d.Arr(func(d *jx.Decoder) error {
			ids = append(ids, decodeView(t, d).Order.ID)
			return nil
		})
	}))
	assert.Equal(t, []string{first}, ids)
}

func TestMutation_Rollback(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	id := s.place(t).Order.ID

	s.repo.fail.Store(true)
	w := s.do(t, writerKey, http.MethodPost, "/api/orders/"+id+"/actions/accept", "")
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, errorMessage(t, w), "could not be saved and were undone")

	w = s.do(t, readerKey, http.MethodGet, "/api/orders/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, parseView(t, w).Timeline[status.StageAccepted], "optimistic accept rolled back")
}

func TestMutation_Async(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	id := s.place(t).Order.ID

	w := s.do(t, writerKey, http.MethodPut, "/api/orders/"+id+"/assignee?async=1", `{"staff_id": "chef-1"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	v := parseView(t, w)
	assert.True(t, v.Pending)
	assert.Equal(t, "chef-1", v.Order.AssignedTo)

	require.Eventually(t, func() bool {
		w := s.do(t, readerKey, http.MethodGet, "/api/orders/"+id, "")
		v := parseView(t, w)
		return !v.Pending && v.Order.AssignedTo == "chef-1"
	}, time.Second, 10*time.Millisecond)
}

func TestSetGroup(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	base := "/api/orders/" + s.place(t).Order.ID

	w := s.do(t, writerKey, http.MethodPut, base+"/group", `{"group_id": null}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := parseView(t, w)
	assert.Empty(t, v.Order.GroupID)
	assert.Empty(t, v.Order.ExtraCharges)
	assert.True(t, decimal.NewFromInt(22).Equal(v.GrandTotal))

	w = s.do(t, writerKey, http.MethodPut, base+"/group", `{"group_id": "missing"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, writerKey, http.MethodPut, base+"/group", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetGroup(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})

	w := s.do(t, readerKey, http.MethodGet, "/api/groups/table-7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"charge_name":"Table service"`)

	w = s.do(t, readerKey, http.MethodGet, "/api/groups/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWriteRateLimit(t *testing.T) {
	s := newTestServer(t, HandlerConfig{
		WriteLimit: httpmiddleware.RateLimitConfig{Max: 1, Window: time.Minute},
	})

	s.place(t)
	w := s.do(t, writerKey, http.MethodPost, "/api/orders", burgerOrder)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = s.do(t, otherKey, http.MethodPost, "/api/orders", burgerOrder)
	assert.Equal(t, http.StatusCreated, w.Code, "limits are per staff key")

	w = s.do(t, writerKey, http.MethodGet, "/api/orders", "")
	assert.Equal(t, http.StatusOK, w.Code, "reads are not limited")
}
