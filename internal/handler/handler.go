// Package handler implements the staff HTTP API on top of the order sync
// client.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/order-engine/internal/domain/auth"
	"github.com/xenking/order-engine/internal/domain/charge"
	"github.com/xenking/order-engine/internal/domain/order"
	"github.com/xenking/order-engine/internal/ordersync"
	"github.com/xenking/order-engine/pkg/httpmiddleware"
)

// Orders is the local order view the API reads from and mutates through.
type Orders interface {
	Get(id string) (order.Order, bool)
	List(pred func(order.Order) bool) []order.Order
	Pending(id string) bool
	Load(ctx context.Context, id string) (order.Order, error)
	Apply(ctx context.Context, id string, m ordersync.Mutation) (*ordersync.Write, error)
}

// Placer places new orders.
type Placer interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (order.Order, error)
}

// Authenticator resolves a raw API key to a staff key.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*auth.StaffKey, error)
}

var (
	_ Orders        = (*ordersync.Client)(nil)
	_ Placer        = (*order.Service)(nil)
	_ Authenticator = (*auth.Authenticator)(nil)
)

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// MaxBodyBytes caps request bodies. Zero means 1 MiB.
	MaxBodyBytes int64
	// WriteLimit throttles mutations per staff key. Zero Max disables it.
	WriteLimit httpmiddleware.RateLimitConfig
}

// Handler serves the staff API.
type Handler struct {
	orders  Orders
	placer  Placer
	groups  charge.GroupSource
	authn   Authenticator
	maxBody int64
	limit   httpmiddleware.RateLimitConfig
}

// NewHandler constructs a Handler with the required domain dependencies.
// groups may be nil when no table/QR groups are configured.
func NewHandler(
	cfg HandlerConfig,
	orders Orders,
	placer Placer,
	groups charge.GroupSource,
	authn Authenticator,
) *Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{
		orders:  orders,
		placer:  placer,
		groups:  groups,
		authn:   authn,
		maxBody: maxBody,
		limit:   cfg.WriteLimit,
	}
}

// Routes returns the API router. Request logging runs inside the router so
// it sees the matched route pattern. Rate limiter cleanup stops with ctx.
func (h *Handler) Routes(ctx context.Context) http.Handler {
	limit := h.limit
	limit.KeyFunc = staffKeyID
	limit.Skip = func(r *http.Request) bool { return r.Method == http.MethodGet }

	r := chi.NewRouter()
	r.Use(httpmiddleware.LogRequests())
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpmiddleware.WriteError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpmiddleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(h.Authenticate, httpmiddleware.RateLimit(ctx, limit))

		r.Get("/groups/{groupID}", h.GetGroup)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Post("/", h.PlaceOrder)

			r.Route("/{orderID}", func(r chi.Router) {
				r.Get("/", h.GetOrder)

				r.Put("/items", h.SetItems)
				r.Post("/items", h.AddItem)
				r.Patch("/items/{itemID}", h.UpdateItem)
				r.Delete("/items/{itemID}", h.RemoveItem)

				r.Post("/charges", h.AddCharge)
				r.Delete("/charges/{chargeID}", h.RemoveCharge)

				r.Put("/group", h.SetGroup)
				r.Put("/tax-rate", h.SetTaxRate)
				r.Put("/note", h.SetNote)
				r.Put("/assignee", h.Assign)

				r.Post("/actions/{action}", h.Transition)
			})
		})
	})
	return r
}

func staffKeyID(r *http.Request) string {
	if k, ok := auth.StaffFrom(r.Context()); ok {
		return k.ID
	}
	return ""
}
