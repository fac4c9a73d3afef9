package handler

import (
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/order-engine/internal/domain/auth"
	"github.com/xenking/order-engine/pkg/httpmiddleware"
)

// APIKeyHeader carries the staff API key.
const APIKeyHeader = "api_key"

// Authenticate resolves the api_key header to a staff key and stores it in
// the request context. Reads need the orders:read scope, everything else
// orders:write.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := h.authn.Authenticate(r.Context(), r.Header.Get(APIKeyHeader))
		if err != nil {
			httpmiddleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		scope := auth.ScopeOrdersWrite
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			scope = auth.ScopeOrdersRead
		}
		if !key.Can(scope) {
			httpmiddleware.WriteError(w, http.StatusForbidden, "missing scope "+scope)
			return
		}

		ctx := auth.WithStaff(r.Context(), key)
		lg := zctx.From(ctx).With(zap.String("staff_id", key.StaffID))
		next.ServeHTTP(w, r.WithContext(zctx.Base(ctx, lg)))
	})
}

// visible reports whether staff may see orders of partnerID. Keys without a
// partner see every partner.
func visible(key *auth.StaffKey, partnerID string) bool {
	return key.PartnerID == "" || key.PartnerID == partnerID
}
