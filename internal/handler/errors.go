package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/order-engine/internal/domain/charge"
	"github.com/xenking/order-engine/internal/domain/order"
	"github.com/xenking/order-engine/internal/ordersync"
	"github.com/xenking/order-engine/pkg/httpmiddleware"
)

// statusOf maps a domain error to an HTTP status and the message shown to
// staff.
func statusOf(err error) (int, string) {
	var (
		badReq     *badRequestError
		validation *charge.ValidationError
		quantity   *order.InvalidQuantityError
		transition *order.TransitionError
		rollback   *ordersync.RollbackError
	)
	switch {
	case errors.As(err, &badReq):
		return http.StatusBadRequest, badReq.Error()
	case errors.As(err, &rollback):
		return http.StatusConflict, rollback.Message()
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, validation.Error()
	case errors.As(err, &quantity):
		return http.StatusUnprocessableEntity, quantity.Error()
	case errors.Is(err, order.ErrEmptyOrder),
		errors.Is(err, order.ErrBadCharge),
		errors.Is(err, order.ErrDuplicateItem),
		errors.Is(err, charge.ErrGroupNotFound):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, order.ErrItemNotFound):
		return http.StatusNotFound, order.ErrItemNotFound.Error()
	case errors.Is(err, order.ErrChargeNotFound):
		return http.StatusNotFound, order.ErrChargeNotFound.Error()
	case errors.As(err, &transition):
		return http.StatusConflict, transition.Error()
	case errors.Is(err, order.ErrOrderClosed),
		errors.Is(err, order.ErrChargeExists),
		errors.Is(err, ordersync.ErrExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ordersync.ErrClosed):
		return http.StatusServiceUnavailable, "shutting down"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusOf(err)
	lg := zctx.From(r.Context())
	switch {
	case code >= http.StatusInternalServerError:
		lg.Error("Request failed", zap.Error(err))
	case code == http.StatusConflict:
		lg.Info("Request conflicted", zap.Error(err))
	default:
		lg.Debug("Request rejected", zap.Error(err))
	}
	httpmiddleware.WriteError(w, code, msg)
}
