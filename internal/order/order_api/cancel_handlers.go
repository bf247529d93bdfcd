package order_api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"ms-registration/internal/auth"
	"ms-registration/internal/order"

	"github.com/go-chi/chi/v5"
)

// decodeCancelOptions accepts an empty body as "cancel without refund".
func decodeCancelOptions(r *http.Request) (order.CancelOptions, error) {
	var opts order.CancelOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return opts, err
	}
	return opts, nil
}

func (h *Handler) PreviewOrderCancellation(w http.ResponseWriter, r *http.Request) {
	preview, err := h.OrderService.PreviewOrderCancellation(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeServiceError(w, "PreviewOrderCancellation", err)
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	opts, err := decodeCancelOptions(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	o, err := h.OrderService.CancelOrder(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "orderId"), opts)
	if err != nil {
		h.writeServiceError(w, "CancelOrder", err)
		return
	}
	h.writeJSON(w, http.StatusOK, o)
}

func (h *Handler) PreviewRegistrationCancellation(w http.ResponseWriter, r *http.Request) {
	preview, err := h.OrderService.PreviewRegistrationCancellation(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "registrationId"))
	if err != nil {
		h.writeServiceError(w, "PreviewRegistrationCancellation", err)
		return
	}
	h.writeJSON(w, http.StatusOK, preview)
}

func (h *Handler) CancelRegistration(w http.ResponseWriter, r *http.Request) {
	opts, err := decodeCancelOptions(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	reg, err := h.OrderService.CancelRegistration(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "registrationId"), opts)
	if err != nil {
		h.writeServiceError(w, "CancelRegistration", err)
		return
	}
	h.writeJSON(w, http.StatusOK, reg)
}
