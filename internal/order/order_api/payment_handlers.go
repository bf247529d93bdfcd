package order_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-registration/internal/auth"
	"ms-registration/internal/payment"

	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 65536

// StripeWebhook handles webhook events from Stripe
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("StripeWebhook: failed to read body: %v", err))
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	outcome, err := h.OrderService.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("StripeWebhook: failed to process webhook: %v", err))

		var webhookErr *payment.WebhookError
		if errors.As(err, &webhookErr) {
			h.Logger.Info("API", fmt.Sprintf("StripeWebhook: handling webhook error category=%s, status=%d",
				webhookErr.Category, webhookErr.StatusCode))
			http.Error(w, webhookErr.PublicError, webhookErr.StatusCode)
			return
		}

		// anything else is retryable on the provider side
		http.Error(w, "Webhook processing error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
	h.Logger.Info("API", fmt.Sprintf("StripeWebhook: event %s", outcome))
}

type markPaidRequest struct {
	Reference string `json:"reference"`
}

// MarkPaid records an out-of-band payment against an order.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	var req markPaidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	o, err := h.OrderService.MarkPaid(r.Context(), auth.FromContext(r.Context()), orderID, req.Reference)
	if err != nil {
		h.writeServiceError(w, "MarkPaid", err)
		return
	}
	h.writeJSON(w, http.StatusOK, o)
}
