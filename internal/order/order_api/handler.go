package order_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ms-registration/internal/auth"
	"ms-registration/internal/eligibility"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/order"
	"ms-registration/internal/payment"
	"ms-registration/internal/pricing"

	"github.com/go-chi/chi/v5"
)

// AdminStore is the persistence behind the admin catalogue endpoints.
type AdminStore interface {
	GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error)
	CreateDiscountCode(ctx context.Context, dc *models.DiscountCode) error
	ListDiscountCodes(ctx context.Context) ([]models.DiscountCode, error)
	SetDiscountCodeActive(ctx context.Context, code string, active bool) (bool, error)
	UpsertFreeTicketEntry(ctx context.Context, entry *models.FreeTicketEntry) error
}

type Handler struct {
	OrderService *order.Service
	Admin        AdminStore
	Logger       *logger.Logger
}

func NewHandler(orderService *order.Service, admin AdminStore, log *logger.Logger) *Handler {
	return &Handler{
		OrderService: orderService,
		Admin:        admin,
		Logger:       log,
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.Logger.Error("API", fmt.Sprintf("failed to encode response: %v", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, reason, message string) {
	h.writeJSON(w, status, errorResponse{Error: message, Reason: reason})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	if reason, ok := eligibility.CouponReason(err); ok {
		h.Logger.Info("API", fmt.Sprintf("%s: coupon rejected: %v", op, err))
		h.writeError(w, http.StatusUnprocessableEntity, string(reason), err.Error())
		return
	}

	var status int
	var reason string
	switch {
	case errors.Is(err, order.ErrInvalidRequest):
		status, reason = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, order.ErrInvalidTicketType), errors.Is(err, pricing.ErrUnknownTier):
		status, reason = http.StatusUnprocessableEntity, "invalid_ticket_type"
	case errors.Is(err, order.ErrRegistrationClosed):
		status, reason = http.StatusForbidden, "registration_closed"
	case errors.Is(err, order.ErrForbidden):
		status, reason = http.StatusForbidden, "forbidden"
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, order.ErrRegistrationNotFound):
		status, reason = http.StatusNotFound, "not_found"
	case errors.Is(err, order.ErrDuplicateRequest):
		status, reason = http.StatusConflict, "duplicate_request"
	case errors.Is(err, order.ErrAlreadyCancelled):
		status, reason = http.StatusConflict, "already_cancelled"
	case errors.Is(err, order.ErrRefundNotEligible):
		status, reason = http.StatusConflict, "refund_not_eligible"
	case errors.Is(err, order.ErrCheckoutInProgress):
		status, reason = http.StatusConflict, "checkout_in_progress"
	case errors.Is(err, payment.ErrProviderUnavailable):
		status, reason = http.StatusBadGateway, "provider_unavailable"
	case errors.Is(err, payment.ErrProviderMisconfigured):
		status, reason = http.StatusInternalServerError, "provider_misconfigured"
	default:
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		h.writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	h.Logger.Warn("API", fmt.Sprintf("%s: %v", op, err))
	h.writeError(w, status, reason, err.Error())
}

func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	catalog := h.OrderService.Catalog()
	now := h.OrderService.Now()

	type tierView struct {
		pricing.Tier
		CurrentPrice int64  `json:"current_price"`
		Label        string `json:"label"`
		EarlyBird    bool   `json:"early_bird"`
	}
	tiers := catalog.ListTiers()
	out := make([]tierView, 0, len(tiers))
	for _, t := range tiers {
		quote, err := catalog.PriceFor(t.ID, now)
		if err != nil {
			continue
		}
		out = append(out, tierView{Tier: t, CurrentPrice: quote.Price, Label: quote.Label, EarlyBird: quote.EarlyBird})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CheckFreeTicket(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "email is required")
		return
	}
	result := h.OrderService.Resolver().CheckFreeTicket(r.Context(), email)
	h.writeJSON(w, http.StatusOK, result)
}

type validateCouponRequest struct {
	Code   string `json:"code"`
	Email  string `json:"email"`
	TierID string `json:"tier_id"`
}

type validateCouponResponse struct {
	Valid    bool                  `json:"valid"`
	Reason   string                `json:"reason,omitempty"`
	Message  string                `json:"message,omitempty"`
	Discount *eligibility.Discount `json:"discount,omitempty"`
}

func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.TierID) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "code and tier_id are required")
		return
	}

	discount, err := h.OrderService.Resolver().ValidateCoupon(r.Context(), req.Code, req.Email, req.TierID)
	if err != nil {
		if reason, ok := eligibility.CouponReason(err); ok {
			h.writeJSON(w, http.StatusOK, validateCouponResponse{Reason: string(reason), Message: err.Error()})
			return
		}
		h.writeServiceError(w, "ValidateCoupon", err)
		return
	}
	h.writeJSON(w, http.StatusOK, validateCouponResponse{Valid: true, Discount: discount})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req order.BuildOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("API", fmt.Sprintf("CreateOrder: failed to decode request body: %v", err))
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	ac := auth.FromContext(r.Context())
	// the purchaser identity comes from the token, never the body
	req.Purchaser.UserID = ac.Subject

	result, err := h.OrderService.BuildOrder(r.Context(), ac, req)
	if err != nil {
		h.writeServiceError(w, "CreateOrder", err)
		return
	}

	h.Logger.Info("API", fmt.Sprintf("CreateOrder: order %s created (%s)", result.OrderID, result.Status))
	h.writeJSON(w, http.StatusCreated, result)
}

// orderSummary is what anyone holding an order id may see.
type orderSummary struct {
	ID             string                `json:"id"`
	Status         models.OrderStatus    `json:"status"`
	PaymentMethod  models.PaymentMethod  `json:"payment_method"`
	Subtotal       int64                 `json:"subtotal"`
	DiscountAmount int64                 `json:"discount_amount"`
	TotalAmount    int64                 `json:"total_amount"`
	InvoiceNumber  string                `json:"invoice_number,omitempty"`
	Registrations  []registrationSummary `json:"registrations"`
}

type registrationSummary struct {
	ID        string                    `json:"id"`
	TierLabel string                    `json:"tier_label"`
	Status    models.RegistrationStatus `json:"status"`
}

func summarize(o *models.Order) orderSummary {
	s := orderSummary{
		ID:             o.ID,
		Status:         o.Status,
		PaymentMethod:  o.PaymentMethod,
		Subtotal:       o.Subtotal,
		DiscountAmount: o.DiscountAmount,
		TotalAmount:    o.TotalAmount,
		InvoiceNumber:  o.InvoiceNumber,
		Registrations:  make([]registrationSummary, 0, len(o.Registrations)),
	}
	for _, reg := range o.Registrations {
		s.Registrations = append(s.Registrations, registrationSummary{ID: reg.ID, TierLabel: reg.TierLabel, Status: reg.Status})
	}
	return s
}

// GetOrder returns the full order to its owner and a summary to anyone else.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	h.Logger.Debug("API", fmt.Sprintf("GetOrder: orderId=%s", orderID))

	o, err := h.OrderService.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, "GetOrder", err)
		return
	}

	if order.CanAccess(auth.FromContext(r.Context()), o) {
		h.writeJSON(w, http.StatusOK, o)
		return
	}
	h.writeJSON(w, http.StatusOK, summarize(o))
}
