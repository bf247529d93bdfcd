package order_api

import (
	"net/http"
	"strconv"
	"time"

	"ms-registration/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts every registration endpoint under /api/registration.
func NewRouter(h *Handler, authMW *auth.Middleware) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api/registration", func(r chi.Router) {
		// signature-checked, never token-authenticated
		r.Post("/webhooks/stripe", h.StripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(authMW.Optional)
			r.Get("/tiers", h.ListTiers)
			r.Get("/free-ticket", h.CheckFreeTicket)
			r.Post("/coupons/validate", h.ValidateCoupon)
			r.Post("/orders", h.CreateOrder)
			r.Get("/orders/{orderId}", h.GetOrder)
		})

		r.Group(func(r chi.Router) {
			r.Use(authMW.Required)
			r.Get("/orders/{orderId}/cancellation", h.PreviewOrderCancellation)
			r.Post("/orders/{orderId}/cancel", h.CancelOrder)
			r.Get("/registrations/{registrationId}/cancellation", h.PreviewRegistrationCancellation)
			r.Post("/registrations/{registrationId}/cancel", h.CancelRegistration)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(authMW.Admin)
			r.Post("/orders/{orderId}/mark-paid", h.MarkPaid)
			r.Post("/discount-codes", h.CreateDiscountCode)
			r.Get("/discount-codes", h.ListDiscountCodes)
			r.Put("/discount-codes/{code}/active", h.SetDiscountCodeActive)
			r.Post("/free-tickets", h.UpsertFreeTicket)
		})
	})

	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Logger.LogAPI(r.Method, r.URL.Path, strconv.Itoa(ww.Status()), time.Since(start).String())
	})
}
