package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ms-registration/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// expandableID decodes a field Stripe sends either as an id or an expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// webhookObject is the subset of session, payment intent and invoice objects
// that reconciliation needs.
type webhookObject struct {
	ID            string            `json:"id"`
	PaymentIntent expandableID      `json:"payment_intent"`
	Charge        expandableID      `json:"charge"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

// ParseWebhook verifies the Stripe-Signature header and normalises the event.
func (s *StripeProvider) ParseWebhook(payload []byte, signature string) (*models.PaymentEvent, error) {
	if s.cfg.WebhookSecret == "" {
		s.log.Error("WEBHOOK", "Stripe webhook secret is not configured")
		return nil, &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "Stripe webhook secret is not configured",
			OriginalErr:   ErrProviderMisconfigured,
		}
	}

	opts := webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret, opts)
	if err != nil {
		errorMessage := "Invalid webhook signature"
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrNoValidSignature) {
			errorMessage = "Webhook signature verification failed"
		}
		s.log.Error("WEBHOOK", fmt.Sprintf("%s: %v", errorMessage, err))
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   errorMessage,
			InternalError: fmt.Sprintf("%s: %v", errorMessage, err),
			OriginalErr:   err,
		}
	}

	return toPaymentEvent(event)
}

func toPaymentEvent(event stripe.Event) (*models.PaymentEvent, error) {
	out := &models.PaymentEvent{ID: event.ID, ProviderType: string(event.Type), Kind: models.EventUnhandled}
	if event.Data == nil {
		return out, nil
	}

	var obj webhookObject
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil, &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid event data",
			InternalError: fmt.Sprintf("Failed to unmarshal %s object: %v", event.Type, err),
			OriginalErr:   err,
		}
	}
	out.OrderID = obj.Metadata["order_id"]
	out.RegistrationIDs = registrationIDs(obj.Metadata)

	switch event.Type {
	case "checkout.session.completed":
		// delayed payment methods complete unpaid and settle via async_payment_succeeded
		if obj.PaymentStatus == "unpaid" {
			return out, nil
		}
		out.Kind = models.EventCheckoutCompleted
		out.SessionID = obj.ID
		out.PaymentRef = firstNonEmpty(string(obj.PaymentIntent), obj.ID)
	case "checkout.session.async_payment_succeeded":
		out.Kind = models.EventCheckoutCompleted
		out.SessionID = obj.ID
		out.PaymentRef = firstNonEmpty(string(obj.PaymentIntent), obj.ID)
	case "checkout.session.expired":
		out.Kind = models.EventCheckoutExpired
		out.SessionID = obj.ID
	case "checkout.session.async_payment_failed":
		out.Kind = models.EventPaymentFailed
		out.SessionID = obj.ID
		out.PaymentRef = string(obj.PaymentIntent)
	case "payment_intent.payment_failed":
		out.Kind = models.EventPaymentFailed
		out.PaymentRef = obj.ID
	case "invoice.paid", "invoice.payment_succeeded":
		out.Kind = models.EventInvoicePaid
		out.InvoiceID = obj.ID
		out.PaymentRef = firstNonEmpty(string(obj.PaymentIntent), string(obj.Charge), obj.ID)
	case "invoice.payment_failed":
		out.Kind = models.EventInvoicePaymentFailed
		out.InvoiceID = obj.ID
	}
	return out, nil
}

// registrationIDs rejoins the ids spread over registration_ids and its
// numbered continuation keys.
func registrationIDs(meta map[string]string) []string {
	var out []string
	for i := 0; ; i++ {
		v, ok := meta[registrationIDsKey(i)]
		if !ok {
			return out
		}
		out = append(out, splitIDs(v)...)
	}
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
