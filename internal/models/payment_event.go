package models

// PaymentEventKind tags the variant carried by a PaymentEvent.
type PaymentEventKind string

const (
	EventCheckoutCompleted    PaymentEventKind = "checkout_completed"
	EventCheckoutExpired      PaymentEventKind = "checkout_expired"
	EventPaymentFailed        PaymentEventKind = "payment_failed"
	EventInvoicePaid          PaymentEventKind = "invoice_paid"
	EventInvoicePaymentFailed PaymentEventKind = "invoice_payment_failed"
	EventUnhandled            PaymentEventKind = "unhandled"
)

// PaymentEvent is a provider callback normalised into one shape.
// SessionID is set for checkout events, InvoiceID for invoice events;
// OrderID and RegistrationIDs come from the metadata echo.
type PaymentEvent struct {
	ID              string           `json:"id"`
	Kind            PaymentEventKind `json:"kind"`
	ProviderType    string           `json:"provider_type"`
	SessionID       string           `json:"session_id,omitempty"`
	InvoiceID       string           `json:"invoice_id,omitempty"`
	PaymentRef      string           `json:"payment_reference,omitempty"`
	OrderID         string           `json:"order_id,omitempty"`
	RegistrationIDs []string         `json:"registration_ids,omitempty"`
}
