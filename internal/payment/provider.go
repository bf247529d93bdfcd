package payment

import (
	"context"
	"time"

	"ms-registration/internal/models"
)

// LineItem is one priced line, grouped by tier.
type LineItem struct {
	TierID     string
	Label      string
	PriceID    string
	UnitAmount int64
	Quantity   int64
}

func (l LineItem) Total() int64 {
	return l.UnitAmount * l.Quantity
}

type CheckoutRequest struct {
	OrderID         string
	RegistrationIDs []string
	CustomerEmail   string
	LineItems       []LineItem
	DiscountAmount  int64
	DiscountLabel   string
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type InvoiceRequest struct {
	OrderID         string
	InvoiceNumber   string
	RegistrationIDs []string
	CustomerEmail   string
	CustomerName    string
	Organisation    string
	ABN             string
	PurchaseOrder   string
	LineItems       []LineItem
	DiscountAmount  int64
	DiscountLabel   string
	DueDays         int
}

type Invoice struct {
	ID        string    `json:"id"`
	Number    string    `json:"number,omitempty"`
	HostedURL string    `json:"hosted_url,omitempty"`
	DueDate   time.Time `json:"due_date"`
}

type RefundRequest struct {
	OrderID        string
	RegistrationID string
	PaymentRef     string
	Amount         int64
}

type Refund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

// Provider is the external payment service.
type Provider interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
	ParseWebhook(payload []byte, signature string) (*models.PaymentEvent, error)
}
