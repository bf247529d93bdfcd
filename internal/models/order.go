package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PaymentMethod string

const (
	PaymentMethodCard    PaymentMethod = "card"
	PaymentMethodInvoice PaymentMethod = "invoice"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCard || m == PaymentMethodInvoice
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

type RegistrationStatus string

const (
	RegistrationPending   RegistrationStatus = "pending"
	RegistrationPaid      RegistrationStatus = "paid"
	RegistrationCancelled RegistrationStatus = "cancelled"
	RegistrationRefunded  RegistrationStatus = "refunded"
	RegistrationFailed    RegistrationStatus = "failed"
)

// Terminal reports whether the registration can no longer be cancelled.
func (s RegistrationStatus) Terminal() bool {
	return s == RegistrationCancelled || s == RegistrationRefunded
}

// Order is one purchase. Amounts are cents.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID              string        `bun:"id,pk" json:"id"`
	PurchaserUserID string        `bun:"purchaser_user_id,nullzero" json:"purchaser_user_id,omitempty"`
	PurchaserEmail  string        `bun:"purchaser_email,notnull" json:"purchaser_email"`
	PurchaserName   string        `bun:"purchaser_name,notnull" json:"purchaser_name"`
	Organisation    string        `bun:"organisation,nullzero" json:"organisation,omitempty"`
	ABN             string        `bun:"abn,nullzero" json:"abn,omitempty"`
	PurchaseOrder   string        `bun:"purchase_order,nullzero" json:"purchase_order,omitempty"`
	PaymentMethod   PaymentMethod `bun:"payment_method,notnull" json:"payment_method"`
	Status          OrderStatus   `bun:"status,notnull" json:"status"`
	Subtotal        int64         `bun:"subtotal,notnull" json:"subtotal"`
	DiscountAmount  int64         `bun:"discount_amount,notnull" json:"discount_amount"`
	TotalAmount     int64         `bun:"total_amount,notnull" json:"total_amount"`
	CouponCode      string        `bun:"coupon_code,nullzero" json:"coupon_code,omitempty"`
	SessionID       string        `bun:"payment_session_id,nullzero" json:"payment_session_id,omitempty"`
	PaymentRef      string        `bun:"payment_reference,nullzero" json:"payment_reference,omitempty"`
	InvoiceID       string        `bun:"invoice_id,nullzero" json:"invoice_id,omitempty"`
	InvoiceNumber   string        `bun:"invoice_number,nullzero" json:"invoice_number,omitempty"`
	InvoiceDueDate  *time.Time    `bun:"invoice_due_date" json:"invoice_due_date,omitempty"`
	IdempotencyKey  string        `bun:"idempotency_key,nullzero" json:"-"`
	CreatedAt       time.Time     `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt       time.Time     `bun:"updated_at,nullzero" json:"updated_at,omitempty"`

	Registrations []*Registration `bun:"rel:has-many,join:id=order_id" json:"registrations,omitempty"`
}

// Registration is one ticket owned by exactly one Order.
type Registration struct {
	bun.BaseModel `bun:"table:registrations"`

	ID             string             `bun:"id,pk" json:"id"`
	OrderID        string             `bun:"order_id,notnull" json:"order_id"`
	AttendeeEmail  string             `bun:"attendee_email,notnull" json:"attendee_email"`
	AttendeeName   string             `bun:"attendee_name,notnull" json:"attendee_name"`
	TierID         string             `bun:"tier_id,notnull" json:"tier_id"`
	TierLabel      string             `bun:"tier_label,notnull" json:"tier_label"`
	OriginalAmount int64              `bun:"original_amount,notnull" json:"original_amount"`
	DiscountAmount int64              `bun:"discount_amount,notnull" json:"discount_amount"`
	AmountPaid     int64              `bun:"amount_paid,notnull" json:"amount_paid"`
	Status         RegistrationStatus `bun:"status,notnull" json:"status"`
	CouponCode     string             `bun:"coupon_code,nullzero" json:"coupon_code,omitempty"`
	FreeReason     string             `bun:"free_reason,nullzero" json:"free_reason,omitempty"`
	SessionID      string             `bun:"payment_session_id,nullzero" json:"payment_session_id,omitempty"`
	PaymentRef     string             `bun:"payment_reference,nullzero" json:"payment_reference,omitempty"`
	RefundRef      string             `bun:"refund_reference,nullzero" json:"refund_reference,omitempty"`
	ProfileID      string             `bun:"profile_id,nullzero" json:"profile_id,omitempty"`
	CreatedAt      time.Time          `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt      time.Time          `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

// Purchaser identifies who is paying for an order.
type Purchaser struct {
	UserID        string `json:"user_id,omitempty"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Organisation  string `json:"organisation,omitempty"`
	ABN           string `json:"abn,omitempty"`
	PurchaseOrder string `json:"purchase_order,omitempty"`
}

// Attendee is one requested ticket.
type Attendee struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	TierID    string `json:"tier_id"`
	ProfileID string `json:"profile_id,omitempty"`
}

// AuthContext carries authorization facts into operations instead of ambient globals.
type AuthContext struct {
	Subject           string
	Email             string
	IsAdmin           bool
	RegistrationGated bool
}
