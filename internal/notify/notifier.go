package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"ms-registration/internal/config"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/pricing"
)

// Notifier hands purchaser and attendee messages to the mail pipeline.
type Notifier interface {
	SendReceipt(ctx context.Context, order *models.Order) error
	SendTicketConfirmation(ctx context.Context, order *models.Order, reg *models.Registration) error
	SendInvoice(ctx context.Context, order *models.Order, inv InvoiceAttachment) error
}

// OrderEvents announces order lifecycle changes to other services.
type OrderEvents interface {
	OrderCreated(ctx context.Context, order *models.Order) error
	OrderPaid(ctx context.Context, order *models.Order) error
	OrderCancelled(ctx context.Context, order *models.Order) error
}

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

type InvoiceAttachment struct {
	Number    string
	DueDate   time.Time
	HostedURL string
	Location  string
	PDF       []byte
}

type ReceiptLine struct {
	RegistrationID string `json:"registration_id"`
	AttendeeName   string `json:"attendee_name"`
	AttendeeEmail  string `json:"attendee_email"`
	TierLabel      string `json:"tier_label"`
	AmountPaid     int64  `json:"amount_paid"`
	FreeReason     string `json:"free_reason,omitempty"`
}

type ReceiptMessage struct {
	OrderID        string        `json:"order_id"`
	Email          string        `json:"email"`
	Name           string        `json:"name"`
	PaymentMethod  string        `json:"payment_method"`
	PaymentRef     string        `json:"payment_reference,omitempty"`
	InvoiceNumber  string        `json:"invoice_number,omitempty"`
	Subtotal       int64         `json:"subtotal"`
	DiscountAmount int64         `json:"discount_amount"`
	CouponCode     string        `json:"coupon_code,omitempty"`
	TotalAmount    int64         `json:"total_amount"`
	TotalDisplay   string        `json:"total_display"`
	GST            int64         `json:"gst"`
	Lines          []ReceiptLine `json:"lines"`
	SentAt         time.Time     `json:"sent_at"`
}

type TicketConfirmationMessage struct {
	RegistrationID string    `json:"registration_id"`
	OrderID        string    `json:"order_id"`
	AttendeeEmail  string    `json:"attendee_email"`
	AttendeeName   string    `json:"attendee_name"`
	PurchaserName  string    `json:"purchaser_name"`
	TierLabel      string    `json:"tier_label"`
	AmountPaid     int64     `json:"amount_paid"`
	QRCodePNG      string    `json:"qr_code_png"`
	SentAt         time.Time `json:"sent_at"`
}

type InvoiceMessage struct {
	OrderID       string    `json:"order_id"`
	InvoiceNumber string    `json:"invoice_number"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Organisation  string    `json:"organisation,omitempty"`
	TotalAmount   int64     `json:"total_amount"`
	TotalDisplay  string    `json:"total_display"`
	DueDate       time.Time `json:"due_date"`
	HostedURL     string    `json:"hosted_url,omitempty"`
	Location      string    `json:"archive_location,omitempty"`
	PDF           []byte    `json:"pdf,omitempty"`
	SentAt        time.Time `json:"sent_at"`
}

type OrderEvent struct {
	Type            string    `json:"type"`
	OrderID         string    `json:"order_id"`
	Status          string    `json:"status"`
	PaymentMethod   string    `json:"payment_method"`
	TotalAmount     int64     `json:"total_amount"`
	CouponCode      string    `json:"coupon_code,omitempty"`
	PurchaserUserID string    `json:"purchaser_user_id,omitempty"`
	RegistrationIDs []string  `json:"registration_ids"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// KafkaNotifier publishes every notification as a JSON message on its own topic.
type KafkaNotifier struct {
	publisher Publisher
	topics    config.TopicConfig
	qr        *QRGenerator
	logger    *logger.Logger
	now       func() time.Time
}

func NewKafkaNotifier(publisher Publisher, topics config.TopicConfig, qr *QRGenerator, log *logger.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		publisher: publisher,
		topics:    topics,
		qr:        qr,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (n *KafkaNotifier) SendReceipt(ctx context.Context, order *models.Order) error {
	msg := ReceiptMessage{
		OrderID:        order.ID,
		Email:          order.PurchaserEmail,
		Name:           order.PurchaserName,
		PaymentMethod:  string(order.PaymentMethod),
		PaymentRef:     order.PaymentRef,
		InvoiceNumber:  order.InvoiceNumber,
		Subtotal:       order.Subtotal,
		DiscountAmount: order.DiscountAmount,
		CouponCode:     order.CouponCode,
		TotalAmount:    order.TotalAmount,
		TotalDisplay:   pricing.FormatCents(order.TotalAmount),
		GST:            pricing.GSTComponent(order.TotalAmount),
		SentAt:         n.now(),
	}
	for _, reg := range order.Registrations {
		msg.Lines = append(msg.Lines, ReceiptLine{
			RegistrationID: reg.ID,
			AttendeeName:   reg.AttendeeName,
			AttendeeEmail:  reg.AttendeeEmail,
			TierLabel:      reg.TierLabel,
			AmountPaid:     reg.AmountPaid,
			FreeReason:     reg.FreeReason,
		})
	}

	if err := n.publisher.Publish(ctx, n.topics.Receipt, order.ID, msg); err != nil {
		return fmt.Errorf("send receipt for order %s: %w", order.ID, err)
	}
	n.logger.Info("NOTIFY", fmt.Sprintf("Receipt queued for order %s to %s", order.ID, order.PurchaserEmail))
	return nil
}

func (n *KafkaNotifier) SendTicketConfirmation(ctx context.Context, order *models.Order, reg *models.Registration) error {
	png, err := n.qr.GenerateEncryptedQR(TicketPayload{
		RegistrationID: reg.ID,
		OrderID:        order.ID,
		AttendeeEmail:  reg.AttendeeEmail,
		TierID:         reg.TierID,
	})
	if err != nil {
		return fmt.Errorf("generate QR for registration %s: %w", reg.ID, err)
	}

	msg := TicketConfirmationMessage{
		RegistrationID: reg.ID,
		OrderID:        order.ID,
		AttendeeEmail:  reg.AttendeeEmail,
		AttendeeName:   reg.AttendeeName,
		PurchaserName:  order.PurchaserName,
		TierLabel:      reg.TierLabel,
		AmountPaid:     reg.AmountPaid,
		QRCodePNG:      base64.StdEncoding.EncodeToString(png),
		SentAt:         n.now(),
	}
	if err := n.publisher.Publish(ctx, n.topics.TicketConfirmation, reg.ID, msg); err != nil {
		return fmt.Errorf("send confirmation for registration %s: %w", reg.ID, err)
	}
	n.logger.Info("NOTIFY", fmt.Sprintf("Ticket confirmation queued for registration %s to %s", reg.ID, reg.AttendeeEmail))
	return nil
}

func (n *KafkaNotifier) SendInvoice(ctx context.Context, order *models.Order, inv InvoiceAttachment) error {
	msg := InvoiceMessage{
		OrderID:       order.ID,
		InvoiceNumber: inv.Number,
		Email:         order.PurchaserEmail,
		Name:          order.PurchaserName,
		Organisation:  order.Organisation,
		TotalAmount:   order.TotalAmount,
		TotalDisplay:  pricing.FormatCents(order.TotalAmount),
		DueDate:       inv.DueDate,
		HostedURL:     inv.HostedURL,
		Location:      inv.Location,
		PDF:           inv.PDF,
		SentAt:        n.now(),
	}
	if err := n.publisher.Publish(ctx, n.topics.Invoice, order.ID, msg); err != nil {
		return fmt.Errorf("send invoice %s: %w", inv.Number, err)
	}
	n.logger.Info("NOTIFY", fmt.Sprintf("Invoice %s queued for order %s", inv.Number, order.ID))
	return nil
}

func (n *KafkaNotifier) OrderCreated(ctx context.Context, order *models.Order) error {
	return n.publishEvent(ctx, n.topics.OrderCreated, "order.created", order)
}

func (n *KafkaNotifier) OrderPaid(ctx context.Context, order *models.Order) error {
	return n.publishEvent(ctx, n.topics.OrderPaid, "order.paid", order)
}

func (n *KafkaNotifier) OrderCancelled(ctx context.Context, order *models.Order) error {
	return n.publishEvent(ctx, n.topics.OrderCancelled, "order.cancelled", order)
}

func (n *KafkaNotifier) publishEvent(ctx context.Context, topic, eventType string, order *models.Order) error {
	event := OrderEvent{
		Type:            eventType,
		OrderID:         order.ID,
		Status:          string(order.Status),
		PaymentMethod:   string(order.PaymentMethod),
		TotalAmount:     order.TotalAmount,
		CouponCode:      order.CouponCode,
		PurchaserUserID: order.PurchaserUserID,
		RegistrationIDs: make([]string, 0, len(order.Registrations)),
		OccurredAt:      n.now(),
	}
	for _, reg := range order.Registrations {
		event.RegistrationIDs = append(event.RegistrationIDs, reg.ID)
	}
	if err := n.publisher.Publish(ctx, topic, order.ID, event); err != nil {
		return fmt.Errorf("publish %s for order %s: %w", eventType, order.ID, err)
	}
	return nil
}
