package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ms-registration/internal/config"
	"ms-registration/internal/logger"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// Stripe limits coupon names to 40 characters.
const maxCouponName = 40

// StripeProvider implements Provider on Stripe Checkout, Invoicing and Refunds.
type StripeProvider struct {
	client *client.API
	cfg    config.StripeConfig
	log    *logger.Logger
	now    func() time.Time
}

// NewStripeProvider builds a client with the configured timeout. backends may be
// nil to use Stripe's default endpoints.
func NewStripeProvider(cfg config.StripeConfig, log *logger.Logger, backends *stripe.Backends) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY environment variable not set")
		return nil, ErrProviderMisconfigured
	}
	if cfg.Currency == "" {
		cfg.Currency = "aud"
	}
	if backends == nil {
		backends = stripe.NewBackends(&http.Client{Timeout: cfg.Timeout})
	}

	sc := client.New(cfg.SecretKey, backends)
	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeProvider{client: sc, cfg: cfg, log: log, now: time.Now}, nil
}

// Stripe caps metadata values at 500 characters and objects at 50 keys.
const (
	maxMetadataValue     = 500
	maxRegistrationIDKey = 40
)

// metadata tags a Stripe object with its order. Registration ids are spread
// over registration_ids, registration_ids_1, ... so no value exceeds the cap.
func (s *StripeProvider) metadata(orderID string, registrationIDs []string) map[string]string {
	meta := map[string]string{"order_id": orderID}
	chunks := chunkIDs(registrationIDs, maxMetadataValue)
	if len(chunks) > maxRegistrationIDKey {
		s.log.Warn("STRIPE", fmt.Sprintf("Order %s has too many registrations for metadata, keeping the first %d keys", orderID, maxRegistrationIDKey))
		chunks = chunks[:maxRegistrationIDKey]
	}
	for i, chunk := range chunks {
		meta[registrationIDsKey(i)] = chunk
	}
	return meta
}

func registrationIDsKey(i int) string {
	if i == 0 {
		return "registration_ids"
	}
	return fmt.Sprintf("registration_ids_%d", i)
}

// chunkIDs joins ids with commas into values of at most limit characters.
// An id longer than limit on its own is skipped.
func chunkIDs(ids []string, limit int) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, id := range ids {
		if len(id) > limit {
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(id) > limit {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(',')
		}
		cur.WriteString(id)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func (s *StripeProvider) unavailable(op string, err error) error {
	s.log.Error("STRIPE", fmt.Sprintf("%s failed: %v", op, err))
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, op, err)
}

// oneOffCoupon creates a coupon that can be redeemed exactly once.
func (s *StripeProvider) oneOffCoupon(ctx context.Context, orderID string, amount int64, label string) (*stripe.Coupon, error) {
	name := label
	if name == "" {
		name = "Order discount"
	}
	if len(name) > maxCouponName {
		name = name[:maxCouponName]
	}
	params := &stripe.CouponParams{
		AmountOff:      stripe.Int64(amount),
		Currency:       stripe.String(s.cfg.Currency),
		Duration:       stripe.String(string(stripe.CouponDurationOnce)),
		MaxRedemptions: stripe.Int64(1),
		Name:           stripe.String(name),
	}
	params.Context = ctx
	params.AddMetadata("order_id", orderID)
	return s.client.Coupons.New(params)
}

// CreateCheckout opens a hosted checkout session with one line per tier.
func (s *StripeProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if len(req.LineItems) == 0 {
		return nil, fmt.Errorf("%w: checkout requires at least one line item", ErrProviderMisconfigured)
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.LineItems))
	for _, item := range req.LineItems {
		if item.PriceID == "" {
			return nil, fmt.Errorf("%w: no price id for tier %s", ErrProviderMisconfigured, item.TierID)
		}
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(item.PriceID),
			Quantity: stripe.Int64(item.Quantity),
		})
	}

	meta := s.metadata(req.OrderID, req.RegistrationIDs)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(fmt.Sprintf("%s?order_id=%s", s.cfg.SuccessURL, req.OrderID)),
		CancelURL:         stripe.String(fmt.Sprintf("%s?order_id=%s", s.cfg.CancelURL, req.OrderID)),
		ClientReferenceID: stripe.String(req.OrderID),
		CustomerEmail:     stripe.String(req.CustomerEmail),
		LineItems:         lineItems,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
	}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}

	if req.DiscountAmount > 0 {
		coupon, err := s.oneOffCoupon(ctx, req.OrderID, req.DiscountAmount, req.DiscountLabel)
		if err != nil {
			return nil, s.unavailable("create coupon", err)
		}
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{{Coupon: stripe.String(coupon.ID)}}
	}

	sess, err := s.client.CheckoutSessions.New(params)
	if err != nil {
		return nil, s.unavailable("create checkout session", err)
	}

	s.log.Info("STRIPE", fmt.Sprintf("Checkout session %s created for order %s", sess.ID, req.OrderID))
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// CreateInvoice creates, itemises and finalises a send_invoice invoice.
func (s *StripeProvider) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	dueDays := req.DueDays
	if dueDays <= 0 {
		dueDays = 14
	}
	meta := s.metadata(req.OrderID, req.RegistrationIDs)

	custParams := &stripe.CustomerParams{
		Email: stripe.String(req.CustomerEmail),
		Name:  stripe.String(req.CustomerName),
	}
	if req.Organisation != "" {
		custParams.Description = stripe.String(req.Organisation)
	}
	custParams.Context = ctx
	custParams.AddMetadata("order_id", req.OrderID)
	if req.ABN != "" {
		custParams.AddMetadata("abn", req.ABN)
	}
	cust, err := s.client.Customers.New(custParams)
	if err != nil {
		return nil, s.unavailable("create customer", err)
	}

	invParams := &stripe.InvoiceParams{
		Customer:                    stripe.String(cust.ID),
		CollectionMethod:            stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		DaysUntilDue:                stripe.Int64(int64(dueDays)),
		Currency:                    stripe.String(s.cfg.Currency),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
		AutoAdvance:                 stripe.Bool(false),
		Description:                 stripe.String(fmt.Sprintf("Registration order %s", req.InvoiceNumber)),
	}
	invParams.CustomFields = []*stripe.InvoiceCustomFieldParams{
		{Name: stripe.String("Invoice"), Value: stripe.String(req.InvoiceNumber)},
	}
	if req.PurchaseOrder != "" {
		invParams.CustomFields = append(invParams.CustomFields, &stripe.InvoiceCustomFieldParams{
			Name: stripe.String("PO"), Value: stripe.String(req.PurchaseOrder),
		})
	}
	invParams.Context = ctx
	for k, v := range meta {
		invParams.AddMetadata(k, v)
	}
	invParams.AddMetadata("invoice_number", req.InvoiceNumber)

	inv, err := s.client.Invoices.New(invParams)
	if err != nil {
		return nil, s.unavailable("create invoice", err)
	}

	for _, item := range req.LineItems {
		desc := fmt.Sprintf("%d x %s", item.Quantity, item.Label)
		if err := s.addInvoiceItem(ctx, cust.ID, inv.ID, item.Total(), desc); err != nil {
			return nil, s.unavailable("create invoice item", err)
		}
	}
	if req.DiscountAmount > 0 {
		label := req.DiscountLabel
		if label == "" {
			label = "Discount"
		}
		if err := s.addInvoiceItem(ctx, cust.ID, inv.ID, -req.DiscountAmount, label); err != nil {
			return nil, s.unavailable("create discount item", err)
		}
	}

	finalizeParams := &stripe.InvoiceFinalizeInvoiceParams{AutoAdvance: stripe.Bool(true)}
	finalizeParams.Context = ctx
	final, err := s.client.Invoices.FinalizeInvoice(inv.ID, finalizeParams)
	if err != nil {
		return nil, s.unavailable("finalize invoice", err)
	}

	due := s.now().AddDate(0, 0, dueDays)
	if final.DueDate > 0 {
		due = time.Unix(final.DueDate, 0).UTC()
	}

	s.log.Info("STRIPE", fmt.Sprintf("Invoice %s (%s) created for order %s", final.ID, req.InvoiceNumber, req.OrderID))
	return &Invoice{ID: final.ID, Number: final.Number, HostedURL: final.HostedInvoiceURL, DueDate: due}, nil
}

func (s *StripeProvider) addInvoiceItem(ctx context.Context, customerID, invoiceID string, amount int64, description string) error {
	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(customerID),
		Invoice:     stripe.String(invoiceID),
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(s.cfg.Currency),
		Description: stripe.String(description),
	}
	params.Context = ctx
	_, err := s.client.InvoiceItems.New(params)
	return err
}

// Refund returns amount against a payment intent or charge reference.
func (s *StripeProvider) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	if req.PaymentRef == "" {
		return nil, fmt.Errorf("%w: refund requires a payment reference", ErrProviderMisconfigured)
	}

	params := &stripe.RefundParams{
		Amount: stripe.Int64(req.Amount),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if strings.HasPrefix(req.PaymentRef, "ch_") {
		params.Charge = stripe.String(req.PaymentRef)
	} else {
		params.PaymentIntent = stripe.String(req.PaymentRef)
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	if req.RegistrationID != "" {
		params.AddMetadata("registration_id", req.RegistrationID)
	}

	r, err := s.client.Refunds.New(params)
	if err != nil {
		return nil, s.unavailable("create refund", err)
	}

	s.log.Info("STRIPE", fmt.Sprintf("Refund %s of %d issued for order %s", r.ID, r.Amount, req.OrderID))
	return &Refund{ID: r.ID, Amount: r.Amount}, nil
}
