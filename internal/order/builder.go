package order

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-registration/internal/eligibility"
	"ms-registration/internal/invoice"
	"ms-registration/internal/models"
	"ms-registration/internal/notify"
	"ms-registration/internal/order/db"
	"ms-registration/internal/payment"
	"ms-registration/internal/pricing"
)

type BuildOrderRequest struct {
	Purchaser      models.Purchaser     `json:"purchaser"`
	Attendees      []models.Attendee    `json:"attendees"`
	PaymentMethod  models.PaymentMethod `json:"payment_method"`
	CouponCode     string               `json:"coupon_code,omitempty"`
	AccessCode     string               `json:"access_code,omitempty"`
	IdempotencyKey string               `json:"-"`
}

type BuildOrderResult struct {
	OrderID         string               `json:"order_id"`
	Status          models.OrderStatus   `json:"status"`
	PaymentMethod   models.PaymentMethod `json:"payment_method"`
	Subtotal        int64                `json:"subtotal"`
	DiscountAmount  int64                `json:"discount_amount"`
	TotalAmount     int64                `json:"total_amount"`
	CouponCode      string               `json:"coupon_code,omitempty"`
	RegistrationIDs []string             `json:"registration_ids"`
	CheckoutURL     string               `json:"checkout_url,omitempty"`
	SessionID       string               `json:"session_id,omitempty"`
	InvoiceNumber   string               `json:"invoice_number,omitempty"`
	InvoiceURL      string               `json:"invoice_url,omitempty"`
	InvoiceDueDate  *time.Time           `json:"invoice_due_date,omitempty"`
}

// BuildOrder prices the attendees, persists one order with its registrations
// and starts payment. Orders that come to zero are paid immediately.
func (s *Service) BuildOrder(ctx context.Context, auth models.AuthContext, req BuildOrderRequest) (*BuildOrderResult, error) {
	if err := validateBuildRequest(req); err != nil {
		return nil, err
	}

	if auth.RegistrationGated && !auth.IsAdmin {
		code := req.AccessCode
		if code == "" {
			code = req.CouponCode
		}
		if err := s.resolver.CheckAccessCode(ctx, code, req.Purchaser.Email); err != nil {
			return nil, ErrRegistrationClosed
		}
	}

	if req.IdempotencyKey == "" {
		return s.buildOrder(ctx, req)
	}
	req.IdempotencyKey = scopedIdempotencyKey(auth, req)
	return s.buildOrderOnce(ctx, req)
}

// scopedIdempotencyKey binds a client key to the caller and purchaser so a
// reused key never replays someone else's order.
func scopedIdempotencyKey(auth models.AuthContext, req BuildOrderRequest) string {
	sum := sha256.Sum256([]byte(auth.Subject + "\x00" + eligibility.NormalizeEmail(req.Purchaser.Email) + "\x00" + req.IdempotencyKey))
	return hex.EncodeToString(sum[:])
}

// buildOrderOnce replays the stored result for a repeated idempotency key.
func (s *Service) buildOrderOnce(ctx context.Context, req BuildOrderRequest) (*BuildOrderResult, error) {
	existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		s.logger.Info("ORDER", fmt.Sprintf("Replaying order %s for idempotency key", existing.ID))
		return resultFromOrder(existing), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("ORDER", fmt.Sprintf("Idempotency lookup failed: %v", err))
	}

	if s.idempotency == nil {
		return s.buildOrder(ctx, req)
	}

	stored, acquired, err := s.idempotency.Claim(ctx, req.IdempotencyKey)
	if err != nil {
		// the unique key on orders still stops a duplicate insert
		s.logger.Warn("ORDER", fmt.Sprintf("Idempotency claim failed, continuing: %v", err))
		return s.buildOrder(ctx, req)
	}
	if !acquired {
		if stored == nil {
			return nil, ErrDuplicateRequest
		}
		var result BuildOrderResult
		if err := json.Unmarshal(stored, &result); err != nil {
			return nil, fmt.Errorf("decode stored order result: %w", err)
		}
		return &result, nil
	}

	result, err := s.buildOrder(ctx, req)
	if err != nil {
		if relErr := s.idempotency.Release(ctx, req.IdempotencyKey); relErr != nil {
			s.logger.Warn("ORDER", fmt.Sprintf("Failed to release idempotency key: %v", relErr))
		}
		return nil, err
	}

	if encoded, err := json.Marshal(result); err == nil {
		if err := s.idempotency.Complete(ctx, req.IdempotencyKey, encoded); err != nil {
			s.logger.Warn("ORDER", fmt.Sprintf("Failed to store idempotency result: %v", err))
		}
	}
	return result, nil
}

func validateBuildRequest(req BuildOrderRequest) error {
	if strings.TrimSpace(req.Purchaser.Email) == "" || strings.TrimSpace(req.Purchaser.Name) == "" {
		return fmt.Errorf("%w: purchaser name and email are required", ErrInvalidRequest)
	}
	if len(req.Attendees) == 0 {
		return fmt.Errorf("%w: at least one attendee is required", ErrInvalidRequest)
	}
	if !req.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unsupported payment method %q", ErrInvalidRequest, req.PaymentMethod)
	}
	for i, a := range req.Attendees {
		if strings.TrimSpace(a.Email) == "" || strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("%w: attendee %d needs a name and email", ErrInvalidRequest, i+1)
		}
	}
	return nil
}

// pricedOrder is an order whose amounts are final but which is not yet stored.
type pricedOrder struct {
	order  *models.Order
	paid   []*models.Registration
	quotes map[string]pricing.Quote
}

func (s *Service) priceOrder(ctx context.Context, req BuildOrderRequest) (*pricedOrder, error) {
	now := s.now()
	orderID := s.newID()
	order := &models.Order{
		ID:              orderID,
		PurchaserUserID: req.Purchaser.UserID,
		PurchaserEmail:  strings.TrimSpace(req.Purchaser.Email),
		PurchaserName:   strings.TrimSpace(req.Purchaser.Name),
		Organisation:    req.Purchaser.Organisation,
		ABN:             req.Purchaser.ABN,
		PurchaseOrder:   req.Purchaser.PurchaseOrder,
		PaymentMethod:   req.PaymentMethod,
		Status:          models.OrderPending,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	p := &pricedOrder{order: order, quotes: make(map[string]pricing.Quote)}
	for i, a := range req.Attendees {
		quote, err := s.catalog.PriceFor(a.TierID, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTicketType, a.TierID)
		}
		p.quotes[a.TierID] = quote

		reg := &models.Registration{
			ID:             s.newID(),
			OrderID:        orderID,
			AttendeeEmail:  strings.TrimSpace(a.Email),
			AttendeeName:   strings.TrimSpace(a.Name),
			TierID:         a.TierID,
			TierLabel:      quote.Label,
			OriginalAmount: quote.Price,
			AmountPaid:     quote.Price,
			Status:         models.RegistrationPending,
			ProfileID:      a.ProfileID,
			// keeps creation order stable when registrations are reloaded
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
			UpdatedAt: now,
		}

		if free := s.resolver.CheckFreeTicket(ctx, a.Email); free.IsFree {
			reg.DiscountAmount = quote.Price
			reg.AmountPaid = 0
			reg.FreeReason = free.Reason
			if reg.FreeReason == "" {
				reg.FreeReason = "Complimentary"
			}
		} else if quote.Price > 0 {
			order.Subtotal += quote.Price
			p.paid = append(p.paid, reg)
		}
		order.Registrations = append(order.Registrations, reg)
	}

	if req.CouponCode != "" && len(p.paid) > 0 {
		if err := s.applyCoupon(ctx, p, req); err != nil {
			return nil, err
		}
	}

	order.TotalAmount = order.Subtotal - order.DiscountAmount
	if order.TotalAmount < 0 {
		order.TotalAmount = 0
	}
	return p, nil
}

// applyCoupon prices the coupon against the aggregate subtotal and spreads the
// discount across the chargeable registrations.
func (s *Service) applyCoupon(ctx context.Context, p *pricedOrder, req BuildOrderRequest) error {
	email := req.Purchaser.Email
	var tierIDs []string
	if s.opts.CouponTierScope == CouponScopeFirst {
		tierIDs = []string{req.Attendees[0].TierID}
	} else {
		seen := make(map[string]bool)
		for _, reg := range p.paid {
			if !seen[reg.TierID] {
				seen[reg.TierID] = true
				tierIDs = append(tierIDs, reg.TierID)
			}
		}
	}

	dc, err := s.resolver.Resolve(ctx, req.CouponCode, email, tierIDs)
	if err != nil {
		return err
	}

	order := p.order
	order.CouponCode = dc.Code
	order.DiscountAmount = eligibility.Amount(dc, order.Subtotal)

	prices := make([]int64, len(p.paid))
	for i, reg := range p.paid {
		prices[i] = reg.OriginalAmount
	}
	for i, share := range allocateDiscount(prices, order.DiscountAmount) {
		reg := p.paid[i]
		reg.DiscountAmount = share
		reg.AmountPaid = reg.OriginalAmount - share
		reg.CouponCode = dc.Code
	}
	return nil
}

// allocateDiscount splits discount across prices in proportion, never giving a
// line more than its price. The shares sum to min(discount, sum(prices)).
func allocateDiscount(prices []int64, discount int64) []int64 {
	shares := make([]int64, len(prices))
	var subtotal int64
	for _, p := range prices {
		subtotal += p
	}
	if subtotal <= 0 || discount <= 0 {
		return shares
	}
	if discount > subtotal {
		discount = subtotal
	}

	var allocated int64
	for i, p := range prices {
		shares[i] = discount * p / subtotal
		allocated += shares[i]
	}
	// hand out the rounding remainder one cent at a time
	for i := 0; allocated < discount; i = (i + 1) % len(prices) {
		if shares[i] < prices[i] {
			shares[i]++
			allocated++
		}
	}
	return shares
}

// lineItems groups chargeable registrations by tier in first-seen order.
func (s *Service) lineItems(p *pricedOrder, requirePriceIDs bool) ([]payment.LineItem, error) {
	var items []payment.LineItem
	index := make(map[string]int)
	for _, reg := range p.paid {
		if i, ok := index[reg.TierID]; ok {
			items[i].Quantity++
			continue
		}
		quote := p.quotes[reg.TierID]
		key := reg.TierID
		if quote.EarlyBird {
			key += ":early"
		}
		priceID := s.opts.PriceIDs[key]
		if priceID == "" && requirePriceIDs {
			return nil, fmt.Errorf("%w: no price configured for %s", payment.ErrProviderMisconfigured, key)
		}
		index[reg.TierID] = len(items)
		items = append(items, payment.LineItem{
			TierID:     reg.TierID,
			Label:      reg.TierLabel,
			PriceID:    priceID,
			UnitAmount: reg.OriginalAmount,
			Quantity:   1,
		})
	}
	return items, nil
}

func (s *Service) buildOrder(ctx context.Context, req BuildOrderRequest) (*BuildOrderResult, error) {
	p, err := s.priceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	order := p.order

	if order.TotalAmount == 0 {
		return s.completeFreeOrder(ctx, order)
	}

	switch order.PaymentMethod {
	case models.PaymentMethodCard:
		return s.startCheckout(ctx, p)
	default:
		return s.issueInvoice(ctx, p)
	}
}

func (s *Service) completeFreeOrder(ctx context.Context, order *models.Order) (*BuildOrderResult, error) {
	order.Status = models.OrderPaid
	for _, reg := range order.Registrations {
		reg.Status = models.RegistrationPaid
	}

	err := s.store.CreateOrder(ctx, order, db.CreateOrderOptions{IncrementCoupon: order.CouponCode != ""})
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	s.logger.LogOrder("FREE", order.ID, fmt.Sprintf("Order completed without payment (%d registrations)", len(order.Registrations)))

	s.publish(ctx, "order created", order, s.events.OrderCreated)
	s.publish(ctx, "order paid", order, s.events.OrderPaid)
	s.sendPaidNotifications(ctx, order)
	return resultFromOrder(order), nil
}

func (s *Service) startCheckout(ctx context.Context, p *pricedOrder) (*BuildOrderResult, error) {
	order := p.order
	items, err := s.lineItems(p, true)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateOrder(ctx, order, db.CreateOrderOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	s.logger.LogOrder("CREATE", order.ID, fmt.Sprintf("Card order created, total %s", pricing.FormatCents(order.TotalAmount)))

	session, err := s.provider.CreateCheckout(ctx, payment.CheckoutRequest{
		OrderID:         order.ID,
		RegistrationIDs: registrationIDs(order),
		CustomerEmail:   order.PurchaserEmail,
		LineItems:       items,
		DiscountAmount:  order.DiscountAmount,
		DiscountLabel:   discountLabel(order),
	})
	if err != nil {
		s.logger.LogOrder("ERROR", order.ID, fmt.Sprintf("Checkout creation failed: %v", err))
		s.abandon(ctx, order)
		return nil, providerError(err)
	}

	if err := s.store.SetOrderSession(ctx, order.ID, session.ID); err != nil {
		return nil, fmt.Errorf("failed to store checkout session: %w", err)
	}
	order.SessionID = session.ID
	for _, reg := range order.Registrations {
		reg.SessionID = session.ID
	}

	s.publish(ctx, "order created", order, s.events.OrderCreated)

	result := resultFromOrder(order)
	result.CheckoutURL = session.URL
	return result, nil
}

func (s *Service) issueInvoice(ctx context.Context, p *pricedOrder) (*BuildOrderResult, error) {
	order := p.order
	items, err := s.lineItems(p, false)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateOrder(ctx, order, db.CreateOrderOptions{InvoicePrefix: s.opts.InvoicePrefix}); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	s.logger.LogOrder("CREATE", order.ID, fmt.Sprintf("Invoice order %s created, total %s", order.InvoiceNumber, pricing.FormatCents(order.TotalAmount)))

	inv, err := s.provider.CreateInvoice(ctx, payment.InvoiceRequest{
		OrderID:         order.ID,
		InvoiceNumber:   order.InvoiceNumber,
		RegistrationIDs: registrationIDs(order),
		CustomerEmail:   order.PurchaserEmail,
		CustomerName:    order.PurchaserName,
		Organisation:    order.Organisation,
		ABN:             order.ABN,
		PurchaseOrder:   order.PurchaseOrder,
		LineItems:       items,
		DiscountAmount:  order.DiscountAmount,
		DiscountLabel:   discountLabel(order),
		DueDays:         s.opts.InvoiceDueDays,
	})
	if err != nil {
		s.logger.LogOrder("ERROR", order.ID, fmt.Sprintf("Invoice creation failed: %v", err))
		s.abandon(ctx, order)
		return nil, providerError(err)
	}

	due := inv.DueDate
	if due.IsZero() {
		due = s.now().AddDate(0, 0, s.opts.InvoiceDueDays)
	}
	if err := s.store.SetOrderInvoice(ctx, order.ID, inv.ID, due); err != nil {
		return nil, fmt.Errorf("failed to store invoice: %w", err)
	}
	order.InvoiceID = inv.ID
	order.InvoiceDueDate = &due

	s.publish(ctx, "order created", order, s.events.OrderCreated)
	s.deliverInvoice(ctx, order, inv)

	result := resultFromOrder(order)
	result.InvoiceURL = inv.HostedURL
	return result, nil
}

// deliverInvoice renders, archives and sends the invoice document. Failures
// are logged; the order stands either way.
func (s *Service) deliverInvoice(ctx context.Context, order *models.Order, inv *payment.Invoice) {
	attachment := notify.InvoiceAttachment{
		Number:    order.InvoiceNumber,
		DueDate:   *order.InvoiceDueDate,
		HostedURL: inv.HostedURL,
	}

	if s.renderer != nil {
		doc := invoice.BuildDocument(order, s.now(), s.opts.Invoice)
		pdf, err := s.renderer.Render(doc)
		if err != nil {
			s.logger.LogOrder("ERROR", order.ID, fmt.Sprintf("Invoice render failed: %v", err))
		} else {
			attachment.PDF = pdf
			location, err := s.archive.Store(ctx, order.InvoiceNumber, pdf)
			if err != nil {
				s.logger.LogOrder("ERROR", order.ID, fmt.Sprintf("Invoice archive failed: %v", err))
			}
			attachment.Location = location
		}
	}

	if err := s.notifier.SendInvoice(ctx, order, attachment); err != nil {
		s.logger.LogOrder("ERROR", order.ID, fmt.Sprintf("Invoice notification failed: %v", err))
	}
}

// abandon leaves an order pending without a payment reference and frees its
// idempotency key for the client's retry.
func (s *Service) abandon(ctx context.Context, order *models.Order) {
	if order.IdempotencyKey == "" {
		return
	}
	if err := s.store.ClearIdempotencyKey(ctx, order.ID); err != nil {
		s.logger.LogOrder("ERROR", order.ID, fmt.Sprintf("Failed to clear idempotency key: %v", err))
	}
}

func providerError(err error) error {
	if errors.Is(err, payment.ErrProviderUnavailable) || errors.Is(err, payment.ErrProviderMisconfigured) {
		return err
	}
	return fmt.Errorf("%w: %v", payment.ErrProviderUnavailable, err)
}

func discountLabel(order *models.Order) string {
	if order.CouponCode == "" {
		return ""
	}
	return "Discount (" + order.CouponCode + ")"
}

func registrationIDs(order *models.Order) []string {
	ids := make([]string, 0, len(order.Registrations))
	for _, reg := range order.Registrations {
		ids = append(ids, reg.ID)
	}
	return ids
}

func resultFromOrder(order *models.Order) *BuildOrderResult {
	return &BuildOrderResult{
		OrderID:         order.ID,
		Status:          order.Status,
		PaymentMethod:   order.PaymentMethod,
		Subtotal:        order.Subtotal,
		DiscountAmount:  order.DiscountAmount,
		TotalAmount:     order.TotalAmount,
		CouponCode:      order.CouponCode,
		RegistrationIDs: registrationIDs(order),
		SessionID:       order.SessionID,
		InvoiceNumber:   order.InvoiceNumber,
		InvoiceDueDate:  order.InvoiceDueDate,
	}
}
