package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ms-registration/internal/models"
	"ms-registration/internal/payment"
	"ms-registration/internal/pricing"
)

// CancellationPreview tells the caller what cancelling would do before they commit.
type CancellationPreview struct {
	CanAutoRefund bool   `json:"can_auto_refund"`
	RefundAmount  int64  `json:"refund_amount"`
	Message       string `json:"message"`
}

type CancelOptions struct {
	IssueRefund bool `json:"issue_refund"`
}

// DescribeOrderCancellation previews cancelling a whole order. The refund is
// the sum of what was paid for registrations that are still paid.
func DescribeOrderCancellation(order *models.Order) CancellationPreview {
	if order.Status == models.OrderCancelled {
		return CancellationPreview{Message: "This order has already been cancelled."}
	}

	var amount int64
	for _, reg := range order.Registrations {
		if reg.Status == models.RegistrationPaid {
			amount += reg.AmountPaid
		}
	}
	return describe(order.PaymentMethod, order.Status == models.OrderPaid, amount, order.PaymentRef)
}

// DescribeRegistrationCancellation previews cancelling one registration.
func DescribeRegistrationCancellation(order *models.Order, reg *models.Registration) CancellationPreview {
	if reg.Status.Terminal() {
		return CancellationPreview{Message: "This registration has already been cancelled."}
	}
	if awaitingPayment(order) {
		return CancellationPreview{Message: "Payment for this order is still open. Cancel the whole order instead."}
	}
	ref := reg.PaymentRef
	if ref == "" {
		ref = order.PaymentRef
	}
	return describe(order.PaymentMethod, reg.Status == models.RegistrationPaid, reg.AmountPaid, ref)
}

// awaitingPayment reports whether a checkout session or invoice could still
// settle the order at its full amount.
func awaitingPayment(order *models.Order) bool {
	return order.Status == models.OrderPending && (order.SessionID != "" || order.InvoiceID != "")
}

func describe(method models.PaymentMethod, paid bool, amount int64, ref string) CancellationPreview {
	switch {
	case !paid:
		return CancellationPreview{Message: "No payment has been received, so nothing will be refunded."}
	case amount <= 0:
		return CancellationPreview{Message: "This registration was free, so no refund is due."}
	case method != models.PaymentMethodCard:
		return CancellationPreview{
			RefundAmount: amount,
			Message:      fmt.Sprintf("Invoice payments are refunded manually. %s was paid.", pricing.FormatCents(amount)),
		}
	case ref == "":
		return CancellationPreview{
			RefundAmount: amount,
			Message:      "No payment reference is recorded, so the refund must be issued manually.",
		}
	default:
		return CancellationPreview{
			CanAutoRefund: true,
			RefundAmount:  amount,
			Message:       fmt.Sprintf("%s will be refunded to the original card.", pricing.FormatCents(amount)),
		}
	}
}

// PreviewOrderCancellation loads the order and describes its cancellation for the caller.
func (s *Service) PreviewOrderCancellation(ctx context.Context, auth models.AuthContext, orderID string) (CancellationPreview, error) {
	order, err := s.authorizedOrder(ctx, auth, orderID)
	if err != nil {
		return CancellationPreview{}, err
	}
	return DescribeOrderCancellation(order), nil
}

func (s *Service) PreviewRegistrationCancellation(ctx context.Context, auth models.AuthContext, registrationID string) (CancellationPreview, error) {
	reg, order, err := s.authorizedRegistration(ctx, auth, registrationID)
	if err != nil {
		return CancellationPreview{}, err
	}
	return DescribeRegistrationCancellation(order, reg), nil
}

// CancelOrder cancels an order and every open registration in it, refunding
// the card payment first when asked to.
func (s *Service) CancelOrder(ctx context.Context, auth models.AuthContext, orderID string, opts CancelOptions) (*models.Order, error) {
	order, err := s.authorizedOrder(ctx, auth, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == models.OrderCancelled {
		return nil, ErrAlreadyCancelled
	}

	preview := DescribeOrderCancellation(order)
	if opts.IssueRefund && !preview.CanAutoRefund {
		return nil, fmt.Errorf("%w: %s", ErrRefundNotEligible, preview.Message)
	}

	var refundRef string
	if opts.IssueRefund {
		refund, err := s.provider.Refund(ctx, payment.RefundRequest{
			OrderID:    order.ID,
			PaymentRef: order.PaymentRef,
			Amount:     preview.RefundAmount,
		})
		if err != nil {
			s.logger.LogOrder("ERROR", order.ID, fmt.Sprintf("Refund failed: %v", err))
			return nil, providerError(err)
		}
		refundRef = refund.ID
		s.logger.LogOrder("REFUND", order.ID, fmt.Sprintf("Refunded %s (%s)", pricing.FormatCents(refund.Amount), refund.ID))
	}

	changed, err := s.store.CancelOrder(ctx, order.ID, refundRef)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order %s: %w", order.ID, err)
	}
	if !changed {
		return nil, ErrAlreadyCancelled
	}
	s.logger.LogOrder("CANCEL", order.ID, fmt.Sprintf("Order cancelled by %s", actor(auth)))

	updated, err := s.lookup(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, "order cancelled", updated, s.events.OrderCancelled)
	return updated, nil
}

// CancelRegistration cancels a single registration and leaves the rest of the order alone.
func (s *Service) CancelRegistration(ctx context.Context, auth models.AuthContext, registrationID string, opts CancelOptions) (*models.Registration, error) {
	reg, order, err := s.authorizedRegistration(ctx, auth, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.Status.Terminal() {
		return nil, ErrAlreadyCancelled
	}
	if awaitingPayment(order) {
		return nil, ErrCheckoutInProgress
	}

	preview := DescribeRegistrationCancellation(order, reg)
	if opts.IssueRefund && !preview.CanAutoRefund {
		return nil, fmt.Errorf("%w: %s", ErrRefundNotEligible, preview.Message)
	}

	var refundRef string
	if opts.IssueRefund {
		ref := reg.PaymentRef
		if ref == "" {
			ref = order.PaymentRef
		}
		refund, err := s.provider.Refund(ctx, payment.RefundRequest{
			OrderID:        order.ID,
			RegistrationID: reg.ID,
			PaymentRef:     ref,
			Amount:         preview.RefundAmount,
		})
		if err != nil {
			s.logger.LogOrder("ERROR", order.ID, fmt.Sprintf("Refund for %s failed: %v", reg.ID, err))
			return nil, providerError(err)
		}
		refundRef = refund.ID
	}

	changed, err := s.store.CancelRegistration(ctx, reg.ID, refundRef)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel registration %s: %w", reg.ID, err)
	}
	if !changed {
		return nil, ErrAlreadyCancelled
	}
	s.logger.LogOrder("CANCEL", order.ID, fmt.Sprintf("Registration %s cancelled by %s", reg.ID, actor(auth)))

	updated, _, err := s.store.GetRegistration(ctx, reg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload registration %s: %w", reg.ID, err)
	}
	return updated, nil
}

func (s *Service) authorizedOrder(ctx context.Context, auth models.AuthContext, orderID string) (*models.Order, error) {
	order, err := s.lookup(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !CanAccess(auth, order) {
		s.logger.LogSecurity("FORBIDDEN", fmt.Sprintf("%s attempted to access order %s", actor(auth), orderID))
		return nil, ErrForbidden
	}
	return order, nil
}

func (s *Service) authorizedRegistration(ctx context.Context, auth models.AuthContext, registrationID string) (*models.Registration, *models.Order, error) {
	reg, order, err := s.store.GetRegistration(ctx, registrationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrRegistrationNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load registration %s: %w", registrationID, err)
	}
	if !CanAccess(auth, order) {
		s.logger.LogSecurity("FORBIDDEN", fmt.Sprintf("%s attempted to access registration %s", actor(auth), registrationID))
		return nil, nil, ErrForbidden
	}
	return reg, order, nil
}

func actor(auth models.AuthContext) string {
	switch {
	case auth.Subject != "":
		return auth.Subject
	case auth.Email != "":
		return auth.Email
	default:
		return "anonymous"
	}
}
