package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ms-registration/internal/models"
)

// Outcome is what Reconcile did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// HandleWebhook verifies a raw provider callback and reconciles it once per event id.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	event, err := s.provider.ParseWebhook(payload, signature)
	if err != nil {
		return "", err
	}

	if s.webhooks != nil && event.ID != "" {
		seen, err := s.webhooks.WebhookSeen(ctx, event.ID)
		if err != nil {
			s.logger.Warn("WEBHOOK", fmt.Sprintf("Dedupe lookup failed for %s: %v", event.ID, err))
		} else if seen {
			s.logger.Info("WEBHOOK", fmt.Sprintf("Event %s already processed", event.ID))
			return OutcomeDuplicate, nil
		}
	}

	outcome, err := s.Reconcile(ctx, event)
	if err != nil {
		return "", err
	}

	if s.webhooks != nil && event.ID != "" {
		if err := s.webhooks.MarkWebhookSeen(ctx, event.ID); err != nil {
			s.logger.Warn("WEBHOOK", fmt.Sprintf("Failed to record event %s: %v", event.ID, err))
		}
	}
	return outcome, nil
}

// Reconcile applies one payment event to local state. Events for orders that
// cannot be found are acknowledged with OutcomeIgnored so the provider stops
// redelivering them.
func (s *Service) Reconcile(ctx context.Context, event *models.PaymentEvent) (Outcome, error) {
	s.logger.Info("WEBHOOK", fmt.Sprintf("Reconciling %s event %s (%s)", event.Kind, event.ID, event.ProviderType))

	switch event.Kind {
	case models.EventCheckoutCompleted:
		order, err := s.findCheckoutOrder(ctx, event)
		if order == nil {
			return s.unresolved(event, err)
		}
		ref := event.PaymentRef
		if ref == "" {
			ref = event.SessionID
		}
		return s.markPaid(ctx, order.ID, ref)

	case models.EventCheckoutExpired:
		order, err := s.findCheckoutOrder(ctx, event)
		if order == nil {
			return s.unresolved(event, err)
		}
		changed, err := s.store.ExpireOrder(ctx, order.ID)
		if err != nil {
			return "", fmt.Errorf("failed to expire order %s: %w", order.ID, err)
		}
		if !changed {
			return OutcomeDuplicate, nil
		}
		s.logger.LogOrder("EXPIRED", order.ID, "Checkout expired, order cancelled")
		s.reloadAndPublish(ctx, order.ID, "order cancelled", s.events.OrderCancelled)
		return OutcomeApplied, nil

	case models.EventPaymentFailed:
		order, err := s.findFailedOrder(ctx, event)
		if order == nil {
			return s.unresolved(event, err)
		}
		return s.failOrder(ctx, order.ID, event.RegistrationIDs)

	case models.EventInvoicePaid:
		order, err := s.findInvoiceOrder(ctx, event)
		if order == nil {
			return s.unresolved(event, err)
		}
		ref := event.PaymentRef
		if ref == "" {
			ref = event.InvoiceID
		}
		return s.markPaid(ctx, order.ID, ref)

	case models.EventInvoicePaymentFailed:
		order, err := s.findInvoiceOrder(ctx, event)
		if order == nil {
			return s.unresolved(event, err)
		}
		return s.failOrder(ctx, order.ID, nil)

	default:
		s.logger.Debug("WEBHOOK", fmt.Sprintf("Ignoring unhandled event %s", event.ID))
		return OutcomeIgnored, nil
	}
}

// MarkPaid records a payment received outside the provider, such as a bank
// transfer against an invoice.
func (s *Service) MarkPaid(ctx context.Context, auth models.AuthContext, orderID, reference string) (*models.Order, error) {
	if !auth.IsAdmin {
		return nil, ErrForbidden
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidRequest)
	}

	if _, err := s.lookup(ctx, orderID); err != nil {
		return nil, err
	}

	if _, err := s.markPaid(ctx, orderID, reference); err != nil {
		return nil, err
	}
	s.logger.LogSecurity("MARK_PAID", fmt.Sprintf("Order %s marked paid by %s (ref %s)", orderID, auth.Subject, reference))
	return s.lookup(ctx, orderID)
}

// markPaid is the single paid transition. Notifications go out only for the
// call that actually changed the order.
func (s *Service) markPaid(ctx context.Context, orderID, ref string) (Outcome, error) {
	changed, err := s.store.MarkOrderPaid(ctx, orderID, ref)
	if err != nil {
		return "", fmt.Errorf("failed to mark order %s paid: %w", orderID, err)
	}
	if !changed {
		s.logger.LogOrder("DUPLICATE", orderID, "Order already paid")
		return OutcomeDuplicate, nil
	}
	s.logger.LogOrder("PAID", orderID, fmt.Sprintf("Payment recorded (%s)", ref))

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		s.logger.LogOrder("ERROR", orderID, fmt.Sprintf("Reload after payment failed, skipping notifications: %v", err))
		return OutcomeApplied, nil
	}
	s.publish(ctx, "order paid", order, s.events.OrderPaid)
	s.sendPaidNotifications(ctx, order)
	return OutcomeApplied, nil
}

func (s *Service) failOrder(ctx context.Context, orderID string, registrationIDs []string) (Outcome, error) {
	changed, err := s.store.FailOrder(ctx, orderID, registrationIDs)
	if err != nil {
		return "", fmt.Errorf("failed to mark order %s failed: %w", orderID, err)
	}
	if !changed {
		return OutcomeDuplicate, nil
	}
	s.logger.LogOrder("FAILED", orderID, "Payment failed")
	return OutcomeApplied, nil
}

func (s *Service) findCheckoutOrder(ctx context.Context, event *models.PaymentEvent) (*models.Order, error) {
	if event.SessionID != "" {
		order, err := s.store.GetOrderBySession(ctx, event.SessionID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		order, err = s.store.GetOrderByRegistrationSession(ctx, event.SessionID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return s.findByMetadata(ctx, event)
}

func (s *Service) findInvoiceOrder(ctx context.Context, event *models.PaymentEvent) (*models.Order, error) {
	if event.InvoiceID != "" {
		order, err := s.store.GetOrderByInvoice(ctx, event.InvoiceID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return s.findByMetadata(ctx, event)
}

func (s *Service) findFailedOrder(ctx context.Context, event *models.PaymentEvent) (*models.Order, error) {
	if event.OrderID == "" && event.SessionID != "" {
		return s.findCheckoutOrder(ctx, event)
	}
	return s.findByMetadata(ctx, event)
}

func (s *Service) findByMetadata(ctx context.Context, event *models.PaymentEvent) (*models.Order, error) {
	if event.OrderID == "" {
		return nil, nil
	}
	order, err := s.store.GetOrder(ctx, event.OrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return order, err
}

// unresolved turns a failed lookup into either an ignored event or a retryable error.
func (s *Service) unresolved(event *models.PaymentEvent, err error) (Outcome, error) {
	if err != nil {
		return "", fmt.Errorf("failed to resolve order for event %s: %w", event.ID, err)
	}
	s.logger.Warn("WEBHOOK", fmt.Sprintf("No order found for %s event %s (session %q, invoice %q, order %q)",
		event.Kind, event.ID, event.SessionID, event.InvoiceID, event.OrderID))
	return OutcomeIgnored, nil
}

// sendPaidNotifications sends the purchaser receipt and one confirmation per
// paid registration.
func (s *Service) sendPaidNotifications(ctx context.Context, order *models.Order) {
	if err := s.notifier.SendReceipt(ctx, order); err != nil {
		s.logger.LogOrder("ERROR", order.ID, fmt.Sprintf("Receipt failed: %v", err))
	}
	for _, reg := range order.Registrations {
		if reg.Status != models.RegistrationPaid {
			continue
		}
		if err := s.notifier.SendTicketConfirmation(ctx, order, reg); err != nil {
			s.logger.LogOrder("ERROR", order.ID, fmt.Sprintf("Confirmation for %s failed: %v", reg.ID, err))
		}
	}
}

func (s *Service) publish(ctx context.Context, what string, order *models.Order, fn func(context.Context, *models.Order) error) {
	if err := fn(ctx, order); err != nil {
		s.logger.LogKafka("ERROR", what, fmt.Sprintf("Failed to publish for order %s: %v", order.ID, err))
	}
}

func (s *Service) reloadAndPublish(ctx context.Context, orderID, what string, fn func(context.Context, *models.Order) error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		s.logger.LogOrder("ERROR", orderID, fmt.Sprintf("Reload failed, skipping %s event: %v", what, err))
		return
	}
	s.publish(ctx, what, order, fn)
}

// GetOrder loads an order for display.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.lookup(ctx, orderID)
}

func (s *Service) lookup(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	return order, nil
}
