package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-registration/internal/models"

	"github.com/uptrace/bun"
)

type DB struct {
	Bun *bun.DB
}

func New(b *bun.DB) *DB {
	return &DB{Bun: b}
}

// CreateOrderOptions are extra writes performed in the order-creation transaction.
type CreateOrderOptions struct {
	// InvoicePrefix, when set, assigns the next sequential invoice number to the order.
	InvoicePrefix string
	// IncrementCoupon records one redemption of order.CouponCode.
	IncrementCoupon bool
}

// ---------------- ORDERS ----------------

// CreateOrder inserts order and order.Registrations atomically.
func (d *DB) CreateOrder(ctx context.Context, order *models.Order, opts CreateOrderOptions) error {
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if opts.InvoicePrefix != "" {
			number, err := nextInvoiceNumber(ctx, tx, opts.InvoicePrefix)
			if err != nil {
				return err
			}
			order.InvoiceNumber = number
		}

		if _, err := tx.NewInsert().Model(order).Exec(ctx); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if len(order.Registrations) > 0 {
			if _, err := tx.NewInsert().Model(&order.Registrations).Exec(ctx); err != nil {
				return fmt.Errorf("insert registrations: %w", err)
			}
		}

		if opts.IncrementCoupon && order.CouponCode != "" {
			if err := incrementDiscountUsage(ctx, tx, order.CouponCode); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetOrder loads an order with its registrations.
func (d *DB) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return d.findOrder(ctx, "id = ?", id)
}

func (d *DB) GetOrderBySession(ctx context.Context, sessionID string) (*models.Order, error) {
	return d.findOrder(ctx, "payment_session_id = ?", sessionID)
}

func (d *DB) GetOrderByInvoice(ctx context.Context, invoiceID string) (*models.Order, error) {
	return d.findOrder(ctx, "invoice_id = ?", invoiceID)
}

func (d *DB) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	return d.findOrder(ctx, "idempotency_key = ?", key)
}

// GetOrderByRegistrationSession resolves legacy orders whose session id was
// stored on the registration rather than the order.
func (d *DB) GetOrderByRegistrationSession(ctx context.Context, sessionID string) (*models.Order, error) {
	var reg models.Registration
	err := d.Bun.NewSelect().
		Model(&reg).
		Where("payment_session_id = ?", sessionID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return d.GetOrder(ctx, reg.OrderID)
}

func (d *DB) findOrder(ctx context.Context, where string, arg interface{}) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Relation("Registrations", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("created_at ASC", "id ASC")
		}).
		Where(where, arg).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetRegistration loads a registration together with its owning order.
func (d *DB) GetRegistration(ctx context.Context, id string) (*models.Registration, *models.Order, error) {
	var reg models.Registration
	err := d.Bun.NewSelect().Model(&reg).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return nil, nil, err
	}
	order, err := d.GetOrder(ctx, reg.OrderID)
	if err != nil {
		return nil, nil, err
	}
	return &reg, order, nil
}

// ClearIdempotencyKey frees the key of an order whose payment could not be
// started, so a retry with the same key builds a fresh order.
func (d *DB) ClearIdempotencyKey(ctx context.Context, orderID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("idempotency_key = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", orderID).
		Exec(ctx)
	return err
}

// SetOrderSession stores the checkout session id created for a pending order.
func (d *DB) SetOrderSession(ctx context.Context, orderID, sessionID string) error {
	return d.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.NewUpdate().
			Model((*models.Order)(nil)).
			Set("payment_session_id = ?", sessionID).
			Set("updated_at = ?", now).
			Where("id = ?", orderID).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewUpdate().
			Model((*models.Registration)(nil)).
			Set("payment_session_id = ?", sessionID).
			Set("updated_at = ?", now).
			Where("order_id = ?", orderID).
			Exec(ctx)
		return err
	})
}

// SetOrderInvoice stores the provider invoice id and due date for a pending order.
func (d *DB) SetOrderInvoice(ctx context.Context, orderID, invoiceID string, dueDate time.Time) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("invoice_id = ?", invoiceID).
		Set("invoice_due_date = ?", dueDate).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", orderID).
		Exec(ctx)
	return err
}

// ---------------- STATUS TRANSITIONS ----------------

// MarkOrderPaid moves an order and its open registrations to paid, recording
// paymentRef and one coupon redemption. It reports false when the order was
// already paid or already carries a payment reference.
func (d *DB) MarkOrderPaid(ctx context.Context, orderID, paymentRef string) (bool, error) {
	changed := false
	err := d.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var prev models.Order
		if err := tx.NewSelect().Model(&prev).Where("id = ?", orderID).Limit(1).Scan(ctx); err != nil {
			return err
		}

		now := time.Now().UTC()
		res, err := tx.NewUpdate().
			Model((*models.Order)(nil)).
			Set("status = ?", models.OrderPaid).
			Set("payment_reference = ?", paymentRef).
			Set("updated_at = ?", now).
			Where("id = ?", orderID).
			Where("status <> ?", models.OrderPaid).
			Where("payment_reference IS NULL").
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		revive := []models.RegistrationStatus{models.RegistrationPending, models.RegistrationFailed}
		if prev.Status == models.OrderCancelled {
			// expired orders cascaded their registrations to cancelled without a refund
			revive = append(revive, models.RegistrationCancelled)
		}
		if _, err := tx.NewUpdate().
			Model((*models.Registration)(nil)).
			Set("status = ?", models.RegistrationPaid).
			Set("payment_reference = ?", paymentRef).
			Set("updated_at = ?", now).
			Where("order_id = ?", orderID).
			Where("status IN (?)", bun.In(revive)).
			Where("refund_reference IS NULL").
			Exec(ctx); err != nil {
			return err
		}

		if prev.CouponCode != "" {
			if err := incrementDiscountUsage(ctx, tx, prev.CouponCode); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	return changed, err
}

// ExpireOrder cancels a pending order and its pending registrations.
func (d *DB) ExpireOrder(ctx context.Context, orderID string) (bool, error) {
	return d.closePending(ctx, orderID, nil, models.OrderCancelled, models.RegistrationCancelled)
}

// FailOrder marks pending registrations (all of them when registrationIDs is
// empty) and a pending order as failed.
func (d *DB) FailOrder(ctx context.Context, orderID string, registrationIDs []string) (bool, error) {
	return d.closePending(ctx, orderID, registrationIDs, models.OrderFailed, models.RegistrationFailed)
}

func (d *DB) closePending(ctx context.Context, orderID string, registrationIDs []string, orderStatus models.OrderStatus, regStatus models.RegistrationStatus) (bool, error) {
	changed := false
	err := d.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC()
		res, err := tx.NewUpdate().
			Model((*models.Order)(nil)).
			Set("status = ?", orderStatus).
			Set("updated_at = ?", now).
			Where("id = ?", orderID).
			Where("status = ?", models.OrderPending).
			Exec(ctx)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()

		q := tx.NewUpdate().
			Model((*models.Registration)(nil)).
			Set("status = ?", regStatus).
			Set("updated_at = ?", now).
			Where("order_id = ?", orderID).
			Where("status = ?", models.RegistrationPending)
		if len(registrationIDs) > 0 {
			q = q.Where("id IN (?)", bun.In(registrationIDs))
		}
		regRes, err := q.Exec(ctx)
		if err != nil {
			return err
		}
		m, _ := regRes.RowsAffected()

		changed = n > 0 || m > 0
		return nil
	})
	return changed, err
}

// CancelOrder cancels an order. When refundRef is set, paid registrations become
// refunded; every other open registration becomes cancelled.
func (d *DB) CancelOrder(ctx context.Context, orderID, refundRef string) (bool, error) {
	changed := false
	err := d.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now().UTC()
		res, err := tx.NewUpdate().
			Model((*models.Order)(nil)).
			Set("status = ?", models.OrderCancelled).
			Set("updated_at = ?", now).
			Where("id = ?", orderID).
			Where("status <> ?", models.OrderCancelled).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		terminal := bun.In([]models.RegistrationStatus{models.RegistrationCancelled, models.RegistrationRefunded})
		if refundRef != "" {
			if _, err := tx.NewUpdate().
				Model((*models.Registration)(nil)).
				Set("status = ?", models.RegistrationRefunded).
				Set("refund_reference = ?", refundRef).
				Set("updated_at = ?", now).
				Where("order_id = ?", orderID).
				Where("status = ?", models.RegistrationPaid).
				Exec(ctx); err != nil {
				return err
			}
		}
		if _, err := tx.NewUpdate().
			Model((*models.Registration)(nil)).
			Set("status = ?", models.RegistrationCancelled).
			Set("updated_at = ?", now).
			Where("order_id = ?", orderID).
			Where("status NOT IN (?)", terminal).
			Exec(ctx); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// CancelRegistration cancels one registration, marking it refunded when refundRef is set.
func (d *DB) CancelRegistration(ctx context.Context, registrationID, refundRef string) (bool, error) {
	q := d.Bun.NewUpdate().
		Model((*models.Registration)(nil)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", registrationID).
		Where("status NOT IN (?)", bun.In([]models.RegistrationStatus{models.RegistrationCancelled, models.RegistrationRefunded}))
	if refundRef != "" {
		q = q.Set("status = ?", models.RegistrationRefunded).Set("refund_reference = ?", refundRef)
	} else {
		q = q.Set("status = ?", models.RegistrationCancelled)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UnlinkPurchaser detaches a deleted user's identity from their orders.
func (d *DB) UnlinkPurchaser(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, errors.New("user id is required")
	}
	res, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("purchaser_user_id = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("purchaser_user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunInTx runs fn in a transaction. Inside fn use tx only.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return d.Bun.RunInTx(ctx, nil, fn)
}
