package db

import (
	"context"
	"fmt"
	"time"

	"ms-registration/internal/models"

	"github.com/uptrace/bun"
)

// ---------------- DISCOUNT CODES ----------------

func (d *DB) GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := d.Bun.NewSelect().
		Model(&dc).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &dc, nil
}


func incrementDiscountUsage(ctx context.Context, idb bun.IDB, code string) error {
	_, err := idb.NewUpdate().
		Model((*models.DiscountCode)(nil)).
		Set("current_uses = current_uses + 1").
		Where("code = ?", code).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("increment discount usage for %s: %w", code, err)
	}
	return nil
}

func (d *DB) CreateDiscountCode(ctx context.Context, dc *models.DiscountCode) error {
	if dc.CreatedAt.IsZero() {
		dc.CreatedAt = time.Now().UTC()
	}
	_, err := d.Bun.NewInsert().Model(dc).Exec(ctx)
	return err
}

func (d *DB) ListDiscountCodes(ctx context.Context) ([]models.DiscountCode, error) {
	var codes []models.DiscountCode
	err := d.Bun.NewSelect().
		Model(&codes).
		Order("created_at DESC", "code ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// SetDiscountCodeActive toggles a code and reports whether it exists.
func (d *DB) SetDiscountCodeActive(ctx context.Context, code string, active bool) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.DiscountCode)(nil)).
		Set("active = ?", active).
		Where("code = ?", code).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ---------------- FREE TICKET ALLOWLIST ----------------

func (d *DB) GetFreeTicketEntry(ctx context.Context, email string) (*models.FreeTicketEntry, error) {
	var entry models.FreeTicketEntry
	err := d.Bun.NewSelect().
		Model(&entry).
		Where("email = ?", email).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d *DB) UpsertFreeTicketEntry(ctx context.Context, entry *models.FreeTicketEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := d.Bun.NewInsert().
		Model(entry).
		On("CONFLICT (email) DO UPDATE").
		Set("reason = EXCLUDED.reason").
		Set("active = EXCLUDED.active").
		Exec(ctx)
	return err
}

// ---------------- INVOICE NUMBERS ----------------

// nextInvoiceNumber increments the per-prefix counter inside the caller's transaction.
func nextInvoiceNumber(ctx context.Context, idb bun.IDB, prefix string) (string, error) {
	seed := &models.InvoiceSequence{Prefix: prefix, Value: 0}
	if _, err := idb.NewInsert().Model(seed).On("CONFLICT (prefix) DO NOTHING").Exec(ctx); err != nil {
		return "", fmt.Errorf("seed invoice sequence: %w", err)
	}

	if _, err := idb.NewUpdate().
		Model((*models.InvoiceSequence)(nil)).
		Set("value = value + 1").
		Where("prefix = ?", prefix).
		Exec(ctx); err != nil {
		return "", fmt.Errorf("advance invoice sequence: %w", err)
	}

	var seq models.InvoiceSequence
	if err := idb.NewSelect().Model(&seq).Where("prefix = ?", prefix).Limit(1).Scan(ctx); err != nil {
		return "", fmt.Errorf("read invoice sequence: %w", err)
	}
	return FormatInvoiceNumber(prefix, seq.Value), nil
}

func FormatInvoiceNumber(prefix string, n int64) string {
	return fmt.Sprintf("%s-%06d", prefix, n)
}
