package eligibility

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/pricing"
)

// Store is the read-mostly persistence the resolver needs.
// Missing rows are reported as sql.ErrNoRows.
type Store interface {
	GetFreeTicketEntry(ctx context.Context, email string) (*models.FreeTicketEntry, error)
	GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error)
}

type FreeTicketResult struct {
	IsFree bool   `json:"is_free"`
	Reason string `json:"reason,omitempty"`
}

// Discount describes a validated coupon applied to a base amount.
type Discount struct {
	Code           string              `json:"code"`
	Type           models.DiscountType `json:"type"`
	Value          int64               `json:"value"`
	BaseAmount     int64               `json:"base_amount"`
	DiscountAmount int64               `json:"discount_amount"`
	FinalAmount    int64               `json:"final_amount"`
	Description    string              `json:"description"`
	GrantsAccess   bool                `json:"grants_access"`
}

type Resolver struct {
	store   Store
	catalog *pricing.Catalog
	logger  *logger.Logger
	now     func() time.Time
}

func NewResolver(store Store, catalog *pricing.Catalog, log *logger.Logger) *Resolver {
	return &Resolver{store: store, catalog: catalog, logger: log, now: time.Now}
}

// WithClock replaces the time source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CheckFreeTicket never fails: lookup errors resolve to not-free.
func (r *Resolver) CheckFreeTicket(ctx context.Context, email string) FreeTicketResult {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return FreeTicketResult{}
	}

	entry, err := r.store.GetFreeTicketEntry(ctx, normalized)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			r.logger.Warn("ELIGIBILITY", fmt.Sprintf("Free ticket lookup failed for %s, charging: %v", normalized, err))
		}
		return FreeTicketResult{}
	}
	if entry == nil || !entry.Active {
		return FreeTicketResult{}
	}
	return FreeTicketResult{IsFree: true, Reason: entry.Reason}
}

// ValidateCoupon checks code against one attendee email and tier and prices it
// against the tier's current price.
func (r *Resolver) ValidateCoupon(ctx context.Context, code, email, tierID string) (*Discount, error) {
	quote, err := r.catalog.PriceFor(tierID, r.now())
	if err != nil {
		return nil, err
	}

	dc, err := r.Resolve(ctx, code, email, []string{tierID})
	if err != nil {
		return nil, err
	}
	return Apply(dc, quote.Price), nil
}

// Resolve loads code and checks every rule against email and each of tierIDs.
func (r *Resolver) Resolve(ctx context.Context, code, email string, tierIDs []string) (*models.DiscountCode, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return nil, &CouponError{Code: normalized, Reason: ReasonNotFound}
	}

	dc, err := r.store.GetDiscountCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &CouponError{Code: normalized, Reason: ReasonNotFound}
		}
		return nil, fmt.Errorf("failed to load discount code %s: %w", normalized, err)
	}

	if reason := r.check(dc, email, tierIDs); reason != "" {
		return nil, &CouponError{Code: normalized, Reason: reason}
	}
	return dc, nil
}

func (r *Resolver) check(dc *models.DiscountCode, email string, tierIDs []string) Reason {
	now := r.now()

	if !dc.Active {
		return ReasonInactive
	}
	if dc.ValidFrom != nil && now.Before(*dc.ValidFrom) {
		return ReasonNotYetValid
	}
	if dc.ValidUntil != nil && now.After(*dc.ValidUntil) {
		return ReasonExpired
	}
	if dc.MaxUses != nil && dc.CurrentUses >= *dc.MaxUses {
		return ReasonUsageLimitReached
	}
	if len(dc.AllowedEmails) > 0 {
		normalized := NormalizeEmail(email)
		allowed := slices.ContainsFunc(dc.AllowedEmails, func(e string) bool {
			return NormalizeEmail(e) == normalized
		})
		if !allowed {
			return ReasonEmailNotAllowed
		}
	}
	if len(dc.AllowedTiers) > 0 {
		for _, tierID := range tierIDs {
			if !slices.Contains(dc.AllowedTiers, tierID) {
				return ReasonTierNotAllowed
			}
		}
	}
	return ""
}

// CheckAccessCode gates registration. Any failure, including a lookup error, denies.
func (r *Resolver) CheckAccessCode(ctx context.Context, code, email string) error {
	dc, err := r.Resolve(ctx, code, email, nil)
	if err != nil {
		r.logger.LogSecurity("ACCESS_CODE", fmt.Sprintf("Access code rejected for %s: %v", NormalizeEmail(email), err))
		return ErrAccessDenied
	}
	if !dc.GrantsAccess {
		return ErrAccessDenied
	}
	return nil
}

// Amount is the discount dc yields on base, never more than base.
func Amount(dc *models.DiscountCode, base int64) int64 {
	if base <= 0 {
		return 0
	}
	var amount int64
	switch dc.Type {
	case models.DiscountPercentage:
		amount = pricing.PercentOf(base, dc.Value)
	case models.DiscountFixed:
		amount = dc.Value
	case models.DiscountFree:
		amount = base
	}
	if amount > base {
		amount = base
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}

// Apply prices dc against base.
func Apply(dc *models.DiscountCode, base int64) *Discount {
	amount := Amount(dc, base)
	return &Discount{
		Code:           dc.Code,
		Type:           dc.Type,
		Value:          dc.Value,
		BaseAmount:     base,
		DiscountAmount: amount,
		FinalAmount:    base - amount,
		Description:    Describe(dc),
		GrantsAccess:   dc.GrantsAccess,
	}
}

func Describe(dc *models.DiscountCode) string {
	if dc.Description != "" {
		return dc.Description
	}
	switch dc.Type {
	case models.DiscountPercentage:
		return fmt.Sprintf("%d%% off", dc.Value)
	case models.DiscountFixed:
		return fmt.Sprintf("%s off", pricing.FormatCents(dc.Value))
	case models.DiscountFree:
		return "Complimentary ticket"
	default:
		return dc.Code
	}
}
