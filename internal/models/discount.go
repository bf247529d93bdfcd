package models

import (
	"time"

	"github.com/uptrace/bun"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
	DiscountFree       DiscountType = "free"
)

func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFixed || t == DiscountFree
}

// DiscountCode is a reusable coupon. Value is a whole percentage for
// percentage codes and cents for fixed codes.
type DiscountCode struct {
	bun.BaseModel `bun:"table:discount_codes"`

	Code          string       `bun:"code,pk" json:"code"`
	Type          DiscountType `bun:"type,notnull" json:"type"`
	Value         int64        `bun:"value,notnull" json:"value"`
	Description   string       `bun:"description,nullzero" json:"description,omitempty"`
	AllowedTiers  []string     `bun:"allowed_tiers" json:"allowed_tiers,omitempty"`
	AllowedEmails []string     `bun:"allowed_emails" json:"allowed_emails,omitempty"`
	MaxUses       *int64       `bun:"max_uses" json:"max_uses,omitempty"`
	CurrentUses   int64        `bun:"current_uses,notnull" json:"current_uses"`
	ValidFrom     *time.Time   `bun:"valid_from" json:"valid_from,omitempty"`
	ValidUntil    *time.Time   `bun:"valid_until" json:"valid_until,omitempty"`
	Active        bool         `bun:"active,notnull" json:"active"`
	GrantsAccess  bool         `bun:"grants_access,notnull" json:"grants_access"`
	CreatedAt     time.Time    `bun:"created_at,notnull" json:"created_at"`
}

// FreeTicketEntry grants complimentary tickets to an email without a coupon.
type FreeTicketEntry struct {
	bun.BaseModel `bun:"table:free_ticket_allowlist"`

	Email     string    `bun:"email,pk" json:"email"`
	Reason    string    `bun:"reason,notnull" json:"reason"`
	Active    bool      `bun:"active,notnull" json:"active"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

// InvoiceSequence hands out sequential invoice numbers per prefix.
type InvoiceSequence struct {
	bun.BaseModel `bun:"table:invoice_sequences"`

	Prefix string `bun:"prefix,pk"`
	Value  int64  `bun:"value,notnull"`
}
