package pricing

import (
	"errors"
	"time"
)

const earlyBirdSuffix = " (Early Bird)"

var ErrUnknownTier = errors.New("unknown ticket tier")

// Tier is a ticket category. Prices are GST-inclusive cents.
type Tier struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Price          int64  `json:"price"`
	EarlyBirdPrice int64  `json:"early_bird_price"`
	GSTInclusive   bool   `json:"gst_inclusive"`
}

// Quote is the effective price of a tier at a point in time.
type Quote struct {
	Tier      Tier
	Price     int64
	Label     string
	EarlyBird bool
}

func DefaultTiers() []Tier {
	return []Tier{
		{ID: "standard", Name: "Standard", Price: 59500, EarlyBirdPrice: 49500, GSTInclusive: true},
		{ID: "student", Name: "Student", Price: 24500, EarlyBirdPrice: 19500, GSTInclusive: true},
		{ID: "concession", Name: "Concession", Price: 7500, EarlyBirdPrice: 6500, GSTInclusive: true},
		{ID: "day-pass", Name: "Day Pass", Price: 29500, EarlyBirdPrice: 24500, GSTInclusive: true},
	}
}

type Catalog struct {
	tiers           []Tier
	byID            map[string]Tier
	earlyBirdCutoff time.Time
}

// NewCatalog keeps tiers in the given order. A zero cutoff disables early-bird pricing.
func NewCatalog(tiers []Tier, earlyBirdCutoff time.Time) *Catalog {
	byID := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		byID[t.ID] = t
	}
	return &Catalog{
		tiers:           append([]Tier(nil), tiers...),
		byID:            byID,
		earlyBirdCutoff: earlyBirdCutoff,
	}
}

func (c *Catalog) ListTiers() []Tier {
	return append([]Tier(nil), c.tiers...)
}

func (c *Catalog) Tier(id string) (Tier, bool) {
	t, ok := c.byID[id]
	return t, ok
}

func (c *Catalog) IsEarlyBirdActive(now time.Time) bool {
	if c.earlyBirdCutoff.IsZero() {
		return false
	}
	return now.Before(c.earlyBirdCutoff)
}

func (c *Catalog) PriceFor(tierID string, now time.Time) (Quote, error) {
	t, ok := c.byID[tierID]
	if !ok {
		return Quote{}, ErrUnknownTier
	}
	if c.IsEarlyBirdActive(now) {
		return Quote{Tier: t, Price: t.EarlyBirdPrice, Label: t.Name + earlyBirdSuffix, EarlyBird: true}, nil
	}
	return Quote{Tier: t, Price: t.Price, Label: t.Name}, nil
}

// GSTComponent back-calculates the 10% GST already included in a total.
func GSTComponent(total int64) int64 {
	if total <= 0 {
		return 0
	}
	return (2*total + 11) / 22
}
