package eligibility_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"ms-registration/internal/eligibility"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/pricing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetFreeTicketEntry(ctx context.Context, email string) (*models.FreeTicketEntry, error) {
	args := m.Called(email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.FreeTicketEntry), args.Error(1)
}

func (m *MockStore) GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	args := m.Called(code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DiscountCode), args.Error(1)
}

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newResolver(store eligibility.Store) *eligibility.Resolver {
	catalog := pricing.NewCatalog(pricing.DefaultTiers(), time.Time{})
	return eligibility.NewResolver(store, catalog, logger.NewWithWriter(io.Discard)).
		WithClock(func() time.Time { return now })
}

func int64Ptr(v int64) *int64 { return &v }
func timePtr(t time.Time) *time.Time { return &t }

func TestCheckFreeTicket(t *testing.T) {
	store := new(MockStore)
	r := newResolver(store)

	store.On("GetFreeTicketEntry", "speaker@example.com").
		Return(&models.FreeTicketEntry{Email: "speaker@example.com", Reason: "Speaker", Active: true}, nil)
	store.On("GetFreeTicketEntry", "former@example.com").
		Return(&models.FreeTicketEntry{Email: "former@example.com", Reason: "Old", Active: false}, nil)
	store.On("GetFreeTicketEntry", "nobody@example.com").Return(nil, sql.ErrNoRows)
	store.On("GetFreeTicketEntry", "flaky@example.com").Return(nil, errors.New("connection reset"))

	res := r.CheckFreeTicket(context.Background(), "  Speaker@Example.COM ")
	assert.True(t, res.IsFree)
	assert.Equal(t, "Speaker", res.Reason)

	assert.False(t, r.CheckFreeTicket(context.Background(), "former@example.com").IsFree)
	assert.False(t, r.CheckFreeTicket(context.Background(), "nobody@example.com").IsFree)
	assert.False(t, r.CheckFreeTicket(context.Background(), "flaky@example.com").IsFree, "lookup errors charge")
	assert.False(t, r.CheckFreeTicket(context.Background(), "   ").IsFree)

	store.AssertExpectations(t)
}

func TestValidateCouponAmounts(t *testing.T) {
	tests := []struct {
		name         string
		code         *models.DiscountCode
		tier         string
		wantDiscount int64
		wantFinal    int64
		wantDesc     string
	}{
		{
			name:         "percentage on standard",
			code:         &models.DiscountCode{Code: "EARLY20", Type: models.DiscountPercentage, Value: 20, Active: true},
			tier:         "standard",
			wantDiscount: 11900,
			wantFinal:    47600,
			wantDesc:     "20% off",
		},
		{
			name:         "fixed capped at concession price",
			code:         &models.DiscountCode{Code: "HUNDRED", Type: models.DiscountFixed, Value: 10000, Active: true},
			tier:         "concession",
			wantDiscount: 7500,
			wantFinal:    0,
			wantDesc:     "$100.00 off",
		},
		{
			name:         "free covers full price",
			code:         &models.DiscountCode{Code: "COMP", Type: models.DiscountFree, Active: true},
			tier:         "student",
			wantDiscount: 24500,
			wantFinal:    0,
			wantDesc:     "Complimentary ticket",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := new(MockStore)
			store.On("GetDiscountCode", tc.code.Code).Return(tc.code, nil)

			d, err := newResolver(store).ValidateCoupon(context.Background(), tc.code.Code, "a@example.com", tc.tier)
			require.NoError(t, err)
			assert.Equal(t, tc.wantDiscount, d.DiscountAmount)
			assert.Equal(t, tc.wantFinal, d.FinalAmount)
			assert.Equal(t, tc.wantDesc, d.Description)
		})
	}
}

func TestValidateCouponNormalisesCode(t *testing.T) {
	store := new(MockStore)
	store.On("GetDiscountCode", "EARLY20").
		Return(&models.DiscountCode{Code: "EARLY20", Type: models.DiscountPercentage, Value: 20, Active: true}, nil)

	_, err := newResolver(store).ValidateCoupon(context.Background(), " early20 ", "a@example.com", "standard")
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestValidateCouponRejections(t *testing.T) {
	tests := []struct {
		name   string
		code   *models.DiscountCode
		err    error
		email  string
		tier   string
		reason eligibility.Reason
	}{
		{name: "missing", err: sql.ErrNoRows, reason: eligibility.ReasonNotFound},
		{name: "inactive", code: &models.DiscountCode{Type: models.DiscountFixed, Value: 1}, reason: eligibility.ReasonInactive},
		{
			name:   "not yet valid",
			code:   &models.DiscountCode{Type: models.DiscountFixed, Value: 1, Active: true, ValidFrom: timePtr(now.Add(time.Hour))},
			reason: eligibility.ReasonNotYetValid,
		},
		{
			name:   "expired",
			code:   &models.DiscountCode{Type: models.DiscountFixed, Value: 1, Active: true, ValidUntil: timePtr(now.Add(-time.Hour))},
			reason: eligibility.ReasonExpired,
		},
		{
			name:   "usage cap",
			code:   &models.DiscountCode{Type: models.DiscountFixed, Value: 1, Active: true, MaxUses: int64Ptr(5), CurrentUses: 5},
			reason: eligibility.ReasonUsageLimitReached,
		},
		{
			name:   "email not listed",
			code:   &models.DiscountCode{Type: models.DiscountFixed, Value: 1, Active: true, AllowedEmails: []string{"vip@example.com"}},
			email:  "other@example.com",
			reason: eligibility.ReasonEmailNotAllowed,
		},
		{
			name:   "tier not listed",
			code:   &models.DiscountCode{Type: models.DiscountFixed, Value: 1, Active: true, AllowedTiers: []string{"student"}},
			tier:   "standard",
			reason: eligibility.ReasonTierNotAllowed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := new(MockStore)
			if tc.code != nil {
				tc.code.Code = "CODE"
				store.On("GetDiscountCode", "CODE").Return(tc.code, nil)
			} else {
				store.On("GetDiscountCode", "CODE").Return(nil, tc.err)
			}
			email := tc.email
			if email == "" {
				email = "a@example.com"
			}
			tier := tc.tier
			if tier == "" {
				tier = "standard"
			}

			_, err := newResolver(store).ValidateCoupon(context.Background(), "code", email, tier)
			require.Error(t, err)
			reason, ok := eligibility.CouponReason(err)
			require.True(t, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestValidateCouponAllowsListedEmailCaseInsensitive(t *testing.T) {
	store := new(MockStore)
	store.On("GetDiscountCode", "VIP").Return(&models.DiscountCode{
		Code: "VIP", Type: models.DiscountPercentage, Value: 50, Active: true,
		AllowedEmails: []string{"VIP@example.com"}, AllowedTiers: []string{"standard"},
	}, nil)

	d, err := newResolver(store).ValidateCoupon(context.Background(), "vip", " vip@EXAMPLE.com", "standard")
	require.NoError(t, err)
	assert.Equal(t, int64(29750), d.DiscountAmount)
}

func TestValidateCouponStoreErrorIsNotACouponError(t *testing.T) {
	store := new(MockStore)
	store.On("GetDiscountCode", "CODE").Return(nil, errors.New("db down"))

	_, err := newResolver(store).ValidateCoupon(context.Background(), "CODE", "a@example.com", "standard")
	require.Error(t, err)
	_, ok := eligibility.CouponReason(err)
	assert.False(t, ok)
}

func TestValidateCouponUnknownTier(t *testing.T) {
	_, err := newResolver(new(MockStore)).ValidateCoupon(context.Background(), "CODE", "a@example.com", "vip")
	assert.ErrorIs(t, err, pricing.ErrUnknownTier)
}

func TestResolveChecksEveryTier(t *testing.T) {
	store := new(MockStore)
	store.On("GetDiscountCode", "STUDENT").Return(&models.DiscountCode{
		Code: "STUDENT", Type: models.DiscountFixed, Value: 1000, Active: true, AllowedTiers: []string{"student"},
	}, nil)
	r := newResolver(store)

	_, err := r.Resolve(context.Background(), "STUDENT", "a@example.com", []string{"student", "student"})
	assert.NoError(t, err)

	_, err = r.Resolve(context.Background(), "STUDENT", "a@example.com", []string{"student", "standard"})
	reason, _ := eligibility.CouponReason(err)
	assert.Equal(t, eligibility.ReasonTierNotAllowed, reason)
}

func TestCheckAccessCode(t *testing.T) {
	store := new(MockStore)
	store.On("GetDiscountCode", "BACKSTAGE").
		Return(&models.DiscountCode{Code: "BACKSTAGE", Type: models.DiscountFixed, Active: true, GrantsAccess: true}, nil)
	store.On("GetDiscountCode", "SALE").
		Return(&models.DiscountCode{Code: "SALE", Type: models.DiscountFixed, Value: 100, Active: true}, nil)
	store.On("GetDiscountCode", "BROKEN").Return(nil, errors.New("timeout"))
	r := newResolver(store)

	assert.NoError(t, r.CheckAccessCode(context.Background(), "backstage", "a@example.com"))
	assert.ErrorIs(t, r.CheckAccessCode(context.Background(), "sale", "a@example.com"), eligibility.ErrAccessDenied)
	assert.ErrorIs(t, r.CheckAccessCode(context.Background(), "broken", "a@example.com"), eligibility.ErrAccessDenied)
}

func TestAmountNeverExceedsBase(t *testing.T) {
	fixed := &models.DiscountCode{Type: models.DiscountFixed, Value: 10000}
	assert.Equal(t, int64(7500), eligibility.Amount(fixed, 7500))
	assert.Equal(t, int64(0), eligibility.Amount(fixed, 0))

	pct := &models.DiscountCode{Type: models.DiscountPercentage, Value: 150}
	assert.Equal(t, int64(100), eligibility.Amount(pct, 100))
}
