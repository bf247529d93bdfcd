package order_api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ms-registration/internal/auth"
	"ms-registration/internal/eligibility"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/notify"
	"ms-registration/internal/order"
	"ms-registration/internal/order/db"
	"ms-registration/internal/payment"
	"ms-registration/internal/pricing"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const (
	testSecret = "handler-secret"
	adminRole  = "registration-admin"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.CheckoutSession), args.Error(1)
}

func (m *MockProvider) CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (*payment.Invoice, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Invoice), args.Error(1)
}

func (m *MockProvider) Refund(ctx context.Context, req payment.RefundRequest) (*payment.Refund, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Refund), args.Error(1)
}

func (m *MockProvider) ParseWebhook(payload []byte, signature string) (*models.PaymentEvent, error) {
	args := m.Called(payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentEvent), args.Error(1)
}

type quietNotifier struct{}

func (quietNotifier) SendReceipt(context.Context, *models.Order) error { return nil }
func (quietNotifier) SendTicketConfirmation(context.Context, *models.Order, *models.Registration) error {
	return nil
}
func (quietNotifier) SendInvoice(context.Context, *models.Order, notify.InvoiceAttachment) error {
	return nil
}

type fixture struct {
	router   http.Handler
	store    *db.DB
	provider *MockProvider
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	for _, model := range []interface{}{
		(*models.Order)(nil),
		(*models.Registration)(nil),
		(*models.DiscountCode)(nil),
		(*models.FreeTicketEntry)(nil),
		(*models.InvoiceSequence)(nil),
	} {
		_, err := bunDB.NewCreateTable().Model(model).Exec(context.Background())
		require.NoError(t, err)
	}
	t.Cleanup(func() { bunDB.Close() })
	return db.New(bunDB)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logger.NewWithWriter(io.Discard)
	store := setupTestDB(t)
	catalog := pricing.NewCatalog(pricing.DefaultTiers(), time.Time{})
	resolver := eligibility.NewResolver(store, catalog, log).WithClock(func() time.Time { return testNow })
	provider := new(MockProvider)

	svc := order.NewService(order.Dependencies{
		Store:    store,
		Resolver: resolver,
		Catalog:  catalog,
		Provider: provider,
		Notifier: quietNotifier{},
	}, order.Options{
		PriceIDs: map[string]string{"standard": "price_standard", "student": "price_student"},
	}, log).WithClock(func() time.Time { return testNow })

	mw := auth.NewMiddleware(auth.NewHMACVerifier(testSecret), adminRole, false, log)
	return &fixture{
		router:   NewRouter(NewHandler(svc, store, log), mw),
		store:    store,
		provider: provider,
	}
}

func token(t *testing.T, sub, email string, admin bool) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "email": email, "exp": time.Now().Add(time.Hour).Unix()}
	if admin {
		claims["realm_access"] = map[string]interface{}{"roles": []string{adminRole}}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func cardOrderRequest(email string) order.BuildOrderRequest {
	return order.BuildOrderRequest{
		Purchaser:     models.Purchaser{Email: email, Name: "Jane Doe"},
		Attendees:     []models.Attendee{{Email: email, Name: "Jane Doe", TierID: "standard"}},
		PaymentMethod: models.PaymentMethodCard,
	}
}

// createPaidCardOrder places a checkout order as sub and completes it through the webhook.
func (f *fixture) createPaidCardOrder(t *testing.T, sub, email string) order.BuildOrderResult {
	t.Helper()
	sessionID := "cs_" + uuid.NewString()
	f.provider.On("CreateCheckout", mock.Anything, mock.Anything).
		Return(&payment.CheckoutSession{ID: sessionID, URL: "https://checkout.example/" + sessionID}, nil).Once()

	rec := f.do(t, http.MethodPost, "/api/registration/orders", token(t, sub, email, false), cardOrderRequest(email))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decode[order.BuildOrderResult](t, rec)

	payload := []byte(`{"id":"evt_` + sessionID + `"}`)
	f.provider.On("ParseWebhook", payload, "sig").Return(&models.PaymentEvent{
		ID:         "evt_" + sessionID,
		Kind:       models.EventCheckoutCompleted,
		SessionID:  sessionID,
		PaymentRef: "pi_" + sessionID,
	}, nil).Once()
	req := httptest.NewRequest(http.MethodPost, "/api/registration/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "sig")
	hook := httptest.NewRecorder()
	f.router.ServeHTTP(hook, req)
	require.Equal(t, http.StatusOK, hook.Code, hook.Body.String())
	return result
}

func TestListTiers(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/registration/tiers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	tiers := decode[[]map[string]interface{}](t, rec)
	require.Len(t, tiers, 4)
	assert.Equal(t, "standard", tiers[0]["id"])
	assert.EqualValues(t, 59500, tiers[0]["current_price"])
	assert.Equal(t, false, tiers[0]["early_bird"])
}

func TestCheckFreeTicket(t *testing.T) {
	f := newFixture(t)
	admin := token(t, "admin-1", "admin@example.com", true)

	rec := f.do(t, http.MethodGet, "/api/registration/free-ticket", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/registration/admin/free-tickets", admin,
		map[string]string{"email": " Speaker@Example.com ", "reason": "Speaker"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/registration/free-ticket?email=speaker@example.com", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[eligibility.FreeTicketResult](t, rec)
	assert.True(t, result.IsFree)
	assert.Equal(t, "Speaker", result.Reason)
}

func TestValidateCoupon(t *testing.T) {
	f := newFixture(t)
	admin := token(t, "admin-1", "admin@example.com", true)

	rec := f.do(t, http.MethodPost, "/api/registration/admin/discount-codes", admin,
		map[string]interface{}{"code": "save20", "type": "percentage", "value": 20})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	t.Run("valid", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/registration/coupons/validate", "",
			map[string]string{"code": "SAVE20", "email": "jane@example.com", "tier_id": "standard"})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[validateCouponResponse](t, rec)
		assert.True(t, resp.Valid)
		require.NotNil(t, resp.Discount)
		assert.EqualValues(t, 11900, resp.Discount.DiscountAmount)
		assert.EqualValues(t, 47600, resp.Discount.FinalAmount)
	})

	t.Run("unknown code", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/registration/coupons/validate", "",
			map[string]string{"code": "NOPE", "email": "jane@example.com", "tier_id": "standard"})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[validateCouponResponse](t, rec)
		assert.False(t, resp.Valid)
		assert.Equal(t, string(eligibility.ReasonNotFound), resp.Reason)
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/registration/coupons/validate", "", map[string]string{"code": "SAVE20"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCreateOrder(t *testing.T) {
	t.Run("checkout ties purchaser to token subject", func(t *testing.T) {
		f := newFixture(t)
		f.provider.On("CreateCheckout", mock.Anything, mock.Anything).
			Return(&payment.CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"}, nil).Once()

		req := cardOrderRequest("jane@example.com")
		req.Purchaser.UserID = "spoofed"
		rec := f.do(t, http.MethodPost, "/api/registration/orders", token(t, "user-1", "jane@example.com", false), req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		result := decode[order.BuildOrderResult](t, rec)
		assert.Equal(t, models.OrderPending, result.Status)
		assert.Equal(t, "https://checkout.example/cs_1", result.CheckoutURL)
		assert.EqualValues(t, 59500, result.TotalAmount)

		stored, err := f.store.GetOrder(context.Background(), result.OrderID)
		require.NoError(t, err)
		assert.Equal(t, "user-1", stored.PurchaserUserID)
	})

	t.Run("free ticket short-circuits", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.UpsertFreeTicketEntry(context.Background(),
			&models.FreeTicketEntry{Email: "guest@example.com", Reason: "Guest", Active: true}))

		rec := f.do(t, http.MethodPost, "/api/registration/orders", "", cardOrderRequest("guest@example.com"))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		result := decode[order.BuildOrderResult](t, rec)
		assert.Equal(t, models.OrderPaid, result.Status)
		assert.Zero(t, result.TotalAmount)
		f.provider.AssertNotCalled(t, "CreateCheckout", mock.Anything, mock.Anything)
	})

	t.Run("errors", func(t *testing.T) {
		f := newFixture(t)

		req := httptest.NewRequest(http.MethodPost, "/api/registration/orders", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		bad := cardOrderRequest("jane@example.com")
		bad.Attendees = nil
		rec = f.do(t, http.MethodPost, "/api/registration/orders", "", bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request", decode[errorResponse](t, rec).Reason)

		bad = cardOrderRequest("jane@example.com")
		bad.Attendees[0].TierID = "vip"
		rec = f.do(t, http.MethodPost, "/api/registration/orders", "", bad)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "invalid_ticket_type", decode[errorResponse](t, rec).Reason)

		coupon := cardOrderRequest("jane@example.com")
		coupon.CouponCode = "MISSING"
		rec = f.do(t, http.MethodPost, "/api/registration/orders", "", coupon)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, string(eligibility.ReasonNotFound), decode[errorResponse](t, rec).Reason)

		f.provider.On("CreateCheckout", mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("%w: timeout", payment.ErrProviderUnavailable)).Once()
		rec = f.do(t, http.MethodPost, "/api/registration/orders", "", cardOrderRequest("jane@example.com"))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t)
	result := f.createPaidCardOrder(t, "user-1", "jane@example.com")
	path := "/api/registration/orders/" + result.OrderID

	rec := f.do(t, http.MethodGet, path, token(t, "user-1", "jane@example.com", false), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	full := decode[models.Order](t, rec)
	assert.Equal(t, models.OrderPaid, full.Status)
	assert.Equal(t, "jane@example.com", full.PurchaserEmail)

	rec = f.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "paid", summary["status"])
	assert.NotContains(t, summary, "purchaser_email")

	rec = f.do(t, http.MethodGet, "/api/registration/orders/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStripeWebhook(t *testing.T) {
	f := newFixture(t)

	f.provider.On("ParseWebhook", []byte("bad"), "nope").Return(nil, &payment.WebhookError{
		Category:      "validation",
		StatusCode:    http.StatusBadRequest,
		PublicError:   "Invalid signature",
		InternalError: "signature mismatch",
	}).Once()
	req := httptest.NewRequest(http.MethodPost, "/api/registration/webhooks/stripe", bytes.NewBufferString("bad"))
	req.Header.Set("Stripe-Signature", "nope")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.provider.On("ParseWebhook", []byte("unknown"), "sig").Return(&models.PaymentEvent{
		ID:        "evt_unknown",
		Kind:      models.EventCheckoutCompleted,
		SessionID: "cs_nobody",
	}, nil).Once()
	req = httptest.NewRequest(http.MethodPost, "/api/registration/webhooks/stripe", bytes.NewBufferString("unknown"))
	req.Header.Set("Stripe-Signature", "sig")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(order.OutcomeIgnored), decode[map[string]string](t, rec)["outcome"])
}

func TestCancellationEndpoints(t *testing.T) {
	f := newFixture(t)
	result := f.createPaidCardOrder(t, "user-1", "jane@example.com")
	owner := token(t, "user-1", "jane@example.com", false)
	stranger := token(t, "user-2", "other@example.com", false)
	base := "/api/registration/orders/" + result.OrderID

	rec := f.do(t, http.MethodGet, base+"/cancellation", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, base+"/cancellation", stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, base+"/cancellation", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	preview := decode[order.CancellationPreview](t, rec)
	assert.True(t, preview.CanAutoRefund)
	assert.EqualValues(t, 59500, preview.RefundAmount)

	regPath := "/api/registration/registrations/" + result.RegistrationIDs[0]
	rec = f.do(t, http.MethodGet, regPath+"/cancellation", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[order.CancellationPreview](t, rec).CanAutoRefund)

	f.provider.On("Refund", mock.Anything, mock.MatchedBy(func(r payment.RefundRequest) bool {
		return r.OrderID == result.OrderID && r.Amount == 59500
	})).Return(&payment.Refund{ID: "re_1", Amount: 59500}, nil).Once()

	rec = f.do(t, http.MethodPost, base+"/cancel", owner, order.CancelOptions{IssueRefund: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.OrderCancelled, decode[models.Order](t, rec).Status)

	rec = f.do(t, http.MethodPost, base+"/cancel", owner, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_cancelled", decode[errorResponse](t, rec).Reason)
	f.provider.AssertExpectations(t)
}

func TestCancelRefundNotEligible(t *testing.T) {
	f := newFixture(t)
	f.provider.On("CreateCheckout", mock.Anything, mock.Anything).
		Return(&payment.CheckoutSession{ID: "cs_pending", URL: "https://checkout.example/cs_pending"}, nil).Once()
	owner := token(t, "user-1", "jane@example.com", false)

	rec := f.do(t, http.MethodPost, "/api/registration/orders", owner, cardOrderRequest("jane@example.com"))
	require.Equal(t, http.StatusCreated, rec.Code)
	result := decode[order.BuildOrderResult](t, rec)

	rec = f.do(t, http.MethodPost, "/api/registration/registrations/"+result.RegistrationIDs[0]+"/cancel", owner, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "checkout_in_progress", decode[errorResponse](t, rec).Reason)

	orderPath := "/api/registration/orders/" + result.OrderID + "/cancel"
	rec = f.do(t, http.MethodPost, orderPath, owner, order.CancelOptions{IssueRefund: true})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "refund_not_eligible", decode[errorResponse](t, rec).Reason)

	rec = f.do(t, http.MethodPost, orderPath, owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.OrderCancelled, decode[models.Order](t, rec).Status)
	f.provider.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
}

func TestMarkPaid(t *testing.T) {
	f := newFixture(t)
	f.provider.On("CreateCheckout", mock.Anything, mock.Anything).
		Return(&payment.CheckoutSession{ID: "cs_bank", URL: "https://checkout.example/cs_bank"}, nil).Once()

	rec := f.do(t, http.MethodPost, "/api/registration/orders", "", cardOrderRequest("jane@example.com"))
	require.Equal(t, http.StatusCreated, rec.Code)
	result := decode[order.BuildOrderResult](t, rec)
	path := "/api/registration/admin/orders/" + result.OrderID + "/mark-paid"

	rec = f.do(t, http.MethodPost, path, token(t, "user-1", "jane@example.com", false), map[string]string{"reference": "EFT-1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := token(t, "admin-1", "admin@example.com", true)
	rec = f.do(t, http.MethodPost, path, admin, map[string]string{"reference": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, path, admin, map[string]string{"reference": "EFT-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decode[models.Order](t, rec)
	assert.Equal(t, models.OrderPaid, paid.Status)
	assert.Equal(t, "EFT-1", paid.PaymentRef)
}

func TestAdminDiscountCodes(t *testing.T) {
	f := newFixture(t)
	admin := token(t, "admin-1", "admin@example.com", true)
	base := "/api/registration/admin/discount-codes"

	rec := f.do(t, http.MethodGet, base, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, base, admin, map[string]interface{}{"code": "bad", "type": "percentage", "value": 150})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, base, admin, map[string]interface{}{"code": "bogus", "type": "bogus", "value": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, base, admin, map[string]interface{}{
		"code":           "team50",
		"type":           "fixed",
		"value":          5000,
		"allowed_emails": []string{"Team@Example.com"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.DiscountCode](t, rec)
	assert.Equal(t, "TEAM50", created.Code)
	assert.True(t, created.Active)
	assert.Equal(t, []string{"team@example.com"}, created.AllowedEmails)

	rec = f.do(t, http.MethodPost, base, admin, map[string]interface{}{"code": "TEAM50", "type": "fixed", "value": 100})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPut, base+"/team50/active", admin, map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, base+"/MISSING/active", admin, map[string]bool{"active": false})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, base, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	codes := decode[[]models.DiscountCode](t, rec)
	require.Len(t, codes, 1)
	assert.False(t, codes[0].Active)
}

func TestRouterExposesHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// every documented route is mounted
	routes := map[string]bool{}
	require.NoError(t, chi.Walk(f.router.(chi.Router), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes[method+" "+route] = true
		return nil
	}))
	for _, r := range []string{
		"GET /api/registration/tiers",
		"POST /api/registration/orders",
		"POST /api/registration/webhooks/stripe",
		"POST /api/registration/registrations/{registrationId}/cancel",
		"PUT /api/registration/admin/discount-codes/{code}/active",
	} {
		assert.True(t, routes[r], r)
	}
}
