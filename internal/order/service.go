package order

import (
	"context"
	"strings"
	"time"

	"ms-registration/internal/eligibility"
	"ms-registration/internal/invoice"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/notify"
	"ms-registration/internal/order/db"
	"ms-registration/internal/payment"
	"ms-registration/internal/pricing"

	"github.com/google/uuid"
)

// Store is the order persistence. Lookups report missing rows as sql.ErrNoRows.
type Store interface {
	CreateOrder(ctx context.Context, order *models.Order, opts db.CreateOrderOptions) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderBySession(ctx context.Context, sessionID string) (*models.Order, error)
	GetOrderByRegistrationSession(ctx context.Context, sessionID string) (*models.Order, error)
	GetOrderByInvoice(ctx context.Context, invoiceID string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetRegistration(ctx context.Context, id string) (*models.Registration, *models.Order, error)
	SetOrderSession(ctx context.Context, orderID, sessionID string) error
	SetOrderInvoice(ctx context.Context, orderID, invoiceID string, dueDate time.Time) error
	ClearIdempotencyKey(ctx context.Context, orderID string) error
	MarkOrderPaid(ctx context.Context, orderID, paymentRef string) (bool, error)
	ExpireOrder(ctx context.Context, orderID string) (bool, error)
	FailOrder(ctx context.Context, orderID string, registrationIDs []string) (bool, error)
	CancelOrder(ctx context.Context, orderID, refundRef string) (bool, error)
	CancelRegistration(ctx context.Context, registrationID, refundRef string) (bool, error)
}

// Idempotency guards order creation against client retries.
type Idempotency interface {
	Claim(ctx context.Context, key string) ([]byte, bool, error)
	Complete(ctx context.Context, key string, result []byte) error
	Release(ctx context.Context, key string) error
}

// WebhookDeduper remembers provider event ids that were already reconciled.
type WebhookDeduper interface {
	WebhookSeen(ctx context.Context, eventID string) (bool, error)
	MarkWebhookSeen(ctx context.Context, eventID string) error
}

const (
	CouponScopeAll   = "all"
	CouponScopeFirst = "first"
)

type Options struct {
	// PriceIDs maps "<tier>" and "<tier>:early" to provider price ids.
	PriceIDs        map[string]string
	CouponTierScope string
	InvoicePrefix   string
	InvoiceDueDays  int
	Invoice         invoice.Options
}

type Dependencies struct {
	Store       Store
	Resolver    *eligibility.Resolver
	Catalog     *pricing.Catalog
	Provider    payment.Provider
	Notifier    notify.Notifier
	Events      notify.OrderEvents
	Idempotency Idempotency
	Webhooks    WebhookDeduper
	Renderer    invoice.Renderer
	Archive     invoice.Archive
}

type Service struct {
	store       Store
	resolver    *eligibility.Resolver
	catalog     *pricing.Catalog
	provider    payment.Provider
	notifier    notify.Notifier
	events      notify.OrderEvents
	idempotency Idempotency
	webhooks    WebhookDeduper
	renderer    invoice.Renderer
	archive     invoice.Archive
	opts        Options
	logger      *logger.Logger
	now         func() time.Time
	newID       func() string
}

func NewService(deps Dependencies, opts Options, log *logger.Logger) *Service {
	if opts.CouponTierScope == "" {
		opts.CouponTierScope = CouponScopeAll
	}
	if opts.InvoicePrefix == "" {
		opts.InvoicePrefix = "INV"
	}
	if opts.InvoiceDueDays <= 0 {
		opts.InvoiceDueDays = 14
	}
	if opts.Invoice.DueDays <= 0 {
		opts.Invoice.DueDays = opts.InvoiceDueDays
	}
	archive := deps.Archive
	if archive == nil {
		archive = invoice.NoopArchive{}
	}
	events := deps.Events
	if events == nil {
		events = noopEvents{}
	}
	return &Service{
		store:       deps.Store,
		resolver:    deps.Resolver,
		catalog:     deps.Catalog,
		provider:    deps.Provider,
		notifier:    deps.Notifier,
		events:      events,
		idempotency: deps.Idempotency,
		webhooks:    deps.Webhooks,
		renderer:    deps.Renderer,
		archive:     archive,
		opts:        opts,
		logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDGenerator replaces uuid generation.
func (s *Service) WithIDGenerator(newID func() string) *Service {
	s.newID = newID
	return s
}

// Now is the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}

func (s *Service) Catalog() *pricing.Catalog {
	return s.catalog
}

func (s *Service) Resolver() *eligibility.Resolver {
	return s.resolver
}

// CanAccess reports whether the caller may view or cancel order.
func CanAccess(auth models.AuthContext, order *models.Order) bool {
	if auth.IsAdmin {
		return true
	}
	if auth.Subject != "" && order.PurchaserUserID == auth.Subject {
		return true
	}
	return auth.Email != "" && strings.EqualFold(auth.Email, order.PurchaserEmail)
}

type noopEvents struct{}

func (noopEvents) OrderCreated(context.Context, *models.Order) error   { return nil }
func (noopEvents) OrderPaid(context.Context, *models.Order) error      { return nil }
func (noopEvents) OrderCancelled(context.Context, *models.Order) error { return nil }
