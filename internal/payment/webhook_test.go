package payment_test

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"ms-registration/internal/config"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func newWebhookProvider(t *testing.T, secret string) *payment.StripeProvider {
	t.Helper()
	p, err := payment.NewStripeProvider(config.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: secret,
		Currency:      "aud",
	}, logger.NewWithWriter(io.Discard), nil)
	require.NoError(t, err)
	return p
}

func signed(t *testing.T, eventType, object string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":"evt_123","object":"event","api_version":"2020-08-27","type":%q,"data":{"object":%s}}`, eventType, object))
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})
	return sp.Payload, sp.Header
}

func TestParseWebhookKinds(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		object    string
		want      models.PaymentEvent
	}{
		{
			name:      "checkout completed",
			eventType: "checkout.session.completed",
			object:    `{"id":"cs_1","object":"checkout.session","payment_status":"paid","payment_intent":"pi_1","metadata":{"order_id":"o1","registration_ids":"r1,r2"}}`,
			want: models.PaymentEvent{
				Kind: models.EventCheckoutCompleted, SessionID: "cs_1", PaymentRef: "pi_1",
				OrderID: "o1", RegistrationIDs: []string{"r1", "r2"},
			},
		},
		{
			name:      "registration ids spread over numbered keys",
			eventType: "checkout.session.async_payment_succeeded",
			object:    `{"id":"cs_5","payment_intent":"pi_5","metadata":{"order_id":"o5","registration_ids":"r1,r2","registration_ids_1":"r3","registration_ids_2":"r4,r5"}}`,
			want: models.PaymentEvent{
				Kind: models.EventCheckoutCompleted, SessionID: "cs_5", PaymentRef: "pi_5",
				OrderID: "o5", RegistrationIDs: []string{"r1", "r2", "r3", "r4", "r5"},
			},
		},
		{
			name:      "checkout completed with expanded intent",
			eventType: "checkout.session.completed",
			object:    `{"id":"cs_2","payment_status":"paid","payment_intent":{"id":"pi_2","object":"payment_intent"},"metadata":{}}`,
			want:      models.PaymentEvent{Kind: models.EventCheckoutCompleted, SessionID: "cs_2", PaymentRef: "pi_2"},
		},
		{
			name:      "checkout completed but unpaid waits for async result",
			eventType: "checkout.session.completed",
			object:    `{"id":"cs_3","payment_status":"unpaid","payment_intent":null,"metadata":{"order_id":"o3"}}`,
			want:      models.PaymentEvent{Kind: models.EventUnhandled, OrderID: "o3"},
		},
		{
			name:      "checkout expired",
			eventType: "checkout.session.expired",
			object:    `{"id":"cs_4","metadata":{"order_id":"o4"}}`,
			want:      models.PaymentEvent{Kind: models.EventCheckoutExpired, SessionID: "cs_4", OrderID: "o4"},
		},
		{
			name:      "payment failed",
			eventType: "payment_intent.payment_failed",
			object:    `{"id":"pi_5","metadata":{"order_id":"o5","registration_ids":"r5"}}`,
			want: models.PaymentEvent{
				Kind: models.EventPaymentFailed, PaymentRef: "pi_5", OrderID: "o5", RegistrationIDs: []string{"r5"},
			},
		},
		{
			name:      "invoice paid",
			eventType: "invoice.paid",
			object:    `{"id":"in_6","charge":"ch_6","metadata":{"order_id":"o6"}}`,
			want:      models.PaymentEvent{Kind: models.EventInvoicePaid, InvoiceID: "in_6", PaymentRef: "ch_6", OrderID: "o6"},
		},
		{
			name:      "invoice paid without charge falls back to invoice id",
			eventType: "invoice.paid",
			object:    `{"id":"in_7","metadata":{}}`,
			want:      models.PaymentEvent{Kind: models.EventInvoicePaid, InvoiceID: "in_7", PaymentRef: "in_7"},
		},
		{
			name:      "invoice payment failed",
			eventType: "invoice.payment_failed",
			object:    `{"id":"in_8","metadata":{}}`,
			want:      models.PaymentEvent{Kind: models.EventInvoicePaymentFailed, InvoiceID: "in_8"},
		},
		{
			name:      "unrelated event",
			eventType: "customer.created",
			object:    `{"id":"cus_9"}`,
			want:      models.PaymentEvent{Kind: models.EventUnhandled},
		},
	}

	p := newWebhookProvider(t, testWebhookSecret)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload, header := signed(t, tc.eventType, tc.object)

			got, err := p.ParseWebhook(payload, header)
			require.NoError(t, err)

			tc.want.ID = "evt_123"
			tc.want.ProviderType = tc.eventType
			assert.Equal(t, tc.want, *got)
		})
	}
}

func TestParseWebhookRejectsBadSignature(t *testing.T) {
	p := newWebhookProvider(t, testWebhookSecret)
	payload, _ := signed(t, "checkout.session.completed", `{"id":"cs_1"}`)

	_, err := p.ParseWebhook(payload, "t=1,v1=deadbeef")
	require.Error(t, err)

	var whErr *payment.WebhookError
	require.True(t, errors.As(err, &whErr))
	assert.Equal(t, "validation", whErr.Category)
	assert.Equal(t, http.StatusBadRequest, whErr.StatusCode)
}

func TestParseWebhookRequiresSecret(t *testing.T) {
	p := newWebhookProvider(t, "")
	payload, header := signed(t, "checkout.session.completed", `{"id":"cs_1"}`)

	_, err := p.ParseWebhook(payload, header)

	var whErr *payment.WebhookError
	require.True(t, errors.As(err, &whErr))
	assert.Equal(t, "configuration", whErr.Category)
	assert.ErrorIs(t, err, payment.ErrProviderMisconfigured)
}

func TestNewStripeProviderRequiresKey(t *testing.T) {
	_, err := payment.NewStripeProvider(config.StripeConfig{}, logger.NewWithWriter(io.Discard), nil)
	assert.ErrorIs(t, err, payment.ErrProviderMisconfigured)
}
