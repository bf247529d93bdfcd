package order

import (
	"context"
	"errors"
	"io"
	"testing"

	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/order/db"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingUnlinker struct{}

func (failingUnlinker) UnlinkPurchaser(context.Context, string) (int64, error) {
	return 0, errors.New("database is down")
}

func TestHandleUserDeleted(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	events := NewUserEvents(store, logger.NewWithWriter(io.Discard))

	for _, id := range []string{"order-a", "order-b"} {
		require.NoError(t, store.CreateOrder(ctx, &models.Order{
			ID:              id,
			PurchaserUserID: "user-1",
			PurchaserEmail:  "jane@example.com",
			PurchaserName:   "Jane",
			PaymentMethod:   models.PaymentMethodCard,
			Status:          models.OrderPaid,
			CreatedAt:       testNow,
		}, db.CreateOrderOptions{}))
	}

	err := events.HandleUserDeleted(ctx, kafka.Message{Topic: "user.deleted", Value: []byte(`{"user_id":"user-1"}`)})
	require.NoError(t, err)

	for _, id := range []string{"order-a", "order-b"} {
		o, err := store.GetOrder(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, o.PurchaserUserID)
		assert.Equal(t, models.OrderPaid, o.Status)
	}
}

func TestHandleUserDeleted_KeyFallbackAndPoisonMessages(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	events := NewUserEvents(store, logger.NewWithWriter(io.Discard))

	assert.NoError(t, events.HandleUserDeleted(ctx, kafka.Message{Key: []byte("user-9")}))
	assert.NoError(t, events.HandleUserDeleted(ctx, kafka.Message{Value: []byte("not json")}))
	assert.NoError(t, events.HandleUserDeleted(ctx, kafka.Message{Value: []byte(`{}`)}))
}

func TestHandleUserDeleted_StoreErrorIsRetried(t *testing.T) {
	events := NewUserEvents(failingUnlinker{}, logger.NewWithWriter(io.Discard))
	err := events.HandleUserDeleted(context.Background(), kafka.Message{Value: []byte(`{"user_id":"user-1"}`)})
	assert.Error(t, err)
}
