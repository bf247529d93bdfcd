package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ms-registration/internal/logger"

	"github.com/segmentio/kafka-go"
)

// PurchaserUnlinker detaches a user id from every order it purchased.
type PurchaserUnlinker interface {
	UnlinkPurchaser(ctx context.Context, userID string) (int64, error)
}

type UserDeletedEvent struct {
	UserID string `json:"user_id"`
}

// UserEvents reacts to identity lifecycle messages. Orders stay on record;
// only the link to the deleted identity is removed.
type UserEvents struct {
	store  PurchaserUnlinker
	logger *logger.Logger
}

func NewUserEvents(store PurchaserUnlinker, log *logger.Logger) *UserEvents {
	return &UserEvents{store: store, logger: log}
}

// HandleUserDeleted is a kafka.Consumer handler. Unparseable messages are
// logged and acknowledged; store failures are returned so the message is retried.
func (u *UserEvents) HandleUserDeleted(ctx context.Context, msg kafka.Message) error {
	var event UserDeletedEvent
	if len(msg.Value) > 0 {
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			u.logger.LogKafka("SKIP", msg.Topic, fmt.Sprintf("Malformed user.deleted payload: %v", err))
			return nil
		}
	}
	userID := strings.TrimSpace(event.UserID)
	if userID == "" {
		userID = strings.TrimSpace(string(msg.Key))
	}
	if userID == "" {
		u.logger.LogKafka("SKIP", msg.Topic, "user.deleted message without a user id")
		return nil
	}

	n, err := u.store.UnlinkPurchaser(ctx, userID)
	if err != nil {
		return fmt.Errorf("unlink purchaser %s: %w", userID, err)
	}
	u.logger.LogKafka("CONSUME", msg.Topic, fmt.Sprintf("Unlinked %d order(s) from deleted user %s", n, userID))
	return nil
}
