package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-registration/internal/logger"

	"github.com/go-redis/redis/v8"
)

const (
	idempotencyPrefix = "order_idem:"
	webhookPrefix     = "webhook_event:"
	inFlightMarker    = "pending"
)

type Redis struct {
	Client         *redis.Client
	Logger         *logger.Logger
	IdempotencyTTL time.Duration
	WebhookTTL     time.Duration
}

func NewRedis(client *redis.Client, log *logger.Logger, idempotencyTTL, webhookTTL time.Duration) *Redis {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	if webhookTTL <= 0 {
		webhookTTL = 72 * time.Hour
	}
	return &Redis{
		Client:         client,
		Logger:         log,
		IdempotencyTTL: idempotencyTTL,
		WebhookTTL:     webhookTTL,
	}
}

// Claim reserves an idempotency key for one order-creation request.
// acquired is true when the caller owns the key. Otherwise result holds the
// stored response of the earlier request, or is nil while that request is
// still in flight.
func (r *Redis) Claim(ctx context.Context, key string) (result []byte, acquired bool, err error) {
	k := idempotencyPrefix + key
	ok, err := r.Client.SetNX(ctx, k, inFlightMarker, r.IdempotencyTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return nil, true, nil
	}

	val, err := r.Client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		ok, err = r.Client.SetNX(ctx, k, inFlightMarker, r.IdempotencyTTL).Result()
		if err != nil {
			return nil, false, fmt.Errorf("claim idempotency key: %w", err)
		}
		return nil, ok, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read idempotency key: %w", err)
	}
	if val == inFlightMarker {
		return nil, false, nil
	}
	return []byte(val), false, nil
}

// Complete stores the response for key so later replays can return it.
func (r *Redis) Complete(ctx context.Context, key string, result []byte) error {
	if err := r.Client.Set(ctx, idempotencyPrefix+key, result, r.IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("store idempotent result: %w", err)
	}
	return nil
}

// Release frees a key still marked in flight so a failed request can be retried.
// A completed result is never removed.
func (r *Redis) Release(ctx context.Context, key string) error {
	k := idempotencyPrefix + key
	val, err := r.Client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if val == inFlightMarker {
		return r.Client.Del(ctx, k).Err()
	}
	return nil
}

// WebhookSeen reports whether a provider event id was already processed.
func (r *Redis) WebhookSeen(ctx context.Context, eventID string) (bool, error) {
	n, err := r.Client.Exists(ctx, webhookPrefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkWebhookSeen records a processed provider event id.
func (r *Redis) MarkWebhookSeen(ctx context.Context, eventID string) error {
	if err := r.Client.Set(ctx, webhookPrefix+eventID, time.Now().UTC().Format(time.RFC3339), r.WebhookTTL).Err(); err != nil {
		r.Logger.Warn("REDIS", fmt.Sprintf("Failed to mark webhook %s as seen: %v", eventID, err))
		return err
	}
	return nil
}
