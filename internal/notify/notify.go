package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"NeighborChat/server/internal/models"
)

// Bridge hands offline notifications to whatever delivers them (push,
// email, ...). Delivery itself is not our concern.
type Bridge interface {
	Notify(ctx context.Context, n models.Notification) error
	Close() error
}

// LogBridge only logs; used when no queue is configured.
type LogBridge struct {
	logger zerolog.Logger
}

func NewLogBridge(logger zerolog.Logger) *LogBridge {
	return &LogBridge{logger: logger.With().Str("component", "notify").Logger()}
}

func (b *LogBridge) Notify(_ context.Context, n models.Notification) error {
	b.logger.Info().
		Str("user_id", n.UserID).
		Str("conversation_id", n.ConversationID.String()).
		Str("message_id", n.MessageID.String()).
		Msg("offline notification")
	return nil
}

func (b *LogBridge) Close() error { return nil }

// job is the queued payload consumed by the push workers.
type job struct {
	models.Notification
	QueuedAt time.Time `json:"queued_at"`
}

// RedisBridge pushes notifications onto a redis list.
type RedisBridge struct {
	client *redis.Client
	queue  string
	logger zerolog.Logger
}

func NewRedisBridge(ctx context.Context, redisURL, queue string, logger zerolog.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)

	backoff := retry.WithMaxRetries(5, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis not ready")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}

	return &RedisBridge{
		client: client,
		queue:  queue,
		logger: logger.With().Str("component", "notify").Str("queue", queue).Logger(),
	}, nil
}

func (b *RedisBridge) Notify(ctx context.Context, n models.Notification) error {
	payload, err := Encode(n, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := b.client.RPush(ctx, b.queue, payload).Err(); err != nil {
		return errors.Wrap(err, "enqueue notification")
	}
	b.logger.Debug().Str("user_id", n.UserID).Str("message_id", n.MessageID.String()).Msg("notification queued")
	return nil
}

func (b *RedisBridge) Close() error {
	return b.client.Close()
}

// Encode is the wire form of a queued notification.
func Encode(n models.Notification, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(job{Notification: n, QueuedAt: at})
	return payload, errors.Wrap(err, "encode notification")
}
