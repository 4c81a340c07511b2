package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// RedisStreamSink appends events to a Redis stream, one entry per event.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
	log    *zap.Logger
}

func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64, log *zap.Logger) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen, log: log}
}

func (r *RedisStreamSink) Name() string { return "redis" }

func (r *RedisStreamSink) Durable() bool { return true }

func (r *RedisStreamSink) Send(ctx context.Context, events []interfaces.Event) error {
	pipe := r.client.TxPipeline()
	for _, e := range events {
		data, err := encode(e)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.stream,
			MaxLen: r.maxLen,
			Approx: r.maxLen > 0,
			Values: map[string]interface{}{
				"event_type": string(e.Type),
				"account":    e.Account.Hex(),
				"data":       string(data),
				"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("failed to publish events to redis stream", zap.String("stream", r.stream), zap.Error(err))
		return fmt.Errorf("failed to publish to redis stream: %w", err)
	}
	return nil
}
