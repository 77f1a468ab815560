package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/docintake/internal/queue"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings; the client is shared by the event
// publisher and the upload rate limiter.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes each job event as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  redisPublisher
	channel string
	logger  *slog.Logger
}

var _ queue.Observer = (*RedisPublisher)(nil)

func NewRedisPublisher(client redisPublisher, channel string, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = "docintake:jobs"
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger.With("component", "notify.redis")}
}

func (p *RedisPublisher) OnEvent(ctx context.Context, ev queue.Event) {
	body, err := encode(ev)
	if err != nil {
		p.logger.Error("notify.encode.failed", "job_id", ev.JobID, "error", err)
		return
	}
	pctx, cancel := publishContext(ctx)
	defer cancel()
	if err := p.client.Publish(pctx, p.channel, body).Err(); err != nil {
		p.logger.Warn("notify.publish.failed", "channel", p.channel, "job_id", ev.JobID, "type", ev.Type, "error", err)
	}
}
