package queue

import (
	"context"
	"fmt"

	"github.com/dontdude/gradex/internal/config"
	"github.com/dontdude/gradex/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Provider is a queue backend that can both hand out worker handles and publish jobs.
type Provider interface {
	domain.QueueProvider
	domain.Publisher
}

// NewProvider selects the backend named by queue.type. For Redis it also starts the orphan
// recovery routine, which stops when ctx is canceled.
func NewProvider(ctx context.Context, cfg *config.Config) (Provider, error) {
	switch cfg.Queue.Type {
	case config.QueueRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		p, err := NewRedisProvider(ctx, client, RedisOptions{
			Stream:            cfg.Queue.Name,
			Group:             cfg.Redis.Group,
			DeadLetterStream:  cfg.Redis.DeadLetterStream,
			ConsumerPrefix:    cfg.InstanceID,
			VisibilityTimeout: cfg.Redis.VisibilityTimeout,
			Block:             cfg.Redis.Block,
			MaxReceiveCount:   cfg.Redis.MaxReceiveCount,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if cfg.Redis.RecoveryInterval > 0 {
			go p.StartRecoveryRoutine(ctx, cfg.Redis.RecoveryInterval, cfg.Redis.OrphanAge)
		}
		return p, nil
	case config.QueueRabbitMQ:
		return NewRabbitProvider(ctx, RabbitOptions{
			URL:            cfg.RabbitMQ.URL,
			Queue:          cfg.Queue.Name,
			DeliveryLimit:  cfg.RabbitMQ.DeliveryLimit,
			ReconnectDelay: cfg.RabbitMQ.ReconnectDelay,
		})
	default:
		return nil, fmt.Errorf("unknown queue type %q", cfg.Queue.Type)
	}
}
