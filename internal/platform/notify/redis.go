package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dontdude/gradex/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster publishes job events on a pub/sub channel for live dashboards.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisBroadcaster(client redis.UniversalClient, channel string) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, channel: channel}
}

func (r *RedisBroadcaster) Notify(ctx context.Context, job domain.Job, event string, data any) error {
	ev := newEvent(job, event, data)
	ev.CSRFToken = ""
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisBroadcaster) Close() error {
	return r.client.Close()
}
