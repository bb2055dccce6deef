package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// StartRecoveryRoutine periodically looks for pending entries that have no lease. That happens
// when a worker died between XREADGROUP and writing the lease. Such entries get an already
// expired lease so the next receiver reclaims them.
func (p *RedisProvider) StartRecoveryRoutine(ctx context.Context, interval, orphanAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Starting Redis recovery routine", "interval", interval, "orphanAge", orphanAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.recoverOrphans(ctx, orphanAge)
			if err != nil {
				slog.Error("Recovery routine failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Recovered orphaned jobs", "count", n)
			}
		}
	}
}

func (p *RedisProvider) recoverOrphans(ctx context.Context, orphanAge time.Duration) (int, error) {
	recovered := 0
	start := "-"
	for {
		// Batches of 10, idle longer than orphanAge.
		pending, err := p.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: p.opts.Stream,
			Group:  p.opts.Group,
			Idle:   orphanAge,
			Start:  start,
			End:    "+",
			Count:  10,
		}).Result()
		if err != nil {
			return recovered, err
		}
		if len(pending) == 0 {
			return recovered, nil
		}

		for _, e := range pending {
			_, err := p.client.ZScore(ctx, p.leaseKey(), e.ID).Result()
			if err == nil {
				continue
			}
			if err != redis.Nil {
				return recovered, err
			}
			added, err := p.client.ZAddNX(ctx, p.leaseKey(), redis.Z{Score: 0, Member: e.ID}).Result()
			if err != nil {
				return recovered, err
			}
			if added > 0 {
				slog.Warn("Orphaned job found without lease", "msgID", e.ID, "consumer", e.Consumer)
				recovered++
			}
		}

		if len(pending) < 10 {
			return recovered, nil
		}
		start = "(" + pending[len(pending)-1].ID
	}
}
