package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/progress"
)

// InitProgress creates or resets a counter.
func (s *Store) InitProgress(ctx context.Context, runID id.RunID, total int, ttl time.Duration) error {
	key := s.keys.progress(runID.String())
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, "done", "0", "total", strconv.Itoa(total))
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("datenschleuder/redis: init progress: %w", err)
	}
	return nil
}

// IncrProgress adds delta to the done count.
func (s *Store) IncrProgress(ctx context.Context, runID id.RunID, delta int) (int, error) {
	n, err := s.client.HIncrBy(ctx, s.keys.progress(runID.String()), "done", int64(delta)).Result()
	if err != nil {
		return 0, fmt.Errorf("datenschleuder/redis: incr progress: %w", err)
	}
	return int(n), nil
}

// GetProgress returns the counter, zero when absent or expired.
func (s *Store) GetProgress(ctx context.Context, runID id.RunID) (progress.Progress, error) {
	vals, err := s.client.HMGet(ctx, s.keys.progress(runID.String()), "done", "total").Result()
	if err != nil {
		return progress.Progress{}, fmt.Errorf("datenschleuder/redis: get progress: %w", err)
	}
	return progress.Progress{Done: hashInt(vals[0]), Total: hashInt(vals[1])}, nil
}

// DeleteProgress drops the counter.
func (s *Store) DeleteProgress(ctx context.Context, runID id.RunID) error {
	if err := s.client.Del(ctx, s.keys.progress(runID.String())).Err(); err != nil {
		return fmt.Errorf("datenschleuder/redis: delete progress: %w", err)
	}
	return nil
}

func hashInt(v any) int {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(str) //nolint:errcheck // best-effort parse from trusted Redis data
	return n
}
