package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terraprisma/api/internal/core"
	"github.com/terraprisma/api/internal/domain/model"
)

const jobMetricsKey = "metrics:jobs"

// RedisMetricsCache caches computed job metrics in Redis so the metrics
// endpoint does not scan the job collection on every request.
type RedisMetricsCache struct {
	client redis.UniversalClient
}

var _ core.MetricsCache = (*RedisMetricsCache)(nil)

// NewRedisMetricsCache creates a RedisMetricsCache on the given client.
func NewRedisMetricsCache(client redis.UniversalClient) *RedisMetricsCache {
	return &RedisMetricsCache{client: client}
}

// GetJobMetrics returns the cached metrics, or (nil, nil) on a miss.
func (c *RedisMetricsCache) GetJobMetrics(ctx context.Context) (*model.JobMetrics, error) {
	raw, err := c.client.Get(ctx, jobMetricsKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get job metrics: %w", err)
	}

	var m model.JobMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		// A stale or corrupt entry is treated as a miss so the caller
		// recomputes and overwrites it.
		return nil, nil
	}
	return &m, nil
}

// SetJobMetrics stores metrics with the given TTL.
func (c *RedisMetricsCache) SetJobMetrics(ctx context.Context, m *model.JobMetrics, ttl time.Duration) error {
	if m == nil {
		return errors.New("metrics cannot be nil")
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal job metrics: %w", err)
	}
	if err := c.client.Set(ctx, jobMetricsKey, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set job metrics: %w", err)
	}
	return nil
}
