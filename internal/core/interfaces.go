package core

import (
	"context"
	"time"

	"github.com/terraprisma/api/internal/domain/model"
)

// MetricsCache caches queue metrics snapshots so dashboard polling does not
// trigger a full collection scan on every request.
type MetricsCache interface {
	// GetJobMetrics returns the cached snapshot, or (nil, nil) on a miss.
	GetJobMetrics(ctx context.Context) (*model.JobMetrics, error)
	SetJobMetrics(ctx context.Context, m *model.JobMetrics, ttl time.Duration) error
}

// PriorityGenerator produces the priorities of a weekly plan. The AI-backed
// generator is an external collaborator; the default implementation is
// deterministic.
type PriorityGenerator interface {
	Generate(ctx context.Context, req *model.GeneratePlanRequest) ([]model.Priority, error)
}
