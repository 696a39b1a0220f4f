package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/terraprisma/api/internal/core"
	apperrors "github.com/terraprisma/api/internal/errors"
	"github.com/terraprisma/api/internal/domain/model"
)

// PlansCollection is the document collection that holds weekly plans.
const PlansCollection = "plans"

// PlanServiceOptions groups dependencies for PlanService.
type PlanServiceOptions struct {
	Store     core.DocumentStore     // Required: plan document store
	Generator core.PriorityGenerator // Required: priority source
	Logger    *slog.Logger           // Optional: structured logger
}

// PlanService manages weekly priority plans. Generation is idempotent on
// (tenantId, weekStart): a plan.generate job that is retried after a worker
// crash must not produce a second plan for the same week.
type PlanService struct {
	store     core.DocumentStore
	generator core.PriorityGenerator
	logger    *slog.Logger
}

// NewPlanService constructs a new PlanService.
func NewPlanService(opts PlanServiceOptions) (*PlanService, error) {
	if opts.Store == nil {
		return nil, errors.New("DocumentStore is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("PriorityGenerator is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "plan_service")
	}
	return &PlanService{store: opts.Store, generator: opts.Generator, logger: logger}, nil
}

// MustNewPlanService constructs a new PlanService and panics on error.
func MustNewPlanService(opts PlanServiceOptions) *PlanService {
	svc, err := NewPlanService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create PlanService: %v", err))
	}
	return svc
}

// Generate creates the weekly plan for the request's tenant and week, or
// returns the existing one when the week was already planned.
func (s *PlanService) Generate(ctx context.Context, req *model.GeneratePlanRequest) (*model.Plan, error) {
	if req == nil {
		return nil, apperrors.Validation("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	existing, err := s.find(ctx, req.TenantID, req.WeekStart)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "plan already exists",
				"tenant_id", req.TenantID, "week_start", req.WeekStart, "plan_id", existing.ID)
		}
		return existing, nil
	}

	priorities, err := s.generator.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generate priorities: %w", err)
	}
	for i := range priorities {
		if priorities[i].ID == "" {
			priorities[i].ID = uuid.NewString()
		}
		if priorities[i].Status == "" {
			priorities[i].Status = model.PriorityStatusPending
		}
	}

	doc := core.Doc{
		"tenantId":    req.TenantID,
		"weekStart":   req.WeekStart,
		"priorities":  priorities,
		"generatedAt": core.ServerTimestamp,
	}
	if req.Context != "" {
		doc["context"] = req.Context
	}

	id, err := s.store.Insert(ctx, PlansCollection, doc)
	if err != nil {
		return nil, apperrors.MapStoreError(fmt.Errorf("insert plan: %w", err))
	}

	plan, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "plan generated",
			"tenant_id", req.TenantID, "week_start", req.WeekStart,
			"plan_id", plan.ID, "priorities", len(plan.Priorities))
	}
	return plan, nil
}

// Get returns a plan by id, tenant-scoped.
func (s *PlanService) Get(ctx context.Context, id, tenantID string) (*model.Plan, error) {
	plan, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.TenantID != tenantID {
		return nil, apperrors.NotFoundf("plan %s not found", id)
	}
	return plan, nil
}

// GetWeek returns the tenant's plan for a given week, or not-found.
func (s *PlanService) GetWeek(ctx context.Context, tenantID, weekStart string) (*model.Plan, error) {
	plan, err := s.find(ctx, tenantID, weekStart)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, apperrors.NotFoundf("no plan for week %s", weekStart)
	}
	return plan, nil
}

// List returns the tenant's plans, most recent week first.
func (s *PlanService) List(ctx context.Context, tenantID string, limit int) ([]*model.Plan, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	docs, err := s.store.Query(ctx, PlansCollection,
		[]core.Filter{{Field: "tenantId", Value: tenantID}}, 0)
	if err != nil {
		return nil, apperrors.MapStoreError(fmt.Errorf("list plans: %w", err))
	}

	plans := make([]*model.Plan, 0, len(docs))
	for _, doc := range docs {
		plan, err := planFromDoc(doc)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].WeekStart > plans[j].WeekStart
	})
	if len(plans) > limit {
		plans = plans[:limit]
	}
	return plans, nil
}

// MarkDelivered records when the plan was delivered to the tenant.
func (s *PlanService) MarkDelivered(ctx context.Context, id, tenantID string) error {
	if _, err := s.Get(ctx, id, tenantID); err != nil {
		return err
	}
	err := s.store.Update(ctx, PlansCollection, id, core.Doc{
		"deliveredAt": core.ServerTimestamp,
	})
	if err != nil {
		return apperrors.MapStoreError(fmt.Errorf("mark plan %s delivered: %w", id, err))
	}
	return nil
}

func (s *PlanService) find(ctx context.Context, tenantID, weekStart string) (*model.Plan, error) {
	docs, err := s.store.Query(ctx, PlansCollection, []core.Filter{
		{Field: "tenantId", Value: tenantID},
		{Field: "weekStart", Value: weekStart},
	}, 1)
	if err != nil {
		return nil, apperrors.MapStoreError(fmt.Errorf("find plan: %w", err))
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return planFromDoc(docs[0])
}

func (s *PlanService) fetch(ctx context.Context, id string) (*model.Plan, error) {
	doc, err := s.store.Get(ctx, PlansCollection, id)
	if err != nil {
		if errors.Is(err, core.ErrDocNotFound) {
			return nil, apperrors.NotFoundf("plan %s not found", id)
		}
		return nil, apperrors.MapStoreError(fmt.Errorf("get plan %s: %w", id, err))
	}
	return planFromDoc(doc)
}

// planFromDoc maps a stored document onto the Plan record shape.
func planFromDoc(doc core.Doc) (*model.Plan, error) {
	plan := &model.Plan{
		ID:        doc.String("id"),
		TenantID:  doc.String("tenantId"),
		WeekStart: doc.String("weekStart"),
		Context:   doc.String("context"),
	}
	if t := doc.Time("generatedAt"); t != nil {
		plan.GeneratedAt = *t
	}
	plan.DeliveredAt = doc.Time("deliveredAt")
	if t := doc.Time("createdAt"); t != nil {
		plan.CreatedAt = *t
	}
	if t := doc.Time("updatedAt"); t != nil {
		plan.UpdatedAt = *t
	}

	if v, ok := doc["priorities"]; ok && v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal plan priorities: %w", err)
		}
		if err := json.Unmarshal(raw, &plan.Priorities); err != nil {
			return nil, fmt.Errorf("decode plan priorities: %w", err)
		}
	}
	return plan, nil
}
