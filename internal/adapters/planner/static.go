// Package planner provides priority generators for weekly plans.
package planner

import (
	"context"

	"github.com/terraprisma/api/internal/core"
	"github.com/terraprisma/api/internal/domain/model"
)

// Static is a deterministic PriorityGenerator used when no AI-backed
// generator is configured. It produces the same baseline priorities for
// every tenant and week, which keeps plan generation useful in development
// and air-gapped deployments.
type Static struct{}

var _ core.PriorityGenerator = Static{}

// Generate returns the baseline priority set.
func (Static) Generate(_ context.Context, req *model.GeneratePlanRequest) ([]model.Priority, error) {
	priorities := []model.Priority{
		{
			Title:     "Review open customer escalations",
			Category:  "customers",
			Reasoning: "Escalations left over from last week compound fastest.",
		},
		{
			Title:     "Close out overdue invoices",
			Category:  "finance",
			Reasoning: "Cash collection is the weekly baseline task.",
		},
		{
			Title:     "Plan the week's top project milestone",
			Category:  "delivery",
			Reasoning: "One concrete milestone per week keeps delivery moving.",
		},
	}
	if req != nil && req.Context != "" {
		priorities = append(priorities, model.Priority{
			Title:     "Follow up on: " + req.Context,
			Category:  "custom",
			Reasoning: "Carried from the tenant's stated focus for this week.",
		})
	}
	return priorities, nil
}
