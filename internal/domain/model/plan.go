package model

import (
	"errors"
	"strings"
	"time"
)

// PriorityStatus tracks completion of a single plan priority.
type PriorityStatus string

const (
	// PriorityStatusPending indicates the priority has not been completed.
	PriorityStatusPending PriorityStatus = "pending"
	// PriorityStatusDone indicates the priority was completed.
	PriorityStatusDone PriorityStatus = "done"
)

// Priority is one entry of a weekly plan.
type Priority struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Category    string         `json:"category"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Status      PriorityStatus `json:"status"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Plan is a weekly priority plan for a tenant. Plans are idempotent on
// (TenantID, WeekStart): creating the same week twice returns the existing
// plan.
type Plan struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	WeekStart   string     `json:"weekStart"`
	Priorities  []Priority `json:"priorities"`
	Context     string     `json:"context,omitempty"`
	GeneratedAt time.Time  `json:"generatedAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// GeneratePlanRequest is the payload of a plan.generate job.
type GeneratePlanRequest struct {
	TenantID  string `json:"tenantId"`
	WeekStart string `json:"weekStart"`
	Context   string `json:"context,omitempty"`
}

// Validate checks the request fields. WeekStart is an ISO date (Monday).
func (r *GeneratePlanRequest) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenantId is required")
	}
	if _, err := time.Parse("2006-01-02", r.WeekStart); err != nil {
		return errors.New("weekStart must be an ISO date (YYYY-MM-DD)")
	}
	return nil
}
