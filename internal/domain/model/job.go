// Package model defines the core data types and structures used throughout the terraprisma job system.
package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// JobStatus represents the lifecycle status of a job.
type JobStatus string

const (
	// JobStatusQueued indicates a job is waiting to be claimed by a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusSuccess indicates a job finished successfully. Terminal.
	JobStatusSuccess JobStatus = "success"
	// JobStatusError indicates the last attempt failed; the job may be retried.
	JobStatusError JobStatus = "error"
	// JobStatusErrorFinal indicates the job exhausted its retry budget. Terminal.
	JobStatusErrorFinal JobStatus = "error_final"
	// JobStatusCancelled indicates the job was cancelled by a caller. Terminal.
	JobStatusCancelled JobStatus = "cancelled"
)

// Error codes recorded on failed jobs. These are part of the persisted
// record shape that external tooling depends on.
const (
	// ErrCodeProcessing is the default code for handler execution failures.
	ErrCodeProcessing = "PROCESSING_ERROR"
	// ErrCodeMaxAttempts is the sentinel code set by the recovery sweeper
	// when a job is moved to error_final.
	ErrCodeMaxAttempts = "MAX_ATTEMPTS_EXCEEDED"
)

// Valid returns true if the JobStatus is one of the known lifecycle states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSuccess,
		JobStatusError, JobStatusErrorFinal, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal returns true if no further status transition is permitted.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusErrorFinal || s == JobStatusCancelled
}

// Retryable returns true if a job in this status may be reset to queued.
func (s JobStatus) Retryable() bool {
	return s == JobStatusError
}

// Cancellable returns true if a job in this status may be cancelled.
func (s JobStatus) Cancellable() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// JobError is the structured failure record stored on error/error_final jobs.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Job is the unit of asynchronous work.
//
// TenantID is nil for system/global jobs. LockedAt is non-nil exactly while
// the job is running. Attempts is incremented once per claim.
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	TenantID  *string         `json:"tenantId"`
	Status    JobStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	LockedAt  *time.Time      `json:"lockedAt,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *JobError       `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// CreateJobRequest represents a request to enqueue a new job.
type CreateJobRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	TenantID *string         `json:"tenantId,omitempty"`
}

// Validate validates the CreateJobRequest fields. The job type is not
// checked against the handler registry: unknown types fail at dispatch.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.Type) == "" {
		return errors.New("type is required")
	}
	if r.TenantID != nil && strings.TrimSpace(*r.TenantID) == "" {
		return errors.New("tenantId must not be blank")
	}
	return nil
}

// OpResult is the outcome of a business-rule-checked operation such as
// retry or cancel. Rejections are results, not errors: the HTTP layer maps
// them to 4xx responses.
//
// NotFound distinguishes a missing (or tenant-invisible) job from a status
// rejection so callers don't have to inspect Message; it is not part of the
// wire shape.
type OpResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	NotFound bool   `json:"-"`
}

// Rejected builds a failed OpResult with the given message.
func Rejected(message string) OpResult {
	return OpResult{Success: false, Message: message}
}

// RejectedNotFound builds a failed OpResult for a job the caller cannot see.
func RejectedNotFound() OpResult {
	return OpResult{Success: false, Message: "job not found", NotFound: true}
}

// Accepted builds a successful OpResult.
func Accepted(message string) OpResult {
	return OpResult{Success: true, Message: message}
}

// JobListOptions holds filters for listing jobs. TenantID scopes the
// listing; a nil TenantID lists system jobs only.
type JobListOptions struct {
	TenantID *string
	Status   JobStatus
	Type     string
	Limit    int
}

// RecoveryResult summarises one recovery sweep.
type RecoveryResult struct {
	Recovered    int `json:"recovered"`
	MovedToFinal int `json:"movedToFinal"`
}

// WindowCounts holds outcome counts restricted to a recent window.
type WindowCounts struct {
	Success    int `json:"success"`
	Error      int `json:"error"`
	ErrorFinal int `json:"errorFinal"`
}

// JobMetrics is the aggregate queue snapshot served by the metrics endpoint.
type JobMetrics struct {
	Total    int               `json:"total"`
	ByStatus map[JobStatus]int `json:"byStatus"`
	Last24h  WindowCounts      `json:"last24h"`
}
