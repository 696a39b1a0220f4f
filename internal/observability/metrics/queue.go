// Package metrics provides helpers for emitting standardised queue metrics.
package metrics

import (
	"time"

	"github.com/terraprisma/api/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Transition names used for queue lifecycle metrics.
const (
	TransitionEnqueue  = "enqueue"
	TransitionClaim    = "claim"
	TransitionComplete = "complete"
	TransitionFail     = "fail"
	TransitionRetry    = "retry"
	TransitionCancel   = "cancel"
	TransitionRecover  = "recover"
	TransitionDeadEnd  = "dead_end"
)

// QueueEvent captures a job lifecycle event for metric emission.
type QueueEvent struct {
	JobType    string
	Transition string
	Result     string
	Duration   time.Duration
}

// EmitQueueEvent emits the standard counter (and timing, when a duration is
// present) for a queue lifecycle event.
func EmitQueueEvent(sink statsd.Sink, ev QueueEvent) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_type":   ev.JobType,
		"transition": ev.Transition,
		"result":     ev.Result,
	}

	sink.Count("queue.transition", 1, tags)
	if ev.Duration > 0 {
		sink.Timing("queue.duration", ev.Duration, tags)
	}
}

// EmitSweep reports the outcome of a recovery sweep.
func EmitSweep(sink statsd.Sink, recovered, movedToFinal int, took time.Duration) {
	if sink == nil {
		return
	}
	sink.Count("sweeper.recovered", int64(recovered), nil)
	sink.Count("sweeper.dead_lettered", int64(movedToFinal), nil)
	sink.Timing("sweeper.duration", took, nil)
}
