package sched

import (
	"github.com/veridoc/veridoc/internal/finding"
	"github.com/veridoc/veridoc/internal/graph"
)

// FailureReason classifies why a task failed. Recorded in the task's
// analysis-incomplete finding and forwarded in progress events.
type FailureReason string

const (
	ReasonCapabilityTimeout FailureReason = "capability-timeout"
	ReasonCapabilityError   FailureReason = "capability-error"
	ReasonDeadlineExceeded  FailureReason = "deadline-exceeded"
)

// Event is one task status transition, carrying enough for the session
// streamer to forward it immediately.
//
// Ordering: events for a given task are emitted Pending, Running, then one
// terminal status, in seq order. Across tasks, only parent-before-child
// holds; sibling interleaving is unspecified.
type Event struct {
	Seq        int64             `json:"seq"`
	TaskID     string            `json:"task_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Kind       string            `json:"kind"`
	Capability graph.Capability  `json:"capability"`
	Status     graph.Status      `json:"status"`
	Findings   []finding.Finding `json:"findings,omitempty"`
	Reason     FailureReason     `json:"reason,omitempty"`
}

// ProgressFunc receives events synchronously from the scheduler loop.
// Implementations must not block; the session streamer hands events to a
// drop-on-close queue.
type ProgressFunc func(Event)
