// Package graph models the analysis task graph for one session: a forest of
// tasks rooted at the uploaded artifact, with edges representing
// discovered-from relationships.
package graph

import (
	"fmt"
	"time"

	"github.com/veridoc/veridoc/internal/artifact"
)

// Status is a task's lifecycle state. Transitions are strictly forward:
// Pending -> Running -> Done | Failed. A task never re-enters Pending.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is Done or Failed.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Capability identifies the pipeline capability a task is routed to.
type Capability string

const (
	CapabilityStructural    Capability = "structural"
	CapabilityVisual        Capability = "visual"
	CapabilityCryptographic Capability = "cryptographic"

	// CapabilityUnsupported is the terminal no-op for artifacts whose
	// format could not be classified. It never blocks the rest of the
	// graph.
	CapabilityUnsupported Capability = "unsupported"
)

// Inference reports whether the capability competes for the bounded
// inference pool. Structural and cryptographic work is lightweight and runs
// unpooled.
func (c Capability) Inference() bool {
	return c == CapabilityVisual
}

// Task is a unit of work over one artifact using one capability.
type Task struct {
	ID         string
	ParentID   string // empty only for roots
	Kind       artifact.MediaKind
	Capability Capability

	status     Status
	startedAt  time.Time
	finishedAt time.Time

	art *artifact.Artifact
}

// Status returns the task's current status. Safe only under the owning
// graph's lock; external readers use Graph.Snapshot.
func (t *Task) Status() Status { return t.status }

// Artifact returns the artifact this task analyzes.
func (t *Task) Artifact() *artifact.Artifact { return t.art }

// StartedAt returns the time the task left Pending (zero until then).
func (t *Task) StartedAt() time.Time { return t.startedAt }

// FinishedAt returns the time the task reached a terminal status.
func (t *Task) FinishedAt() time.Time { return t.finishedAt }

// transition advances the status, enforcing the forward-only invariant.
func (t *Task) transition(to Status, now time.Time) error {
	if !allowedTransition(t.status, to) {
		return fmt.Errorf("task %s: disallowed transition %s -> %s", t.ID, t.status, to)
	}
	t.status = to
	switch to {
	case StatusRunning:
		t.startedAt = now
	case StatusDone, StatusFailed:
		t.finishedAt = now
	}
	return nil
}

func allowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		// Pending -> Failed covers tasks cancelled before they ever ran
		// (session deadline) and the unsupported terminal no-op.
		return to == StatusRunning || to == StatusDone || to == StatusFailed
	case StatusRunning:
		return to == StatusDone || to == StatusFailed
	default:
		return false
	}
}
