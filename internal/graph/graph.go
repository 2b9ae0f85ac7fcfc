package graph

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxTasks bounds the number of tasks one session's graph may grow
// to. Expansion past the bound fails; this keeps a malformed document that
// claims thousands of embedded images from consuming unbounded resources.
const DefaultMaxTasks = 64

// TasksExceededError is returned when expansion would grow the graph past
// its task quota.
type TasksExceededError struct {
	Tasks int
	Limit int
}

func (e *TasksExceededError) Error() string {
	return fmt.Sprintf("task graph exceeded quota: %d tasks > %d limit", e.Tasks, e.Limit)
}

// IsTasksExceededError reports whether err is a TasksExceededError,
// unwrapping as needed.
func IsTasksExceededError(err error) bool {
	var te *TasksExceededError
	return errors.As(err, &te)
}

// Graph is the set of all tasks for one analysis session.
//
// All mutation (adding tasks, status transitions) happens under a single
// lock: the scheduler is the only writer, progress reporting reads through
// Snapshot. The graph is append-only; tasks are never removed.
type Graph struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	order    []string // insertion order, stable for deterministic iteration
	maxTasks int
	now      func() time.Time
}

// Option configures graph construction.
type Option func(*Graph)

// WithMaxTasks overrides the expansion quota.
func WithMaxTasks(n int) Option {
	return func(g *Graph) { g.maxTasks = n }
}

// WithNow overrides the timestamp source (tests).
func WithNow(now func() time.Time) Option {
	return func(g *Graph) { g.now = now }
}

// NewGraph creates an empty graph.
func NewGraph(opts ...Option) *Graph {
	g := &Graph{
		tasks:    make(map[string]*Task),
		maxTasks: DefaultMaxTasks,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// add appends a task, enforcing the quota, unique IDs and the
// parent-must-exist invariant (which keeps the graph acyclic: a task can
// only point at a parent added before it).
func (g *Graph) add(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.tasks)+1 > g.maxTasks {
		return &TasksExceededError{Tasks: len(g.tasks) + 1, Limit: g.maxTasks}
	}
	if _, dup := g.tasks[t.ID]; dup {
		return fmt.Errorf("duplicate task ID %s", t.ID)
	}
	if t.ParentID != "" {
		if _, ok := g.tasks[t.ParentID]; !ok {
			return fmt.Errorf("task %s: unknown parent %s", t.ID, t.ParentID)
		}
	}
	t.status = StatusPending
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	return nil
}

// Transition advances a task's status under the graph lock.
func (g *Graph) Transition(taskID string, to Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	return t.transition(to, g.now())
}

// Ready returns tasks eligible to run: Pending, with no parent or a parent
// in a terminal status. Order is deterministic (insertion order).
func (g *Graph) Ready() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.status != StatusPending {
			continue
		}
		if t.ParentID != "" && !g.tasks[t.ParentID].status.Terminal() {
			continue
		}
		ready = append(ready, t)
	}
	return ready
}

// Settled reports whether every task has reached a terminal status.
func (g *Graph) Settled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, t := range g.tasks {
		if !t.status.Terminal() {
			return false
		}
	}
	return true
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Task returns the task with the given ID.
func (g *Graph) Task(id string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	return t, ok
}

// TaskView is an immutable copy of one task's externally visible state.
type TaskView struct {
	ID         string
	ParentID   string
	Kind       string
	Capability Capability
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
}

// Snapshot returns a consistent view of every task in insertion order.
// Readers (progress reporting, tests) use this instead of holding task
// pointers across mutations.
func (g *Graph) Snapshot() []TaskView {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]TaskView, 0, len(g.order))
	for _, id := range g.order {
		t := g.tasks[id]
		out = append(out, TaskView{
			ID:         t.ID,
			ParentID:   t.ParentID,
			Kind:       string(t.Kind),
			Capability: t.Capability,
			Status:     t.status,
			StartedAt:  t.startedAt,
			FinishedAt: t.finishedAt,
		})
	}
	return out
}

// NonTerminal returns IDs of all tasks not yet in a terminal status, in
// insertion order. Used by the scheduler when a session deadline elapses.
func (g *Graph) NonTerminal() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for _, id := range g.order {
		if !g.tasks[id].status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}
