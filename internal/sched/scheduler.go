package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veridoc/veridoc/internal/finding"
	"github.com/veridoc/veridoc/internal/graph"
	"github.com/veridoc/veridoc/internal/pipeline"
)

// Defaults for the resource model. The inference pool is deliberately
// small: it stands in for the scarce GPU-bound capability.
const (
	DefaultInferenceSlots    = 2
	DefaultCapabilityTimeout = 45 * time.Second
)

// Capabilities maps each routing target to its inspector. Every capability
// the builder can route to must be present.
type Capabilities map[graph.Capability]pipeline.Inspector

// Scheduler drives one task graph to completion.
//
// CRITICAL: all graph mutation (status transitions, expansion) happens in
// the single Run loop goroutine. Worker goroutines only execute capability
// calls and send results back; this keeps graph readers (progress
// reporting) and writers (expansion) race-free without fine-grained
// locking.
type Scheduler struct {
	builder    *graph.Builder
	caps       Capabilities
	slots      chan struct{}
	capTimeout time.Duration
	clock      *Clock
	logger     *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInferenceSlots sets the bounded pool size for inference-capable
// capabilities.
func WithInferenceSlots(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.slots = make(chan struct{}, n)
		}
	}
}

// WithCapabilityTimeout bounds each individual capability call.
func WithCapabilityTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.capTimeout = d
		}
	}
}

// New creates a scheduler. The capabilities map is not copied; callers must
// not mutate it afterwards.
func New(builder *graph.Builder, caps Capabilities, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		builder:    builder,
		caps:       caps,
		slots:      make(chan struct{}, DefaultInferenceSlots),
		capTimeout: DefaultCapabilityTimeout,
		clock:      NewClock(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock returns the scheduler's logical clock. Used by the orchestrator to
// stamp findings it attaches after scheduling (reasoner degradation).
func (s *Scheduler) Clock() *Clock { return s.clock }

// taskResult is a worker's completion message back to the Run loop.
type taskResult struct {
	taskID string
	res    pipeline.Result
	err    error
	reason FailureReason
}

// Run executes the graph until every task (including any spawned during
// execution) reaches a terminal status, or ctx expires. On deadline, all
// outstanding tasks are marked Failed with reason deadline-exceeded and
// the report keeps whatever findings exist; a partial report is a normal
// outcome, never an error. onProgress fires on every status transition.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph, report *finding.Report, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(Event) {}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan taskResult)
	inFlight := 0

	// Announce the initial (root) tasks.
	for _, tv := range g.Snapshot() {
		s.emit(onProgress, eventFor(tv, nil, ""))
	}

	launch := func() error {
		for _, t := range g.Ready() {
			if err := g.Transition(t.ID, graph.StatusRunning); err != nil {
				return fmt.Errorf("start task: %w", err)
			}
			s.emitTask(onProgress, t, graph.StatusRunning, nil, "")
			inFlight++
			go s.execute(runCtx, t, results)
		}
		return nil
	}

	// fail drains in-flight workers before surfacing err; an early return
	// with workers still blocked on results would leak them.
	fail := func(err error) error {
		cancel()
		for inFlight > 0 {
			<-results
			inFlight--
		}
		return err
	}

	if err := launch(); err != nil {
		return fail(err)
	}

	for inFlight > 0 {
		select {
		case <-ctx.Done():
			s.cancelOutstanding(g, report, onProgress, results, inFlight)
			return nil

		case r := <-results:
			inFlight--
			if err := s.settle(g, report, onProgress, r); err != nil {
				return fail(err)
			}
			if err := launch(); err != nil {
				return fail(err)
			}
		}
	}

	if !g.Settled() {
		// Ready returned nothing while non-terminal tasks remain: a graph
		// invariant is broken. Fail loudly rather than hang.
		return errors.New("scheduler stalled with non-terminal tasks")
	}
	return nil
}

// settle applies one worker result: terminal transition, finding
// attachment, and expansion for discovered artifacts. Runs only on the Run
// loop goroutine.
func (s *Scheduler) settle(g *graph.Graph, report *finding.Report, onProgress ProgressFunc, r taskResult) error {
	t, ok := g.Task(r.taskID)
	if !ok {
		return fmt.Errorf("result for unknown task %s", r.taskID)
	}

	if r.err != nil {
		if err := g.Transition(t.ID, graph.StatusFailed); err != nil {
			return err
		}
		incomplete := finding.New(finding.KindAnalysisIncomplete, t.ID, finding.Note{
			Text: fmt.Sprintf("%s: %s", r.reason, r.err),
		})
		incomplete.Seq = s.clock.Next()
		report.Attach(incomplete)
		s.emitTask(onProgress, t, graph.StatusFailed, []finding.Finding{incomplete}, r.reason)
		s.logger.Warn("task failed",
			"task", t.ID,
			"capability", t.Capability,
			"reason", r.reason,
			"error", r.err,
		)
		return nil
	}

	stamped := make([]finding.Finding, len(r.res.Findings))
	for i, f := range r.res.Findings {
		f.TaskID = t.ID
		f.Seq = s.clock.Next()
		stamped[i] = f
	}
	report.Attach(stamped...)

	if err := g.Transition(t.ID, graph.StatusDone); err != nil {
		return err
	}
	s.emitTask(onProgress, t, graph.StatusDone, stamped, "")
	s.logger.Debug("task done",
		"task", t.ID,
		"capability", t.Capability,
		"findings", len(stamped),
		"discovered", len(r.res.Discovered),
	)

	if len(r.res.Discovered) > 0 {
		children, err := s.builder.Expand(g, t, r.res.Discovered)
		// Children added before a quota error still run; the overflow is
		// recorded and the session continues.
		for _, child := range children {
			s.emitTask(onProgress, child, graph.StatusPending, nil, "")
		}
		if err != nil {
			if !graph.IsTasksExceededError(err) {
				return fmt.Errorf("expand graph: %w", err)
			}
			overflow := finding.New(finding.KindAnalysisIncomplete, t.ID, finding.Note{
				Text: "expansion truncated: " + err.Error(),
			})
			overflow.Seq = s.clock.Next()
			report.Attach(overflow)
			s.logger.Warn("graph expansion truncated", "task", t.ID, "error", err)
		}
	}
	return nil
}

// cancelOutstanding marks every non-terminal task Failed after the session
// deadline, then drains in-flight workers so none leak.
func (s *Scheduler) cancelOutstanding(g *graph.Graph, report *finding.Report, onProgress ProgressFunc, results chan taskResult, inFlight int) {
	for _, id := range g.NonTerminal() {
		t, _ := g.Task(id)
		if err := g.Transition(id, graph.StatusFailed); err != nil {
			s.logger.Error("cancel transition failed", "task", id, "error", err)
			continue
		}
		incomplete := finding.New(finding.KindAnalysisIncomplete, id, finding.Note{
			Text: string(ReasonDeadlineExceeded),
		})
		incomplete.Seq = s.clock.Next()
		report.Attach(incomplete)
		s.emitTask(onProgress, t, graph.StatusFailed, []finding.Finding{incomplete}, ReasonDeadlineExceeded)
	}
	s.logger.Info("session deadline elapsed, outstanding tasks cancelled", "in_flight", inFlight)

	// Workers see ctx.Done through their capability calls and report back
	// promptly; their results are discarded because the tasks are already
	// terminal.
	for inFlight > 0 {
		<-results
		inFlight--
	}
}

// execute runs one task's capability call on a worker goroutine.
// Inference-capable tasks first wait for a pool slot; waiting is
// back-pressure, not an error.
func (s *Scheduler) execute(ctx context.Context, t *graph.Task, results chan<- taskResult) {
	if t.Capability.Inference() {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		case <-ctx.Done():
			results <- taskResult{taskID: t.ID, err: ctx.Err(), reason: ReasonDeadlineExceeded}
			return
		}
	}

	inspector, ok := s.caps[t.Capability]
	if !ok {
		results <- taskResult{
			taskID: t.ID,
			err:    fmt.Errorf("no inspector registered for capability %s", t.Capability),
			reason: ReasonCapabilityError,
		}
		return
	}

	capCtx, cancel := context.WithTimeout(ctx, s.capTimeout)
	defer cancel()

	res, err := inspector.Analyze(capCtx, t.Artifact())
	if err != nil {
		reason := ReasonCapabilityError
		switch {
		case ctx.Err() != nil:
			reason = ReasonDeadlineExceeded
		case errors.Is(err, context.DeadlineExceeded):
			reason = ReasonCapabilityTimeout
		}
		results <- taskResult{taskID: t.ID, err: err, reason: reason}
		return
	}
	results <- taskResult{taskID: t.ID, res: res}
}

func (s *Scheduler) emitTask(onProgress ProgressFunc, t *graph.Task, status graph.Status, findings []finding.Finding, reason FailureReason) {
	onProgress(Event{
		Seq:        s.clock.Next(),
		TaskID:     t.ID,
		ParentID:   t.ParentID,
		Kind:       string(t.Kind),
		Capability: t.Capability,
		Status:     status,
		Findings:   findings,
		Reason:     reason,
	})
}

func (s *Scheduler) emit(onProgress ProgressFunc, ev Event) {
	ev.Seq = s.clock.Next()
	onProgress(ev)
}

func eventFor(tv graph.TaskView, findings []finding.Finding, reason FailureReason) Event {
	return Event{
		TaskID:     tv.ID,
		ParentID:   tv.ParentID,
		Kind:       tv.Kind,
		Capability: tv.Capability,
		Status:     tv.Status,
		Findings:   findings,
		Reason:     reason,
	}
}
