// Package forensic composes the analysis stages for one session: classify
// the upload, drive the task graph to completion, obtain the advisory
// narrative, and derive the verdict.
package forensic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/veridoc/veridoc/internal/artifact"
	"github.com/veridoc/veridoc/internal/finding"
	"github.com/veridoc/veridoc/internal/graph"
	"github.com/veridoc/veridoc/internal/pipeline"
	"github.com/veridoc/veridoc/internal/sched"
	"github.com/veridoc/veridoc/internal/scoring"
)

// DefaultSessionDeadline bounds one complete analysis. When it elapses,
// outstanding tasks are cancelled and the verdict is computed from whatever
// findings exist.
const DefaultSessionDeadline = 3 * time.Minute

// Outcome is the complete result of one analysis session.
type Outcome struct {
	SessionID string          `json:"session_id"`
	Report    *finding.Report `json:"report"`
	Verdict   finding.Verdict `json:"verdict"`
	Tasks     int             `json:"tasks"`
	Elapsed   time.Duration   `json:"elapsed"`
}

// Orchestrator wires the graph builder, scheduler, reasoner and scoring
// policy into a single entry point. One orchestrator serves many sessions
// concurrently; all per-session state lives in the graph and report.
type Orchestrator struct {
	builder  *graph.Builder
	sched    *sched.Scheduler
	reasoner pipeline.Reasoner
	policy   scoring.Policy
	deadline time.Duration
	maxTasks int
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSessionDeadline overrides the wall-clock bound per session.
func WithSessionDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.deadline = d
		}
	}
}

// WithMaxTasks overrides the per-session task graph quota.
func WithMaxTasks(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTasks = n
		}
	}
}

// New creates an orchestrator. The reasoner may be nil, in which case every
// verdict carries a reasoning-unavailable finding instead of a narrative.
func New(builder *graph.Builder, scheduler *sched.Scheduler, reasoner pipeline.Reasoner, policy scoring.Policy, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		builder:  builder,
		sched:    scheduler,
		reasoner: reasoner,
		policy:   policy,
		deadline: DefaultSessionDeadline,
		maxTasks: graph.DefaultMaxTasks,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Analyze runs one complete session. It never fails on forensic grounds: a
// broken document, a timed-out capability or an unreachable reasoner all
// degrade into findings. An error means the orchestrator itself could not
// operate (graph construction failed or ctx was cancelled before start).
func (o *Orchestrator) Analyze(ctx context.Context, sessionID string, art *artifact.Artifact, onProgress sched.ProgressFunc) (*Outcome, error) {
	start := time.Now()
	logger := o.logger.With("session", sessionID)
	logger.Info("analysis started",
		"artifact", art.Name,
		"kind", art.Kind,
		"bytes", art.Size(),
	)

	g, err := o.builder.Build(art, graph.WithMaxTasks(o.maxTasks))
	if err != nil {
		return nil, fmt.Errorf("build task graph: %w", err)
	}

	report := finding.NewReport(sessionID)

	runCtx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()
	if err := o.sched.Run(runCtx, g, report, onProgress); err != nil {
		return nil, fmt.Errorf("run session %s: %w", sessionID, err)
	}

	o.narrate(ctx, report)
	report.Finalized = true

	verdict := scoring.Score(report, o.policy)
	logger.Info("analysis finished",
		"score", verdict.Score,
		"label", verdict.Label,
		"findings", len(report.Findings),
		"tasks", g.Len(),
		"elapsed", time.Since(start),
	)
	return &Outcome{
		SessionID: sessionID,
		Report:    report,
		Verdict:   verdict,
		Tasks:     g.Len(),
		Elapsed:   time.Since(start),
	}, nil
}

// narrate asks the reasoner for the prose verdict. Failure or absence of a
// reasoner records a degradation finding; the numeric path is unaffected.
func (o *Orchestrator) narrate(ctx context.Context, report *finding.Report) {
	if o.reasoner == nil {
		o.attachReasonerFailure(report, "no reasoner configured")
		return
	}

	provisional := scoring.Score(report, o.policy)
	summary := pipeline.Sanitize(summarize(report, provisional.Score))

	narrative, err := o.reasoner.Narrate(ctx, summary)
	if err != nil {
		o.logger.Warn("reasoner unavailable", "session", report.SessionID, "error", err)
		o.attachReasonerFailure(report, err.Error())
		return
	}
	report.Narrative = narrative
}

func (o *Orchestrator) attachReasonerFailure(report *finding.Report, why string) {
	f := finding.New(finding.KindReasoningUnavailable, "", finding.Note{Text: why})
	f.Seq = o.sched.Clock().Next()
	report.Attach(f)
}

// summarize condenses the report for the reasoner: kind counts plus short
// per-finding details, plus the provisional numeric score so the narrative
// can agree with the number it annotates.
func summarize(report *finding.Report, provisionalScore int) pipeline.Summary {
	kinds := make(map[string]int)
	var details []string
	for _, f := range report.Sorted() {
		kinds[string(f.Kind)]++
		if d := describe(f); d != "" {
			details = append(details, d)
		}
	}
	sort.Strings(details)
	return pipeline.Summary{
		SessionID: report.SessionID,
		Kinds:     kinds,
		Details:   details,
		Score:     provisionalScore,
	}
}

func describe(f finding.Finding) string {
	switch p := f.Payload.(type) {
	case finding.Metric:
		if p.Detail != "" {
			return fmt.Sprintf("%s: %s", f.Kind, p.Detail)
		}
		return fmt.Sprintf("%s: %g %s", f.Kind, p.Value, p.Unit)
	case finding.Signature:
		return fmt.Sprintf("%s: field %s", f.Kind, p.Field)
	case finding.Visual:
		return fmt.Sprintf("%s: score %.2f (%s)", f.Kind, p.Score, p.Source)
	case finding.Note:
		return fmt.Sprintf("%s: %s", f.Kind, p.Text)
	default:
		return ""
	}
}
