// Package harness provides an end-to-end scenario runner for analysis
// sessions: fixture artifact in, full outcome and progress trace out, with
// the external capabilities stubbed so runs are hermetic and repeatable.
package harness

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veridoc/veridoc/internal/artifact"
	"github.com/veridoc/veridoc/internal/finding"
	"github.com/veridoc/veridoc/internal/forensic"
	"github.com/veridoc/veridoc/internal/graph"
	"github.com/veridoc/veridoc/internal/log"
	"github.com/veridoc/veridoc/internal/pipeline"
	"github.com/veridoc/veridoc/internal/sched"
	"github.com/veridoc/veridoc/internal/scoring"
	"github.com/veridoc/veridoc/internal/testutil"
	"github.com/veridoc/veridoc/internal/trust"
)

// Scenario describes one hermetic analysis run. Structural inspection runs
// for real; visual, cryptographic and reasoning collaborators default to
// stubs and can be overridden per scenario.
type Scenario struct {
	Name         string
	ArtifactName string
	Artifact     []byte

	// Visual overrides the visual capability. Nil installs a VisualStub
	// with VisualDefault (or a clean default response).
	Visual        pipeline.Inspector
	VisualDefault pipeline.VisualResponse

	// Crypto overrides the cryptographic capability. Nil runs the real
	// verifier with an empty trust store.
	Crypto pipeline.Inspector

	// Reasoner is nil for an unreachable reasoning service.
	Reasoner pipeline.Reasoner

	// Policy overrides the scoring policy. Nil uses the defaults.
	Policy *scoring.Policy

	// Deadline and CapabilityTimeout bound the run. Zero means generous
	// test defaults.
	Deadline          time.Duration
	CapabilityTimeout time.Duration
}

// CannedInspector returns fixed findings after an optional delay, honoring
// context cancellation. Scenarios use it to model slow or failing
// capabilities.
type CannedInspector struct {
	Findings []finding.Finding
	Err      error
	Delay    time.Duration
}

// Analyze implements pipeline.Inspector.
func (c *CannedInspector) Analyze(ctx context.Context, _ *artifact.Artifact) (pipeline.Result, error) {
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		}
	}
	if c.Err != nil {
		return pipeline.Result{}, c.Err
	}
	return pipeline.Result{Findings: c.Findings}, nil
}

// Result is everything a scenario run produced.
type Result struct {
	Outcome *forensic.Outcome
	Events  []sched.Event
}

// Run executes the scenario with deterministic task IDs and a single
// inference slot.
func Run(s *Scenario) (*Result, error) {
	logger := log.NewNop()

	visual := s.Visual
	if visual == nil {
		visual = &pipeline.VisualStub{Default: s.VisualDefault}
	}
	crypto := s.Crypto
	if crypto == nil {
		crypto = pipeline.NewCryptographic(trust.NewFromCerts(nil, nil))
	}

	caps := sched.Capabilities{
		graph.CapabilityStructural:    pipeline.NewStructural(),
		graph.CapabilityCryptographic: crypto,
		graph.CapabilityVisual:        visual,
		graph.CapabilityUnsupported:   pipeline.NewUnsupported(),
	}

	builder := graph.NewBuilder(testutil.NewFixedIDGenerator())

	opts := []sched.Option{sched.WithInferenceSlots(1)}
	if s.CapabilityTimeout > 0 {
		opts = append(opts, sched.WithCapabilityTimeout(s.CapabilityTimeout))
	}
	scheduler := sched.New(builder, caps, logger, opts...)

	policy := scoring.DefaultPolicy()
	if s.Policy != nil {
		policy = *s.Policy
	}
	deadline := 30 * time.Second
	if s.Deadline > 0 {
		deadline = s.Deadline
	}

	orch := forensic.New(builder, scheduler, s.Reasoner, policy, logger,
		forensic.WithSessionDeadline(deadline))

	name := s.ArtifactName
	if name == "" {
		name = s.Name
	}
	art := artifact.New(name, s.Artifact)

	var mu sync.Mutex
	var events []sched.Event
	collect := func(ev sched.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	out, err := orch.Analyze(context.Background(), "session-"+s.Name, art, collect)
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: out, Events: events}, nil
}

// SortedEvents returns the trace ordered by task ID then lifecycle stage.
// Sibling tasks complete in arbitrary order; this ordering makes traces
// comparable across runs.
func (r *Result) SortedEvents() []sched.Event {
	out := make([]sched.Event, len(r.Events))
	copy(out, r.Events)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return statusRank(string(out[i].Status)) < statusRank(string(out[j].Status))
	})
	return out
}

func statusRank(status string) int {
	switch status {
	case "pending":
		return 0
	case "running":
		return 1
	default:
		return 2
	}
}
