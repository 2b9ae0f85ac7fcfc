package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/veridoc/veridoc/internal/finding"
	"github.com/veridoc/veridoc/internal/sched"
)

// Snapshot is the golden-file representation of one scenario run. It is
// canonically serialized and excludes everything nondeterministic: seq
// stamps (sibling completion order varies), elapsed time, and raw event
// interleaving.
type Snapshot struct {
	result *Result
}

// toCanonicalMap flattens the run for finding.MarshalCanonical.
func (s *Snapshot) toCanonicalMap(name string) map[string]any {
	out := s.result.Outcome

	findingsList := make([]any, 0, len(out.Report.Findings))
	for _, f := range out.Report.Sorted() {
		m := map[string]any{
			"kind":    string(f.Kind),
			"task_id": f.TaskID,
			"measure": f.Payload.Measure(),
		}
		findingsList = append(findingsList, m)
	}

	evidence := make([]any, 0, len(out.Verdict.Evidence))
	for _, ev := range out.Verdict.Evidence {
		m := map[string]any{
			"kind":    string(ev.Kind),
			"weight":  ev.Weight,
			"measure": ev.Measure,
		}
		if ev.Region != nil {
			m["region"] = map[string]any{"x": ev.Region.X, "y": ev.Region.Y, "w": ev.Region.W, "h": ev.Region.H}
		}
		evidence = append(evidence, m)
	}

	trace := make([]any, 0, len(s.result.Events))
	for _, ev := range s.result.SortedEvents() {
		trace = append(trace, eventToCanonical(ev))
	}

	return map[string]any{
		"scenario": name,
		"tasks":    int64(out.Tasks),
		"trace":    trace,
		"findings": findingsList,
		"verdict": map[string]any{
			"score":     int64(out.Verdict.Score),
			"label":     string(out.Verdict.Label),
			"evidence":  evidence,
			"narrative": out.Verdict.Narrative,
		},
	}
}

func eventToCanonical(ev sched.Event) map[string]any {
	m := map[string]any{
		"task_id":    ev.TaskID,
		"capability": string(ev.Capability),
		"status":     string(ev.Status),
	}
	if ev.ParentID != "" {
		m["parent_id"] = ev.ParentID
	}
	if ev.Reason != "" {
		m["reason"] = string(ev.Reason)
	}
	return m
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}

	snapshot := &Snapshot{result: result}
	data, err := finding.MarshalCanonical(snapshot.toCanonicalMap(scenario.Name))
	if err != nil {
		t.Fatalf("canonicalize snapshot: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return result
}
