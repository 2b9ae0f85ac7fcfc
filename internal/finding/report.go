package finding

import (
	"sort"
)

// Report is the accumulated set of findings across a task graph at a point
// in time, plus the reasoner's narrative once available. It is built
// incrementally by the scheduler; each session owns its report exclusively.
type Report struct {
	SessionID string    `json:"session_id"`
	Findings  []Finding `json:"findings"`
	Narrative string    `json:"narrative,omitempty"`
	Finalized bool      `json:"finalized"`
}

// NewReport creates an empty report for one session.
func NewReport(sessionID string) *Report {
	return &Report{SessionID: sessionID}
}

// Attach appends findings. Attached findings are never mutated or removed.
func (r *Report) Attach(fs ...Finding) {
	r.Findings = append(r.Findings, fs...)
}

// Has reports whether any finding of the given kind is present.
func (r *Report) Has(kind Kind) bool {
	for _, f := range r.Findings {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// ByKind returns all findings of the given kind in attachment order.
func (r *Report) ByKind(kind Kind) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// Sorted returns the findings in canonical order: kind, then task ID, then
// seq. Scoring iterates this order so the verdict is independent of the
// arbitrary interleaving in which sibling tasks completed.
func (r *Report) Sorted() []Finding {
	out := make([]Finding, len(r.Findings))
	copy(out, r.Findings)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Label is the categorical verdict band.
type Label string

const (
	LabelAuthentic  Label = "Authentic"
	LabelSuspicious Label = "Suspicious"
	LabelTampered   Label = "Tampered"
)

// Evidence is a finding promoted into the verdict's explanation. Weight is
// the penalty the finding contributed; Region passes through unmodified for
// visual findings.
type Evidence struct {
	Kind    Kind    `json:"kind"`
	TaskID  string  `json:"task_id"`
	Weight  float64 `json:"weight"`
	Measure float64 `json:"measure"`
	Detail  string  `json:"detail,omitempty"`
	Region  *Region `json:"region,omitempty"`
}

// Verdict is the final, immutable result for one session. Created once by
// the scoring engine, never mutated.
type Verdict struct {
	Score     int        `json:"score"` // 0..100
	Label     Label      `json:"label"`
	Evidence  []Evidence `json:"evidence"`
	Narrative string     `json:"narrative,omitempty"`
}
