// Package pipeline defines the analysis capability contract and the
// inspectors the orchestrator routes tasks to.
//
// The structural and cryptographic inspectors are implemented in-process.
// The visual inspector and the semantic reasoner are external heavy-compute
// collaborators: each is consumed through a single-entry-point interface
// with an explicit cancellation signal, and the orchestrator assumes
// nothing about their internals beyond latency and failure contract.
package pipeline

import (
	"context"
	"fmt"

	"github.com/veridoc/veridoc/internal/artifact"
	"github.com/veridoc/veridoc/internal/finding"
)

// Result is what a capability returns for one task: typed findings plus any
// child artifacts discovered mid-analysis (e.g. images embedded in a PDF).
type Result struct {
	Findings   []finding.Finding
	Discovered []*artifact.Artifact
}

// Inspector is one pipeline capability: bytes and context in, typed
// findings out. Implementations must be pure with respect to the artifact
// (no retained references) and must honor ctx cancellation.
type Inspector interface {
	Analyze(ctx context.Context, art *artifact.Artifact) (Result, error)
}

// Summary is the sanitized findings digest handed to the semantic reasoner.
type Summary struct {
	SessionID string         `json:"session_id"`
	Kinds     map[string]int `json:"kinds"`   // finding kind -> occurrence count
	Details   []string       `json:"details"` // short per-finding descriptions, truncated
	Score     int            `json:"score"`   // provisional numeric score
}

// Reasoner turns a findings summary into a prose verdict. Advisory only:
// its output never changes the numeric score, and callers must degrade
// gracefully when it fails or times out.
type Reasoner interface {
	Narrate(ctx context.Context, s Summary) (string, error)
}

// unavailable stands in for an external capability that is not
// configured. Every task routed to it fails, which the scheduler records
// as an analysis-incomplete degradation rather than a fatal error.
type unavailable struct{ name string }

// NewUnavailable returns an inspector that always fails with a
// not-configured error.
func NewUnavailable(name string) Inspector { return unavailable{name: name} }

func (u unavailable) Analyze(context.Context, *artifact.Artifact) (Result, error) {
	return Result{}, fmt.Errorf("%s capability not configured", u.name)
}

// unsupported is the terminal no-op capability for unclassifiable
// artifacts. It records a single finding and discovers nothing.
type unsupported struct{}

// NewUnsupported returns the no-op inspector for unknown formats.
func NewUnsupported() Inspector { return unsupported{} }

func (unsupported) Analyze(_ context.Context, art *artifact.Artifact) (Result, error) {
	return Result{
		Findings: []finding.Finding{
			finding.New(finding.KindUnsupportedFormat, "", finding.Note{
				Text: "unrecognized format: " + art.Name,
			}),
		},
	}, nil
}
