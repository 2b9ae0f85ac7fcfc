// Package scoring turns an accumulated findings report into the final
// verdict. The mapping is a pure function of the report and the policy:
// same findings, same policy, same verdict, regardless of task timing.
package scoring

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/veridoc/veridoc/internal/finding"
)

// Policy validation error codes (P100-P109)
const (
	ErrPolicySchema      = "P100" // policy rejected by schema
	ErrUnknownKind       = "P101" // rule for a kind that does not exist
	ErrMissingKind       = "P102" // known kind with no rule
	ErrWeightOutOfRange  = "P103" // weight outside 0..100
	ErrNegativeThreshold = "P104" // threshold below zero
)

// ValidationError is one policy schema violation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Rule is the scoring policy entry for one finding kind. A finding whose
// measure reaches Threshold contributes Weight penalty points.
type Rule struct {
	Weight    int     `yaml:"weight" json:"weight"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// Policy maps every finding kind to its rule. A policy that does not cover
// every kind fails validation; no finding may fall through scoring.
type Policy struct {
	Rules map[finding.Kind]Rule `yaml:"rules" json:"rules"`
}

// policySchema constrains rule shapes. Structural completeness (every kind
// covered, no unknown kinds) is checked in Go against finding.Kinds, since
// the kind list lives there.
const policySchema = `
#Rule: {
	weight:    int & >=0 & <=100
	threshold: number & >=0
}
rules: [string]: #Rule
`

// DefaultPolicy returns the built-in rules. Weights reflect how strongly
// each signal implies tampering; thresholds are the significance floor on
// the finding's measure.
func DefaultPolicy() Policy {
	return Policy{Rules: map[finding.Kind]Rule{
		finding.KindMalformedDocument:  {Weight: 70, Threshold: 1},
		finding.KindIncrementalUpdate:  {Weight: 15, Threshold: 1},
		finding.KindXrefAnomaly:        {Weight: 10, Threshold: 3},
		finding.KindActiveContent:      {Weight: 30, Threshold: 1},
		finding.KindAutoExecAction:     {Weight: 20, Threshold: 1},
		finding.KindObjectTagMismatch:  {Weight: 20, Threshold: 3},
		finding.KindMetadataMissing:    {Weight: 10, Threshold: 1},
		finding.KindProducerMissing:    {Weight: 20, Threshold: 1},
		finding.KindProducerSuspicious: {Weight: 30, Threshold: 1},
		finding.KindEmbeddedImages:     {Weight: 0, Threshold: 1},

		finding.KindSegmentationTamper: {Weight: 35, Threshold: 0.5},
		finding.KindPixelTrust:         {Weight: 30, Threshold: 0.5},
		finding.KindErrorLevel:         {Weight: 15, Threshold: 0.5},
		finding.KindNoiseVariance:      {Weight: 10, Threshold: 0.5},
		finding.KindDoubleQuantization: {Weight: 15, Threshold: 0.5},

		finding.KindSignatureBroken:       {Weight: 80, Threshold: 1},
		finding.KindSignatureRevoked:      {Weight: 70, Threshold: 1},
		finding.KindSignatureUntrusted:    {Weight: 15, Threshold: 0.5},
		finding.KindSignatureValid:        {Weight: 0, Threshold: 1},
		finding.KindSignatureUnverifiable: {Weight: 60, Threshold: 0},
		finding.KindWeakCrypto:            {Weight: 5, Threshold: 0.25},

		finding.KindAnalysisIncomplete:   {Weight: 10, Threshold: 1},
		finding.KindReasoningUnavailable: {Weight: 0, Threshold: 1},
		finding.KindUnsupportedFormat:    {Weight: 20, Threshold: 1},
	}}
}

// Load reads a YAML policy file and overlays it on the defaults: kinds the
// file names take its rule, every other kind keeps the built-in rule. The
// merged policy is validated before use.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Parse overlays YAML policy bytes on the defaults and validates the
// result.
func Parse(data []byte) (Policy, error) {
	var overlay Policy
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}

	merged := DefaultPolicy()
	for kind, rule := range overlay.Rules {
		merged.Rules[kind] = rule
	}

	if errs := merged.Validate(); len(errs) > 0 {
		return Policy{}, fmt.Errorf("invalid policy: %w", errs[0])
	}
	return merged, nil
}

// Validate checks the policy against the schema and the kind registry.
// Returns all errors found (does not fail-fast).
func (p Policy) Validate() []ValidationError {
	var errs []ValidationError

	wire := struct {
		Rules map[string]Rule `json:"rules"`
	}{Rules: make(map[string]Rule, len(p.Rules))}
	for kind, rule := range p.Rules {
		wire.Rules[string(kind)] = rule
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(policySchema)
	if err := schema.Err(); err != nil {
		errs = append(errs, ValidationError{
			Field: "schema", Message: err.Error(), Code: ErrPolicySchema,
		})
		return errs
	}
	unified := schema.Unify(ctx.Encode(wire))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		errs = append(errs, ValidationError{
			Field: "rules", Message: err.Error(), Code: ErrPolicySchema,
		})
	}

	known := make(map[finding.Kind]bool, len(finding.Kinds))
	for _, kind := range finding.Kinds {
		known[kind] = true
		rule, ok := p.Rules[kind]
		if !ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("rules.%s", kind),
				Message: "no rule for this kind",
				Code:    ErrMissingKind,
			})
			continue
		}
		if rule.Weight < 0 || rule.Weight > 100 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("rules.%s.weight", kind),
				Message: fmt.Sprintf("weight %d outside 0..100", rule.Weight),
				Code:    ErrWeightOutOfRange,
			})
		}
		if rule.Threshold < 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("rules.%s.threshold", kind),
				Message: fmt.Sprintf("threshold %g below zero", rule.Threshold),
				Code:    ErrNegativeThreshold,
			})
		}
	}
	for kind := range p.Rules {
		if !known[kind] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("rules.%s", kind),
				Message: "unknown finding kind",
				Code:    ErrUnknownKind,
			})
		}
	}
	return errs
}
