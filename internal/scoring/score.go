package scoring

import (
	"fmt"

	"github.com/veridoc/veridoc/internal/finding"
)

// Band boundaries for the categorical label.
const (
	authenticFloor  = 80
	suspiciousFloor = 40
)

// Score derives the verdict from a report. It is deterministic: findings
// are folded in canonical order, duplicate signals collapse to their most
// severe instance, and the penalty sum is capped before subtraction.
//
// The report's narrative (if any) is carried onto the verdict verbatim; it
// never influences the number.
func Score(r *finding.Report, p Policy) finding.Verdict {
	type group struct {
		best  finding.Finding
		worst float64
	}
	groups := make(map[string]*group)
	var order []string

	for _, f := range r.Sorted() {
		key := mergeKey(f)
		g, ok := groups[key]
		if !ok {
			groups[key] = &group{best: f, worst: f.Payload.Measure()}
			order = append(order, key)
			continue
		}
		if m := f.Payload.Measure(); m > g.worst {
			g.best = f
			g.worst = m
		}
	}

	penalty := 0
	var evidence []finding.Evidence
	for _, key := range order {
		g := groups[key]
		rule := p.Rules[g.best.Kind]
		if rule.Weight == 0 || g.worst < rule.Threshold {
			continue
		}
		penalty += rule.Weight
		evidence = append(evidence, finding.Evidence{
			Kind:    g.best.Kind,
			TaskID:  g.best.TaskID,
			Weight:  float64(rule.Weight),
			Measure: g.worst,
			Detail:  detail(g.best),
			Region:  g.best.Region(),
		})
	}
	if penalty > 100 {
		penalty = 100
	}

	score := 100 - penalty
	return finding.Verdict{
		Score:     score,
		Label:     labelFor(score),
		Evidence:  evidence,
		Narrative: r.Narrative,
	}
}

func labelFor(score int) finding.Label {
	switch {
	case score >= authenticFloor:
		return finding.LabelAuthentic
	case score >= suspiciousFloor:
		return finding.LabelSuspicious
	default:
		return finding.LabelTampered
	}
}

// mergeKey groups findings that describe the same underlying signal: same
// kind over the same image region, or same kind with no region. The most
// severe instance in a group wins; lesser duplicates add nothing.
func mergeKey(f finding.Finding) string {
	if reg := f.Region(); reg != nil {
		return fmt.Sprintf("%s@%d,%d,%d,%d", f.Kind, reg.X, reg.Y, reg.W, reg.H)
	}
	if sig, ok := f.Payload.(finding.Signature); ok {
		// Distinct signature fields are distinct signals even under the
		// same kind.
		return string(f.Kind) + "#" + sig.Field
	}
	return string(f.Kind)
}

// detail extracts the human-readable fragment of a payload for evidence.
func detail(f finding.Finding) string {
	switch p := f.Payload.(type) {
	case finding.Metric:
		return p.Detail
	case finding.Signature:
		if p.Error != "" {
			return fmt.Sprintf("field %s: %s", p.Field, p.Error)
		}
		return "field " + p.Field
	case finding.Visual:
		return p.Source
	case finding.Note:
		return p.Text
	default:
		return ""
	}
}
