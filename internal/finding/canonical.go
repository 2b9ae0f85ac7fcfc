package finding

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content-addressed fingerprints. The version suffix
// enables future algorithm migration without colliding with old hashes.
const (
	domainReport  = "veridoc/report/v1"
	domainVerdict = "veridoc/verdict/v1"
)

// ReportFingerprint hashes the canonical serialization of a report. Two
// reports with the same finding set, narrative and session produce the same
// fingerprint regardless of attachment order.
func ReportFingerprint(r *Report) (string, error) {
	obj := map[string]any{
		"session_id": r.SessionID,
		"findings":   findingsToCanonical(r.Sorted()),
		"narrative":  r.Narrative,
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("canonicalize report: %w", err)
	}
	return hashWithDomain(domainReport, data), nil
}

// VerdictFingerprint hashes the canonical serialization of a verdict.
// Bit-identical verdicts hash identically; the determinism tests rely on it.
func VerdictFingerprint(v *Verdict) (string, error) {
	evidence := make([]any, len(v.Evidence))
	for i, e := range v.Evidence {
		m := map[string]any{
			"kind":    string(e.Kind),
			"task_id": e.TaskID,
			"weight":  e.Weight,
			"measure": e.Measure,
		}
		if e.Detail != "" {
			m["detail"] = e.Detail
		}
		if e.Region != nil {
			m["region"] = regionToCanonical(e.Region)
		}
		evidence[i] = m
	}
	obj := map[string]any{
		"score":     v.Score,
		"label":     string(v.Label),
		"evidence":  evidence,
		"narrative": v.Narrative,
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("canonicalize verdict: %w", err)
	}
	return hashWithDomain(domainVerdict, data), nil
}

func findingsToCanonical(fs []Finding) []any {
	out := make([]any, len(fs))
	for i, f := range fs {
		m := map[string]any{
			"kind":    string(f.Kind),
			"task_id": f.TaskID,
			"seq":     f.Seq,
		}
		switch p := f.Payload.(type) {
		case Metric:
			pm := map[string]any{"value": p.Value}
			if p.Unit != "" {
				pm["unit"] = p.Unit
			}
			if p.Detail != "" {
				pm["detail"] = p.Detail
			}
			m["metric"] = pm
		case Signature:
			sm := map[string]any{
				"field":   p.Field,
				"intact":  p.Intact,
				"trusted": p.Trusted,
				"revoked": p.Revoked,
			}
			if p.WeakDigest {
				sm["weak_digest"] = true
			}
			if p.WeakKey {
				sm["weak_key"] = true
			}
			if p.Error != "" {
				sm["error"] = p.Error
			}
			m["signature"] = sm
		case Visual:
			vm := map[string]any{"score": p.Score}
			if p.Source != "" {
				vm["source"] = p.Source
			}
			if p.Region != nil {
				vm["region"] = regionToCanonical(p.Region)
			}
			m["visual"] = vm
		case Note:
			m["note"] = map[string]any{"text": p.Text}
		}
		out[i] = m
	}
	return out
}

func regionToCanonical(r *Region) map[string]any {
	return map[string]any{"x": r.X, "y": r.Y, "w": r.W, "h": r.H}
}

// hashWithDomain computes SHA-256 with domain separation. The null byte
// separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalCanonical produces canonical JSON for hashing:
//   - object keys sorted by UTF-16 code units
//   - no HTML escaping
//   - strings NFC normalized
//   - floats in shortest round-trip form (NaN/Inf are errors)
//   - null forbidden
//
// This is the only serialization used for fingerprint computation.
func MarshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	case string:
		return marshalCanonicalString(val)
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case int:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case int64:
		return []byte(strconv.FormatInt(val, 10)), nil
	case float64:
		return marshalCanonicalFloat(val)
	case []any:
		return marshalCanonicalArray(val)
	case map[string]any:
		return marshalCanonicalObject(val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func marshalCanonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)
	var buf bytes.Buffer
	buf.WriteByte('"')
	for _, r := range normalized {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return buf.Bytes(), nil
}

func marshalCanonicalFloat(f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite float %v is forbidden in canonical JSON", f)
	}
	// Integral floats serialize without a fraction so 1.0 and 1 hash alike.
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return []byte(strconv.FormatInt(int64(f), 10)), nil
	}
	return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

func marshalCanonicalArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := MarshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalCanonicalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// RFC 8785 orders keys by UTF-16 code units, not UTF-8 bytes.
	sort.Slice(keys, func(i, j int) bool {
		return lessUTF16(keys[i], keys[j])
	})

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalCanonicalString(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := MarshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("object[%q]: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
