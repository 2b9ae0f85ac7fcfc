// Package finding defines the typed forensic signal model: findings emitted
// by analysis pipelines, the accumulated report for one session, and the
// derived verdict.
//
// Findings are a closed union keyed by Kind. Each kind carries one of a small
// set of payload shapes (Metric, Signature, Visual, Note), which lets the
// scoring engine be a total function over the variants.
package finding

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a forensic signal. The set is closed: the scoring policy
// maps every kind to a weight and significance threshold.
type Kind string

// Structural kinds (PDF byte and object level).
const (
	KindMalformedDocument  Kind = "malformed-document"
	KindIncrementalUpdate  Kind = "incremental-update"
	KindXrefAnomaly        Kind = "xref-anomaly"
	KindActiveContent      Kind = "active-content"
	KindAutoExecAction     Kind = "auto-exec-action"
	KindObjectTagMismatch  Kind = "object-tag-mismatch"
	KindMetadataMissing    Kind = "metadata-missing"
	KindProducerMissing    Kind = "producer-missing"
	KindProducerSuspicious Kind = "producer-suspicious"
	KindEmbeddedImages     Kind = "embedded-images"
)

// Visual kinds (per image, standalone or embedded).
const (
	KindSegmentationTamper Kind = "segmentation-tamper"
	KindPixelTrust         Kind = "pixel-trust"
	KindErrorLevel         Kind = "error-level"
	KindNoiseVariance      Kind = "noise-variance"
	KindDoubleQuantization Kind = "double-quantization"
)

// Cryptographic kinds (per embedded signature).
const (
	KindSignatureBroken       Kind = "signature-broken"
	KindSignatureRevoked      Kind = "signature-revoked"
	KindSignatureUntrusted    Kind = "signature-untrusted"
	KindSignatureValid        Kind = "signature-valid"
	KindSignatureUnverifiable Kind = "signature-unverifiable"
	KindWeakCrypto            Kind = "weak-crypto"
)

// Degradation kinds recorded by the orchestrator itself.
const (
	KindAnalysisIncomplete   Kind = "analysis-incomplete"
	KindReasoningUnavailable Kind = "reasoning-unavailable"
	KindUnsupportedFormat    Kind = "unsupported-format"
)

// Kinds lists every finding kind in canonical order. The scoring policy is
// validated against this list so no kind can fall through scoring.
var Kinds = []Kind{
	KindMalformedDocument,
	KindIncrementalUpdate,
	KindXrefAnomaly,
	KindActiveContent,
	KindAutoExecAction,
	KindObjectTagMismatch,
	KindMetadataMissing,
	KindProducerMissing,
	KindProducerSuspicious,
	KindEmbeddedImages,
	KindSegmentationTamper,
	KindPixelTrust,
	KindErrorLevel,
	KindNoiseVariance,
	KindDoubleQuantization,
	KindSignatureBroken,
	KindSignatureRevoked,
	KindSignatureUntrusted,
	KindSignatureValid,
	KindSignatureUnverifiable,
	KindWeakCrypto,
	KindAnalysisIncomplete,
	KindReasoningUnavailable,
	KindUnsupportedFormat,
}

// Region is a rectangle in the original image's pixel grid. The orchestrator
// never rescales regions; rendering is the consumer's concern.
type Region struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Payload is the closed payload union. Measure returns the value the scoring
// engine compares against the kind's significance threshold.
type Payload interface {
	Measure() float64
	tag() string
}

// Metric is a single measured value (counts, scores, intensities).
type Metric struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	Detail string  `json:"detail,omitempty"`
}

func (m Metric) Measure() float64 { return m.Value }
func (m Metric) tag() string      { return "metric" }

// Signature is the validation status of one embedded signature.
type Signature struct {
	Field      string `json:"field"`
	Intact     bool   `json:"intact"`
	Trusted    bool   `json:"trusted"`
	Revoked    bool   `json:"revoked"`
	WeakDigest bool   `json:"weak_digest,omitempty"`
	WeakKey    bool   `json:"weak_key,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Measure maps the status flags onto a 0..1 severity. Broken and revoked
// signatures are maximally severe; an intact untrusted signature is mild.
func (s Signature) Measure() float64 {
	switch {
	case !s.Intact:
		return 1.0
	case s.Revoked:
		return 1.0
	case !s.Trusted:
		return 0.5
	case s.WeakDigest || s.WeakKey:
		return 0.25
	default:
		return 0
	}
}

func (s Signature) tag() string { return "signature" }

// Visual is a score from one visual sub-analysis, optionally localized.
type Visual struct {
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
	Region *Region `json:"region,omitempty"`
}

func (v Visual) Measure() float64 { return v.Score }
func (v Visual) tag() string      { return "visual" }

// Note carries free text for degradation findings. Its measure is a constant
// so presence alone crosses a zero threshold.
type Note struct {
	Text string `json:"text"`
}

func (n Note) Measure() float64 { return 1 }
func (n Note) tag() string      { return "note" }

// Finding is one typed signal produced by one completed task. Immutable once
// attached to a task.
type Finding struct {
	Kind    Kind
	TaskID  string
	Seq     int64 // logical clock stamp assigned by the scheduler
	Payload Payload
}

// New constructs a finding. The seq stamp is assigned later by the scheduler.
func New(kind Kind, taskID string, p Payload) Finding {
	return Finding{Kind: kind, TaskID: taskID, Payload: p}
}

type findingJSON struct {
	Kind      Kind       `json:"kind"`
	TaskID    string     `json:"task_id"`
	Seq       int64      `json:"seq"`
	Metric    *Metric    `json:"metric,omitempty"`
	Signature *Signature `json:"signature,omitempty"`
	Visual    *Visual    `json:"visual,omitempty"`
	Note      *Note      `json:"note,omitempty"`
}

// MarshalJSON emits exactly one payload field, keyed by the variant tag.
func (f Finding) MarshalJSON() ([]byte, error) {
	out := findingJSON{Kind: f.Kind, TaskID: f.TaskID, Seq: f.Seq}
	switch p := f.Payload.(type) {
	case Metric:
		out.Metric = &p
	case Signature:
		out.Signature = &p
	case Visual:
		out.Visual = &p
	case Note:
		out.Note = &p
	case nil:
		return nil, fmt.Errorf("finding %s: nil payload", f.Kind)
	default:
		return nil, fmt.Errorf("finding %s: unknown payload type %T", f.Kind, f.Payload)
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the payload union from whichever field is present.
func (f *Finding) UnmarshalJSON(data []byte) error {
	var raw findingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Kind = raw.Kind
	f.TaskID = raw.TaskID
	f.Seq = raw.Seq
	switch {
	case raw.Metric != nil:
		f.Payload = *raw.Metric
	case raw.Signature != nil:
		f.Payload = *raw.Signature
	case raw.Visual != nil:
		f.Payload = *raw.Visual
	case raw.Note != nil:
		f.Payload = *raw.Note
	default:
		return fmt.Errorf("finding %s: no payload field", raw.Kind)
	}
	return nil
}

// Region returns the spatial region for visual payloads, nil otherwise.
func (f Finding) Region() *Region {
	if v, ok := f.Payload.(Visual); ok {
		return v.Region
	}
	return nil
}
