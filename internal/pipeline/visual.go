package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/veridoc/veridoc/internal/artifact"
	"github.com/veridoc/veridoc/internal/finding"
)

// Visual sub-analysis significance floors. Results below these never
// produce a finding at all; the scoring policy applies its own thresholds
// on top for penalty purposes.
const (
	segReportFloor   = 0.05
	trustReportCeil  = 0.95
	elaReportFloor   = 1.0
	noiseReportFloor = 0.1
)

// VisualResponse is the wire shape returned by the inference service: one
// entry per sub-analysis, each optional. Regions are in the original
// image's pixel grid and pass through unmodified.
type VisualResponse struct {
	Segmentation       *SegmentationResult `json:"segmentation,omitempty"`
	PixelTrust         *PixelTrustResult   `json:"pixel_trust,omitempty"`
	ErrorLevel         *ErrorLevelResult   `json:"error_level,omitempty"`
	Noise              *NoiseResult        `json:"noise,omitempty"`
	DoubleQuantization *QuantizationResult `json:"double_quantization,omitempty"`
}

// SegmentationResult is the tamper segmentation sub-analysis output.
type SegmentationResult struct {
	Confidence float64          `json:"confidence"`
	Regions    []finding.Region `json:"regions,omitempty"`
}

// PixelTrustResult is the per-pixel trust sub-analysis output.
type PixelTrustResult struct {
	TrustScore float64          `json:"trust_score"`
	Regions    []finding.Region `json:"regions,omitempty"`
}

// ErrorLevelResult is the error-level analysis output.
type ErrorLevelResult struct {
	MeanDifference float64 `json:"mean_difference"`
	MaxDifference  float64 `json:"max_difference"`
}

// NoiseResult is the noise-variance analysis output.
type NoiseResult struct {
	AverageDiff float64 `json:"average_diff"`
}

// QuantizationResult is the double-quantization analysis output.
type QuantizationResult struct {
	Suspicious bool `json:"suspicious"`
}

// VisualClient consumes the neural inference service as a black box: image
// bytes in, per-sub-analysis scores and regions out. It holds no state
// about the service's internals, only its latency and failure contract;
// the caller bounds each request with its context deadline.
type VisualClient struct {
	endpoint string
	client   *http.Client
}

// NewVisualClient creates a client for the inference service at endpoint.
func NewVisualClient(endpoint string, client *http.Client) *VisualClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &VisualClient{endpoint: endpoint, client: client}
}

// Analyze posts the image and converts the response into findings.
func (v *VisualClient) Analyze(ctx context.Context, art *artifact.Artifact) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(art.Data()))
	if err != nil {
		return Result{}, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := v.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("inference call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("inference service returned %d: %s", resp.StatusCode, body)
	}

	var vr VisualResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Result{}, fmt.Errorf("decode inference response: %w", err)
	}
	return Result{Findings: vr.Findings()}, nil
}

// Findings converts the response into typed findings, dropping sub-results
// below their significance floor.
func (vr VisualResponse) Findings() []finding.Finding {
	var out []finding.Finding

	if s := vr.Segmentation; s != nil && s.Confidence >= segReportFloor {
		out = append(out, visualFindings(finding.KindSegmentationTamper, s.Confidence, "segmentation", s.Regions)...)
	}
	if p := vr.PixelTrust; p != nil && p.TrustScore <= trustReportCeil {
		// Severity is inverted trust: a 0.1 trust score is a 0.9 anomaly.
		out = append(out, visualFindings(finding.KindPixelTrust, 1-p.TrustScore, "pixel-trust", p.Regions)...)
	}
	if e := vr.ErrorLevel; e != nil && e.MeanDifference >= elaReportFloor {
		out = append(out, finding.New(finding.KindErrorLevel, "", finding.Visual{
			Score:  e.MeanDifference,
			Source: "error-level",
		}))
	}
	if n := vr.Noise; n != nil && n.AverageDiff >= noiseReportFloor {
		out = append(out, finding.New(finding.KindNoiseVariance, "", finding.Visual{
			Score:  n.AverageDiff,
			Source: "noise",
		}))
	}
	if q := vr.DoubleQuantization; q != nil && q.Suspicious {
		out = append(out, finding.New(finding.KindDoubleQuantization, "", finding.Visual{
			Score:  1,
			Source: "quantization",
		}))
	}
	return out
}

// visualFindings emits one finding per region, or a single region-less
// finding when the sub-analysis localized nothing.
func visualFindings(kind finding.Kind, score float64, source string, regions []finding.Region) []finding.Finding {
	if len(regions) == 0 {
		return []finding.Finding{finding.New(kind, "", finding.Visual{Score: score, Source: source})}
	}
	out := make([]finding.Finding, 0, len(regions))
	for _, r := range regions {
		region := r
		out = append(out, finding.New(kind, "", finding.Visual{Score: score, Source: source, Region: &region}))
	}
	return out
}

// VisualStub returns canned responses keyed by artifact name prefix, with a
// default for unmatched artifacts. Used by tests and by the CLI's offline
// mode, where no inference service is reachable.
type VisualStub struct {
	Responses map[string]VisualResponse
	Default   VisualResponse
	Err       error
}

// Analyze returns the canned result for the artifact.
func (s *VisualStub) Analyze(ctx context.Context, art *artifact.Artifact) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if s.Err != nil {
		return Result{}, s.Err
	}
	for prefix, vr := range s.Responses {
		if len(art.Name) >= len(prefix) && art.Name[:len(prefix)] == prefix {
			return Result{Findings: vr.Findings()}, nil
		}
	}
	return Result{Findings: s.Default.Findings()}, nil
}
