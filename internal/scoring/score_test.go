package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/internal/finding"
)

func report(findings ...finding.Finding) *finding.Report {
	r := finding.NewReport("s1")
	r.Attach(findings...)
	return r
}

func TestScoreCleanReport(t *testing.T) {
	v := Score(report(), DefaultPolicy())
	assert.Equal(t, 100, v.Score)
	assert.Equal(t, finding.LabelAuthentic, v.Label)
	assert.Empty(t, v.Evidence)
}

func TestScoreSumsSignificantFindings(t *testing.T) {
	v := Score(report(
		finding.New(finding.KindIncrementalUpdate, "t1", finding.Metric{Value: 1, Detail: "2 %%EOF markers"}),
		finding.New(finding.KindNoiseVariance, "t2", finding.Visual{Score: 0.6, Source: "noise"}),
	), DefaultPolicy())

	assert.Equal(t, 75, v.Score)
	assert.Equal(t, finding.LabelSuspicious, v.Label)
	require.Len(t, v.Evidence, 2)
	assert.Equal(t, "2 %%EOF markers", v.Evidence[0].Detail)
	assert.Equal(t, "noise", v.Evidence[1].Detail)
}

func TestScoreSkipsBelowThreshold(t *testing.T) {
	// Noise threshold is 0.5; 0.4 is recorded but not penalized.
	v := Score(report(
		finding.New(finding.KindNoiseVariance, "t1", finding.Visual{Score: 0.4}),
	), DefaultPolicy())
	assert.Equal(t, 100, v.Score)
	assert.Empty(t, v.Evidence)
}

func TestScoreSkipsZeroWeightKinds(t *testing.T) {
	v := Score(report(
		finding.New(finding.KindEmbeddedImages, "t1", finding.Metric{Value: 3}),
		finding.New(finding.KindSignatureValid, "t1", finding.Signature{Field: "Sig1", Intact: true, Trusted: true}),
		finding.New(finding.KindReasoningUnavailable, "", finding.Note{Text: "unreachable"}),
	), DefaultPolicy())
	assert.Equal(t, 100, v.Score)
	assert.Empty(t, v.Evidence)
}

func TestScorePenaltyCappedAtHundred(t *testing.T) {
	v := Score(report(
		finding.New(finding.KindSignatureBroken, "t1", finding.Signature{Field: "A"}),
		finding.New(finding.KindSignatureRevoked, "t1", finding.Signature{Field: "B", Intact: true, Revoked: true}),
		finding.New(finding.KindMalformedDocument, "t2", finding.Metric{Value: 1}),
	), DefaultPolicy())

	assert.Equal(t, 0, v.Score)
	assert.Equal(t, finding.LabelTampered, v.Label)
	// Capping trims the score, never the evidence.
	assert.Len(t, v.Evidence, 3)
}

func TestScoreMergesDuplicateSignals(t *testing.T) {
	// Same kind, no region: one signal, most severe instance wins.
	v := Score(report(
		finding.New(finding.KindNoiseVariance, "t1", finding.Visual{Score: 0.6, Source: "noise"}),
		finding.New(finding.KindNoiseVariance, "t2", finding.Visual{Score: 0.9, Source: "noise"}),
	), DefaultPolicy())

	assert.Equal(t, 90, v.Score)
	require.Len(t, v.Evidence, 1)
	assert.Equal(t, 0.9, v.Evidence[0].Measure)
	assert.Equal(t, "t2", v.Evidence[0].TaskID)
}

func TestScoreDistinctRegionsAreDistinctSignals(t *testing.T) {
	r1 := &finding.Region{X: 0, Y: 0, W: 10, H: 10}
	r2 := &finding.Region{X: 50, Y: 50, W: 10, H: 10}
	v := Score(report(
		finding.New(finding.KindSegmentationTamper, "t1", finding.Visual{Score: 0.8, Region: r1}),
		finding.New(finding.KindSegmentationTamper, "t1", finding.Visual{Score: 0.8, Region: r2}),
	), DefaultPolicy())

	assert.Equal(t, 30, v.Score)
	require.Len(t, v.Evidence, 2)
	assert.Equal(t, r1, v.Evidence[0].Region)
	assert.Equal(t, r2, v.Evidence[1].Region)
}

func TestScoreDistinctSignatureFieldsAreDistinctSignals(t *testing.T) {
	v := Score(report(
		finding.New(finding.KindSignatureUntrusted, "t1", finding.Signature{Field: "Sig1", Intact: true}),
		finding.New(finding.KindSignatureUntrusted, "t1", finding.Signature{Field: "Sig2", Intact: true}),
	), DefaultPolicy())

	assert.Equal(t, 70, v.Score)
	assert.Len(t, v.Evidence, 2)
}

func TestScoreBands(t *testing.T) {
	tests := []struct {
		score int
		want  finding.Label
	}{
		{100, finding.LabelAuthentic},
		{80, finding.LabelAuthentic},
		{79, finding.LabelSuspicious},
		{40, finding.LabelSuspicious},
		{39, finding.LabelTampered},
		{0, finding.LabelTampered},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, labelFor(tt.score), "score %d", tt.score)
	}
}

func TestScoreIndependentOfAttachmentOrder(t *testing.T) {
	fs := []finding.Finding{
		{Kind: finding.KindIncrementalUpdate, TaskID: "t1", Seq: 1, Payload: finding.Metric{Value: 2}},
		{Kind: finding.KindActiveContent, TaskID: "t1", Seq: 2, Payload: finding.Metric{Value: 1}},
		{Kind: finding.KindPixelTrust, TaskID: "t2", Seq: 3, Payload: finding.Visual{Score: 0.7, Source: "pixel-trust"}},
	}
	forward := Score(report(fs[0], fs[1], fs[2]), DefaultPolicy())
	reversed := Score(report(fs[2], fs[1], fs[0]), DefaultPolicy())

	fa, err := finding.VerdictFingerprint(&forward)
	require.NoError(t, err)
	fb, err := finding.VerdictFingerprint(&reversed)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestScoreCarriesNarrativeVerbatim(t *testing.T) {
	r := report(finding.New(finding.KindIncrementalUpdate, "t1", finding.Metric{Value: 1}))
	r.Narrative = "the document gained a revision after it was produced"

	v := Score(r, DefaultPolicy())
	assert.Equal(t, r.Narrative, v.Narrative)
	assert.Equal(t, 85, v.Score)
}

func TestScoreUnverifiableSignatureZeroThreshold(t *testing.T) {
	// Unverifiable carries threshold 0: presence alone penalizes, even
	// though a parse failure yields no meaningful measure.
	v := Score(report(
		finding.New(finding.KindSignatureUnverifiable, "t1", finding.Signature{
			Field: "Sig1", Intact: true, Trusted: true, Error: "unparseable CMS structure",
		}),
	), DefaultPolicy())
	assert.Equal(t, 40, v.Score)
	assert.Equal(t, finding.LabelSuspicious, v.Label)
	require.Len(t, v.Evidence, 1)
	assert.Contains(t, v.Evidence[0].Detail, "unparseable")
}

func TestScoreNeverRisesWhenFindingAdded(t *testing.T) {
	base := []finding.Finding{
		finding.New(finding.KindIncrementalUpdate, "t1", finding.Metric{Value: 2}),
		finding.New(finding.KindNoiseVariance, "t2", finding.Visual{Score: 0.6, Source: "noise"}),
	}
	additions := []struct {
		name  string
		extra finding.Finding
	}{
		{"new kind", finding.New(finding.KindActiveContent, "t1", finding.Metric{Value: 1})},
		{"merged duplicate, less severe", finding.New(finding.KindNoiseVariance, "t3", finding.Visual{Score: 0.55, Source: "noise"})},
		{"merged duplicate, more severe", finding.New(finding.KindNoiseVariance, "t3", finding.Visual{Score: 0.95, Source: "noise"})},
		{"capped already", finding.New(finding.KindSignatureBroken, "t4", finding.Signature{Field: "A"})},
	}

	for _, tt := range additions {
		t.Run(tt.name, func(t *testing.T) {
			before := Score(report(base...), DefaultPolicy())
			after := Score(report(append(append([]finding.Finding{}, base...), tt.extra)...), DefaultPolicy())
			assert.LessOrEqual(t, after.Score, before.Score)
		})
	}

	// Holds at the floor too: a capped report stays capped.
	capped := append(append([]finding.Finding{}, base...),
		finding.New(finding.KindSignatureBroken, "t4", finding.Signature{Field: "A"}),
		finding.New(finding.KindSignatureRevoked, "t5", finding.Signature{Field: "B", Intact: true, Revoked: true}),
	)
	before := Score(report(capped...), DefaultPolicy())
	require.Equal(t, 0, before.Score)
	after := Score(report(append(capped, finding.New(finding.KindMalformedDocument, "t6", finding.Metric{Value: 1}))...), DefaultPolicy())
	assert.LessOrEqual(t, after.Score, before.Score)
}
