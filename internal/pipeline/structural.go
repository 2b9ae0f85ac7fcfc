package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/veridoc/veridoc/internal/artifact"
	"github.com/veridoc/veridoc/internal/finding"
)

// MaxEmbeddedImages caps how many embedded images one document spawns child
// tasks for. Documents stuffed with decoy images would otherwise dominate
// the inference pool.
const MaxEmbeddedImages = 3

// Structural inspects unsigned PDFs at the byte and object level:
// incremental updates, cross-reference anomalies, active content, object
// tag mismatches, metadata heuristics, and embedded raster extraction.
type Structural struct {
	maxEmbedded int
}

// NewStructural creates the structural inspector.
func NewStructural() *Structural {
	return &Structural{maxEmbedded: MaxEmbeddedImages}
}

var suspiciousProducers = []string{"phantom", "gpl output"}

// Analyze runs every structural check. It is pure over the artifact bytes
// and never returns an error for malformed input; malformation is itself a
// finding. The only error source is context cancellation.
func (s *Structural) Analyze(ctx context.Context, art *artifact.Artifact) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	data := art.Data()
	var res Result
	attach := func(kind finding.Kind, p finding.Payload) {
		res.Findings = append(res.Findings, finding.New(kind, "", p))
	}

	// Incremental update detection. A healthy PDF ends in exactly one
	// %%EOF; each additional marker is a revision appended after the
	// original was written.
	eofCount := bytes.Count(data, []byte("%%EOF"))
	switch {
	case eofCount == 0:
		attach(finding.KindMalformedDocument, finding.Metric{
			Value:  1,
			Detail: "no %%EOF marker found",
		})
	case eofCount > 1:
		attach(finding.KindIncrementalUpdate, finding.Metric{
			Value:  float64(eofCount - 1),
			Unit:   "revisions",
			Detail: fmt.Sprintf("%d %%%%EOF markers: file modified after creation", eofCount),
		})
	}

	// Cross-reference tables. Linearized PDFs legitimately carry two; more
	// implies hidden structural updates.
	xrefCount := bytes.Count(data, []byte("xref"))
	if xrefCount > 2 {
		attach(finding.KindXrefAnomaly, finding.Metric{
			Value:  float64(xrefCount),
			Unit:   "tables",
			Detail: fmt.Sprintf("%d xref keywords", xrefCount),
		})
	}

	// Active content.
	if bytes.Contains(data, []byte("/JavaScript")) || bytes.Contains(data, []byte("/JS")) {
		attach(finding.KindActiveContent, finding.Metric{
			Value:  1,
			Detail: "JavaScript entry present",
		})
	}
	if bytes.Contains(data, []byte("/OpenAction")) || bytes.Contains(data, []byte("/AA")) {
		attach(finding.KindAutoExecAction, finding.Metric{
			Value:  1,
			Detail: "auto-execution action present",
		})
	}

	// Object tag balance. A small mismatch is tolerated; some writers
	// emit odd trailers.
	objCount := bytes.Count(data, []byte(" obj"))
	endobjCount := bytes.Count(data, []byte("endobj"))
	if diff := abs(objCount - endobjCount); diff > 2 {
		attach(finding.KindObjectTagMismatch, finding.Metric{
			Value:  float64(diff),
			Unit:   "tags",
			Detail: fmt.Sprintf("%d obj vs %d endobj", objCount, endobjCount),
		})
	}

	s.inspectMetadata(data, attach)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Embedded raster extraction: the single source of dynamic graph
	// growth. Each image becomes a discovered child artifact routed to
	// the visual inspector.
	images := extractEmbeddedImages(data, s.maxEmbedded)
	if len(images) > 0 {
		attach(finding.KindEmbeddedImages, finding.Metric{
			Value: float64(len(images)),
			Unit:  "images",
		})
		for i, img := range images {
			res.Discovered = append(res.Discovered,
				artifact.New(fmt.Sprintf("%s#img%d", art.Name, i), img))
		}
	}

	return res, nil
}

// inspectMetadata applies producer/metadata heuristics over the raw bytes.
func (s *Structural) inspectMetadata(data []byte, attach func(finding.Kind, finding.Payload)) {
	hasInfo := bytes.Contains(data, []byte("/Producer")) ||
		bytes.Contains(data, []byte("/Creator")) ||
		bytes.Contains(data, []byte("/Author"))
	if !hasInfo {
		attach(finding.KindMetadataMissing, finding.Metric{
			Value:  1,
			Detail: "no document information dictionary",
		})
		return
	}

	producer, ok := literalAfter(data, "/Producer")
	if !ok || producer == "" {
		attach(finding.KindProducerMissing, finding.Metric{
			Value:  1,
			Detail: "producer entry absent or empty",
		})
		return
	}
	lower := strings.ToLower(producer)
	for _, bad := range suspiciousProducers {
		if strings.Contains(lower, bad) {
			attach(finding.KindProducerSuspicious, finding.Metric{
				Value:  1,
				Detail: "suspicious producer: " + producer,
			})
			return
		}
	}
}

// literalAfter extracts the PDF literal string following a dictionary key,
// e.g. `/Producer (Acrobat Distiller)`. Hex strings and indirect references
// are out of scope for the heuristic; absence just means no match.
func literalAfter(data []byte, key string) (string, bool) {
	idx := bytes.Index(data, []byte(key))
	if idx < 0 {
		return "", false
	}
	rest := data[idx+len(key):]
	// Skip whitespace up to the opening parenthesis.
	i := 0
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '\r' || rest[i] == '\n' || rest[i] == '\t') {
		i++
	}
	if i >= len(rest) || rest[i] != '(' {
		return "", false
	}
	end := bytes.IndexByte(rest[i:], ')')
	if end < 0 {
		return "", false
	}
	return string(rest[i+1 : i+end]), true
}

var (
	jpegStart = []byte{0xFF, 0xD8, 0xFF}
	jpegEnd   = []byte{0xFF, 0xD9}
	pngStart  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	pngEnd    = []byte("IEND")
)

// extractEmbeddedImages scans raw bytes for complete JPEG and PNG streams.
// Byte scanning sidesteps object-stream decoding and survives documents a
// strict parser rejects, which is exactly where forensics matters.
func extractEmbeddedImages(data []byte, limit int) [][]byte {
	var images [][]byte

	for off := 0; len(images) < limit; {
		idx := bytes.Index(data[off:], jpegStart)
		if idx < 0 {
			break
		}
		start := off + idx
		end := bytes.Index(data[start:], jpegEnd)
		if end < 0 {
			break
		}
		images = append(images, data[start:start+end+len(jpegEnd)])
		off = start + end + len(jpegEnd)
	}

	for off := 0; len(images) < limit; {
		idx := bytes.Index(data[off:], pngStart)
		if idx < 0 {
			break
		}
		start := off + idx
		end := bytes.Index(data[start:], pngEnd)
		if end < 0 {
			break
		}
		// IEND chunk: 4 type bytes + 4 CRC bytes.
		stop := start + end + len(pngEnd) + 4
		if stop > len(data) {
			stop = len(data)
		}
		images = append(images, data[start:stop])
		off = stop
	}

	return images
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
