// Package artifact defines the immutable input payloads being analyzed and
// their media classification.
package artifact

import (
	"bytes"
)

// MediaKind is the discovered classification of an artifact. It drives
// pipeline routing: signed documents go to the cryptographic verifier,
// unsigned PDFs to the structural inspector, raster images to the visual
// inspector, and unknown formats to a terminal no-op.
type MediaKind string

const (
	KindSignedDocument   MediaKind = "document-with-signature"
	KindUnsignedDocument MediaKind = "document-without-signature"
	KindImage            MediaKind = "image"
	KindUnknown          MediaKind = "unknown"
)

// Artifact is an immutable byte payload plus its discovered kind. Child
// artifacts extracted from a parent carry the parent's name with an index
// suffix and live only as long as their analysis.
type Artifact struct {
	Name string
	Kind MediaKind
	data []byte
}

// New classifies the payload and wraps it. The byte slice is not copied;
// callers must not mutate it afterwards.
func New(name string, data []byte) *Artifact {
	return &Artifact{Name: name, Kind: Detect(data), data: data}
}

// Data returns the raw payload bytes.
func (a *Artifact) Data() []byte { return a.data }

// Size returns the payload length in bytes.
func (a *Artifact) Size() int { return len(a.data) }

var (
	pdfMagic  = []byte("%PDF-")
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	gifMagic  = []byte("GIF8")
	bmpMagic  = []byte("BM")
	tiffLE    = []byte{'I', 'I', 0x2A, 0x00}
	tiffBE    = []byte{'M', 'M', 0x00, 0x2A}
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")

	// Signature structure markers. A PDF routes to the cryptographic
	// verifier only when all three are present; /ByteRange or /Contents
	// alone appear in unrelated dictionaries too.
	sigMarkers = [][]byte{[]byte("/ByteRange"), []byte("/Contents"), []byte("/Sig")}
)

// Detect sniffs the payload's media kind from content, never from a
// filename. Classification is idempotent: byte-identical input always
// yields the same kind.
func Detect(data []byte) MediaKind {
	switch {
	case bytes.HasPrefix(data, pdfMagic):
		if hasSignatureStructure(data) {
			return KindSignedDocument
		}
		return KindUnsignedDocument
	case IsImage(data):
		return KindImage
	default:
		return KindUnknown
	}
}

// IsImage reports whether the payload starts with a known raster magic.
func IsImage(data []byte) bool {
	switch {
	case bytes.HasPrefix(data, jpegMagic),
		bytes.HasPrefix(data, pngMagic),
		bytes.HasPrefix(data, gifMagic),
		bytes.HasPrefix(data, bmpMagic),
		bytes.HasPrefix(data, tiffLE),
		bytes.HasPrefix(data, tiffBE):
		return true
	case bytes.HasPrefix(data, riffMagic) && len(data) >= 12 && bytes.Equal(data[8:12], webpMagic):
		return true
	}
	return false
}

func hasSignatureStructure(data []byte) bool {
	for _, marker := range sigMarkers {
		if !bytes.Contains(data, marker) {
			return false
		}
	}
	return true
}
