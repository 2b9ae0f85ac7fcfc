package testutil

import (
	"bytes"
	"fmt"
	"strings"
)

// PDFSpec describes the structural traits of a synthetic PDF fixture. The
// zero value produces a clean single-revision document with a benign
// producer.
type PDFSpec struct {
	// Revisions is the number of %%EOF markers. Zero means one (clean);
	// use NoEOF for a document with none.
	Revisions int
	NoEOF     bool

	// XrefTables is the number of literal "xref" keywords. Zero means one.
	XrefTables int

	JavaScript bool
	OpenAction bool

	// DanglingObjects adds unterminated "N 0 obj" entries, producing an
	// obj/endobj imbalance of this size.
	DanglingObjects int

	// Producer sets the /Producer literal. NoMetadata omits the whole
	// information dictionary; EmptyProducer keeps /Creator but drops
	// /Producer.
	Producer      string
	NoMetadata    bool
	EmptyProducer bool

	// EmbeddedJPEGs embeds this many complete JPEG streams.
	EmbeddedJPEGs int
	// EmbeddedPNGs embeds this many complete PNG streams.
	EmbeddedPNGs int

	// SignatureMarkers adds /ByteRange, /Contents and /Sig tokens so the
	// document classifies as signed. The signature is not verifiable.
	SignatureMarkers bool
}

// PDF builds a synthetic document matching spec. Fixtures are byte-exact
// across runs, which golden tests depend on.
func PDF(spec PDFSpec) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.7\n")

	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R")
	if spec.OpenAction {
		b.WriteString(" /OpenAction << /S /JavaScript >>")
	}
	b.WriteString(" >>\nendobj\n")

	b.WriteString("2 0 obj\n<< /Type /Pages /Count 1 >>\nendobj\n")

	if spec.JavaScript {
		b.WriteString("3 0 obj\n<< /S /JavaScript /JS (app.alert\\(1\\)) >>\nendobj\n")
	}

	if !spec.NoMetadata {
		b.WriteString("4 0 obj\n<< /Creator (veridoc-fixture)")
		if !spec.EmptyProducer {
			producer := spec.Producer
			if producer == "" {
				producer = "Acrobat Distiller 11.0"
			}
			fmt.Fprintf(&b, " /Producer (%s)", producer)
		}
		b.WriteString(" >>\nendobj\n")
	}

	for i := 0; i < spec.DanglingObjects; i++ {
		fmt.Fprintf(&b, "%d 0 obj\n<< /Length 0 >>\n", 10+i)
	}

	for i := 0; i < spec.EmbeddedJPEGs; i++ {
		fmt.Fprintf(&b, "%d 0 obj\n<< /Subtype /Image /Filter /DCTDecode >>\nstream\n", 20+i)
		b.Write(JPEG(byte(i)))
		b.WriteString("\nendstream\nendobj\n")
	}
	for i := 0; i < spec.EmbeddedPNGs; i++ {
		fmt.Fprintf(&b, "%d 0 obj\n<< /Subtype /Image >>\nstream\n", 30+i)
		b.Write(PNG(byte(i)))
		b.WriteString("\nendstream\nendobj\n")
	}

	if spec.SignatureMarkers {
		b.WriteString("8 0 obj\n<< /Type /Sig /Filter /Adobe.PPKLite" +
			" /ByteRange [0 64 128 64] /Contents <deadbeef> >>\nendobj\n")
	}

	xrefs := spec.XrefTables
	if xrefs == 0 {
		xrefs = 1
	}
	b.WriteString(strings.Repeat("xref\n0 0\n", xrefs))
	b.WriteString("trailer\n<< /Size 9 /Root 1 0 R >>\nstartxref\n0\n")

	if spec.NoEOF {
		return b.Bytes()
	}
	revisions := spec.Revisions
	if revisions == 0 {
		revisions = 1
	}
	b.WriteString("%%EOF\n")
	for i := 1; i < revisions; i++ {
		fmt.Fprintf(&b, "%% revision %d\nstartxref\n0\n%%%%EOF\n", i)
	}
	return b.Bytes()
}

// JPEG returns a minimal complete JPEG stream. The seed byte varies the
// payload so multiple embedded images are distinguishable.
func JPEG(seed byte) []byte {
	return []byte{
		0xFF, 0xD8, 0xFF, 0xE0, // SOI + APP0
		0x00, 0x04, seed, 0x00, // APP0 length + payload
		0xFF, 0xD9, // EOI
	}
}

// PNG returns a minimal complete PNG stream (signature through IEND+CRC).
func PNG(seed byte) []byte {
	return []byte{
		0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A,
		0x00, 0x00, 0x00, 0x00, // IHDR length (empty, fixture only)
		'I', 'H', 'D', 'R',
		seed, 0x00, 0x00, 0x00, // CRC placeholder
		0x00, 0x00, 0x00, 0x00, // IEND length
		'I', 'E', 'N', 'D',
		0xAE, 0x42, 0x60, 0x82, // CRC
	}
}
