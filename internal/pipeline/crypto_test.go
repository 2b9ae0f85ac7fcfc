package pipeline

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/internal/artifact"
	"github.com/veridoc/veridoc/internal/finding"
	"github.com/veridoc/veridoc/internal/testutil"
	"github.com/veridoc/veridoc/internal/trust"
)

var (
	oidData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
)

// signer is a throwaway self-signed identity for fixture documents.
type signer struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

func newSigner(t *testing.T, bits int) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(4127),
		Subject:               pkix.Name{CommonName: "fixture signer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &signer{key: key, cert: cert}
}

// derWrap prepends a tag and DER length to content.
func derWrap(tag byte, content []byte) []byte {
	out := []byte{tag}
	out = append(out, encodeLength(len(content))...)
	return append(out, content...)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	der, err := asn1.Marshal(v)
	require.NoError(t, err)
	return der
}

// buildCMS assembles a PKCS#7 SignedData blob over contentDigest: one
// SHA-256 signer with a messageDigest authenticated attribute.
func buildCMS(t *testing.T, s *signer, contentDigest []byte) []byte {
	t.Helper()

	digestAlg := mustMarshal(t, pkix.AlgorithmIdentifier{
		Algorithm: oidSHA256, Parameters: asn1.NullRawValue,
	})

	// messageDigest attribute: SEQUENCE { OID, SET { OCTET STRING } }.
	attr := derWrap(0x30, append(
		mustMarshal(t, oidMessageDigest),
		derWrap(0x31, mustMarshal(t, contentDigest))...,
	))

	// Signed as an explicit SET OF, transmitted under implicit [0].
	signedAttrs := derWrap(0x31, attr)
	hashed := sha256.Sum256(signedAttrs)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, hashed[:])
	require.NoError(t, err)

	var signerInfo []byte
	signerInfo = append(signerInfo, mustMarshal(t, 1)...)
	signerInfo = append(signerInfo, derWrap(0x30, append(
		append([]byte{}, s.cert.RawIssuer...),
		mustMarshal(t, s.cert.SerialNumber)...,
	))...)
	signerInfo = append(signerInfo, digestAlg...)
	signerInfo = append(signerInfo, derWrap(0xA0, attr)...)
	signerInfo = append(signerInfo, mustMarshal(t, pkix.AlgorithmIdentifier{
		Algorithm: oidRSAEncryption, Parameters: asn1.NullRawValue,
	})...)
	signerInfo = append(signerInfo, mustMarshal(t, sig)...)

	var signedData []byte
	signedData = append(signedData, mustMarshal(t, 1)...)
	signedData = append(signedData, derWrap(0x31, digestAlg)...)
	signedData = append(signedData, derWrap(0x30, mustMarshal(t, oidData))...)
	signedData = append(signedData, derWrap(0xA0, s.cert.Raw)...)
	signedData = append(signedData, derWrap(0x31, derWrap(0x30, signerInfo))...)

	return derWrap(0x30, append(
		mustMarshal(t, oidSignedData),
		derWrap(0xA0, derWrap(0x30, signedData))...,
	))
}

// contentsHexLen reserves space for the signature, like a real signer does.
const contentsHexLen = 8192

// renderSigned lays out a signed document with the given byte range and
// contents blob.
func renderSigned(t *testing.T, br [4]int, contents []byte) []byte {
	t.Helper()
	hexStr := hex.EncodeToString(contents)
	require.LessOrEqual(t, len(hexStr), contentsHexLen, "contents overflow reserved space")
	hexStr += strings.Repeat("0", contentsHexLen-len(hexStr))

	return []byte(fmt.Sprintf(
		"%%PDF-1.7\n1 0 obj\n<< /Type /Sig /Filter /Adobe.PPKLite"+
			" /ByteRange [%010d %010d %010d %010d] /Contents <%s> >>\nendobj\n%%%%EOF\n",
		br[0], br[1], br[2], br[3], hexStr))
}

// signedDocument produces a document whose signature genuinely covers its
// bytes outside the /Contents hex string.
func signedDocument(t *testing.T, s *signer) []byte {
	t.Helper()

	skeleton := renderSigned(t, [4]int{}, nil)
	cIdx := strings.Index(string(skeleton), "/Contents <")
	require.Positive(t, cIdx)
	sigStart := cIdx + len("/Contents <")
	sigEnd := sigStart + contentsHexLen
	br := [4]int{0, sigStart, sigEnd, len(skeleton) - sigEnd}

	// The byte range digits are inside the covered region, so the digest
	// is computed over the final layout.
	unsigned := renderSigned(t, br, nil)
	ranged := append(append([]byte{}, unsigned[:sigStart]...), unsigned[sigEnd:]...)
	digest := sha256.Sum256(ranged)

	cms := buildCMS(t, s, digest[:])
	// A non-zero sentinel keeps the reserved-space zero trim from eating a
	// signature whose DER happens to end in zero bytes.
	return renderSigned(t, br, append(cms, 0x01))
}

func analyzeSigned(t *testing.T, doc []byte, store *trust.Store) Result {
	t.Helper()
	res, err := NewCryptographic(store).Analyze(context.Background(), artifact.New("contract.pdf", doc))
	require.NoError(t, err)
	return res
}

func primarySignature(t *testing.T, res Result) finding.Finding {
	t.Helper()
	require.NotEmpty(t, res.Findings)
	return res.Findings[0]
}

func TestVerifyValidSignature(t *testing.T) {
	s := newSigner(t, 2048)
	doc := signedDocument(t, s)
	store := trust.NewFromCerts([]*x509.Certificate{s.cert}, nil)

	res := analyzeSigned(t, doc, store)
	require.Len(t, res.Findings, 1)

	f := primarySignature(t, res)
	assert.Equal(t, finding.KindSignatureValid, f.Kind)
	sig := f.Payload.(finding.Signature)
	assert.True(t, sig.Intact)
	assert.True(t, sig.Trusted)
	assert.False(t, sig.WeakDigest)
	assert.False(t, sig.WeakKey)
	assert.Equal(t, "Signature1", sig.Field)
	assert.Equal(t, 0.0, sig.Measure())
}

func TestVerifyUntrustedSignature(t *testing.T) {
	s := newSigner(t, 2048)
	doc := signedDocument(t, s)
	store := trust.NewFromCerts(nil, nil)

	f := primarySignature(t, analyzeSigned(t, doc, store))
	assert.Equal(t, finding.KindSignatureUntrusted, f.Kind)
	sig := f.Payload.(finding.Signature)
	assert.True(t, sig.Intact)
	assert.False(t, sig.Trusted)
	assert.Equal(t, 0.5, sig.Measure())
}

func TestVerifyTamperedDocument(t *testing.T) {
	s := newSigner(t, 2048)
	doc := signedDocument(t, s)
	// Alter one covered byte after signing.
	doc[10] ^= 0xFF
	store := trust.NewFromCerts([]*x509.Certificate{s.cert}, nil)

	f := primarySignature(t, analyzeSigned(t, doc, store))
	assert.Equal(t, finding.KindSignatureBroken, f.Kind)
	sig := f.Payload.(finding.Signature)
	assert.False(t, sig.Intact)
	assert.Equal(t, 1.0, sig.Measure())
}

func TestVerifyRevokedSignature(t *testing.T) {
	s := newSigner(t, 2048)
	doc := signedDocument(t, s)
	store := trust.NewFromCerts([]*x509.Certificate{s.cert}, []*big.Int{s.cert.SerialNumber})

	f := primarySignature(t, analyzeSigned(t, doc, store))
	assert.Equal(t, finding.KindSignatureRevoked, f.Kind)
	sig := f.Payload.(finding.Signature)
	assert.True(t, sig.Intact)
	assert.True(t, sig.Revoked)
	assert.Equal(t, 1.0, sig.Measure())
}

func TestVerifyWeakKeyCompanionFinding(t *testing.T) {
	s := newSigner(t, 1024)
	doc := signedDocument(t, s)
	store := trust.NewFromCerts([]*x509.Certificate{s.cert}, nil)

	res := analyzeSigned(t, doc, store)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, finding.KindSignatureValid, res.Findings[0].Kind)
	assert.Equal(t, finding.KindWeakCrypto, res.Findings[1].Kind)
	sig := res.Findings[1].Payload.(finding.Signature)
	assert.True(t, sig.WeakKey)
	assert.Equal(t, 0.25, sig.Measure())
}

func TestVerifyUnparseableContents(t *testing.T) {
	doc := testutil.PDF(testutil.PDFSpec{SignatureMarkers: true})
	store := trust.NewFromCerts(nil, nil)

	f := primarySignature(t, analyzeSigned(t, doc, store))
	assert.Equal(t, finding.KindSignatureUnverifiable, f.Kind)
	sig := f.Payload.(finding.Signature)
	assert.Contains(t, sig.Error, "unparseable")
	assert.Equal(t, 1.0, sig.Measure())
}

func TestVerifyMarkersWithoutExtractableSignature(t *testing.T) {
	// Classified as signed, but the byte range is mangled beyond parsing.
	doc := []byte("%PDF-1.7\n<< /Type /Sig /ByteRange [broken] /Contents <zz> >>\n%%EOF")
	store := trust.NewFromCerts(nil, nil)

	f := primarySignature(t, analyzeSigned(t, doc, store))
	assert.Equal(t, finding.KindSignatureUnverifiable, f.Kind)
	sig := f.Payload.(finding.Signature)
	assert.Equal(t, "unknown", sig.Field)
	assert.Contains(t, sig.Error, "no extractable signature")
}

func TestVerifyByteRangeOutsideDocument(t *testing.T) {
	s := newSigner(t, 2048)
	digest := sha256.Sum256([]byte("anything"))
	cms := buildCMS(t, s, digest[:])
	doc := renderSigned(t, [4]int{0, 64, 999999, 64}, append(cms, 0x01))
	store := trust.NewFromCerts([]*x509.Certificate{s.cert}, nil)

	f := primarySignature(t, analyzeSigned(t, doc, store))
	assert.Equal(t, finding.KindSignatureUnverifiable, f.Kind)
	sig := f.Payload.(finding.Signature)
	assert.Contains(t, sig.Error, "outside document")
}

func TestExtractSignatures(t *testing.T) {
	s := newSigner(t, 2048)
	doc := signedDocument(t, s)

	sigs := extractSignatures(doc)
	require.Len(t, sigs, 1)
	assert.NotZero(t, sigs[0].byteRange[1])
	assert.NotEmpty(t, sigs[0].contents)
	// Reserved-space padding is stripped.
	assert.NotEqual(t, byte(0), sigs[0].contents[len(sigs[0].contents)-1])
}

func TestParseByteRange(t *testing.T) {
	br, ok := parseByteRange([]byte(" [0 840 1200 360] /Contents"))
	require.True(t, ok)
	assert.Equal(t, [4]int{0, 840, 1200, 360}, br)

	_, ok = parseByteRange([]byte(" [0 840 1200] "))
	assert.False(t, ok)
	_, ok = parseByteRange([]byte(" [0 -5 10 10] "))
	assert.False(t, ok)
	_, ok = parseByteRange([]byte("no bracket here"))
	assert.False(t, ok)
}

func TestAnalyzeHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCryptographic(trust.NewFromCerts(nil, nil)).
		Analyze(ctx, artifact.New("x.pdf", []byte("%PDF-")))
	require.Error(t, err)
}
