package pipeline

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/veridoc/veridoc/internal/artifact"
	"github.com/veridoc/veridoc/internal/finding"
	"github.com/veridoc/veridoc/internal/trust"
)

// minRSABits below which a key is flagged as weak.
const minRSABits = 2048

// Cryptographic verifies embedded PDF signatures against the shared trust
// store. The store is read-only after load, so one verifier instance is
// safe for concurrent sessions.
type Cryptographic struct {
	store *trust.Store
}

// NewCryptographic creates the verifier.
func NewCryptographic(store *trust.Store) *Cryptographic {
	return &Cryptographic{store: store}
}

// Analyze extracts every signature structure from the document and emits
// one signature finding per field. Signatures that are detected but cannot
// be parsed produce an unverifiable finding rather than an error; per the
// original forensic rule, a signature we cannot check is high risk, not no
// data.
func (c *Cryptographic) Analyze(ctx context.Context, art *artifact.Artifact) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	data := art.Data()
	sigs := extractSignatures(data)
	var res Result

	if len(sigs) == 0 {
		// Routed here because the classification saw signature markers,
		// yet nothing extractable remains. Removed or mangled signature
		// structures are themselves suspicious.
		res.Findings = append(res.Findings,
			finding.New(finding.KindSignatureUnverifiable, "", finding.Signature{
				Field: "unknown",
				Error: "signature markers present but no extractable signature",
			}))
		return res, nil
	}

	for i, sig := range sigs {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		status := c.verify(data, sig, i)
		res.Findings = append(res.Findings, statusFindings(status)...)
	}
	return res, nil
}

// sigStatus is the full verification outcome for one signature field.
type sigStatus struct {
	finding.Signature
	verifyErr error
}

// statusFindings maps a verification status onto findings: exactly one
// primary signature finding, plus a weak-crypto companion when legacy
// algorithms were seen on an otherwise acceptable signature.
func statusFindings(st sigStatus) []finding.Finding {
	var kind finding.Kind
	switch {
	case st.Error != "":
		kind = finding.KindSignatureUnverifiable
	case !st.Intact:
		kind = finding.KindSignatureBroken
	case st.Revoked:
		kind = finding.KindSignatureRevoked
	case !st.Trusted:
		kind = finding.KindSignatureUntrusted
	default:
		kind = finding.KindSignatureValid
	}

	out := []finding.Finding{finding.New(kind, "", st.Signature)}
	if (st.WeakDigest || st.WeakKey) && st.Intact && st.Error == "" {
		out = append(out, finding.New(finding.KindWeakCrypto, "", st.Signature))
	}
	return out
}

// rawSignature is one extracted /ByteRange + /Contents pair.
type rawSignature struct {
	byteRange [4]int
	contents  []byte // DER-encoded CMS blob, trailing zero padding stripped
}

// extractSignatures scans for /ByteRange arrays and their adjacent
// /Contents hex strings. Scanning raw bytes keeps extraction working on
// documents that defeat strict object parsing.
func extractSignatures(data []byte) []rawSignature {
	var sigs []rawSignature
	for off := 0; ; {
		idx := bytes.Index(data[off:], []byte("/ByteRange"))
		if idx < 0 {
			break
		}
		pos := off + idx + len("/ByteRange")
		off = pos

		br, ok := parseByteRange(data[pos:])
		if !ok {
			continue
		}
		// /Contents may precede or follow /ByteRange in the dictionary;
		// search a window around it.
		windowStart := pos - 64
		if windowStart < 0 {
			windowStart = 0
		}
		contents, ok := parseContents(data[windowStart:])
		if !ok {
			continue
		}
		sigs = append(sigs, rawSignature{byteRange: br, contents: contents})
	}
	return sigs
}

func parseByteRange(data []byte) ([4]int, bool) {
	var br [4]int
	open := bytes.IndexByte(data, '[')
	if open < 0 || open > 16 {
		return br, false
	}
	closeIdx := bytes.IndexByte(data[open:], ']')
	if closeIdx < 0 {
		return br, false
	}
	fields := strings.Fields(string(data[open+1 : open+closeIdx]))
	if len(fields) != 4 {
		return br, false
	}
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return br, false
		}
		br[i] = n
	}
	return br, true
}

func parseContents(data []byte) ([]byte, bool) {
	idx := bytes.Index(data, []byte("/Contents"))
	if idx < 0 {
		return nil, false
	}
	rest := data[idx+len("/Contents"):]
	open := bytes.IndexByte(rest, '<')
	if open < 0 || open > 16 {
		return nil, false
	}
	closeIdx := bytes.IndexByte(rest[open:], '>')
	if closeIdx < 0 {
		return nil, false
	}
	raw, err := hex.DecodeString(strings.Map(dropSpace, string(rest[open+1:open+closeIdx])))
	if err != nil {
		return nil, false
	}
	// The hex string is zero-padded to reserve space at signing time.
	return bytes.TrimRight(raw, "\x00"), true
}

func dropSpace(r rune) rune {
	switch r {
	case ' ', '\n', '\r', '\t':
		return -1
	}
	return r
}

// verify checks one signature: digest coverage of the byte ranges (intact),
// chain trust against the store (trusted), revocation list membership, and
// legacy algorithm flags.
func (c *Cryptographic) verify(data []byte, sig rawSignature, index int) sigStatus {
	st := sigStatus{Signature: finding.Signature{Field: fmt.Sprintf("Signature%d", index+1)}}

	signed, err := parseCMS(sig.contents)
	if err != nil {
		st.Error = "unparseable signature: " + err.Error()
		return st
	}

	ranged, err := rangedBytes(data, sig.byteRange)
	if err != nil {
		st.Error = err.Error()
		return st
	}

	st.WeakDigest = signed.weakDigest
	if rsaKey, ok := signed.signer.PublicKey.(*rsa.PublicKey); ok && rsaKey.N.BitLen() < minRSABits {
		st.WeakKey = true
	}

	st.Intact = signed.verifyDigest(ranged) == nil
	st.Revoked = c.store.Revoked(signed.signer.SerialNumber)

	opts := x509.VerifyOptions{
		Roots:         c.store.Pool(),
		Intermediates: signed.intermediates(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := signed.signer.Verify(opts); err == nil {
		st.Trusted = true
	}
	return st
}

// rangedBytes concatenates the two covered regions of the document. The gap
// between them is where /Contents itself lives.
func rangedBytes(data []byte, br [4]int) ([]byte, error) {
	if br[0]+br[1] > len(data) || br[2]+br[3] > len(data) || br[2] < br[0]+br[1] {
		return nil, fmt.Errorf("byte range %v outside document of %d bytes", br, len(data))
	}
	out := make([]byte, 0, br[1]+br[3])
	out = append(out, data[br[0]:br[0]+br[1]]...)
	out = append(out, data[br[2]:br[2]+br[3]]...)
	return out, nil
}

// --- minimal CMS (PKCS#7 SignedData) parsing ---
//
// Only what forensic verification needs: the signer certificate, the digest
// algorithm, the messageDigest authenticated attribute, and the encrypted
// digest. Everything else in the blob is ignored.

var (
	oidSignedData    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}

	oidMD5    = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 5}
	oidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

type cmsContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type cmsSignedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo      cmsContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []cmsSignerInfo `asn1:"set"`
}

type cmsIssuerAndSerial struct {
	Issuer asn1.RawValue
	Serial *big.Int
}

type cmsSignerInfo struct {
	Version                   int
	IssuerAndSerial           cmsIssuerAndSerial
	DigestAlgorithm           pkix.AlgorithmIdentifier
	AuthenticatedAttributes   asn1.RawValue `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
	UnauthenticatedAttributes asn1.RawValue `asn1:"optional,tag:1"`
}

type cmsAttribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue `asn1:"set"`
}

// parsedCMS is the digested view of one SignedData blob.
type parsedCMS struct {
	signer     *x509.Certificate
	certs      []*x509.Certificate
	hash       crypto.Hash
	weakDigest bool

	messageDigest []byte // from authenticated attributes, nil if absent
	authAttrsDER  []byte // re-encoded SET OF for signature verification
	encrypted     []byte
}

func parseCMS(der []byte) (*parsedCMS, error) {
	var ci cmsContentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("content info: %w", err)
	}
	if !ci.ContentType.Equal(oidSignedData) {
		return nil, fmt.Errorf("unexpected content type %v", ci.ContentType)
	}

	var sd cmsSignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("signed data: %w", err)
	}
	if len(sd.SignerInfos) == 0 {
		return nil, fmt.Errorf("no signer info")
	}
	si := sd.SignerInfos[0]

	certs, err := x509.ParseCertificates(sd.Certificates.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certificates: %w", err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates")
	}

	p := &parsedCMS{certs: certs, encrypted: si.EncryptedDigest}

	for _, cert := range certs {
		if cert.SerialNumber.Cmp(si.IssuerAndSerial.Serial) == 0 {
			p.signer = cert
			break
		}
	}
	if p.signer == nil {
		p.signer = certs[0]
	}

	switch {
	case si.DigestAlgorithm.Algorithm.Equal(oidSHA256):
		p.hash = crypto.SHA256
	case si.DigestAlgorithm.Algorithm.Equal(oidSHA384):
		p.hash = crypto.SHA384
	case si.DigestAlgorithm.Algorithm.Equal(oidSHA512):
		p.hash = crypto.SHA512
	case si.DigestAlgorithm.Algorithm.Equal(oidSHA1):
		p.hash = crypto.SHA1
		p.weakDigest = true
	case si.DigestAlgorithm.Algorithm.Equal(oidMD5):
		p.hash = crypto.MD5
		p.weakDigest = true
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %v", si.DigestAlgorithm.Algorithm)
	}

	if len(si.AuthenticatedAttributes.Bytes) > 0 {
		if err := p.parseAuthAttrs(si.AuthenticatedAttributes); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *parsedCMS) parseAuthAttrs(raw asn1.RawValue) error {
	// Attributes are transmitted with an implicit [0] tag but are signed
	// as an explicit SET OF (0x31); rebuild that form for verification.
	der := make([]byte, len(raw.Bytes)+2)
	der[0] = 0x31
	if len(raw.Bytes) > 127 {
		// Long-form length; attribute sets this small are the norm, but
		// signed timestamps can push past 127 bytes.
		full := append([]byte{0x31}, encodeLength(len(raw.Bytes))...)
		der = append(full, raw.Bytes...)
	} else {
		der[1] = byte(len(raw.Bytes))
		copy(der[2:], raw.Bytes)
	}
	p.authAttrsDER = der

	rest := raw.Bytes
	for len(rest) > 0 {
		var attr cmsAttribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return fmt.Errorf("authenticated attribute: %w", err)
		}
		if attr.Type.Equal(oidMessageDigest) {
			var digest []byte
			if _, err := asn1.Unmarshal(attr.Values.Bytes, &digest); err != nil {
				return fmt.Errorf("message digest attribute: %w", err)
			}
			p.messageDigest = digest
		}
	}
	return nil
}

func encodeLength(n int) []byte {
	if n < 128 {
		return []byte{byte(n)}
	}
	var body []byte
	for n > 0 {
		body = append([]byte{byte(n & 0xFF)}, body...)
		n >>= 8
	}
	return append([]byte{byte(0x80 | len(body))}, body...)
}

// verifyDigest checks that the signature actually covers the ranged bytes.
// With authenticated attributes, the messageDigest attribute must match the
// content digest and the signature must cover the attribute set; without
// them, the signature covers the content digest directly.
func (p *parsedCMS) verifyDigest(content []byte) error {
	if !p.hash.Available() {
		return fmt.Errorf("hash %v unavailable", p.hash)
	}
	h := p.hash.New()
	h.Write(content)
	contentDigest := h.Sum(nil)

	sigAlgo, err := p.signatureAlgorithm()
	if err != nil {
		return err
	}

	if p.messageDigest != nil {
		if !bytes.Equal(p.messageDigest, contentDigest) {
			return fmt.Errorf("message digest mismatch: document altered after signing")
		}
		return p.signer.CheckSignature(sigAlgo, p.authAttrsDER, p.encrypted)
	}
	return p.signer.CheckSignature(sigAlgo, content, p.encrypted)
}

func (p *parsedCMS) signatureAlgorithm() (x509.SignatureAlgorithm, error) {
	_, isRSA := p.signer.PublicKey.(*rsa.PublicKey)
	switch {
	case p.hash == crypto.SHA256 && isRSA:
		return x509.SHA256WithRSA, nil
	case p.hash == crypto.SHA384 && isRSA:
		return x509.SHA384WithRSA, nil
	case p.hash == crypto.SHA512 && isRSA:
		return x509.SHA512WithRSA, nil
	case p.hash == crypto.SHA1 && isRSA:
		return x509.SHA1WithRSA, nil
	case p.hash == crypto.MD5 && isRSA:
		return x509.MD5WithRSA, nil
	case p.hash == crypto.SHA256:
		return x509.ECDSAWithSHA256, nil
	case p.hash == crypto.SHA384:
		return x509.ECDSAWithSHA384, nil
	case p.hash == crypto.SHA512:
		return x509.ECDSAWithSHA512, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("unsupported hash/key combination")
	}
}

// intermediates returns every non-signer certificate in the blob as a pool
// for chain building.
func (p *parsedCMS) intermediates() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, cert := range p.certs {
		if cert != p.signer {
			pool.AddCert(cert)
		}
	}
	return pool
}
