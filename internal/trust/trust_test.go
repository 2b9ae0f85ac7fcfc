package trust

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/internal/log"
)

func testCert(t *testing.T, serial int64) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: "trust test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestNewFromCerts(t *testing.T) {
	cert := testCert(t, 7)
	s := NewFromCerts([]*x509.Certificate{cert}, []*big.Int{big.NewInt(99)})

	assert.Len(t, s.Roots(), 1)
	assert.NotNil(t, s.Pool())
	assert.True(t, s.Revoked(big.NewInt(99)))
	assert.False(t, s.Revoked(big.NewInt(7)))
	assert.False(t, s.Revoked(nil))
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	cert := testCert(t, 11)

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.pem"), pemBytes, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "der-root.crt"), cert.Raw, 0o644))
	// Real trust directories accumulate notes; they are skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("ops notes\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "revoked.txt"),
		[]byte("# compromised 2026-03\n123456\n0xDEADBEEF\n\n"), 0o644))

	s, err := Load(dir, log.NewNop())
	require.NoError(t, err)

	assert.Len(t, s.Roots(), 2)
	assert.True(t, s.Revoked(big.NewInt(123456)))
	assert.True(t, s.Revoked(big.NewInt(0xDEADBEEF)))
	assert.False(t, s.Revoked(big.NewInt(1)))
}

func TestLoadEmptyDirUsesSystemRoots(t *testing.T) {
	s, err := Load("", log.NewNop())
	require.NoError(t, err)
	assert.Empty(t, s.Roots())
	assert.NotNil(t, s.Pool())
}

func TestLoadMissingDirFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"), log.NewNop())
	require.Error(t, err)
}

func TestLoadBadRevocationListFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "revoked.txt"),
		[]byte("not-a-serial\n"), 0o644))

	_, err := Load(dir, log.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid serial")
}

func TestReadCertFileMultiPEM(t *testing.T) {
	dir := t.TempDir()
	a, b := testCert(t, 21), testCert(t, 22)
	bundle := append(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.Raw}),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b.Raw})...,
	)
	path := filepath.Join(dir, "bundle.pem")
	require.NoError(t, os.WriteFile(path, bundle, 0o644))

	certs, err := readCertFile(path)
	require.NoError(t, err)
	assert.Len(t, certs, 2)
}
