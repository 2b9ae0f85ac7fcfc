// Package trust provides the process-wide store of trusted root authorities
// used by cryptographic signature verification.
//
// The store is loaded once at startup and is immutable afterwards; reloading
// requires a process restart. Being read-only, it is freely shared across
// concurrent verifier invocations.
package trust

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
)

// revocationFile inside the trust store directory lists revoked certificate
// serial numbers, one decimal or 0x-prefixed hex value per line. Lines
// starting with '#' are comments.
const revocationFile = "revoked.txt"

// Store is an immutable set of trusted roots plus a revocation list.
type Store struct {
	pool    *x509.CertPool
	roots   []*x509.Certificate
	revoked map[string]bool // serial (decimal string) -> revoked
}

// Load builds a hybrid store: the system root bundle plus any custom roots
// found under dir. dir may be empty (system roots only) or point at a
// directory of PEM/DER certificate files. Files that do not parse as
// certificates are skipped with a debug log, matching a forensic trust
// directory that mixes certs with notes.
func Load(dir string, logger *slog.Logger) (*Store, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		// Some platforms have no system bundle; start empty rather than fail.
		logger.Warn("system cert pool unavailable, using custom roots only", "error", err)
		pool = x509.NewCertPool()
	}

	s := &Store{
		pool:    pool,
		revoked: make(map[string]bool),
	}

	if dir == "" {
		logger.Info("trust store loaded", "custom_roots", 0, "system_bundle", true)
		return s, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read trust store dir %s: %w", dir, err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if entry.Name() == revocationFile {
			if err := s.loadRevocations(path); err != nil {
				return nil, fmt.Errorf("load revocation list: %w", err)
			}
			continue
		}
		certs, err := readCertFile(path)
		if err != nil {
			logger.Debug("skipping non-certificate file in trust store", "file", entry.Name(), "error", err)
			continue
		}
		for _, cert := range certs {
			s.pool.AddCert(cert)
			s.roots = append(s.roots, cert)
			count++
		}
	}

	logger.Info("trust store loaded", "custom_roots", count, "revoked_serials", len(s.revoked), "dir", dir)
	return s, nil
}

// NewFromCerts builds a store from in-memory roots. Used by tests and by
// deployments that embed their roots.
func NewFromCerts(roots []*x509.Certificate, revokedSerials []*big.Int) *Store {
	pool := x509.NewCertPool()
	revoked := make(map[string]bool, len(revokedSerials))
	for _, cert := range roots {
		pool.AddCert(cert)
	}
	for _, serial := range revokedSerials {
		revoked[serial.String()] = true
	}
	return &Store{pool: pool, roots: roots, revoked: revoked}
}

// Pool returns the root pool for chain verification.
func (s *Store) Pool() *x509.CertPool { return s.pool }

// Roots returns the custom roots loaded from disk.
func (s *Store) Roots() []*x509.Certificate { return s.roots }

// Revoked reports whether the serial number is on the revocation list.
func (s *Store) Revoked(serial *big.Int) bool {
	if serial == nil {
		return false
	}
	return s.revoked[serial.String()]
}

func (s *Store) loadRevocations(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		serial := new(big.Int)
		var ok bool
		if strings.HasPrefix(line, "0x") || strings.HasPrefix(line, "0X") {
			_, ok = serial.SetString(line[2:], 16)
		} else {
			_, ok = serial.SetString(line, 10)
		}
		if !ok {
			return fmt.Errorf("invalid serial %q in %s", line, path)
		}
		s.revoked[serial.String()] = true
	}
	return nil
}

// readCertFile parses one or more certificates from a PEM or DER file.
func readCertFile(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PEM certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	// Not PEM; try raw DER.
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("not a certificate: %w", err)
	}
	return []*x509.Certificate{cert}, nil
}
