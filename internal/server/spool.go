package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// purgeInterval is how often the spool sweeps for stale files.
const purgeInterval = 5 * time.Minute

// Spool persists uploads to disk while they are read into memory. Spool
// files outlive the request so a crashed session leaves its input behind
// for inspection; the purge loop removes files older than maxAge.
type Spool struct {
	dir    string
	maxAge time.Duration
	logger *slog.Logger
}

// NewSpool creates the spool directory if needed.
func NewSpool(dir string, maxAge time.Duration, logger *slog.Logger) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir, maxAge: maxAge, logger: logger}, nil
}

// Save streams the upload into a spool file and returns the full payload.
// The reader is consumed exactly once; byte limits are enforced upstream
// via http.MaxBytesReader.
func (s *Spool) Save(id string, r io.Reader) ([]byte, error) {
	path := filepath.Join(s.dir, id+".bin")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.TeeReader(r, f))
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	return data, nil
}

// Remove deletes one session's spool file.
func (s *Spool) Remove(id string) {
	if err := os.Remove(filepath.Join(s.dir, id+".bin")); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("spool remove failed", "session", id, "error", err)
	}
}

// Run purges stale spool files until ctx is cancelled.
func (s *Spool) Run(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.purge(now)
		}
	}
}

func (s *Spool) purge(now time.Time) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("spool purge failed", "error", err)
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > s.maxAge {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				s.logger.Warn("spool purge remove failed", "file", e.Name(), "error", err)
				continue
			}
			s.logger.Debug("stale spool file purged", "file", e.Name())
		}
	}
}
