// Package server exposes the HTTP surface: document upload, per-session
// WebSocket streams, verdict retrieval and health probes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veridoc/veridoc/internal/artifact"
	"github.com/veridoc/veridoc/internal/forensic"
	"github.com/veridoc/veridoc/internal/session"
)

// Config contains everything the server needs.
type Config struct {
	Logger       *slog.Logger
	Orchestrator *forensic.Orchestrator // Required
	Sessions     *session.Manager       // Required
	Spool        *Spool                 // Required
	UploadLimit  int64                  // Max upload bytes
	RatePerMin   int                    // Uploads allowed per IP per minute
	TrustProxy   bool                   // Trust X-Real-IP/X-Forwarded-For
}

// Server is the orchestrator's HTTP server.
type Server struct {
	handler http.Handler

	logger   *slog.Logger
	orch     *forensic.Orchestrator
	sessions *session.Manager
	spool    *Spool
	limit    int64

	// lifetime bounds background analyses; cancelled on shutdown.
	lifetime context.Context
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New creates a server with all routes configured. ctx bounds the
// background analyses started by uploads; cancelling it (shutdown) lets
// running sessions degrade via their deadline handling.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if cfg.Spool == nil {
		return nil, errors.New("spool is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:   logger,
		orch:     cfg.Orchestrator,
		sessions: cfg.Sessions,
		spool:    cfg.Spool,
		limit:    cfg.UploadLimit,
		lifetime: ctx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/analyses", s.upload)
	mux.HandleFunc("GET /api/v1/analyses/{id}", s.verdict)
	mux.HandleFunc("GET /api/v1/analyses/{id}/stream", s.stream)
	mux.HandleFunc("DELETE /api/v1/analyses/{id}", s.destroy)
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /readyz", s.health)

	perSecond := float64(cfg.RatePerMin) / 60
	rl := newRateLimiter(perSecond, cfg.RatePerMin)
	s.handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(mux)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// uploadResponse acknowledges an accepted analysis.
type uploadResponse struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	StreamURL string `json:"stream_url"`
}

// upload accepts a document, registers a session and starts analysis in
// the background. The response returns immediately; results flow over the
// session stream.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.Must(uuid.NewV7()).String()

	name := "upload"
	// Cap r.Body itself so the limit also holds when ParseMultipartForm
	// reads the request directly.
	r.Body = http.MaxBytesReader(w, r.Body, s.limit)
	defer r.Body.Close()

	var payload []byte
	if mediatype := r.Header.Get("Content-Type"); len(mediatype) >= 19 && mediatype[:19] == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.limit); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "upload_too_large", err.Error(), s.logger)
				return
			}
			writeError(w, http.StatusBadRequest, "bad_upload", err.Error(), s.logger)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_upload", "missing file field", s.logger)
			return
		}
		defer file.Close()
		if header.Filename != "" {
			name = header.Filename
		}
		payload, err = s.spool.Save(sessionID, file)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "spool_failed", err.Error(), s.logger)
			return
		}
	} else {
		var err error
		payload, err = s.spool.Save(sessionID, r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.spool.Remove(sessionID)
				writeError(w, http.StatusRequestEntityTooLarge, "upload_too_large", err.Error(), s.logger)
				return
			}
			writeError(w, http.StatusInternalServerError, "spool_failed", err.Error(), s.logger)
			return
		}
	}
	if len(payload) == 0 {
		s.spool.Remove(sessionID)
		writeError(w, http.StatusBadRequest, "bad_upload", "empty payload", s.logger)
		return
	}

	art := artifact.New(name, payload)
	sess, err := s.sessions.Create(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session_failed", err.Error(), s.logger)
		return
	}

	go s.analyze(sess, art)

	writeJSON(w, http.StatusAccepted, uploadResponse{
		SessionID: sessionID,
		Kind:      string(art.Kind),
		StreamURL: "/api/v1/analyses/" + sessionID + "/stream",
	}, s.logger)
}

// analyze runs one session to completion on a background goroutine.
func (s *Server) analyze(sess *session.Session, art *artifact.Artifact) {
	out, err := s.orch.Analyze(s.lifetime, sess.ID, art, sess.Progress())
	if err != nil {
		s.logger.Error("session failed", "session", sess.ID, "error", err)
		sess.Fail(err)
		return
	}
	sess.Finish(out)
}

// stream upgrades to WebSocket and replays the session's message queue.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), s.logger)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if err := session.NewStreamer(sess).Stream(r.Context(), conn); err != nil {
		s.logger.Warn("stream ended with error", "session", sess.ID, "error", err)
	}
}

// verdict returns the finished session's outcome, or 409 while it runs.
func (s *Server) verdict(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), s.logger)
		return
	}
	switch sess.State() {
	case session.StateRunning:
		writeError(w, http.StatusConflict, "still_running", "analysis in progress", s.logger)
	case session.StateFailed:
		writeError(w, http.StatusBadGateway, "session_failed", "analysis could not run", s.logger)
	default:
		writeJSON(w, http.StatusOK, sess.Outcome(), s.logger)
	}
}

// destroy removes a session and its spool file immediately.
func (s *Server) destroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), s.logger)
		return
	}
	s.sessions.Destroy(id)
	s.spool.Remove(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"}, s.logger)
}

// health backs the liveness and readiness probes.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}
