package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/veridoc/veridoc/internal/finding"
	"github.com/veridoc/veridoc/internal/forensic"
	"github.com/veridoc/veridoc/internal/sched"
)

// DefaultGracePeriod is how long a finished session stays retrievable
// before the reaper removes it. A consumer that reconnects within the
// grace period still receives the queued tail and the verdict.
const DefaultGracePeriod = 2 * time.Minute

// reapInterval is how often the reaper sweeps.
const reapInterval = 15 * time.Second

// ErrNotFound is returned for session IDs that never existed or were
// already reaped.
var ErrNotFound = errors.New("session not found")

// State is a session's lifecycle phase.
type State string

const (
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// Session is one live or recently finished analysis.
type Session struct {
	ID string

	queue *messageQueue

	mu       sync.Mutex
	state    State
	outcome  *forensic.Outcome
	created  time.Time
	settled  time.Time
	consumed bool
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome returns the final outcome, nil while the session is running or
// after a failure.
func (s *Session) Outcome() *forensic.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Progress returns the scheduler callback feeding this session's stream.
// Safe to call from the scheduler loop goroutine.
func (s *Session) Progress() sched.ProgressFunc {
	return func(ev sched.Event) {
		for _, m := range progressMessages(ev) {
			s.queue.Enqueue(m)
		}
	}
}

// Finish records the outcome, emits the final-verdict frame and closes the
// stream.
func (s *Session) Finish(out *forensic.Outcome) {
	s.mu.Lock()
	s.state = StateFinished
	s.outcome = out
	s.settled = time.Now()
	s.mu.Unlock()

	verdict := out.Verdict
	s.queue.Enqueue(Message{Type: MessageFinalVerdict, Verdict: &verdict})
	s.queue.Close()
}

// Fail records an unrunnable session, emits the error frame and closes the
// stream. Forensic degradation is not failure; only orchestrator errors
// land here.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.settled = time.Now()
	s.mu.Unlock()

	s.queue.Enqueue(Message{Type: MessageError, Error: err.Error()})
	s.queue.Close()
}

// Verdict returns the verdict once finished.
func (s *Session) Verdict() (finding.Verdict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFinished || s.outcome == nil {
		return finding.Verdict{}, false
	}
	return s.outcome.Verdict, true
}

// expired reports whether the reaper may remove the session.
func (s *Session) expired(now time.Time, grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return false
	}
	return now.Sub(s.settled) > grace
}

// Manager owns all sessions for one server process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	grace    time.Duration
	logger   *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithGracePeriod overrides how long settled sessions are retained.
func WithGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// NewManager creates an empty session manager.
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		grace:    DefaultGracePeriod,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new running session under the given ID.
func (m *Manager) Create(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.sessions[id]; dup {
		return nil, errors.New("session already exists: " + id)
	}
	s := &Session{
		ID:      id,
		queue:   newMessageQueue(),
		state:   StateRunning,
		created: time.Now(),
	}
	m.sessions[id] = s
	return s, nil
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Destroy removes a session immediately, closing its stream.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.queue.Close()
	}
}

// Len returns the number of live and grace-period sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run sweeps expired sessions until ctx is cancelled. Meant to be run as a
// background goroutine per server process.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.reap(now)
		}
	}
}

func (m *Manager) reap(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if s.expired(now, m.grace) {
			delete(m.sessions, id)
			m.logger.Debug("session reaped", "session", id, "state", s.State())
		}
	}
}
