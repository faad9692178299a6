// Package execution is the in-process session and execution registry. It
// tracks sessions per user, runs executions whose responses are buffered in
// the persistence store, and lets at most one sender at a time stream an
// execution's responses from the start or from a checkpoint.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/basket/querygate/internal/bus"
	"github.com/basket/querygate/internal/otel"
	"github.com/basket/querygate/internal/persistence"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidSessionID = errors.New("session id must be a UUID")
	ErrInvalidUserID    = errors.New("user id is required")
	ErrSessionClosed    = errors.New("session closed")
)

// Session close reasons.
const (
	CloseReasonClosed   = "closed"
	CloseReasonIdle     = "idle"
	CloseReasonShutdown = "shutdown"
)

const (
	defaultIdleTimeout  = time.Hour
	defaultReapInterval = time.Minute
	defaultPollInterval = time.Second
)

// Config holds the dependencies for a Manager.
type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus // optional; attached senders poll without it
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *otel.Metrics

	// IdleTimeout closes sessions with no access and no attached sender for
	// this long.
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	// PollInterval bounds how long an attached sender waits between response
	// log reads when no bus event arrives.
	PollInterval time.Duration

	// OnSessionClosed runs after a session is removed and its executions are
	// released.
	OnSessionClosed func(ctx context.Context, userID, sessionID string)
}

type sessionKey struct {
	userID    string
	sessionID string
}

// Manager owns every live session.
type Manager struct {
	store        *persistence.Store
	bus          *bus.Bus
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *otel.Metrics
	idleTimeout  time.Duration
	reapInterval time.Duration
	pollInterval time.Duration
	onClosed     func(ctx context.Context, userID, sessionID string)

	mu       sync.Mutex
	sessions map[sessionKey]*Session

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:        cfg.Store,
		bus:          cfg.Bus,
		clock:        clock,
		logger:       logger.With("component", "execution"),
		metrics:      cfg.Metrics,
		idleTimeout:  cfg.IdleTimeout,
		reapInterval: cfg.ReapInterval,
		pollInterval: cfg.PollInterval,
		onClosed:     cfg.OnSessionClosed,
		sessions:     make(map[sessionKey]*Session),
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = defaultIdleTimeout
	}
	if m.reapInterval <= 0 {
		m.reapInterval = defaultReapInterval
	}
	if m.pollInterval <= 0 {
		m.pollInterval = defaultPollInterval
	}
	return m
}

// SetOnSessionClosed replaces the session-closed hook. It exists so the
// daemon can wire the query cache after both are constructed.
func (m *Manager) SetOnSessionClosed(fn func(ctx context.Context, userID, sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClosed = fn
}

func validateIDs(userID, sessionID string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	return nil
}

// GetOrCreateSession returns the session for (userID, sessionID), creating it
// on first use. Session ids must be UUIDs.
func (m *Manager) GetOrCreateSession(ctx context.Context, userID, sessionID string) (*Session, error) {
	if err := validateIDs(userID, sessionID); err != nil {
		return nil, err
	}
	key := sessionKey{userID: userID, sessionID: sessionID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.touch()
		return s, nil
	}
	now := m.clock.Now()
	s := &Session{
		mgr:        m,
		userID:     userID,
		sessionID:  sessionID,
		createdAt:  now,
		lastAccess: now,
		executions: make(map[string]*Execution),
	}
	m.sessions[key] = s
	m.logger.Info("session created", "user_id", userID, "session_id", sessionID)
	return s, nil
}

// Session returns an existing session. Sessions are isolated per user: the
// same session id under another user is not found.
func (m *Manager) Session(ctx context.Context, userID, sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey{userID: userID, sessionID: sessionID}]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrSessionNotFound, userID, sessionID)
	}
	s.touch()
	return s, nil
}

// KeepAlive marks the session as recently used so the idle reaper leaves it
// alone.
func (m *Manager) KeepAlive(ctx context.Context, userID, sessionID string) error {
	_, err := m.Session(ctx, userID, sessionID)
	return err
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SessionInfo is a diagnostics view of a session.
type SessionInfo struct {
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Operations []string  `json:"operations"`
}

// Sessions lists the live sessions of userID, or of every user when userID is
// empty.
func (m *Manager) Sessions(userID string) []SessionInfo {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for k, s := range m.sessions {
		if userID == "" || k.userID == userID {
			list = append(list, s)
		}
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		info := SessionInfo{
			UserID:     s.userID,
			SessionID:  s.sessionID,
			CreatedAt:  s.createdAt,
			LastAccess: s.lastAccess,
		}
		s.mu.Unlock()
		info.Operations = s.Operations()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// CloseSession removes the session, releases its executions, runs the
// session-closed hook and publishes session.closed.
func (m *Manager) CloseSession(ctx context.Context, userID, sessionID, reason string) error {
	key := sessionKey{userID: userID, sessionID: sessionID}
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	onClosed := m.onClosed
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrSessionNotFound, userID, sessionID)
	}

	s.close(ctx)

	if onClosed != nil {
		onClosed(ctx, userID, sessionID)
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicSessionClosed, bus.SessionClosedEvent{
			UserID:    userID,
			SessionID: sessionID,
			Reason:    reason,
		})
	}
	m.metrics.RecordSessionClosed(ctx, reason)
	m.logger.Info("session closed", "user_id", userID, "session_id", sessionID, "reason", reason)
	return nil
}

// ReapIdle closes every session that has been idle longer than the idle
// timeout and has no attached sender. Returns the number closed.
func (m *Manager) ReapIdle(ctx context.Context) int {
	cutoff := m.clock.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []sessionKey
	for k, s := range m.sessions {
		if s.idleSince(cutoff) {
			idle = append(idle, k)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, k := range idle {
		if err := m.CloseSession(ctx, k.userID, k.sessionID, CloseReasonIdle); err != nil {
			// Closed concurrently.
			continue
		}
		closed++
	}
	return closed
}

// CloseAll closes every session with the given reason.
func (m *Manager) CloseAll(ctx context.Context, reason string) int {
	m.mu.Lock()
	keys := make([]sessionKey, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	closed := 0
	for _, k := range keys {
		if err := m.CloseSession(ctx, k.userID, k.sessionID, reason); err == nil {
			closed++
		}
	}
	return closed
}

// Start begins the idle-session reaper loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("session reaper started", "interval", m.reapInterval, "idle_timeout", m.idleTimeout)
}

// Stop cancels the reaper loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := m.ReapIdle(ctx); n > 0 {
				m.logger.Info("idle sessions reaped", "count", n)
			}
		}
	}
}
