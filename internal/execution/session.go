package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/querygate/internal/persistence"
)

var (
	ErrOperationExists   = errors.New("operation already exists")
	ErrExecutionNotFound = errors.New("execution not found")
)

// Session groups the executions of one client session.
type Session struct {
	mgr       *Manager
	userID    string
	sessionID string
	createdAt time.Time

	mu         sync.Mutex
	lastAccess time.Time
	executions map[string]*Execution
	closed     bool
}

func (s *Session) UserID() string { return s.userID }
func (s *Session) ID() string     { return s.sessionID }

func (s *Session) touch() {
	now := s.mgr.clock.Now()
	s.mu.Lock()
	if now.After(s.lastAccess) {
		s.lastAccess = now
	}
	s.mu.Unlock()
}

// idleSince reports whether the session was last accessed before cutoff and
// has no attached sender.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastAccess.Before(cutoff) {
		return false
	}
	for _, e := range s.executions {
		if e.Attached() {
			return false
		}
	}
	return true
}

// StartExecution registers a new execution under operationID. An empty
// operationID gets a generated UUID.
func (s *Session) StartExecution(ctx context.Context, operationID string, reattachable bool) (*Execution, error) {
	if operationID == "" {
		operationID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if _, ok := s.executions[operationID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationExists, operationID)
	}

	m := s.mgr
	e := &Execution{
		session:      s,
		key:          uuid.NewString(),
		operationID:  operationID,
		reattachable: reattachable,
		store:        m.store,
		bus:          m.bus,
		clock:        m.clock,
		pollInterval: m.pollInterval,
		logger:       m.logger.With("operation_id", operationID, "session_id", s.sessionID),
		metrics:      m.metrics,
		attachSem:    newAttachSemaphore(),
		released:     make(chan struct{}),
	}
	if err := m.store.CreateExecution(ctx, persistence.ExecutionRecord{
		OperationKey: e.key,
		UserID:       s.userID,
		SessionID:    s.sessionID,
		OperationID:  operationID,
		Reattachable: reattachable,
	}); err != nil {
		return nil, err
	}
	s.executions[operationID] = e
	s.lastAccess = m.clock.Now()
	return e, nil
}

// Execution looks up a live execution by operation id.
func (s *Session) Execution(operationID string) (*Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[operationID]
	return e, ok
}

// ReleaseExecution removes the execution, purges its buffered responses and
// wakes any attached sender with ErrReleased.
func (s *Session) ReleaseExecution(ctx context.Context, operationID string) error {
	s.mu.Lock()
	e, ok := s.executions[operationID]
	if ok {
		delete(s.executions, operationID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, operationID)
	}
	return e.release(ctx, true)
}

// Operations returns the operation ids of the session's live executions.
func (s *Session) Operations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.executions))
	for id := range s.executions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// close releases every execution without purging their responses; retention
// prunes them later.
func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	execs := make([]*Execution, 0, len(s.executions))
	for _, e := range s.executions {
		execs = append(execs, e)
	}
	s.executions = make(map[string]*Execution)
	s.mu.Unlock()

	for _, e := range execs {
		if err := e.release(ctx, false); err != nil {
			s.mgr.logger.Warn("release execution on session close failed",
				"session_id", s.sessionID, "operation_id", e.operationID, "error", err)
		}
	}
}
