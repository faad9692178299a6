package execution

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/basket/querygate/internal/bus"
	"github.com/basket/querygate/internal/persistence"
)

const (
	testUser    = "user-1"
	testSession = "5b3f1d2e-8a4c-4f6b-9e21-7c0d3a9b1f55"
)

func newTestManager(t *testing.T, clock clockwork.Clock, withBus bool) (*Manager, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "querygate.db"), clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var b *bus.Bus
	if withBus {
		b = bus.New()
	}
	m := NewManager(Config{
		Store:        store,
		Bus:          b,
		Clock:        clock,
		IdleTimeout:  time.Hour,
		ReapInterval: time.Minute,
		PollInterval: 20 * time.Millisecond,
	})
	return m, store
}

func mustSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.GetOrCreateSession(context.Background(), testUser, testSession)
	if err != nil {
		t.Fatalf("get or create session: %v", err)
	}
	return s
}

func mustStart(t *testing.T, s *Session, operationID string) *Execution {
	t.Helper()
	e, err := s.StartExecution(context.Background(), operationID, true)
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	return e
}

func mustAppend(t *testing.T, e *Execution, n int, final bool) Response {
	t.Helper()
	payload := json.RawMessage(`{"n":` + itoa(n) + `}`)
	var (
		resp Response
		err  error
	)
	if final {
		resp, err = e.Complete(context.Background(), payload)
	} else {
		resp, err = e.Append(context.Background(), payload)
	}
	if err != nil {
		t.Fatalf("append %d: %v", n, err)
	}
	return resp
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// collectSink records every response it receives.
type collectSink struct {
	mu    sync.Mutex
	resps []Response
	err   error
}

func (c *collectSink) Send(_ context.Context, resp Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.resps = append(c.resps, resp)
	return nil
}

func (c *collectSink) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.resps))
	for _, r := range c.resps {
		out = append(out, r.ID)
	}
	return out
}

func (c *collectSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resps)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
