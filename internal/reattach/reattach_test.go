package reattach

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/querygate/internal/bus"
	"github.com/basket/querygate/internal/execution"
	"github.com/basket/querygate/internal/persistence"
)

const (
	testUser    = "user-1"
	testSession = "0e7c9a52-3b1d-4f8e-a6c2-5d9f0b1e2a34"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// countingSender wraps the real sender and counts releases.
type countingSender struct {
	*execution.ResponseSender
	releases atomic.Int32
}

func (s *countingSender) Release() {
	s.releases.Add(1)
	s.ResponseSender.Release()
}

type senderFactory struct {
	mu      sync.Mutex
	senders []*countingSender
}

func (f *senderFactory) new(sink execution.Sink) execution.Sender {
	s := &countingSender{ResponseSender: execution.NewResponseSender(sink)}
	f.mu.Lock()
	f.senders = append(f.senders, s)
	f.mu.Unlock()
	return s
}

func (f *senderFactory) only(t *testing.T) *countingSender {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.senders) != 1 {
		t.Fatalf("senders built = %d, want 1", len(f.senders))
	}
	return f.senders[0]
}

type sliceSink struct {
	mu  sync.Mutex
	ids []string
}

func (s *sliceSink) Send(_ context.Context, resp execution.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, resp.ID)
	return nil
}

func (s *sliceSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type fixture struct {
	manager  *execution.Manager
	session  *execution.Session
	senders  *senderFactory
	coord    *Coordinator
	reattach func(ctx context.Context, opID, checkpoint string, sink execution.Sink) error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "querygate.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	m := execution.NewManager(execution.Config{
		Store:        store,
		Bus:          bus.New(),
		Logger:       quietLogger,
		PollInterval: 20 * time.Millisecond,
	})
	s, err := m.GetOrCreateSession(context.Background(), testUser, testSession)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	f := &fixture{manager: m, session: s, senders: &senderFactory{}}
	f.coord = New(Config{Registry: NewRegistry(m), NewSender: f.senders.new, Logger: quietLogger})
	f.reattach = func(ctx context.Context, opID, checkpoint string, sink execution.Sink) error {
		return f.coord.Handle(ctx, Request{
			UserID:         testUser,
			SessionID:      testSession,
			OperationID:    opID,
			LastResponseID: checkpoint,
		}, sink)
	}
	return f
}

func (f *fixture) start(t *testing.T, opID string, reattachable bool, n int, final bool) (*execution.Execution, []string) {
	t.Helper()
	e, err := f.session.StartExecution(context.Background(), opID, reattachable)
	if err != nil {
		t.Fatalf("start %s: %v", opID, err)
	}
	var ids []string
	for i := 1; i <= n; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		var resp execution.Response
		if final && i == n {
			resp, err = e.Complete(context.Background(), payload)
		} else {
			resp, err = e.Append(context.Background(), payload)
		}
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, resp.ID)
	}
	return e, ids
}

func TestHandle_UnknownOperation(t *testing.T) {
	f := newFixture(t)

	err := f.reattach(context.Background(), "missing", "", &sliceSink{})
	if !errors.Is(err, ErrOperationNotFound) {
		t.Fatalf("expected ErrOperationNotFound, got %v", err)
	}
	var notFound *OperationNotFoundError
	if !errors.As(err, &notFound) || notFound.OperationID != "missing" {
		t.Fatalf("expected OperationNotFoundError for %q, got %v", "missing", err)
	}
	if len(f.senders.senders) != 0 {
		t.Fatal("sender built for an unknown operation")
	}
}

func TestHandle_NotReattachable(t *testing.T) {
	f := newFixture(t)
	f.start(t, "op-fixed", false, 1, true)

	err := f.reattach(context.Background(), "op-fixed", "", &sliceSink{})
	if !errors.Is(err, ErrNotReattachable) {
		t.Fatalf("expected ErrNotReattachable, got %v", err)
	}
	if errors.Is(err, ErrOperationNotFound) {
		t.Fatal("non-reattachable operation reported as missing")
	}
}

func TestHandle_UnknownSession(t *testing.T) {
	f := newFixture(t)
	err := f.coord.Handle(context.Background(), Request{
		UserID:      "someone-else",
		SessionID:   testSession,
		OperationID: "op-1",
	}, &sliceSink{})
	if !errors.Is(err, execution.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if got := Outcome(err); got != "session_not_found" {
		t.Fatalf("Outcome = %q", got)
	}
}

func TestHandle_ReplaysFromStart(t *testing.T) {
	f := newFixture(t)
	_, ids := f.start(t, "op-1", true, 3, true)

	sink := &sliceSink{}
	if err := f.reattach(context.Background(), "op-1", "", sink); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if diff := cmp.Diff(ids, sink.got()); diff != "" {
		t.Fatalf("delivered ids (-want +got):\n%s", diff)
	}
	if got := f.senders.only(t).releases.Load(); got != 1 {
		t.Fatalf("releases = %d, want 1", got)
	}
}

func TestHandle_ResumesAfterCheckpoint(t *testing.T) {
	f := newFixture(t)
	_, ids := f.start(t, "op-1", true, 4, true)

	sink := &sliceSink{}
	if err := f.reattach(context.Background(), "op-1", ids[1], sink); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if diff := cmp.Diff(ids[2:], sink.got()); diff != "" {
		t.Fatalf("delivered ids (-want +got):\n%s", diff)
	}
}

func TestHandle_UnknownCheckpointReleasesSender(t *testing.T) {
	f := newFixture(t)
	f.start(t, "op-1", true, 2, true)

	err := f.reattach(context.Background(), "op-1", "not-a-response", &sliceSink{})
	if !errors.Is(err, execution.ErrCheckpointNotFound) {
		t.Fatalf("expected ErrCheckpointNotFound, got %v", err)
	}
	if got := f.senders.only(t).releases.Load(); got != 1 {
		t.Fatalf("releases = %d, want 1", got)
	}
}

func TestHandle_CancelReleasesSenderAndKeepsExecution(t *testing.T) {
	f := newFixture(t)
	e, ids := f.start(t, "op-1", true, 1, false)

	ctx, cancel := context.WithCancel(context.Background())
	sink := &sliceSink{}
	done := make(chan error, 1)
	go func() { done <- f.reattach(ctx, "op-1", "", sink) }()

	deadline := time.Now().Add(3 * time.Second)
	for len(sink.got()) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first response not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reattach did not return after cancel")
	}
	if got := f.senders.only(t).releases.Load(); got != 1 {
		t.Fatalf("releases = %d, want 1", got)
	}

	// The execution survives and a later reattach resumes from the checkpoint.
	last, err := e.Complete(context.Background(), json.RawMessage(`{"done":true}`))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	resumed := &sliceSink{}
	if err := f.reattach(context.Background(), "op-1", ids[0], resumed); err != nil {
		t.Fatalf("second reattach: %v", err)
	}
	if diff := cmp.Diff([]string{last.ID}, resumed.got()); diff != "" {
		t.Fatalf("resumed ids (-want +got):\n%s", diff)
	}
}

type stubRegistry struct {
	exec Execution
}

func (r stubRegistry) Session(context.Context, string, string) (Session, error) {
	return r, nil
}

func (r stubRegistry) Execution(string) (Execution, bool) { return r.exec, r.exec != nil }

type failingExecution struct{ err error }

func (failingExecution) Reattachable() bool { return true }

func (e failingExecution) AttachFromStart(context.Context, execution.Sender) error { return e.err }

func (e failingExecution) AttachFromCheckpoint(context.Context, execution.Sender, string) error {
	return e.err
}

func TestHandle_AttachErrorReleasesOnce(t *testing.T) {
	boom := errors.New("engine gone")
	senders := &senderFactory{}
	c := New(Config{
		Registry:  stubRegistry{exec: failingExecution{err: boom}},
		NewSender: senders.new,
		Logger:    quietLogger,
	})

	err := c.Handle(context.Background(), Request{UserID: "u", SessionID: "s", OperationID: "op"}, &sliceSink{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected attach error, got %v", err)
	}
	if got := senders.only(t).releases.Load(); got != 1 {
		t.Fatalf("releases = %d, want 1", got)
	}
	if got := Outcome(err); got != "error" {
		t.Fatalf("Outcome = %q, want error", got)
	}
}

func TestCheck_MatchesHandleValidation(t *testing.T) {
	f := newFixture(t)
	f.start(t, "op-ok", true, 1, true)
	f.start(t, "op-fixed", false, 1, true)

	cases := []struct {
		opID string
		want error
	}{
		{"op-ok", nil},
		{"op-fixed", ErrNotReattachable},
		{"missing", ErrOperationNotFound},
	}
	for _, tc := range cases {
		err := f.coord.Check(context.Background(), Request{UserID: testUser, SessionID: testSession, OperationID: tc.opID})
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.opID, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.opID, tc.want, err)
		}
	}
	if len(f.senders.senders) != 0 {
		t.Fatal("Check built a sender")
	}
}
