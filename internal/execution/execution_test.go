package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/basket/querygate/internal/persistence"
)

func TestSession_StartExecution(t *testing.T) {
	m, _ := newTestManager(t, nil, true)
	s := mustSession(t, m)

	e := mustStart(t, s, "op-1")
	if e.OperationID() != "op-1" || !e.Reattachable() {
		t.Fatalf("unexpected execution %q reattachable=%v", e.OperationID(), e.Reattachable())
	}
	if _, err := s.StartExecution(context.Background(), "op-1", true); !errors.Is(err, ErrOperationExists) {
		t.Fatalf("expected ErrOperationExists, got %v", err)
	}

	gen, err := s.StartExecution(context.Background(), "", false)
	if err != nil {
		t.Fatalf("start with generated id: %v", err)
	}
	if gen.OperationID() == "" {
		t.Fatal("expected generated operation id")
	}
	if got, ok := s.Execution(gen.OperationID()); !ok || got != gen {
		t.Fatal("expected generated execution to be retrievable")
	}
}

func TestExecution_AttachFromStartDeliversAll(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewFakeClock(), true)
	e := mustStart(t, mustSession(t, m), "op-1")

	r1 := mustAppend(t, e, 1, false)
	r2 := mustAppend(t, e, 2, false)
	r3 := mustAppend(t, e, 3, true)

	sink := &collectSink{}
	if err := e.AttachFromStart(context.Background(), NewResponseSender(sink)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if diff := cmp.Diff([]string{r1.ID, r2.ID, r3.ID}, sink.ids()); diff != "" {
		t.Fatalf("delivered ids (-want +got):\n%s", diff)
	}
	if sink.resps[2].Index != 3 || !sink.resps[2].Final {
		t.Fatalf("unexpected final response %+v", sink.resps[2])
	}
	if e.Attached() {
		t.Fatal("expected sender detached after final response")
	}
}

func TestExecution_AttachFromCheckpoint(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewFakeClock(), true)
	e := mustStart(t, mustSession(t, m), "op-1")

	mustAppend(t, e, 1, false)
	r2 := mustAppend(t, e, 2, false)
	r3 := mustAppend(t, e, 3, false)
	r4 := mustAppend(t, e, 4, true)

	sink := &collectSink{}
	sender := NewResponseSender(sink)
	if err := e.AttachFromCheckpoint(context.Background(), sender, r2.ID); err != nil {
		t.Fatalf("attach from checkpoint: %v", err)
	}
	if diff := cmp.Diff([]string{r3.ID, r4.ID}, sink.ids()); diff != "" {
		t.Fatalf("delivered ids (-want +got):\n%s", diff)
	}
	if sender.LastResponseID() != r4.ID {
		t.Fatalf("expected last response %s, got %s", r4.ID, sender.LastResponseID())
	}
}

func TestExecution_CheckpointAtFinalReturnsImmediately(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewFakeClock(), true)
	e := mustStart(t, mustSession(t, m), "op-1")
	final := mustAppend(t, e, 1, true)

	sink := &collectSink{}
	if err := e.AttachFromCheckpoint(context.Background(), NewResponseSender(sink), final.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if sink.count() != 0 {
		t.Fatalf("expected nothing delivered after final checkpoint, got %d", sink.count())
	}
}

func TestExecution_UnknownCheckpoint(t *testing.T) {
	m, _ := newTestManager(t, nil, true)
	e := mustStart(t, mustSession(t, m), "op-1")
	mustAppend(t, e, 1, false)

	err := e.AttachFromCheckpoint(context.Background(), NewResponseSender(&collectSink{}), "no-such-response")
	if !errors.Is(err, ErrCheckpointNotFound) {
		t.Fatalf("expected ErrCheckpointNotFound, got %v", err)
	}
	if e.Attached() {
		t.Fatal("failed checkpoint must not leave a sender attached")
	}
}

func TestExecution_AttachStreamsLiveAppends(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewFakeClock(), true)
	e := mustStart(t, mustSession(t, m), "op-1")
	mustAppend(t, e, 1, false)

	sink := &collectSink{}
	done := make(chan error, 1)
	go func() { done <- e.AttachFromStart(context.Background(), NewResponseSender(sink)) }()

	waitFor(t, "first response delivered", func() bool { return sink.count() == 1 })
	mustAppend(t, e, 2, false)
	waitFor(t, "second response delivered", func() bool { return sink.count() == 2 })
	mustAppend(t, e, 3, true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("attach: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("attach did not return after final response")
	}
	if sink.count() != 3 {
		t.Fatalf("expected 3 responses, got %d", sink.count())
	}
}

func TestExecution_AttachPollsWithoutBus(t *testing.T) {
	m, _ := newTestManager(t, nil, false)
	e := mustStart(t, mustSession(t, m), "op-1")

	sink := &collectSink{}
	done := make(chan error, 1)
	go func() { done <- e.AttachFromStart(context.Background(), NewResponseSender(sink)) }()

	waitFor(t, "sender attached", e.Attached)
	mustAppend(t, e, 1, false)
	mustAppend(t, e, 2, true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("attach: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("polling attach did not observe final response")
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 responses, got %d", sink.count())
	}
}

func TestExecution_SecondAttachQueuesUntilFirstDetaches(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewFakeClock(), true)
	e := mustStart(t, mustSession(t, m), "op-1")
	mustAppend(t, e, 1, false)

	firstSink := &collectSink{}
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() { firstDone <- e.AttachFromStart(firstCtx, NewResponseSender(firstSink)) }()
	waitFor(t, "first sender delivered", func() bool { return firstSink.count() == 1 })

	secondSink := &collectSink{}
	secondDone := make(chan error, 1)
	go func() { secondDone <- e.AttachFromStart(context.Background(), NewResponseSender(secondSink)) }()

	time.Sleep(50 * time.Millisecond)
	if secondSink.count() != 0 {
		t.Fatalf("second sender received %d responses while first was attached", secondSink.count())
	}

	cancelFirst()
	if err := <-firstDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected first attach cancelled, got %v", err)
	}

	waitFor(t, "second sender replayed", func() bool { return secondSink.count() == 1 })
	mustAppend(t, e, 2, true)
	select {
	case err := <-secondDone:
		if err != nil {
			t.Fatalf("second attach: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("second attach did not finish")
	}
	if firstSink.count() != 1 {
		t.Fatalf("detached sender must not receive more responses, got %d", firstSink.count())
	}
}

func TestExecution_QueuedAttachHonorsContext(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewFakeClock(), true)
	e := mustStart(t, mustSession(t, m), "op-1")

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	go func() { _ = e.AttachFromStart(firstCtx, NewResponseSender(&collectSink{})) }()
	waitFor(t, "first sender attached", e.Attached)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := e.AttachFromStart(ctx, NewResponseSender(&collectSink{}))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected queued attach to time out, got %v", err)
	}
}

func TestExecution_ReleaseWakesAttachedSender(t *testing.T) {
	m, store := newTestManager(t, clockwork.NewFakeClock(), true)
	s := mustSession(t, m)
	e := mustStart(t, s, "op-1")
	mustAppend(t, e, 1, false)

	done := make(chan error, 1)
	go func() { done <- e.AttachFromStart(context.Background(), NewResponseSender(&collectSink{})) }()
	waitFor(t, "sender attached", e.Attached)

	if err := s.ReleaseExecution(context.Background(), "op-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrReleased) {
			t.Fatalf("expected ErrReleased, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("attached sender not woken by release")
	}

	if _, ok := s.Execution("op-1"); ok {
		t.Fatal("expected execution removed from session")
	}
	if _, err := store.GetExecution(context.Background(), e.Key()); !errors.Is(err, persistence.ErrExecutionNotFound) {
		t.Fatalf("expected buffered execution purged, got %v", err)
	}
	if _, err := e.Append(context.Background(), []byte(`{}`)); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected append after release to fail, got %v", err)
	}
	if err := e.AttachFromStart(context.Background(), NewResponseSender(&collectSink{})); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected attach after release to fail, got %v", err)
	}
	if err := s.ReleaseExecution(context.Background(), "op-1"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected second release to report not found, got %v", err)
	}
}

func TestExecution_SinkErrorEndsAttach(t *testing.T) {
	m, _ := newTestManager(t, clockwork.NewFakeClock(), true)
	e := mustStart(t, mustSession(t, m), "op-1")
	mustAppend(t, e, 1, false)

	boom := errors.New("client gone")
	err := e.AttachFromStart(context.Background(), NewResponseSender(&collectSink{err: boom}))
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if e.Attached() {
		t.Fatal("expected slot freed after sink error")
	}
}

func TestExecution_FinalCommittedAfterEmptyReadIsDelivered(t *testing.T) {
	m, _ := newTestManager(t, nil, true)
	e := mustStart(t, mustSession(t, m), "op-1")
	r1 := mustAppend(t, e, 1, false)

	// The producer completes between the attach's empty page read and its
	// completion check.
	var (
		once  sync.Once
		final Response
	)
	afterPageRead = func() {
		once.Do(func() { final = mustAppend(t, e, 2, true) })
	}
	t.Cleanup(func() { afterPageRead = nil })

	sink := &collectSink{}
	sender := NewResponseSender(sink)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.AttachFromCheckpoint(ctx, sender, r1.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if diff := cmp.Diff([]string{final.ID}, sink.ids()); diff != "" {
		t.Fatalf("delivered ids (-want +got):\n%s", diff)
	}
	if sender.LastResponseID() != final.ID {
		t.Fatalf("last response = %s, want final %s", sender.LastResponseID(), final.ID)
	}
}
