package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/querygate/internal/persistence"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
)

func openTestStore(t *testing.T, clock clockwork.Clock) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "querygate.db")
	store, err := persistence.Open(dbPath, clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func createExecution(t *testing.T, store *persistence.Store, key string) {
	t.Helper()
	if err := store.CreateExecution(context.Background(), persistence.ExecutionRecord{
		OperationKey: key,
		UserID:       "user-1",
		SessionID:    "8f0e2b7c-5d1a-4c1e-9a55-0c6f1d2f3a4b",
		OperationID:  key,
		Reattachable: true,
	}); err != nil {
		t.Fatalf("create execution %s: %v", key, err)
	}
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t, nil)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "executions", "responses", "audit_log"} {
		name := queryOneString(t, db, fmt.Sprintf("SELECT name FROM sqlite_master WHERE type='table' AND name='%s';", table))
		if name != table {
			t.Fatalf("expected table %s", table)
		}
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t, nil)
	createExecution(t, store, "op-1")
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetExecution(context.Background(), "op-1"); err != nil {
		t.Fatalf("execution lost across reopen: %v", err)
	}
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, dbPath := openTestStore(t, nil)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future migration: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(dbPath, nil); err == nil {
		t.Fatal("expected open to fail on newer schema")
	}
}

func TestStore_CreateExecutionDuplicate(t *testing.T) {
	store, _ := openTestStore(t, nil)
	createExecution(t, store, "op-1")

	err := store.CreateExecution(context.Background(), persistence.ExecutionRecord{
		OperationKey: "op-1",
		UserID:       "user-1",
		SessionID:    "s",
		OperationID:  "op-1",
	})
	if !errors.Is(err, persistence.ErrExecutionExists) {
		t.Fatalf("expected ErrExecutionExists, got %v", err)
	}
}

func TestStore_AppendAssignsSequentialIndexes(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()
	createExecution(t, store, "op-1")

	for i := 1; i <= 3; i++ {
		rec, err := store.AppendResponse(ctx, "op-1", fmt.Sprintf("r%d", i), []byte(fmt.Sprintf(`{"n":%d}`, i)), i == 3)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if rec.Index != int64(i) {
			t.Fatalf("expected index %d, got %d", i, rec.Index)
		}
	}

	got, err := store.ListResponsesAfter(ctx, "op-1", 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ResponseID)
	}
	if diff := cmp.Diff([]string{"r2", "r3"}, ids); diff != "" {
		t.Fatalf("responses after 1 (-want +got):\n%s", diff)
	}
	if !got[1].Final {
		t.Fatal("expected last response to be final")
	}
	if string(got[0].Payload) != `{"n":2}` {
		t.Fatalf("unexpected payload %s", got[0].Payload)
	}

	exec, err := store.GetExecution(ctx, "op-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != persistence.ExecutionStatusCompleted {
		t.Fatalf("expected COMPLETED after final response, got %s", exec.Status)
	}
}

func TestStore_AppendAfterFinalRejected(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()
	createExecution(t, store, "op-1")

	if _, err := store.AppendResponse(ctx, "op-1", "r1", []byte(`{}`), true); err != nil {
		t.Fatalf("append final: %v", err)
	}
	if _, err := store.AppendResponse(ctx, "op-1", "r2", []byte(`{}`), false); !errors.Is(err, persistence.ErrExecutionClosed) {
		t.Fatalf("expected ErrExecutionClosed, got %v", err)
	}
	if _, err := store.AppendResponse(ctx, "missing", "r3", []byte(`{}`), false); !errors.Is(err, persistence.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestStore_ResponseIndex(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()
	createExecution(t, store, "op-1")
	createExecution(t, store, "op-2")

	if _, err := store.AppendResponse(ctx, "op-1", "r1", nil, false); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AppendResponse(ctx, "op-1", "r2", nil, false); err != nil {
		t.Fatalf("append: %v", err)
	}

	idx, err := store.ResponseIndex(ctx, "op-1", "r2")
	if err != nil {
		t.Fatalf("response index: %v", err)
	}
	if idx != 2 {
		t.Fatalf("expected index 2, got %d", idx)
	}
	// Response ids are scoped to their execution.
	if _, err := store.ResponseIndex(ctx, "op-2", "r2"); !errors.Is(err, persistence.ErrResponseNotFound) {
		t.Fatalf("expected ErrResponseNotFound across executions, got %v", err)
	}
}

func TestStore_DeleteExecutionRemovesResponses(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()
	createExecution(t, store, "op-1")
	if _, err := store.AppendResponse(ctx, "op-1", "r1", []byte(`{}`), false); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.DeleteExecution(ctx, "op-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetExecution(ctx, "op-1"); !errors.Is(err, persistence.ErrExecutionNotFound) {
		t.Fatalf("expected execution gone, got %v", err)
	}
	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if diff := cmp.Diff(persistence.Counts{}, counts); diff != "" {
		t.Fatalf("counts after delete (-want +got):\n%s", diff)
	}
}

func TestStore_MarkExecution(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()
	createExecution(t, store, "op-1")

	if err := store.MarkExecution(ctx, "op-1", persistence.ExecutionStatusReleased); err != nil {
		t.Fatalf("mark: %v", err)
	}
	rec, err := store.GetExecution(ctx, "op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != persistence.ExecutionStatusReleased {
		t.Fatalf("expected RELEASED, got %s", rec.Status)
	}
	if err := store.MarkExecution(ctx, "missing", persistence.ExecutionStatusReleased); !errors.Is(err, persistence.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestStore_AbandonRunningExecutions(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()
	createExecution(t, store, "op-1")
	createExecution(t, store, "op-2")
	if _, err := store.AppendResponse(ctx, "op-2", "r1", nil, true); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := store.AbandonRunningExecutions(ctx)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 abandoned execution, got %d", n)
	}
	rec, _ := store.GetExecution(ctx, "op-1")
	if rec.Status != persistence.ExecutionStatusAbandoned {
		t.Fatalf("expected ABANDONED, got %s", rec.Status)
	}
}

func TestStore_PruneExecutions(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	store, _ := openTestStore(t, clock)
	ctx := context.Background()

	createExecution(t, store, "old-done")
	if _, err := store.AppendResponse(ctx, "old-done", "r1", nil, true); err != nil {
		t.Fatalf("append: %v", err)
	}
	createExecution(t, store, "old-running")

	clock.Advance(48 * time.Hour)
	createExecution(t, store, "new-done")
	if _, err := store.AppendResponse(ctx, "new-done", "r2", nil, true); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := store.PruneExecutions(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if res.PurgedExecutions != 1 || res.PurgedResponses != 1 {
		t.Fatalf("unexpected prune result %+v", res)
	}
	if _, err := store.GetExecution(ctx, "old-done"); !errors.Is(err, persistence.ErrExecutionNotFound) {
		t.Fatalf("expected old completed execution pruned, got %v", err)
	}
	for _, key := range []string{"old-running", "new-done"} {
		if _, err := store.GetExecution(ctx, key); err != nil {
			t.Fatalf("expected %s to survive prune: %v", key, err)
		}
	}

	again, err := store.PruneExecutions(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("second prune: %v", err)
	}
	if again.PurgedExecutions != 0 {
		t.Fatalf("expected idempotent prune, got %+v", again)
	}
}
