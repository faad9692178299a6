package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedExecutions int64 `json:"purged_executions"`
	PurgedResponses  int64 `json:"purged_responses"`
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
}

// PruneExecutions deletes executions that are no longer running and were last
// updated before the cutoff, together with their responses and audit rows of
// the same age. Running executions are never pruned. The job is idempotent.
func (s *Store) PruneExecutions(ctx context.Context, before time.Time) (RetentionResult, error) {
	var result RetentionResult
	before = before.UTC()

	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		result = RetentionResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			DELETE FROM responses WHERE operation_key IN (
				SELECT operation_key FROM executions WHERE status != ? AND updated_at < ?
			);
		`, ExecutionStatusRunning, before)
		if err != nil {
			return fmt.Errorf("purge responses: %w", err)
		}
		result.PurgedResponses, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
			DELETE FROM executions WHERE status != ? AND updated_at < ?;
		`, ExecutionStatusRunning, before)
		if err != nil {
			return fmt.Errorf("purge executions: %w", err)
		}
		result.PurgedExecutions, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, before)
		if err != nil {
			return fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()

		return tx.Commit()
	})
	if err != nil {
		return RetentionResult{}, err
	}
	return result, nil
}
