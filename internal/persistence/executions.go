package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrExecutionExists   = errors.New("execution already exists")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionClosed   = errors.New("execution no longer accepts responses")
	ErrResponseNotFound  = errors.New("response not found")
)

type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusReleased  ExecutionStatus = "RELEASED"
	// ExecutionStatusAbandoned marks executions that were running when the
	// process exited; their producers are gone.
	ExecutionStatusAbandoned ExecutionStatus = "ABANDONED"
)

type ExecutionRecord struct {
	OperationKey string          `json:"operation_key"`
	UserID       string          `json:"user_id"`
	SessionID    string          `json:"session_id"`
	OperationID  string          `json:"operation_id"`
	Reattachable bool            `json:"reattachable"`
	Status       ExecutionStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type ResponseRecord struct {
	OperationKey string    `json:"operation_key"`
	Index        int64     `json:"index"`
	ResponseID   string    `json:"response_id"`
	Payload      []byte    `json:"payload"`
	Final        bool      `json:"final"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateExecution inserts a RUNNING execution row.
func (s *Store) CreateExecution(ctx context.Context, rec ExecutionRecord) error {
	now := s.now()
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO executions (operation_key, user_id, session_id, operation_id, reattachable, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.OperationKey, rec.UserID, rec.SessionID, rec.OperationID, rec.Reattachable, ExecutionStatusRunning, now, now)
		return err
	})
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("create execution %s: %w", rec.OperationKey, ErrExecutionExists)
		}
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// GetExecution loads one execution row.
func (s *Store) GetExecution(ctx context.Context, operationKey string) (ExecutionRecord, error) {
	var rec ExecutionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT operation_key, user_id, session_id, operation_id, reattachable, status, created_at, updated_at
		FROM executions
		WHERE operation_key = ?;
	`, operationKey).Scan(
		&rec.OperationKey,
		&rec.UserID,
		&rec.SessionID,
		&rec.OperationID,
		&rec.Reattachable,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrExecutionNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

// MarkExecution sets the execution status.
func (s *Store) MarkExecution(ctx context.Context, operationKey string, status ExecutionStatus) error {
	var affected int64
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE executions SET status = ?, updated_at = ? WHERE operation_key = ?;
		`, status, s.now(), operationKey)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark execution %s: %w", status, err)
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// AppendResponse appends the next response to an execution's log and
// returns it with its assigned 1-based index. A final response moves the
// execution to COMPLETED; appends to a non-RUNNING execution fail with
// ErrExecutionClosed.
func (s *Store) AppendResponse(ctx context.Context, operationKey, responseID string, payload []byte, final bool) (ResponseRecord, error) {
	rec := ResponseRecord{
		OperationKey: operationKey,
		ResponseID:   responseID,
		Payload:      payload,
		Final:        final,
	}
	if rec.Payload == nil {
		rec.Payload = []byte{}
	}
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var status ExecutionStatus
		err = tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE operation_key = ?;`, operationKey).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrExecutionNotFound
		}
		if err != nil {
			return err
		}
		if status != ExecutionStatusRunning {
			return ErrExecutionClosed
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(idx), 0) + 1 FROM responses WHERE operation_key = ?;
		`, operationKey).Scan(&rec.Index); err != nil {
			return err
		}

		rec.CreatedAt = s.now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO responses (operation_key, idx, response_id, payload, final, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, operationKey, rec.Index, responseID, rec.Payload, final, rec.CreatedAt); err != nil {
			return err
		}

		next := ExecutionStatusRunning
		if final {
			next = ExecutionStatusCompleted
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET status = ?, updated_at = ? WHERE operation_key = ?;
		`, next, rec.CreatedAt, operationKey); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrExecutionNotFound) || errors.Is(err, ErrExecutionClosed) {
			return ResponseRecord{}, err
		}
		return ResponseRecord{}, fmt.Errorf("append response: %w", err)
	}
	return rec, nil
}

// ListResponsesAfter returns up to limit responses with index > afterIdx in
// index order.
func (s *Store) ListResponsesAfter(ctx context.Context, operationKey string, afterIdx int64, limit int) ([]ResponseRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_key, idx, response_id, payload, final, created_at
		FROM responses
		WHERE operation_key = ? AND idx > ?
		ORDER BY idx ASC
		LIMIT ?;
	`, operationKey, afterIdx, limit)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var out []ResponseRecord
	for rows.Next() {
		var rec ResponseRecord
		if err := rows.Scan(
			&rec.OperationKey,
			&rec.Index,
			&rec.ResponseID,
			&rec.Payload,
			&rec.Final,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("response rows: %w", err)
	}
	return out, nil
}

// ResponseIndex resolves a response id to its index within the execution.
func (s *Store) ResponseIndex(ctx context.Context, operationKey, responseID string) (int64, error) {
	var idx int64
	err := s.db.QueryRowContext(ctx, `
		SELECT idx FROM responses WHERE operation_key = ? AND response_id = ?;
	`, operationKey, responseID).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrResponseNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("response index: %w", err)
	}
	return idx, nil
}

// DeleteExecution removes the execution and its buffered responses.
func (s *Store) DeleteExecution(ctx context.Context, operationKey string) error {
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM responses WHERE operation_key = ?;`, operationKey); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE operation_key = ?;`, operationKey); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	return nil
}

// AbandonRunningExecutions marks every RUNNING execution ABANDONED. Called at
// startup: in-memory producers do not survive a restart.
func (s *Store) AbandonRunningExecutions(ctx context.Context) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE executions SET status = ?, updated_at = ? WHERE status = ?;
		`, ExecutionStatusAbandoned, s.now(), ExecutionStatusRunning)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("abandon running executions: %w", err)
	}
	return affected, nil
}

// Counts summarizes the store for /metrics.
type Counts struct {
	Executions int64 `json:"executions"`
	Running    int64 `json:"running_executions"`
	Responses  int64 `json:"buffered_responses"`
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN status = 'RUNNING' THEN 1 ELSE 0 END), 0)
		FROM executions;
	`).Scan(&c.Executions, &c.Running); err != nil {
		return c, fmt.Errorf("count executions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM responses;`).Scan(&c.Responses); err != nil {
		return c, fmt.Errorf("count responses: %w", err)
	}
	return c, nil
}
