package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nevindra/stepflow"
)

func (s *Store) CreateExecution(ctx context.Context, e stepflow.WorkflowExecution) error {
	input, err := marshalPayload(e.Input)
	if err != nil {
		return fmt.Errorf("sqlite: marshal input: %w", err)
	}
	metadata, err := marshalPayload(e.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}

	stmt, err := s.prepare(ctx, `
		INSERT INTO workflow_executions (id, workflow_name, status, input, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare create execution: %w", err)
	}

	_, err = stmt.ExecContext(ctx, e.ExecutionID, e.WorkflowName, string(e.Status), input, metadata,
		e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: create execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (stepflow.WorkflowExecution, error) {
	stmt, err := s.prepare(ctx, executionSelectQuery+" WHERE id = ?")
	if err != nil {
		return stepflow.WorkflowExecution{}, fmt.Errorf("sqlite: prepare get execution: %w", err)
	}

	row := stmt.QueryRowContext(ctx, executionID)
	e, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return stepflow.WorkflowExecution{}, stepflow.ErrStoreNotFound
	}
	if err != nil {
		return stepflow.WorkflowExecution{}, fmt.Errorf("sqlite: get execution: %w", err)
	}
	return e, nil
}

func (s *Store) UpdateExecution(ctx context.Context, e stepflow.WorkflowExecution) error {
	input, err := marshalPayload(e.Input)
	if err != nil {
		return fmt.Errorf("sqlite: marshal input: %w", err)
	}
	output, err := marshalPayload(e.Output)
	if err != nil {
		return fmt.Errorf("sqlite: marshal output: %w", err)
	}
	metadata, err := marshalPayload(e.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	var errJSON []byte
	if e.Error != nil {
		if errJSON, err = json.Marshal(e.Error); err != nil {
			return fmt.Errorf("sqlite: marshal execution error: %w", err)
		}
	}

	stmt, err := s.prepare(ctx, `
		UPDATE workflow_executions
		SET status = ?, input = ?, output = ?, error = ?, metadata = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare update execution: %w", err)
	}

	res, err := stmt.ExecContext(ctx, string(e.Status), input, output, errJSON, metadata,
		toUnixMs(e.StartedAt), toUnixMs(e.CompletedAt), e.UpdatedAt.UnixMilli(), e.ExecutionID)
	if err != nil {
		return fmt.Errorf("sqlite: update execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return stepflow.ErrStoreNotFound
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, workflowName string, status stepflow.ExecutionStatus) ([]stepflow.WorkflowExecution, error) {
	query := executionSelectQuery + " WHERE workflow_name = ?"
	args := []any{workflowName}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (s *Store) ListInterruptedExecutions(ctx context.Context) ([]stepflow.WorkflowExecution, error) {
	query := executionSelectQuery + " WHERE status IN (?, ?) ORDER BY created_at ASC"
	rows, err := s.db.QueryContext(ctx, query, string(stepflow.ExecutionRunning), string(stepflow.ExecutionPaused))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list interrupted executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

const executionSelectQuery = `
	SELECT id, workflow_name, status, input, output, error, metadata, started_at, completed_at, created_at, updated_at
	FROM workflow_executions`

func scanExecutions(rows *sql.Rows) ([]stepflow.WorkflowExecution, error) {
	var out []stepflow.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(scan func(...any) error) (stepflow.WorkflowExecution, error) {
	var (
		e                        stepflow.WorkflowExecution
		status                   string
		input, output, metadata  []byte
		errJSON                  []byte
		startedAt, completedAt   sql.NullInt64
		createdAtMs, updatedAtMs int64
	)
	err := scan(&e.ExecutionID, &e.WorkflowName, &status, &input, &output, &errJSON, &metadata,
		&startedAt, &completedAt, &createdAtMs, &updatedAtMs)
	if err != nil {
		return stepflow.WorkflowExecution{}, err
	}

	e.Status = stepflow.ExecutionStatus(status)
	e.StartedAt = fromUnixMs(startedAt)
	e.CompletedAt = fromUnixMs(completedAt)
	e.CreatedAt = msToTime(createdAtMs)
	e.UpdatedAt = msToTime(updatedAtMs)

	if e.Input, err = unmarshalPayload(input); err != nil {
		return stepflow.WorkflowExecution{}, err
	}
	if e.Output, err = unmarshalPayload(output); err != nil {
		return stepflow.WorkflowExecution{}, err
	}
	if e.Metadata, err = unmarshalPayload(metadata); err != nil {
		return stepflow.WorkflowExecution{}, err
	}
	if len(errJSON) > 0 {
		var execErr stepflow.ExecutionError
		if err := json.Unmarshal(errJSON, &execErr); err != nil {
			return stepflow.WorkflowExecution{}, err
		}
		e.Error = &execErr
	}
	return e, nil
}
