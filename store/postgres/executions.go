package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nevindra/stepflow"
)

func (s *Store) CreateExecution(ctx context.Context, e stepflow.WorkflowExecution) error {
	input, err := marshalPayload(e.Input)
	if err != nil {
		return fmt.Errorf("postgres: marshal input: %w", err)
	}
	metadata, err := marshalPayload(e.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}

	const query = `
		INSERT INTO workflow_executions (id, workflow_name, status, input, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = s.pool.Exec(ctx, query, e.ExecutionID, e.WorkflowName, string(e.Status), input, metadata,
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (stepflow.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx, executionSelectQuery+" WHERE id = $1", executionID)
	e, err := scanExecution(row.Scan)
	if isNoRows(err) {
		return stepflow.WorkflowExecution{}, stepflow.ErrStoreNotFound
	}
	if err != nil {
		return stepflow.WorkflowExecution{}, fmt.Errorf("postgres: get execution: %w", err)
	}
	return e, nil
}

func (s *Store) UpdateExecution(ctx context.Context, e stepflow.WorkflowExecution) error {
	input, err := marshalPayload(e.Input)
	if err != nil {
		return fmt.Errorf("postgres: marshal input: %w", err)
	}
	output, err := marshalPayload(e.Output)
	if err != nil {
		return fmt.Errorf("postgres: marshal output: %w", err)
	}
	metadata, err := marshalPayload(e.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	var errJSON []byte
	if e.Error != nil {
		if errJSON, err = json.Marshal(e.Error); err != nil {
			return fmt.Errorf("postgres: marshal execution error: %w", err)
		}
	}

	const query = `
		UPDATE workflow_executions
		SET status = $1, input = $2, output = $3, error = $4, metadata = $5,
			started_at = $6, completed_at = $7, updated_at = $8
		WHERE id = $9`

	tag, err := s.pool.Exec(ctx, query, string(e.Status), input, output, errJSON, metadata,
		e.StartedAt, e.CompletedAt, e.UpdatedAt, e.ExecutionID)
	if err != nil {
		return fmt.Errorf("postgres: update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return stepflow.ErrStoreNotFound
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, workflowName string, status stepflow.ExecutionStatus) ([]stepflow.WorkflowExecution, error) {
	query := executionSelectQuery + " WHERE workflow_name = $1"
	args := []any{workflowName}
	if status != "" {
		query += " AND status = $2"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (s *Store) ListInterruptedExecutions(ctx context.Context) ([]stepflow.WorkflowExecution, error) {
	query := executionSelectQuery + " WHERE status IN ($1, $2) ORDER BY created_at ASC"
	rows, err := s.pool.Query(ctx, query, string(stepflow.ExecutionRunning), string(stepflow.ExecutionPaused))
	if err != nil {
		return nil, fmt.Errorf("postgres: list interrupted executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

const executionSelectQuery = `
	SELECT id, workflow_name, status, input, output, error, metadata, started_at, completed_at, created_at, updated_at
	FROM workflow_executions`

func scanExecutions(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]stepflow.WorkflowExecution, error) {
	var out []stepflow.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(scan func(...any) error) (stepflow.WorkflowExecution, error) {
	var (
		e                       stepflow.WorkflowExecution
		status                  string
		input, output, metadata []byte
		errJSON                 []byte
	)
	err := scan(&e.ExecutionID, &e.WorkflowName, &status, &input, &output, &errJSON, &metadata,
		&e.StartedAt, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return stepflow.WorkflowExecution{}, err
	}

	e.Status = stepflow.ExecutionStatus(status)

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
