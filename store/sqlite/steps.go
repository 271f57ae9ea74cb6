package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nevindra/stepflow"
)

func (s *Store) GetStepExecution(ctx context.Context, executionID, stepName string) (stepflow.StepExecution, error) {
	stmt, err := s.prepare(ctx, stepSelectQuery+" WHERE execution_id = ? AND step_name = ?")
	if err != nil {
		return stepflow.StepExecution{}, fmt.Errorf("sqlite: prepare get step: %w", err)
	}

	row := stmt.QueryRowContext(ctx, executionID, stepName)
	st, err := scanStep(row.Scan)
	if err == sql.ErrNoRows {
		return stepflow.StepExecution{}, stepflow.ErrStoreNotFound
	}
	if err != nil {
		return stepflow.StepExecution{}, fmt.Errorf("sqlite: get step: %w", err)
	}
	return st, nil
}

// PutStepExecution creates or overwrites the (executionID, stepName) row
// in a single statement, so the write the engine makes on every step
// transition is the atomic unit durability requires: a concurrent reader
// observes either the row before this call or the row after it. An
// overwrite keeps the stored input when st.Input is nil and always keeps
// the first started_at.
func (s *Store) PutStepExecution(ctx context.Context, st stepflow.StepExecution) error {
	input, err := marshalPayload(st.Input)
	if err != nil {
		return fmt.Errorf("sqlite: marshal step input: %w", err)
	}
	output, err := marshalPayload(st.Output)
	if err != nil {
		return fmt.Errorf("sqlite: marshal step output: %w", err)
	}
	var errJSON []byte
	if st.Error != nil {
		if errJSON, err = json.Marshal(st.Error); err != nil {
			return fmt.Errorf("sqlite: marshal step error: %w", err)
		}
	}

	stmt, err := s.prepare(ctx, `
		INSERT INTO step_executions
			(execution_id, step_name, status, input, output, error, attempt, max_attempts, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, step_name) DO UPDATE SET
			status=excluded.status,
			input=COALESCE(excluded.input, step_executions.input),
			output=excluded.output,
			error=excluded.error,
			attempt=excluded.attempt,
			max_attempts=excluded.max_attempts,
			started_at=COALESCE(step_executions.started_at, excluded.started_at),
			completed_at=excluded.completed_at`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare put step: %w", err)
	}

	_, err = stmt.ExecContext(ctx, st.ExecutionID, st.StepName, string(st.Status), input, output, errJSON,
		st.Attempt, st.MaxAttempts, toUnixMs(st.StartedAt), toUnixMs(st.CompletedAt))
	if err != nil {
		return fmt.Errorf("sqlite: put step: %w", err)
	}
	return nil
}

func (s *Store) ListStepExecutions(ctx context.Context, executionID string) ([]stepflow.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, stepSelectQuery+" WHERE execution_id = ? ORDER BY rowid", executionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list steps: %w", err)
	}
	defer rows.Close()

	var out []stepflow.StepExecution
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const stepSelectQuery = `
	SELECT execution_id, step_name, status, input, output, error, attempt, max_attempts, started_at, completed_at
	FROM step_executions`

func scanStep(scan func(...any) error) (stepflow.StepExecution, error) {
	var (
		st                     stepflow.StepExecution
		status                 string
		input, output, errJSON []byte
		startedAt, completedAt sql.NullInt64
	)
	err := scan(&st.ExecutionID, &st.StepName, &status, &input, &output, &errJSON,
		&st.Attempt, &st.MaxAttempts, &startedAt, &completedAt)
	if err != nil {
		return stepflow.StepExecution{}, err
	}

	st.Status = stepflow.StepStatus(status)
	st.StartedAt = fromUnixMs(startedAt)
	st.CompletedAt = fromUnixMs(completedAt)

	if st.Input, err = unmarshalPayload(input); err != nil {
		return stepflow.StepExecution{}, err
	}
	if st.Output, err = unmarshalPayload(output); err != nil {
		return stepflow.StepExecution{}, err
	}
	if len(errJSON) > 0 {
		var stepErr stepflow.StepError
		if err := json.Unmarshal(errJSON, &stepErr); err != nil {
			return stepflow.StepExecution{}, err
		}
		st.Error = &stepErr
	}
	return st, nil
}
