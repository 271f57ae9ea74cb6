package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nevindra/stepflow"
)

func (s *Store) GetStepExecution(ctx context.Context, executionID, stepName string) (stepflow.StepExecution, error) {
	row := s.pool.QueryRow(ctx, stepSelectQuery+" WHERE execution_id = $1 AND step_name = $2", executionID, stepName)
	st, err := scanStep(row.Scan)
	if isNoRows(err) {
		return stepflow.StepExecution{}, stepflow.ErrStoreNotFound
	}
	if err != nil {
		return stepflow.StepExecution{}, fmt.Errorf("postgres: get step: %w", err)
	}
	return st, nil
}

// PutStepExecution creates or overwrites the (executionID, stepName) row
// in a single statement, so the write the engine makes on every step
// transition is the atomic unit the durability contract requires: a
// concurrent reader observes either the row before this call or the row
// after it. An overwrite keeps the stored input when st.Input is nil and
// always keeps the first started_at.
func (s *Store) PutStepExecution(ctx context.Context, st stepflow.StepExecution) error {
	input, err := marshalPayload(st.Input)
	if err != nil {
		return fmt.Errorf("postgres: marshal step input: %w", err)
	}
	output, err := marshalPayload(st.Output)
	if err != nil {
		return fmt.Errorf("postgres: marshal step output: %w", err)
	}
	var errJSON []byte
	if st.Error != nil {
		if errJSON, err = json.Marshal(st.Error); err != nil {
			return fmt.Errorf("postgres: marshal step error: %w", err)
		}
	}

	const query = `
		INSERT INTO step_executions
			(execution_id, step_name, status, input, output, error, attempt, max_attempts, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (execution_id, step_name) DO UPDATE SET
			status=excluded.status,
			input=COALESCE(excluded.input, step_executions.input),
			output=excluded.output,
			error=excluded.error,
			attempt=excluded.attempt,
			max_attempts=excluded.max_attempts,
			started_at=COALESCE(step_executions.started_at, excluded.started_at),
			completed_at=excluded.completed_at`

	_, err = s.pool.Exec(ctx, query, st.ExecutionID, st.StepName, string(st.Status), input, output, errJSON,
		st.Attempt, st.MaxAttempts, st.StartedAt, st.CompletedAt)
	if err != nil {
		return fmt.Errorf("postgres: put step: %w", err)
	}
	return nil
}

func (s *Store) ListStepExecutions(ctx context.Context, executionID string) ([]stepflow.StepExecution, error) {
	rows, err := s.pool.Query(ctx, stepSelectQuery+" WHERE execution_id = $1 ORDER BY step_name", executionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list steps: %w", err)
	}
	defer rows.Close()

	var out []stepflow.StepExecution
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan step: %w", err)
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
		st            stepflow.StepExecution
		status        string
		input, output []byte
		errJSON       []byte
	)
	err := scan(&st.ExecutionID, &st.StepName, &status, &input, &output, &errJSON,
		&st.Attempt, &st.MaxAttempts, &st.StartedAt, &st.CompletedAt)
	if err != nil {
		return stepflow.StepExecution{}, err
	}

	st.Status = stepflow.StepStatus(status)

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
