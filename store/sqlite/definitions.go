package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nevindra/stepflow"
)

func (s *Store) UpsertDefinition(ctx context.Context, d stepflow.WorkflowDefinition) error {
	inSchema, err := marshalPayload(d.InputSchema)
	if err != nil {
		return fmt.Errorf("sqlite: marshal input schema: %w", err)
	}
	outSchema, err := marshalPayload(d.OutputSchema)
	if err != nil {
		return fmt.Errorf("sqlite: marshal output schema: %w", err)
	}

	stmt, err := s.prepare(ctx, `
		INSERT INTO workflow_definitions (name, version, description, input_schema, output_schema, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version=excluded.version,
			description=excluded.description,
			input_schema=excluded.input_schema,
			output_schema=excluded.output_schema,
			active=excluded.active,
			updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare upsert definition: %w", err)
	}

	_, err = stmt.ExecContext(ctx, d.Name, d.Version, d.Description, inSchema, outSchema, boolToInt(d.Active),
		d.CreatedAt.UnixMilli(), d.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: upsert definition: %w", err)
	}
	return nil
}

func (s *Store) GetDefinition(ctx context.Context, name string) (stepflow.WorkflowDefinition, error) {
	stmt, err := s.prepare(ctx, `
		SELECT name, version, description, input_schema, output_schema, active, created_at, updated_at
		FROM workflow_definitions WHERE name = ?`)
	if err != nil {
		return stepflow.WorkflowDefinition{}, fmt.Errorf("sqlite: prepare get definition: %w", err)
	}

	row := stmt.QueryRowContext(ctx, name)
	d, err := scanDefinition(row.Scan)
	if err == sql.ErrNoRows {
		return stepflow.WorkflowDefinition{}, stepflow.ErrStoreNotFound
	}
	if err != nil {
		return stepflow.WorkflowDefinition{}, fmt.Errorf("sqlite: get definition: %w", err)
	}
	return d, nil
}

func (s *Store) ListDefinitions(ctx context.Context) ([]stepflow.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, description, input_schema, output_schema, active, created_at, updated_at
		FROM workflow_definitions WHERE active = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list definitions: %w", err)
	}
	defer rows.Close()

	var out []stepflow.WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan definition: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDefinition(scan func(...any) error) (stepflow.WorkflowDefinition, error) {
	var (
		d                     stepflow.WorkflowDefinition
		inSchema, outSchema   []byte
		active                int
		createdAtMs, updatedAtMs int64
	)
	if err := scan(&d.Name, &d.Version, &d.Description, &inSchema, &outSchema, &active, &createdAtMs, &updatedAtMs); err != nil {
		return stepflow.WorkflowDefinition{}, err
	}
	d.Active = active != 0
	d.CreatedAt = msToTime(createdAtMs)
	d.UpdatedAt = msToTime(updatedAtMs)

	var err error
	if d.InputSchema, err = unmarshalPayload(inSchema); err != nil {
		return stepflow.WorkflowDefinition{}, err
	}
	if d.OutputSchema, err = unmarshalPayload(outSchema); err != nil {
		return stepflow.WorkflowDefinition{}, err
	}
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
