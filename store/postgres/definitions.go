package postgres

import (
	"context"
	"fmt"

	"github.com/nevindra/stepflow"
)

func (s *Store) UpsertDefinition(ctx context.Context, d stepflow.WorkflowDefinition) error {
	inputSchema, err := marshalPayload(d.InputSchema)
	if err != nil {
		return fmt.Errorf("postgres: marshal input schema: %w", err)
	}
	outputSchema, err := marshalPayload(d.OutputSchema)
	if err != nil {
		return fmt.Errorf("postgres: marshal output schema: %w", err)
	}

	const query = `
		INSERT INTO workflow_definitions (name, version, description, input_schema, output_schema, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			version=excluded.version,
			description=excluded.description,
			input_schema=excluded.input_schema,
			output_schema=excluded.output_schema,
			active=excluded.active,
			updated_at=excluded.updated_at`

	_, err = s.pool.Exec(ctx, query, d.Name, d.Version, d.Description, inputSchema, outputSchema,
		d.Active, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert definition: %w", err)
	}
	return nil
}

func (s *Store) GetDefinition(ctx context.Context, name string) (stepflow.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, definitionSelectQuery+" WHERE name = $1", name)
	d, err := scanDefinition(row.Scan)
	if isNoRows(err) {
		return stepflow.WorkflowDefinition{}, stepflow.ErrStoreNotFound
	}
	if err != nil {
		return stepflow.WorkflowDefinition{}, fmt.Errorf("postgres: get definition: %w", err)
	}
	return d, nil
}

func (s *Store) ListDefinitions(ctx context.Context) ([]stepflow.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, definitionSelectQuery+" WHERE active = true ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("postgres: list definitions: %w", err)
	}
	defer rows.Close()

	var out []stepflow.WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan definition: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const definitionSelectQuery = `
	SELECT name, version, description, input_schema, output_schema, active, created_at, updated_at
	FROM workflow_definitions`

func scanDefinition(scan func(...any) error) (stepflow.WorkflowDefinition, error) {
	var (
		d                         stepflow.WorkflowDefinition
		inputSchema, outputSchema []byte
	)
	err := scan(&d.Name, &d.Version, &d.Description, &inputSchema, &outputSchema,
		&d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return stepflow.WorkflowDefinition{}, err
	}
	if d.InputSchema, err = unmarshalPayload(inputSchema); err != nil {
		return stepflow.WorkflowDefinition{}, err
	}
	if d.OutputSchema, err = unmarshalPayload(outputSchema); err != nil {
		return stepflow.WorkflowDefinition{}, err
	}
	return d, nil
}
