package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/template"
)

const templateColumns = `
	id, name, job_type, description, inventory_source, params,
	parallel_tasks, owner_id, is_global, credential_ref, created_at, updated_at`

// CreateTemplate persists a new template.
func (s *Store) CreateTemplate(ctx context.Context, t *template.Template) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO datenschleuder_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Name, t.JobType, t.Description, t.InventorySource, t.Params,
		t.ParallelTasks, t.OwnerID, t.IsGlobal, t.CredentialRef, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return datenschleuder.ErrTemplateAlreadyExists
		}
		return fmt.Errorf("datenschleuder/postgres: create template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *Store) GetTemplate(ctx context.Context, templateID id.TemplateID) (*template.Template, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM datenschleuder_templates WHERE id = $1`, templateID)
	t, err := scanTemplate(row)
	if err != nil {
		if isNoRows(err) {
			return nil, datenschleuder.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("datenschleuder/postgres: get template: %w", err)
	}
	return t, nil
}

// UpdateTemplate replaces an existing template.
func (s *Store) UpdateTemplate(ctx context.Context, t *template.Template) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE datenschleuder_templates SET
			name = $2, job_type = $3, description = $4, inventory_source = $5,
			params = $6, parallel_tasks = $7, owner_id = $8, is_global = $9,
			credential_ref = $10, updated_at = NOW()
		WHERE id = $1`,
		t.ID, t.Name, t.JobType, t.Description, t.InventorySource,
		t.Params, t.ParallelTasks, t.OwnerID, t.IsGlobal, t.CredentialRef,
	)
	if err != nil {
		return fmt.Errorf("datenschleuder/postgres: update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return datenschleuder.ErrTemplateNotFound
	}
	return nil
}

// DeleteTemplate removes a template.
func (s *Store) DeleteTemplate(ctx context.Context, templateID id.TemplateID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM datenschleuder_templates WHERE id = $1`, templateID)
	if err != nil {
		return fmt.Errorf("datenschleuder/postgres: delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return datenschleuder.ErrTemplateNotFound
	}
	return nil
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]*template.Template, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+templateColumns+` FROM datenschleuder_templates ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/postgres: list templates: %w", err)
	}
	defer rows.Close()

	var out []*template.Template
	for rows.Next() {
		t, scanErr := scanTemplate(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("datenschleuder/postgres: scan template: %w", scanErr)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTemplate(row pgx.Row) (*template.Template, error) {
	var t template.Template
	err := row.Scan(
		&t.ID, &t.Name, &t.JobType, &t.Description, &t.InventorySource, &t.Params,
		&t.ParallelTasks, &t.OwnerID, &t.IsGlobal, &t.CredentialRef, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
