// Package template defines job templates: the reusable description of what a
// job does (its type, inventory, parameters and parallelism) independent of
// when it runs.
package template

import (
	"context"
	"encoding/json"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/collab"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// Template is a reusable job description.
type Template struct {
	datenschleuder.Entity

	ID              id.TemplateID       `json:"id"`
	Name            string              `json:"name"`
	JobType         string              `json:"job_type"`
	Description     string              `json:"description,omitempty"`
	InventorySource collab.InventoryRef `json:"inventory_source"`
	Params          json.RawMessage     `json:"params,omitempty"`
	ParallelTasks   int                 `json:"parallel_tasks"`
	OwnerID         string              `json:"owner_id,omitempty"`
	IsGlobal        bool                `json:"is_global"`
	CredentialRef   string              `json:"credential_ref,omitempty"`
}

// New returns a template with a fresh ID and ParallelTasks of one.
func New(name, jobType string) *Template {
	return &Template{
		Entity:        datenschleuder.NewEntity(),
		ID:            id.NewTemplateID(),
		Name:          name,
		JobType:       jobType,
		ParallelTasks: 1,
	}
}

// Validate checks the fields every template needs.
func (t *Template) Validate() error {
	if t.Name == "" {
		return datenschleuder.Invalid("name", "must not be empty")
	}
	if t.JobType == "" {
		return datenschleuder.Invalid("job_type", "must not be empty")
	}
	if t.ParallelTasks < 1 {
		return datenschleuder.Invalid("parallel_tasks", "must be at least 1, got %d", t.ParallelTasks)
	}
	if len(t.Params) > 0 && !json.Valid(t.Params) {
		return datenschleuder.Invalid("params", "must be a JSON object")
	}
	return nil
}

// Store defines the persistence contract for templates.
type Store interface {
	// CreateTemplate persists a new template.
	CreateTemplate(ctx context.Context, t *Template) error

	// GetTemplate retrieves a template by ID.
	GetTemplate(ctx context.Context, templateID id.TemplateID) (*Template, error)

	// UpdateTemplate replaces an existing template.
	UpdateTemplate(ctx context.Context, t *Template) error

	// DeleteTemplate removes a template by ID.
	DeleteTemplate(ctx context.Context, templateID id.TemplateID) error

	// ListTemplates returns all templates ordered by name.
	ListTemplates(ctx context.Context) ([]*Template, error)
}
