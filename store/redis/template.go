package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/template"
)

// CreateTemplate persists a new template.
func (s *Store) CreateTemplate(ctx context.Context, t *template.Template) error {
	tID := t.ID.String()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: encode template: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.keys.template(tID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: create template: %w", err)
	}
	if !ok {
		return datenschleuder.ErrTemplateAlreadyExists
	}
	if err := s.client.SAdd(ctx, s.keys.templateIDs(), tID).Err(); err != nil {
		return fmt.Errorf("datenschleuder/redis: index template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *Store) GetTemplate(ctx context.Context, templateID id.TemplateID) (*template.Template, error) {
	var t template.Template
	found, err := s.getJSON(ctx, s.keys.template(templateID.String()), &t)
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: get template: %w", err)
	}
	if !found {
		return nil, datenschleuder.ErrTemplateNotFound
	}
	return &t, nil
}

// UpdateTemplate replaces an existing template.
func (s *Store) UpdateTemplate(ctx context.Context, t *template.Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: encode template: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.keys.template(t.ID.String()), data, 0).Result()
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: update template: %w", err)
	}
	if !ok {
		return datenschleuder.ErrTemplateNotFound
	}
	return nil
}

// DeleteTemplate removes a template.
func (s *Store) DeleteTemplate(ctx context.Context, templateID id.TemplateID) error {
	tID := templateID.String()
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.keys.template(tID))
	pipe.SRem(ctx, s.keys.templateIDs(), tID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("datenschleuder/redis: delete template: %w", err)
	}
	if del.Val() == 0 {
		return datenschleuder.ErrTemplateNotFound
	}
	return nil
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]*template.Template, error) {
	ids, err := s.client.SMembers(ctx, s.keys.templateIDs()).Result()
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: list templates: %w", err)
	}

	out := make([]*template.Template, 0, len(ids))
	for _, tID := range ids {
		var t template.Template
		found, getErr := s.getJSON(ctx, s.keys.template(tID), &t)
		if getErr != nil || !found {
			continue
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
