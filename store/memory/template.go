package memory

import (
	"context"
	"sort"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/template"
)

// CreateTemplate persists a new template.
func (m *Store) CreateTemplate(_ context.Context, t *template.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.templates[key]; exists {
		return datenschleuder.ErrTemplateAlreadyExists
	}
	cp := *t
	m.templates[key] = &cp
	return nil
}

// GetTemplate retrieves a template by ID.
func (m *Store) GetTemplate(_ context.Context, templateID id.TemplateID) (*template.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.templates[templateID.String()]
	if !ok {
		return nil, datenschleuder.ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTemplate replaces an existing template.
func (m *Store) UpdateTemplate(_ context.Context, t *template.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.templates[key]; !ok {
		return datenschleuder.ErrTemplateNotFound
	}
	cp := *t
	m.templates[key] = &cp
	return nil
}

// DeleteTemplate removes a template.
func (m *Store) DeleteTemplate(_ context.Context, templateID id.TemplateID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := templateID.String()
	if _, ok := m.templates[key]; !ok {
		return datenschleuder.ErrTemplateNotFound
	}
	delete(m.templates, key)
	return nil
}

// ListTemplates returns all templates ordered by name.
func (m *Store) ListTemplates(_ context.Context) ([]*template.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*template.Template, 0, len(m.templates))
	for _, t := range m.templates {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
