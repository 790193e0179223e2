// Package schedule defines job schedules: a template plus a cadence and the
// next instant it is due.
//
// NextRun only moves forward from its own prior value. The scheduler tick
// advances it through [Store.AdvanceNextRun], a compare-and-set on the value
// it read, so two tick instances can never both claim the same instant.
package schedule

import (
	"context"
	"encoding/json"
	"time"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// Schedule binds a template to a cadence.
type Schedule struct {
	datenschleuder.Entity

	ID            id.ScheduleID   `json:"id"`
	Name          string          `json:"name"`
	TemplateID    id.TemplateID   `json:"template_id"`
	Cadence       Cadence         `json:"cadence"`
	NextRun       time.Time       `json:"next_run"`
	LastRun       *time.Time      `json:"last_run,omitempty"`
	IsActive      bool            `json:"is_active"`
	OwnerID       string          `json:"owner_id,omitempty"`
	IsGlobal      bool            `json:"is_global"`
	CredentialRef string          `json:"credential_ref,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// New returns an active schedule whose first run is computed from now.
func New(name string, templateID id.TemplateID, cadence Cadence, now time.Time) (*Schedule, error) {
	s := &Schedule{
		Entity:     datenschleuder.NewEntity(),
		ID:         id.NewScheduleID(),
		Name:       name,
		TemplateID: templateID,
		Cadence:    cadence,
		IsActive:   true,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	next, err := cadence.First(now)
	if err != nil {
		return nil, datenschleuder.Invalid("cadence", "%v", err)
	}
	s.NextRun = next
	return s, nil
}

// Validate checks the fields every schedule needs.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return datenschleuder.Invalid("name", "must not be empty")
	}
	if s.TemplateID.IsNil() {
		return datenschleuder.Invalid("template_id", "must be set")
	}
	if err := s.Cadence.Validate(); err != nil {
		return datenschleuder.Invalid("cadence", "%v", err)
	}
	if len(s.Params) > 0 && !json.Valid(s.Params) {
		return datenschleuder.Invalid("params", "must be a JSON object")
	}
	return nil
}

// Due reports whether the schedule should fire at now.
func (s *Schedule) Due(now time.Time) bool {
	return s.IsActive && !s.NextRun.After(now)
}

// Store defines the persistence contract for schedules.
type Store interface {
	// CreateSchedule persists a new schedule.
	CreateSchedule(ctx context.Context, s *Schedule) error

	// GetSchedule retrieves a schedule by ID.
	GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*Schedule, error)

	// UpdateSchedule replaces an existing schedule.
	UpdateSchedule(ctx context.Context, s *Schedule) error

	// DeleteSchedule removes a schedule by ID.
	DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error

	// ListSchedules returns all schedules.
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// ListDueSchedules returns active schedules with NextRun <= now.
	ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)

	// AdvanceNextRun sets NextRun to next and LastRun to lastRun only if
	// the stored NextRun still equals prior. Returns false when another
	// writer advanced it first.
	AdvanceNextRun(ctx context.Context, scheduleID id.ScheduleID, prior, next, lastRun time.Time) (bool, error)
}
