package memory

import (
	"context"
	"sort"
	"time"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/schedule"
)

func cloneSchedule(s *schedule.Schedule) *schedule.Schedule {
	cp := *s
	if s.LastRun != nil {
		t := *s.LastRun
		cp.LastRun = &t
	}
	return &cp
}

// CreateSchedule persists a new schedule.
func (m *Store) CreateSchedule(_ context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.ID.String()
	if _, exists := m.schedules[key]; exists {
		return datenschleuder.ErrScheduleAlreadyExists
	}
	m.schedules[key] = cloneSchedule(s)
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (m *Store) GetSchedule(_ context.Context, scheduleID id.ScheduleID) (*schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[scheduleID.String()]
	if !ok {
		return nil, datenschleuder.ErrScheduleNotFound
	}
	return cloneSchedule(s), nil
}

// UpdateSchedule replaces an existing schedule.
func (m *Store) UpdateSchedule(_ context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.ID.String()
	if _, ok := m.schedules[key]; !ok {
		return datenschleuder.ErrScheduleNotFound
	}
	m.schedules[key] = cloneSchedule(s)
	return nil
}

// DeleteSchedule removes a schedule.
func (m *Store) DeleteSchedule(_ context.Context, scheduleID id.ScheduleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scheduleID.String()
	if _, ok := m.schedules[key]; !ok {
		return datenschleuder.ErrScheduleNotFound
	}
	delete(m.schedules, key)
	return nil
}

// ListSchedules returns all schedules ordered by name.
func (m *Store) ListSchedules(_ context.Context) ([]*schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*schedule.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, cloneSchedule(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListDueSchedules returns active schedules with NextRun <= now, earliest first.
func (m *Store) ListDueSchedules(_ context.Context, now time.Time) ([]*schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schedule.Schedule
	for _, s := range m.schedules {
		if s.Due(now) {
			out = append(out, cloneSchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out, nil
}

// AdvanceNextRun moves NextRun from prior to next if nobody else did.
func (m *Store) AdvanceNextRun(_ context.Context, scheduleID id.ScheduleID, prior, next, lastRun time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[scheduleID.String()]
	if !ok {
		return false, datenschleuder.ErrScheduleNotFound
	}
	if !s.NextRun.Equal(prior) {
		return false, nil
	}
	s.NextRun = next
	lr := lastRun
	s.LastRun = &lr
	s.UpdatedAt = m.now()
	return true, nil
}
