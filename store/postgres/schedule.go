package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/schedule"
)

const scheduleColumns = `
	id, name, template_id, cron_expr, interval_ns, next_run, last_run,
	is_active, owner_id, is_global, credential_ref, params, created_at, updated_at`

// CreateSchedule persists a new schedule.
func (s *Store) CreateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO datenschleuder_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sc.ID, sc.Name, sc.TemplateID, sc.Cadence.Cron, sc.Cadence.Interval.Nanoseconds(),
		sc.NextRun, sc.LastRun, sc.IsActive, sc.OwnerID, sc.IsGlobal, sc.CredentialRef,
		sc.Params, sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return datenschleuder.ErrScheduleAlreadyExists
		}
		return fmt.Errorf("datenschleuder/postgres: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*schedule.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM datenschleuder_schedules WHERE id = $1`, scheduleID)
	sc, err := scanSchedule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, datenschleuder.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("datenschleuder/postgres: get schedule: %w", err)
	}
	return sc, nil
}

// UpdateSchedule replaces an existing schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE datenschleuder_schedules SET
			name = $2, template_id = $3, cron_expr = $4, interval_ns = $5,
			next_run = $6, last_run = $7, is_active = $8, owner_id = $9,
			is_global = $10, credential_ref = $11, params = $12, updated_at = NOW()
		WHERE id = $1`,
		sc.ID, sc.Name, sc.TemplateID, sc.Cadence.Cron, sc.Cadence.Interval.Nanoseconds(),
		sc.NextRun, sc.LastRun, sc.IsActive, sc.OwnerID,
		sc.IsGlobal, sc.CredentialRef, sc.Params,
	)
	if err != nil {
		return fmt.Errorf("datenschleuder/postgres: update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return datenschleuder.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM datenschleuder_schedules WHERE id = $1`, scheduleID)
	if err != nil {
		return fmt.Errorf("datenschleuder/postgres: delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return datenschleuder.ErrScheduleNotFound
	}
	return nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM datenschleuder_schedules ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/postgres: list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListDueSchedules returns active schedules with NextRun <= now, earliest
// first.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*schedule.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM datenschleuder_schedules
		WHERE is_active AND next_run <= $1
		ORDER BY next_run ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/postgres: list due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// AdvanceNextRun moves NextRun from prior to next if nobody else did.
func (s *Store) AdvanceNextRun(ctx context.Context, scheduleID id.ScheduleID, prior, next, lastRun time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE datenschleuder_schedules
		SET next_run = $3, last_run = $4, updated_at = NOW()
		WHERE id = $1 AND next_run = $2`,
		scheduleID, prior, next, lastRun,
	)
	if err != nil {
		return false, fmt.Errorf("datenschleuder/postgres: advance schedule: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetSchedule(ctx, scheduleID); err != nil {
		return false, err
	}
	return false, nil
}

func scanSchedule(row pgx.Row) (*schedule.Schedule, error) {
	var (
		sc         schedule.Schedule
		intervalNS int64
	)
	err := row.Scan(
		&sc.ID, &sc.Name, &sc.TemplateID, &sc.Cadence.Cron, &intervalNS, &sc.NextRun, &sc.LastRun,
		&sc.IsActive, &sc.OwnerID, &sc.IsGlobal, &sc.CredentialRef, &sc.Params, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sc.Cadence.Interval = time.Duration(intervalNS)
	return &sc, nil
}

func collectSchedules(rows pgx.Rows) ([]*schedule.Schedule, error) {
	var out []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("datenschleuder/postgres: scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
