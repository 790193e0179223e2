package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
)

const runColumns = `
	id, status, schedule_id, template_id, job_name, job_type, queue,
	targets, params, result, error, task_handle, subtask_handles,
	triggered_by, executed_by, credential_ref,
	queued_at, started_at, completed_at, created_at, updated_at, revision`

const terminalStatuses = `('completed', 'failed', 'cancelled')`

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO datenschleuder_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		r.ID, string(r.Status), r.ScheduleID, r.TemplateID, r.JobName, r.JobType, r.Queue,
		strSlice(r.Targets), r.Params, r.Result, r.Error, r.TaskHandle, idStrings(r.SubtaskHandles),
		string(r.TriggeredBy), r.ExecutedBy, r.CredentialRef,
		r.QueuedAt, r.StartedAt, r.CompletedAt, r.CreatedAt, r.UpdatedAt, r.Revision,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return datenschleuder.ErrRunAlreadyExists
		}
		return fmt.Errorf("datenschleuder/postgres: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM datenschleuder_runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, datenschleuder.ErrRunNotFound
		}
		return nil, fmt.Errorf("datenschleuder/postgres: get run: %w", err)
	}
	return r, nil
}

// GetRunByTaskHandle finds the run owning a task or subtask handle.
func (s *Store) GetRunByTaskHandle(ctx context.Context, handle id.TaskID) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM datenschleuder_runs
		WHERE task_handle = $1 OR subtask_handles @> ARRAY[$1::text]
		LIMIT 1`,
		handle.String(),
	)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, datenschleuder.ErrRunNotFound
		}
		return nil, fmt.Errorf("datenschleuder/postgres: get run by handle: %w", err)
	}
	return r, nil
}

// UpdateRunIf replaces the run when its stored revision equals revision.
func (s *Store) UpdateRunIf(ctx context.Context, r *run.Run, revision int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE datenschleuder_runs SET
			status = $2, schedule_id = $3, template_id = $4, job_name = $5,
			job_type = $6, queue = $7, targets = $8, params = $9, result = $10,
			error = $11, task_handle = $12, subtask_handles = $13,
			triggered_by = $14, executed_by = $15, credential_ref = $16,
			queued_at = $17, started_at = $18, completed_at = $19,
			updated_at = $20, revision = $21
		WHERE id = $1 AND revision = $22`,
		r.ID, string(r.Status), r.ScheduleID, r.TemplateID, r.JobName,
		r.JobType, r.Queue, strSlice(r.Targets), r.Params, r.Result,
		r.Error, r.TaskHandle, idStrings(r.SubtaskHandles),
		string(r.TriggeredBy), r.ExecutedBy, r.CredentialRef,
		r.QueuedAt, r.StartedAt, r.CompletedAt,
		r.UpdatedAt, r.Revision, revision,
	)
	if err != nil {
		return fmt.Errorf("datenschleuder/postgres: update run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetRun(ctx, r.ID); err != nil {
		return err
	}
	return datenschleuder.ErrRunChanged
}

// ListRuns returns matching runs, newest first.
func (s *Store) ListRuns(ctx context.Context, f run.Filter, p run.Page) ([]*run.Run, error) {
	where, args := filterClause(f)
	query := `SELECT ` + runColumns + ` FROM datenschleuder_runs` + where +
		` ORDER BY queued_at DESC, id DESC`
	if p.Limit > 0 {
		args = append(args, p.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if p.Offset > 0 {
		args = append(args, p.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/postgres: list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListNonTerminal returns every pending or running run, oldest first.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*run.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM datenschleuder_runs
		WHERE status IN ('pending', 'running')
		ORDER BY queued_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/postgres: list open runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// DeleteRun removes a terminal run.
func (s *Store) DeleteRun(ctx context.Context, runID id.RunID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM datenschleuder_runs WHERE id = $1 AND status IN `+terminalStatuses,
		runID,
	)
	if err != nil {
		return fmt.Errorf("datenschleuder/postgres: delete run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	return datenschleuder.ErrRunNotTerminal
}

// ClearRuns deletes the terminal runs matching f.
func (s *Store) ClearRuns(ctx context.Context, f run.Filter) (int64, error) {
	where, args := filterClause(f)
	if where == "" {
		where = " WHERE status IN " + terminalStatuses
	} else {
		where += " AND status IN " + terminalStatuses
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM datenschleuder_runs`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("datenschleuder/postgres: clear runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneRuns deletes terminal runs completed before the cutoff.
func (s *Store) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM datenschleuder_runs
		WHERE status IN `+terminalStatuses+` AND completed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("datenschleuder/postgres: prune runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── helpers ──

func filterClause(f run.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.JobType != "" {
		add("job_type", f.JobType)
	}
	if f.TriggeredBy != "" {
		add("triggered_by", string(f.TriggeredBy))
	}
	if !f.ScheduleID.IsNil() {
		add("schedule_id", f.ScheduleID.String())
	}
	if !f.TemplateID.IsNil() {
		add("template_id", f.TemplateID.String())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanRun(row pgx.Row) (*run.Run, error) {
	var (
		r          run.Run
		status     string
		trigger    string
		subHandles []string
	)
	err := row.Scan(
		&r.ID, &status, &r.ScheduleID, &r.TemplateID, &r.JobName, &r.JobType, &r.Queue,
		&r.Targets, &r.Params, &r.Result, &r.Error, &r.TaskHandle, &subHandles,
		&trigger, &r.ExecutedBy, &r.CredentialRef,
		&r.QueuedAt, &r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt, &r.Revision,
	)
	if err != nil {
		return nil, err
	}
	r.Status = run.Status(status)
	r.TriggeredBy = run.Trigger(trigger)
	r.Targets = nilIfEmpty(r.Targets)
	if r.SubtaskHandles, err = parseTaskIDs(subHandles); err != nil {
		return nil, fmt.Errorf("datenschleuder/postgres: parse subtask handles of %s: %w", r.ID, err)
	}
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]*run.Run, error) {
	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("datenschleuder/postgres: scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datenschleuder/postgres: iterate runs: %w", err)
	}
	return out, nil
}
