package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// CreateBarrier registers a barrier expecting total batches.
func (s *Store) CreateBarrier(ctx context.Context, runID id.RunID, total int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO datenschleuder_barriers (run_id, total) VALUES ($1, $2)`,
		runID, total,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return datenschleuder.ErrBarrierAlreadyExists
		}
		return fmt.Errorf("datenschleuder/postgres: create barrier: %w", err)
	}
	return nil
}

// RecordBatch stores the first result per batch index. The barrier row is
// locked for the duration so concurrent batches count down one at a time.
func (s *Store) RecordBatch(ctx context.Context, runID id.RunID, res fanout.BatchResult) (int, bool, error) {
	var (
		remaining int
		duplicate bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var total int
		err := tx.QueryRow(ctx,
			`SELECT total FROM datenschleuder_barriers WHERE run_id = $1 FOR UPDATE`,
			runID,
		).Scan(&total)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO datenschleuder_barrier_results (run_id, batch_index, result)
			VALUES ($1, $2, $3)
			ON CONFLICT (run_id, batch_index) DO NOTHING`,
			runID, res.Index, res,
		)
		if err != nil {
			return err
		}
		duplicate = tag.RowsAffected() == 0

		var recorded int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM datenschleuder_barrier_results WHERE run_id = $1`,
			runID,
		).Scan(&recorded); err != nil {
			return err
		}
		remaining = total - recorded
		return nil
	})
	if err != nil {
		if isNoRows(err) {
			return 0, false, datenschleuder.ErrBarrierNotFound
		}
		return 0, false, fmt.Errorf("datenschleuder/postgres: record batch: %w", err)
	}
	return remaining, duplicate, nil
}

// BatchRecorded reports whether index has a stored result.
func (s *Store) BatchRecorded(ctx context.Context, runID id.RunID, index int) (bool, error) {
	var recorded bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM datenschleuder_barrier_results
			WHERE run_id = b.run_id AND batch_index = $2)
		FROM datenschleuder_barriers b WHERE b.run_id = $1`,
		runID, index,
	).Scan(&recorded)
	if err != nil {
		if isNoRows(err) {
			return false, datenschleuder.ErrBarrierNotFound
		}
		return false, fmt.Errorf("datenschleuder/postgres: batch recorded: %w", err)
	}
	return recorded, nil
}

// BatchResults returns the recorded results ordered by index.
func (s *Store) BatchResults(ctx context.Context, runID id.RunID) (int, []fanout.BatchResult, error) {
	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT total FROM datenschleuder_barriers WHERE run_id = $1`, runID,
	).Scan(&total)
	if err != nil {
		if isNoRows(err) {
			return 0, nil, datenschleuder.ErrBarrierNotFound
		}
		return 0, nil, fmt.Errorf("datenschleuder/postgres: barrier total: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT result FROM datenschleuder_barrier_results
		WHERE run_id = $1
		ORDER BY batch_index ASC`,
		runID,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("datenschleuder/postgres: batch results: %w", err)
	}
	results, err := pgx.CollectRows(rows, pgx.RowTo[fanout.BatchResult])
	if err != nil {
		return 0, nil, fmt.Errorf("datenschleuder/postgres: scan batch results: %w", err)
	}
	return total, results, nil
}

// LeaseJoin applies one join lease step as a conditional UPDATE.
func (s *Store) LeaseJoin(ctx context.Context, runID id.RunID, owner id.TaskID, step fanout.JoinStep, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	var (
		query string
		args  []any
	)
	switch step {
	case fanout.JoinReserve:
		query = `
			UPDATE datenschleuder_barriers
			SET join_owner = $2, join_until = $3, join_running = FALSE
			WHERE run_id = $1 AND (join_owner IS NULL OR join_until <= $4)`
		args = []any{runID, owner.String(), now.Add(lease), now}
	case fanout.JoinStart:
		query = `
			UPDATE datenschleuder_barriers
			SET join_owner = $2, join_until = $3, join_running = TRUE
			WHERE run_id = $1
			  AND (join_owner IS NULL OR join_until <= $4
			       OR (join_owner = $2 AND NOT join_running))`
		args = []any{runID, owner.String(), now.Add(lease), now}
	case fanout.JoinRenew:
		query = `
			UPDATE datenschleuder_barriers SET join_until = $3
			WHERE run_id = $1 AND join_owner = $2 AND join_running`
		args = []any{runID, owner.String(), now.Add(lease)}
	case fanout.JoinGiveUp:
		query = `
			UPDATE datenschleuder_barriers
			SET join_owner = NULL, join_until = NULL, join_running = FALSE
			WHERE run_id = $1 AND join_owner = $2`
		args = []any{runID, owner.String()}
	default:
		return false, fmt.Errorf("datenschleuder/postgres: unknown join step %d", step)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("datenschleuder/postgres: join lease %s: %w", step, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM datenschleuder_barriers WHERE run_id = $1)`, runID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("datenschleuder/postgres: join lease exists: %w", err)
	}
	if !exists {
		return false, datenschleuder.ErrBarrierNotFound
	}
	return false, nil
}

// DeleteBarrier removes the barrier; results cascade.
func (s *Store) DeleteBarrier(ctx context.Context, runID id.RunID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM datenschleuder_barriers WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("datenschleuder/postgres: delete barrier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return datenschleuder.ErrBarrierNotFound
	}
	return nil
}
