package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/progress"
)

// InitProgress creates or resets a counter.
func (s *Store) InitProgress(ctx context.Context, runID id.RunID, total int, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expires = &t
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO datenschleuder_progress (run_id, done, total, expires_at)
		VALUES ($1, 0, $2, $3)
		ON CONFLICT (run_id) DO UPDATE
		SET done = 0, total = EXCLUDED.total, expires_at = EXCLUDED.expires_at`,
		runID, total, expires,
	)
	if err != nil {
		return fmt.Errorf("datenschleuder/postgres: init progress: %w", err)
	}
	return nil
}

// IncrProgress adds delta to the done count. An expired counter restarts
// from zero without a total.
func (s *Store) IncrProgress(ctx context.Context, runID id.RunID, delta int) (int, error) {
	var done int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO datenschleuder_progress AS p (run_id, done, total)
		VALUES ($1, $2, 0)
		ON CONFLICT (run_id) DO UPDATE SET
			done = CASE WHEN p.expires_at <= $3 THEN EXCLUDED.done ELSE p.done + EXCLUDED.done END,
			total = CASE WHEN p.expires_at <= $3 THEN 0 ELSE p.total END,
			expires_at = CASE WHEN p.expires_at <= $3 THEN NULL ELSE p.expires_at END
		RETURNING done`,
		runID, delta, time.Now().UTC(),
	).Scan(&done)
	if err != nil {
		return 0, fmt.Errorf("datenschleuder/postgres: incr progress: %w", err)
	}
	return done, nil
}

// GetProgress returns the counter, zero when absent or expired.
func (s *Store) GetProgress(ctx context.Context, runID id.RunID) (progress.Progress, error) {
	var p progress.Progress
	err := s.pool.QueryRow(ctx, `
		SELECT done, total FROM datenschleuder_progress
		WHERE run_id = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		runID, time.Now().UTC(),
	).Scan(&p.Done, &p.Total)
	if err != nil {
		if isNoRows(err) {
			return progress.Progress{}, nil
		}
		return progress.Progress{}, fmt.Errorf("datenschleuder/postgres: get progress: %w", err)
	}
	return p, nil
}

// DeleteProgress drops the counter.
func (s *Store) DeleteProgress(ctx context.Context, runID id.RunID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM datenschleuder_progress WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("datenschleuder/postgres: delete progress: %w", err)
	}
	return nil
}
