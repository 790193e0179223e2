package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/cluster"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// RegisterWorker adds or replaces a worker.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO datenschleuder_workers (
			id, hostname, queues, job_types, concurrency, active, state, last_seen, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname, queues = EXCLUDED.queues,
			job_types = EXCLUDED.job_types, concurrency = EXCLUDED.concurrency,
			active = EXCLUDED.active, state = EXCLUDED.state,
			last_seen = EXCLUDED.last_seen, created_at = EXCLUDED.created_at`,
		w.ID, w.Hostname, strSlice(w.Queues), strSlice(w.JobTypes),
		w.Concurrency, w.Active, string(w.State), w.LastSeen, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("datenschleuder/postgres: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker and gives up its leader lease.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM datenschleuder_workers WHERE id = $1`, workerID)
		if err != nil {
			return fmt.Errorf("datenschleuder/postgres: deregister worker: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return datenschleuder.ErrWorkerNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM datenschleuder_leader WHERE worker_id = $1`, workerID); err != nil {
			return fmt.Errorf("datenschleuder/postgres: release leadership: %w", err)
		}
		return nil
	})
}

// HeartbeatWorker refreshes LastSeen and the in-flight count.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID, active int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE datenschleuder_workers SET last_seen = $2, active = $3
		WHERE id = $1`,
		workerID, time.Now().UTC(), active,
	)
	if err != nil {
		return fmt.Errorf("datenschleuder/postgres: heartbeat worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return datenschleuder.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all workers ordered by registration time.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			w.id, w.hostname, w.queues, w.job_types, w.concurrency, w.active,
			w.state, w.last_seen, w.created_at, l.until
		FROM datenschleuder_workers w
		LEFT JOIN datenschleuder_leader l ON l.worker_id = w.id AND l.until > $1
		ORDER BY w.created_at ASC`,
		time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/postgres: list workers: %w", err)
	}
	defer rows.Close()

	var workers []*cluster.Worker
	for rows.Next() {
		var (
			w     cluster.Worker
			state string
		)
		if err := rows.Scan(
			&w.ID, &w.Hostname, &w.Queues, &w.JobTypes, &w.Concurrency, &w.Active,
			&state, &w.LastSeen, &w.CreatedAt, &w.LeaderUntil,
		); err != nil {
			return nil, fmt.Errorf("datenschleuder/postgres: scan worker: %w", err)
		}
		w.State = cluster.WorkerState(state)
		w.IsLeader = w.LeaderUntil != nil
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}

// AcquireLeadership takes the lease when free, expired or already ours.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	var holder string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO datenschleuder_leader AS l (id, worker_id, until)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET worker_id = EXCLUDED.worker_id, until = EXCLUDED.until
		WHERE l.worker_id = EXCLUDED.worker_id OR l.until <= $3
		RETURNING worker_id`,
		workerID, now.Add(ttl), now,
	).Scan(&holder)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("datenschleuder/postgres: acquire leadership: %w", err)
	}
	return holder == workerID.String(), nil
}

// RenewLeadership extends the lease if workerID still holds it.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE datenschleuder_leader SET until = $2
		WHERE id = 1 AND worker_id = $1 AND until > $3`,
		workerID, now.Add(ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("datenschleuder/postgres: renew leadership: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetLeader returns the lease holder or a nil ID.
func (s *Store) GetLeader(ctx context.Context) (id.WorkerID, error) {
	var leader id.WorkerID
	err := s.pool.QueryRow(ctx,
		`SELECT worker_id FROM datenschleuder_leader WHERE id = 1 AND until > $1`,
		time.Now().UTC(),
	).Scan(&leader)
	if err != nil {
		if isNoRows(err) {
			return id.Nil, nil
		}
		return id.Nil, fmt.Errorf("datenschleuder/postgres: get leader: %w", err)
	}
	return leader, nil
}
