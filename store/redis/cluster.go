package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/cluster"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// acquireLeaderScript takes the lease when it is free or already ours.
// KEYS: leader. ARGV: worker ID, ttl in ms.
var acquireLeaderScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

// renewLeaderScript extends the lease only for its holder.
var renewLeaderScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseLeaderScript drops the lease only for its holder.
var releaseLeaderScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RegisterWorker adds or replaces a worker.
func (s *Store) RegisterWorker(ctx context.Context, w *cluster.Worker) error {
	wID := w.ID.String()
	key := s.keys.worker(wID)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, workerToMap(w))
	pipe.SAdd(ctx, s.keys.workerIDs(), wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("datenschleuder/redis: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker and gives up its leader lease.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	wID := workerID.String()
	key := s.keys.worker(wID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: deregister exists: %w", err)
	}
	if exists == 0 {
		return datenschleuder.ErrWorkerNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, s.keys.workerIDs(), wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("datenschleuder/redis: deregister worker: %w", err)
	}
	if err := releaseLeaderScript.Run(ctx, s.client, []string{s.keys.leader()}, wID).Err(); err != nil {
		s.logger.Warn("failed to release leader lease",
			"worker_id", wID,
			"error", err.Error(),
		)
	}
	return nil
}

// HeartbeatWorker refreshes LastSeen and the in-flight count.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID, active int) error {
	key := s.keys.worker(workerID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return datenschleuder.ErrWorkerNotFound
	}

	err = s.client.HSet(ctx, key,
		"last_seen", time.Now().UTC().Format(time.RFC3339Nano),
		"active", strconv.Itoa(active),
	).Err()
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: heartbeat worker: %w", err)
	}
	return nil
}

// ListWorkers returns all workers ordered by registration time. The
// current lease holder is flagged from the leader key.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	ids, err := s.client.SMembers(ctx, s.keys.workerIDs()).Result()
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: list workers: %w", err)
	}

	leader, until, err := s.lease(ctx)
	if err != nil {
		return nil, err
	}

	workers := make([]*cluster.Worker, 0, len(ids))
	for _, wID := range ids {
		vals, getErr := s.client.HGetAll(ctx, s.keys.worker(wID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		w, convErr := mapToWorker(vals)
		if convErr != nil {
			s.logger.Warn("skipping undecodable worker",
				"worker_id", wID,
				"error", convErr.Error(),
			)
			continue
		}
		if wID == leader {
			w.IsLeader = true
			u := until
			w.LeaderUntil = &u
		}
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, k int) bool { return workers[i].CreatedAt.Before(workers[k].CreatedAt) })
	return workers, nil
}

// AcquireLeadership takes the lease when free, expired or already ours.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	ok, err := acquireLeaderScript.Run(ctx, s.client, []string{s.keys.leader()},
		workerID.String(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("datenschleuder/redis: acquire leadership: %w", err)
	}
	return ok == 1, nil
}

// RenewLeadership extends the lease if workerID still holds it.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	ok, err := renewLeaderScript.Run(ctx, s.client, []string{s.keys.leader()},
		workerID.String(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("datenschleuder/redis: renew leadership: %w", err)
	}
	return ok == 1, nil
}

// GetLeader returns the lease holder or a nil ID.
func (s *Store) GetLeader(ctx context.Context) (id.WorkerID, error) {
	wID, err := s.client.Get(ctx, s.keys.leader()).Result()
	if isRedisNil(err) {
		return id.Nil, nil
	}
	if err != nil {
		return id.Nil, fmt.Errorf("datenschleuder/redis: get leader: %w", err)
	}
	return id.ParseWorkerID(wID)
}

// lease reads the leader key and its expiry.
func (s *Store) lease(ctx context.Context) (string, time.Time, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, s.keys.leader())
	ttlCmd := pipe.PTTL(ctx, s.keys.leader())
	if _, err := pipe.Exec(ctx); err != nil && !isRedisNil(err) {
		return "", time.Time{}, fmt.Errorf("datenschleuder/redis: read leader: %w", err)
	}
	holder, err := getCmd.Result()
	if err != nil {
		return "", time.Time{}, nil
	}
	ttl, err := ttlCmd.Result()
	if err != nil || ttl <= 0 {
		return "", time.Time{}, nil
	}
	return holder, time.Now().UTC().Add(ttl), nil
}

// ── helpers ──

func workerToMap(w *cluster.Worker) map[string]any {
	return map[string]any{
		"id":          w.ID.String(),
		"hostname":    w.Hostname,
		"queues":      strings.Join(w.Queues, ","),
		"job_types":   strings.Join(w.JobTypes, ","),
		"concurrency": strconv.Itoa(w.Concurrency),
		"active":      strconv.Itoa(w.Active),
		"state":       string(w.State),
		"last_seen":   w.LastSeen.UTC().Format(time.RFC3339Nano),
		"created_at":  w.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func mapToWorker(m map[string]string) (*cluster.Worker, error) {
	wID, err := id.ParseWorkerID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("parse worker id: %w", err)
	}

	concurrency, _ := strconv.Atoi(m["concurrency"])              //nolint:errcheck // best-effort parse from trusted Redis data
	active, _ := strconv.Atoi(m["active"])                        //nolint:errcheck // best-effort parse from trusted Redis data
	lastSeen, _ := time.Parse(time.RFC3339Nano, m["last_seen"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &cluster.Worker{
		ID:          wID,
		Hostname:    m["hostname"],
		Queues:      splitList(m["queues"]),
		JobTypes:    splitList(m["job_types"]),
		Concurrency: concurrency,
		Active:      active,
		State:       cluster.WorkerState(m["state"]),
		LastSeen:    lastSeen,
		CreatedAt:   createdAt,
	}, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
