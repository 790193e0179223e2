package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
)

// createRunScript writes a new run hash in one step so readers never see a
// hash without its data.
// KEYS: run hash, run ID index, open set. ARGV: run ID, status, revision,
// data, queued_at score, terminal flag.
// Returns 0 when the run already exists, 1 on write.
var createRunScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'rev', ARGV[3], 'data', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
if ARGV[6] ~= '1' then
  redis.call('SADD', KEYS[3], ARGV[1])
end
return 1
`)

// updateRunScript replaces a run when its stored revision matches.
// KEYS: run hash, open set. ARGV: run ID, expected revision, new status,
// new revision, data, terminal flag.
// Returns -1 when the run is missing, 0 on a revision mismatch, 1 on write.
var updateRunScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'rev')
if not cur then return -1 end
if cur ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'rev', ARGV[4], 'data', ARGV[5])
if ARGV[6] == '1' then
  redis.call('SREM', KEYS[2], ARGV[1])
else
  redis.call('SADD', KEYS[2], ARGV[1])
end
return 1
`)

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	rID := r.ID.String()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: encode run: %w", err)
	}

	created, err := createRunScript.Run(ctx, s.client,
		[]string{s.keys.run(rID), s.keys.runIDs(), s.keys.runOpen()},
		rID, string(r.Status), strconv.FormatInt(r.Revision, 10), string(data),
		unixNano(r.QueuedAt), boolToStr(r.Status.Terminal()),
	).Int()
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: create run: %w", err)
	}
	if created == 0 {
		return datenschleuder.ErrRunAlreadyExists
	}

	if len(r.Handles()) == 0 && !r.Status.Terminal() {
		return nil
	}
	pipe := s.client.Pipeline()
	if r.Status.Terminal() {
		s.indexDone(ctx, pipe, r)
	}
	s.indexHandles(ctx, pipe, r)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("datenschleuder/redis: create run indexes: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	return s.getRun(ctx, runID.String())
}

// GetRunByTaskHandle finds the run owning a task or subtask handle.
func (s *Store) GetRunByTaskHandle(ctx context.Context, handle id.TaskID) (*run.Run, error) {
	rID, err := s.client.Get(ctx, s.keys.runHandle(handle.String())).Result()
	if isRedisNil(err) {
		return nil, datenschleuder.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: get run by handle: %w", err)
	}
	return s.getRun(ctx, rID)
}

// UpdateRunIf replaces the run when its stored revision equals revision.
func (s *Store) UpdateRunIf(ctx context.Context, r *run.Run, revision int64) error {
	rID := r.ID.String()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: encode run: %w", err)
	}

	res, err := updateRunScript.Run(ctx, s.client, []string{s.keys.run(rID), s.keys.runOpen()},
		rID, strconv.FormatInt(revision, 10), string(r.Status),
		strconv.FormatInt(r.Revision, 10), string(data), boolToStr(r.Status.Terminal()),
	).Int()
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: update run: %w", err)
	}
	switch res {
	case -1:
		return datenschleuder.ErrRunNotFound
	case 0:
		return datenschleuder.ErrRunChanged
	}

	pipe := s.client.Pipeline()
	s.indexHandles(ctx, pipe, r)
	if r.Status.Terminal() {
		s.indexDone(ctx, pipe, r)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("run index update failed",
			"run_id", rID,
			"error", err.Error(),
		)
	}
	return nil
}

// ListRuns returns matching runs, newest first.
func (s *Store) ListRuns(ctx context.Context, f run.Filter, p run.Page) ([]*run.Run, error) {
	ids, err := s.client.ZRevRange(ctx, s.keys.runIDs(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: list runs: %w", err)
	}
	runs, err := s.getRuns(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*run.Run, 0, len(runs))
	for _, r := range runs {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	if p.Offset > 0 {
		if p.Offset >= len(out) {
			return []*run.Run{}, nil
		}
		out = out[p.Offset:]
	}
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// ListNonTerminal returns every pending or running run, oldest first.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*run.Run, error) {
	ids, err := s.client.SMembers(ctx, s.keys.runOpen()).Result()
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: list open runs: %w", err)
	}
	runs, err := s.getRuns(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := runs[:0]
	for _, r := range runs {
		if !r.Status.Terminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out, nil
}

// DeleteRun removes a terminal run.
func (s *Store) DeleteRun(ctx context.Context, runID id.RunID) error {
	r, err := s.getRun(ctx, runID.String())
	if err != nil {
		return err
	}
	if !r.Status.Terminal() {
		return datenschleuder.ErrRunNotTerminal
	}
	return s.deleteRuns(ctx, []*run.Run{r})
}

// ClearRuns deletes the terminal runs matching f.
func (s *Store) ClearRuns(ctx context.Context, f run.Filter) (int64, error) {
	ids, err := s.client.ZRange(ctx, s.keys.runDone(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("datenschleuder/redis: clear runs: %w", err)
	}
	runs, err := s.getRuns(ctx, ids)
	if err != nil {
		return 0, err
	}
	matched := runs[:0]
	for _, r := range runs {
		if r.Status.Terminal() && f.Match(r) {
			matched = append(matched, r)
		}
	}
	if err := s.deleteRuns(ctx, matched); err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// PruneRuns deletes terminal runs completed before the cutoff.
func (s *Store) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keys.runDone(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + unixNano(before),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("datenschleuder/redis: prune runs: %w", err)
	}
	runs, err := s.getRuns(ctx, ids)
	if err != nil {
		return 0, err
	}
	if err := s.deleteRuns(ctx, runs); err != nil {
		return 0, err
	}
	return int64(len(runs)), nil
}

// ── helpers ──

func (s *Store) getRun(ctx context.Context, rID string) (*run.Run, error) {
	data, err := s.client.HGet(ctx, s.keys.run(rID), "data").Bytes()
	if isRedisNil(err) {
		return nil, datenschleuder.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: get run: %w", err)
	}
	var r run.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: decode run %s: %w", rID, err)
	}
	return &r, nil
}

// getRuns loads runs in the order of ids, skipping IDs whose hash is gone.
func (s *Store) getRuns(ctx context.Context, ids []string) ([]*run.Run, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(ids))
	for i, rID := range ids {
		cmds[i] = pipe.HGet(ctx, s.keys.run(rID), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !isRedisNil(err) {
		return nil, fmt.Errorf("datenschleuder/redis: load runs: %w", err)
	}

	out := make([]*run.Run, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var r run.Run
		if err := json.Unmarshal(data, &r); err != nil {
			s.logger.Warn("skipping undecodable run",
				"run_id", ids[i],
				"error", err.Error(),
			)
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *Store) deleteRuns(ctx context.Context, runs []*run.Run) error {
	if len(runs) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, r := range runs {
		rID := r.ID.String()
		pipe.Del(ctx, s.keys.run(rID))
		pipe.ZRem(ctx, s.keys.runIDs(), rID)
		pipe.ZRem(ctx, s.keys.runDone(), rID)
		pipe.SRem(ctx, s.keys.runOpen(), rID)
		for _, h := range r.Handles() {
			pipe.Del(ctx, s.keys.runHandle(h.String()))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("datenschleuder/redis: delete runs: %w", err)
	}
	return nil
}

func (s *Store) indexHandles(ctx context.Context, pipe goredis.Pipeliner, r *run.Run) {
	for _, h := range r.Handles() {
		pipe.Set(ctx, s.keys.runHandle(h.String()), r.ID.String(), 0)
	}
}

func (s *Store) indexDone(ctx context.Context, pipe goredis.Pipeliner, r *run.Run) {
	at := r.QueuedAt
	if r.CompletedAt != nil {
		at = *r.CompletedAt
	}
	pipe.ZAdd(ctx, s.keys.runDone(), goredis.Z{Score: nanos(at), Member: r.ID.String()})
}
