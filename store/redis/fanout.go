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
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// recordBatchScript stores the first result for a batch index.
// KEYS: barrier, results. ARGV: index, data, ttl in ms.
// Returns {remaining, added}; remaining is -1 when the barrier is gone.
var recordBatchScript = goredis.NewScript(`
local total = redis.call('HGET', KEYS[1], 'total')
if not total then return {-1, 0} end
local added = redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return {tonumber(total) - redis.call('HLEN', KEYS[2]), added}
`)

// leaseJoinScript applies one join lease step.
// KEYS: barrier. ARGV: owner, step, now in ms, lease end in ms.
// Returns -1 when the barrier is gone, 1 when the step applied, 0 otherwise.
var leaseJoinScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local owner = redis.call('HGET', KEYS[1], 'join_owner')
local untilMs = tonumber(redis.call('HGET', KEYS[1], 'join_until') or '0')
local running = redis.call('HGET', KEYS[1], 'join_running') == '1'
local free = (not owner) or untilMs <= tonumber(ARGV[3])
local mine = owner == ARGV[1]
local step = ARGV[2]
local flag = '0'
if step == 'reserve' then
  if not free then return 0 end
elseif step == 'start' then
  if (not free) and ((not mine) or running) then return 0 end
  flag = '1'
elseif step == 'renew' then
  if (not mine) or (not running) then return 0 end
  flag = '1'
elseif step == 'give_up' then
  if not mine then return 0 end
  redis.call('HDEL', KEYS[1], 'join_owner', 'join_until', 'join_running')
  return 1
else
  return redis.error_reply('unknown join step ' .. step)
end
redis.call('HSET', KEYS[1], 'join_owner', ARGV[1], 'join_until', ARGV[4], 'join_running', flag)
return 1
`)

// CreateBarrier registers a barrier expecting total batches.
func (s *Store) CreateBarrier(ctx context.Context, runID id.RunID, total int) error {
	rID := runID.String()
	ok, err := s.client.HSetNX(ctx, s.keys.barrier(rID), "total", strconv.Itoa(total)).Result()
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: create barrier: %w", err)
	}
	if !ok {
		return datenschleuder.ErrBarrierAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.PExpire(ctx, s.keys.barrier(rID), s.barrierTTL)
	pipe.Del(ctx, s.keys.barrierResults(rID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("datenschleuder/redis: create barrier ttl: %w", err)
	}
	return nil
}

// RecordBatch stores the first result per batch index.
func (s *Store) RecordBatch(ctx context.Context, runID id.RunID, res fanout.BatchResult) (int, bool, error) {
	rID := runID.String()
	data, err := json.Marshal(res)
	if err != nil {
		return 0, false, fmt.Errorf("datenschleuder/redis: encode batch result: %w", err)
	}

	out, err := recordBatchScript.Run(ctx, s.client,
		[]string{s.keys.barrier(rID), s.keys.barrierResults(rID)},
		strconv.Itoa(res.Index), string(data), s.barrierTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("datenschleuder/redis: record batch: %w", err)
	}
	if len(out) != 2 {
		return 0, false, fmt.Errorf("datenschleuder/redis: record batch: unexpected reply %v", out)
	}
	if out[0] < 0 {
		return 0, false, datenschleuder.ErrBarrierNotFound
	}
	return int(out[0]), out[1] == 0, nil
}

// BatchRecorded reports whether index has a stored result.
func (s *Store) BatchRecorded(ctx context.Context, runID id.RunID, index int) (bool, error) {
	rID := runID.String()
	pipe := s.client.Pipeline()
	existsCmd := pipe.Exists(ctx, s.keys.barrier(rID))
	recordedCmd := pipe.HExists(ctx, s.keys.barrierResults(rID), strconv.Itoa(index))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("datenschleuder/redis: batch recorded: %w", err)
	}
	if existsCmd.Val() == 0 {
		return false, datenschleuder.ErrBarrierNotFound
	}
	return recordedCmd.Val(), nil
}

// BatchResults returns the recorded results ordered by index.
func (s *Store) BatchResults(ctx context.Context, runID id.RunID) (int, []fanout.BatchResult, error) {
	rID := runID.String()
	pipe := s.client.Pipeline()
	totalCmd := pipe.HGet(ctx, s.keys.barrier(rID), "total")
	resultsCmd := pipe.HGetAll(ctx, s.keys.barrierResults(rID))
	if _, err := pipe.Exec(ctx); err != nil && !isRedisNil(err) {
		return 0, nil, fmt.Errorf("datenschleuder/redis: batch results: %w", err)
	}

	total, err := totalCmd.Int()
	if isRedisNil(err) {
		return 0, nil, datenschleuder.ErrBarrierNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("datenschleuder/redis: barrier total: %w", err)
	}

	out := make([]fanout.BatchResult, 0, len(resultsCmd.Val()))
	for idx, raw := range resultsCmd.Val() {
		var br fanout.BatchResult
		if err := json.Unmarshal([]byte(raw), &br); err != nil {
			return 0, nil, fmt.Errorf("datenschleuder/redis: decode batch %s of %s: %w", idx, rID, err)
		}
		out = append(out, br)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return total, out, nil
}

// LeaseJoin applies one join lease step.
func (s *Store) LeaseJoin(ctx context.Context, runID id.RunID, owner id.TaskID, step fanout.JoinStep, lease time.Duration) (bool, error) {
	now := time.Now()
	res, err := leaseJoinScript.Run(ctx, s.client,
		[]string{s.keys.barrier(runID.String())},
		owner.String(), step.String(), now.UnixMilli(), now.Add(lease).UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("datenschleuder/redis: join lease %s: %w", step, err)
	}
	if res < 0 {
		return false, datenschleuder.ErrBarrierNotFound
	}
	return res == 1, nil
}

// DeleteBarrier removes the barrier and its results.
func (s *Store) DeleteBarrier(ctx context.Context, runID id.RunID) error {
	rID := runID.String()
	n, err := s.client.Del(ctx, s.keys.barrier(rID), s.keys.barrierResults(rID)).Result()
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: delete barrier: %w", err)
	}
	if n == 0 {
		return datenschleuder.ErrBarrierNotFound
	}
	return nil
}
