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
	"github.com/nerdfunk-net/datenschleuder-sub000/schedule"
)

// advanceScript moves next_run forward only if it still equals the prior
// value the caller read.
// KEYS: schedule hash, due set. ARGV: schedule ID, prior, next, data,
// active flag. Returns -1 when missing, 0 when someone else advanced.
var advanceScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'next_run')
if not cur then return -1 end
if cur ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'next_run', ARGV[3], 'data', ARGV[4])
if ARGV[5] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
end
return 1
`)

// CreateSchedule persists a new schedule.
func (s *Store) CreateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	sID := sc.ID.String()
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: encode schedule: %w", err)
	}

	ok, err := s.client.HSetNX(ctx, s.keys.schedule(sID), "next_run", unixNano(sc.NextRun)).Result()
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: create schedule: %w", err)
	}
	if !ok {
		return datenschleuder.ErrScheduleAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keys.schedule(sID), "data", string(data))
	pipe.SAdd(ctx, s.keys.scheduleIDs(), sID)
	s.indexDue(ctx, pipe, sc)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("datenschleuder/redis: create schedule indexes: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*schedule.Schedule, error) {
	return s.getSchedule(ctx, scheduleID.String())
}

// UpdateSchedule replaces an existing schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	sID := sc.ID.String()
	key := s.keys.schedule(sID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: update schedule exists: %w", err)
	}
	if exists == 0 {
		return datenschleuder.ErrScheduleNotFound
	}

	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: encode schedule: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "next_run", unixNano(sc.NextRun), "data", string(data))
	s.indexDue(ctx, pipe, sc)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("datenschleuder/redis: update schedule: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	sID := scheduleID.String()
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.keys.schedule(sID))
	pipe.SRem(ctx, s.keys.scheduleIDs(), sID)
	pipe.ZRem(ctx, s.keys.scheduleDue(), sID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("datenschleuder/redis: delete schedule: %w", err)
	}
	if del.Val() == 0 {
		return datenschleuder.ErrScheduleNotFound
	}
	return nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Schedule, error) {
	ids, err := s.client.SMembers(ctx, s.keys.scheduleIDs()).Result()
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: list schedules: %w", err)
	}
	out := s.getSchedules(ctx, ids)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListDueSchedules returns active schedules with NextRun <= now, earliest
// first.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*schedule.Schedule, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keys.scheduleDue(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: unixNano(now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: list due schedules: %w", err)
	}

	var out []*schedule.Schedule
	for _, sc := range s.getSchedules(ctx, ids) {
		if sc.Due(now) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out, nil
}

// AdvanceNextRun moves NextRun from prior to next if nobody else did.
func (s *Store) AdvanceNextRun(ctx context.Context, scheduleID id.ScheduleID, prior, next, lastRun time.Time) (bool, error) {
	sID := scheduleID.String()
	sc, err := s.getSchedule(ctx, sID)
	if err != nil {
		return false, err
	}
	if !sc.NextRun.Equal(prior) {
		return false, nil
	}

	sc.NextRun = next
	lr := lastRun
	sc.LastRun = &lr
	sc.Touch()
	data, err := json.Marshal(sc)
	if err != nil {
		return false, fmt.Errorf("datenschleuder/redis: encode schedule: %w", err)
	}

	res, err := advanceScript.Run(ctx, s.client,
		[]string{s.keys.schedule(sID), s.keys.scheduleDue()},
		sID, unixNano(prior), unixNano(next), string(data), boolToStr(sc.IsActive),
	).Int()
	if err != nil {
		return false, fmt.Errorf("datenschleuder/redis: advance schedule: %w", err)
	}
	switch res {
	case -1:
		return false, datenschleuder.ErrScheduleNotFound
	case 0:
		return false, nil
	}
	return true, nil
}

// ── helpers ──

func (s *Store) getSchedule(ctx context.Context, sID string) (*schedule.Schedule, error) {
	data, err := s.client.HGet(ctx, s.keys.schedule(sID), "data").Bytes()
	if isRedisNil(err) {
		return nil, datenschleuder.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: get schedule: %w", err)
	}
	var sc schedule.Schedule
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: decode schedule %s: %w", sID, err)
	}
	return &sc, nil
}

func (s *Store) getSchedules(ctx context.Context, ids []string) []*schedule.Schedule {
	out := make([]*schedule.Schedule, 0, len(ids))
	for _, sID := range ids {
		sc, err := s.getSchedule(ctx, sID)
		if err != nil {
			continue
		}
		out = append(out, sc)
	}
	return out
}

func (s *Store) indexDue(ctx context.Context, pipe goredis.Pipeliner, sc *schedule.Schedule) {
	if sc.IsActive {
		pipe.ZAdd(ctx, s.keys.scheduleDue(), goredis.Z{Score: nanos(sc.NextRun), Member: sc.ID.String()})
		return
	}
	pipe.ZRem(ctx, s.keys.scheduleDue(), sc.ID.String())
}

func unixNano(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}
