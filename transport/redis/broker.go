// Package redis implements transport.Broker on Redis.
//
// Each queue is a list of task IDs (RPUSH to enqueue, LPOP to reserve). The
// encoded task lives under its own key. Reserved tasks are tracked in one
// hash mapping task ID to "workerID|reservedAtNanos", and revocations are
// short-lived marker keys. Reserve and Purge run as Lua scripts so a task
// is never observed half-moved.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	b := redistransport.New(client)
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// Compile-time interface check.
var _ transport.Broker = (*Broker)(nil)

const defaultPrefix = "datenschleuder:"

// reserveScript pops the first live task ID across KEYS and marks it active.
// ARGV: prefix, worker ID, reserved-at nanos.
var reserveScript = goredis.NewScript(`
for _, q in ipairs(KEYS) do
  while true do
    local tid = redis.call('LPOP', q)
    if not tid then break end
    if redis.call('EXISTS', ARGV[1] .. 'task_revoked:' .. tid) == 1 then
      redis.call('DEL', ARGV[1] .. 'task:' .. tid)
    else
      local blob = redis.call('GET', ARGV[1] .. 'task:' .. tid)
      if blob then
        redis.call('HSET', ARGV[1] .. 'task_active', tid, ARGV[2] .. '|' .. ARGV[3])
        return {tid, blob}
      end
    end
  end
end
return false
`)

// purgeScript drops a queue list and the task bodies it referenced.
// ARGV: prefix.
var purgeScript = goredis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
for _, tid in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. 'task:' .. tid)
end
return #ids
`)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithKeyPrefix namespaces every key the broker touches.
func WithKeyPrefix(p string) Option {
	return func(b *Broker) { b.prefix = p }
}

// WithRevokeTTL sets how long revocation markers are kept.
func WithRevokeTTL(d time.Duration) Option {
	return func(b *Broker) { b.revokeTTL = d }
}

// Broker is a Redis-backed transport.
type Broker struct {
	client    goredis.Cmdable
	prefix    string
	revokeTTL time.Duration
	logger    *slog.Logger
}

// New creates a broker. The caller owns the client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Broker {
	b := &Broker{
		client:    client,
		prefix:    defaultPrefix,
		revokeTTL: 24 * time.Hour,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broker) queueKey(q string) string     { return b.prefix + "tq:" + q }
func (b *Broker) taskKey(tid string) string    { return b.prefix + "task:" + tid }
func (b *Broker) revokedKey(tid string) string { return b.prefix + "task_revoked:" + tid }
func (b *Broker) activeKey() string            { return b.prefix + "task_active" }

// Enqueue stores the encoded task and appends its ID to the queue list.
func (b *Broker) Enqueue(ctx context.Context, t *transport.Task) error {
	if t.ID.IsNil() {
		t.ID = id.NewTaskID()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	blob, err := transport.Encode(t)
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: encode task: %w", err)
	}

	tid := t.ID.String()
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.taskKey(tid), blob, 0)
	pipe.RPush(ctx, b.queueKey(t.Queue), tid)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("datenschleuder/redis: enqueue task: %w", err)
	}
	return nil
}

// Reserve pops the next live task across queues in order.
func (b *Broker) Reserve(ctx context.Context, queues []string, workerID id.WorkerID) (*transport.Task, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = b.queueKey(q)
	}
	now := time.Now().UTC()

	res, err := reserveScript.Run(ctx, b.client, keys, b.prefix, workerID.String(), now.UnixNano()).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: reserve: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("datenschleuder/redis: reserve: unexpected reply of %d elements", len(res))
	}
	blob, _ := res[1].(string)

	t, err := transport.Decode([]byte(blob))
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: %w", err)
	}
	t.WorkerID = workerID
	t.ReservedAt = time.Unix(0, now.UnixNano()).UTC()
	return t, nil
}

// Ack removes the task from the active hash and deletes its body.
func (b *Broker) Ack(ctx context.Context, taskID id.TaskID) error {
	tid := taskID.String()
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.activeKey(), tid)
	pipe.Del(ctx, b.taskKey(tid))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("datenschleuder/redis: ack: %w", err)
	}
	return nil
}

// Revoke marks the task revoked and removes it from its queue if queued.
func (b *Broker) Revoke(ctx context.Context, taskID id.TaskID) error {
	tid := taskID.String()
	if err := b.client.Set(ctx, b.revokedKey(tid), "1", b.revokeTTL).Err(); err != nil {
		return fmt.Errorf("datenschleuder/redis: revoke mark: %w", err)
	}

	blob, err := b.client.Get(ctx, b.taskKey(tid)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: revoke get: %w", err)
	}
	t, err := transport.Decode(blob)
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: revoke: %w", err)
	}

	removed, err := b.client.LRem(ctx, b.queueKey(t.Queue), 0, tid).Result()
	if err != nil {
		return fmt.Errorf("datenschleuder/redis: revoke lrem: %w", err)
	}
	if removed > 0 {
		if err := b.client.Del(ctx, b.taskKey(tid)).Err(); err != nil {
			return fmt.Errorf("datenschleuder/redis: revoke del: %w", err)
		}
	}
	return nil
}

// IsRevoked checks for the revocation marker.
func (b *Broker) IsRevoked(ctx context.Context, taskID id.TaskID) (bool, error) {
	n, err := b.client.Exists(ctx, b.revokedKey(taskID.String())).Result()
	if err != nil {
		return false, fmt.Errorf("datenschleuder/redis: is revoked: %w", err)
	}
	return n > 0, nil
}

// ActiveTasks loads every task listed in the active hash.
func (b *Broker) ActiveTasks(ctx context.Context) ([]*transport.Task, error) {
	entries, err := b.client.HGetAll(ctx, b.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: active hgetall: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	tids := make([]string, 0, len(entries))
	pipe := b.client.Pipeline()
	cmds := make([]*goredis.StringCmd, 0, len(entries))
	for tid := range entries {
		tids = append(tids, tid)
		cmds = append(cmds, pipe.Get(ctx, b.taskKey(tid)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("datenschleuder/redis: active load: %w", err)
	}

	out := make([]*transport.Task, 0, len(tids))
	for i, cmd := range cmds {
		blob, err := cmd.Bytes()
		if err != nil {
			continue
		}
		t, err := transport.Decode(blob)
		if err != nil {
			b.logger.Warn("skipping undecodable active task",
				slog.String("task_id", tids[i]),
				slog.String("error", err.Error()),
			)
			continue
		}
		worker, at, ok := strings.Cut(entries[tids[i]], "|")
		if ok {
			if wid, perr := id.ParseWorkerID(worker); perr == nil {
				t.WorkerID = wid
			}
			if nanos, perr := strconv.ParseInt(at, 10, 64); perr == nil {
				t.ReservedAt = time.Unix(0, nanos).UTC()
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out, nil
}

// Stats reports list lengths and active counts per queue.
func (b *Broker) Stats(ctx context.Context, queues []string) ([]transport.QueueStats, error) {
	pipe := b.client.Pipeline()
	lens := make([]*goredis.IntCmd, len(queues))
	for i, q := range queues {
		lens[i] = pipe.LLen(ctx, b.queueKey(q))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("datenschleuder/redis: stats llen: %w", err)
	}

	active, err := b.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	perQueue := make(map[string]int64)
	for _, t := range active {
		perQueue[t.Queue]++
	}

	out := make([]transport.QueueStats, len(queues))
	for i, q := range queues {
		out[i] = transport.QueueStats{Queue: q, Pending: lens[i].Val(), Active: perQueue[q]}
	}
	return out, nil
}

// Purge drops every queued task of one queue.
func (b *Broker) Purge(ctx context.Context, queue string) (int64, error) {
	n, err := purgeScript.Run(ctx, b.client, []string{b.queueKey(queue)}, b.prefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("datenschleuder/redis: purge %s: %w", queue, err)
	}
	return n, nil
}

// Close is a no-op; the caller owns the client.
func (b *Broker) Close() error { return nil }
