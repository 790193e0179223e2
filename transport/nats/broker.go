// Package nats implements transport.Broker on NATS JetStream.
//
// Tasks are published to a work-queue stream on the subject
// "<subject prefix>.<queue>", one durable pull consumer per queue. Two KV
// buckets hold the bookkeeping JetStream does not expose by task ID: the
// "queued" bucket maps a task to its stream sequence (for revoke and purge)
// and the "active" bucket lists reserved tasks for the reaper's active
// report. A third bucket with a TTL carries revocation markers.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// Compile-time interface check.
var _ transport.Broker = (*Broker)(nil)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithStreamName overrides the stream name.
func WithStreamName(name string) Option {
	return func(b *Broker) { b.streamName = name }
}

// WithAckWait sets how long a reserved task may run before JetStream
// redelivers it.
func WithAckWait(d time.Duration) Option {
	return func(b *Broker) { b.ackWait = d }
}

// WithRevokeTTL sets how long revocation markers are kept.
func WithRevokeTTL(d time.Duration) Option {
	return func(b *Broker) { b.revokeTTL = d }
}

// Broker is a JetStream-backed transport.
type Broker struct {
	js         jetstream.JetStream
	streamName string
	subject    string
	ackWait    time.Duration
	revokeTTL  time.Duration
	logger     *slog.Logger

	stream  jetstream.Stream
	queued  jetstream.KeyValue
	active  jetstream.KeyValue
	revoked jetstream.KeyValue

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
	inflight  map[string]jetstream.Msg
}

// New creates the stream and KV buckets if missing and returns a broker.
// The caller owns the NATS connection behind js.
func New(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Broker, error) {
	b := &Broker{
		js:         js,
		streamName: "DATENSCHLEUDER_TASKS",
		subject:    "datenschleuder.tasks",
		ackWait:    3 * time.Hour,
		revokeTTL:  24 * time.Hour,
		logger:     slog.Default(),
		consumers:  make(map[string]jetstream.Consumer),
		inflight:   make(map[string]jetstream.Msg),
	}
	for _, o := range opts {
		o(b)
	}

	var err error
	b.stream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.streamName,
		Subjects:  []string{b.subject + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/nats: create stream: %w", err)
	}

	if b.queued, err = b.bucket(ctx, "queued", 0); err != nil {
		return nil, err
	}
	if b.active, err = b.bucket(ctx, "active", 0); err != nil {
		return nil, err
	}
	if b.revoked, err = b.bucket(ctx, "revoked", b.revokeTTL); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) bucket(ctx context.Context, name string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: b.streamName + "_" + strings.ToUpper(name),
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/nats: create %s bucket: %w", name, err)
	}
	return kv, nil
}

func (b *Broker) subjectFor(queue string) string { return b.subject + "." + queue }

// Enqueue publishes the task and records its stream sequence.
func (b *Broker) Enqueue(ctx context.Context, t *transport.Task) error {
	if t.ID.IsNil() {
		t.ID = id.NewTaskID()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	data, err := transport.Encode(t)
	if err != nil {
		return fmt.Errorf("datenschleuder/nats: encode task: %w", err)
	}

	tid := t.ID.String()
	ack, err := b.js.Publish(ctx, b.subjectFor(t.Queue), data, jetstream.WithMsgID(tid))
	if err != nil {
		return fmt.Errorf("datenschleuder/nats: publish: %w", err)
	}
	if _, err := b.queued.Put(ctx, tid, []byte(t.Queue+"|"+strconv.FormatUint(ack.Sequence, 10))); err != nil {
		return fmt.Errorf("datenschleuder/nats: record sequence: %w", err)
	}
	return nil
}

func (b *Broker) consumer(ctx context.Context, queue string) (jetstream.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.consumers[queue]; ok {
		return c, nil
	}
	c, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "queue-" + queue,
		FilterSubject: b.subjectFor(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
	})
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/nats: consumer %s: %w", queue, err)
	}
	b.consumers[queue] = c
	return c, nil
}

// Reserve fetches at most one message per queue in order and returns the
// first live task.
func (b *Broker) Reserve(ctx context.Context, queues []string, workerID id.WorkerID) (*transport.Task, error) {
	for _, q := range queues {
		c, err := b.consumer(ctx, q)
		if err != nil {
			return nil, err
		}
		for {
			msg, err := fetchOne(c)
			if err != nil {
				return nil, fmt.Errorf("datenschleuder/nats: fetch %s: %w", q, err)
			}
			if msg == nil {
				break
			}
			t, ok, err := b.accept(ctx, msg, workerID)
			if err != nil {
				return nil, err
			}
			if ok {
				return t, nil
			}
		}
	}
	return nil, nil
}

func fetchOne(c jetstream.Consumer) (jetstream.Msg, error) {
	batch, err := c.FetchNoWait(1)
	if err != nil {
		return nil, err
	}
	for msg := range batch.Messages() {
		return msg, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, err
	}
	return nil, nil
}

// accept turns a delivered message into a reserved task, terminating
// undecodable or revoked ones.
func (b *Broker) accept(ctx context.Context, msg jetstream.Msg, workerID id.WorkerID) (*transport.Task, bool, error) {
	t, err := transport.Decode(msg.Data())
	if err != nil {
		b.logger.Warn("dropping undecodable task", slog.String("error", err.Error()))
		_ = msg.Term()
		return nil, false, nil
	}
	tid := t.ID.String()

	revoked, err := b.IsRevoked(ctx, t.ID)
	if err != nil {
		_ = msg.Nak()
		return nil, false, err
	}
	if revoked {
		_ = msg.Term()
		_ = b.queued.Delete(ctx, tid)
		return nil, false, nil
	}

	t.WorkerID = workerID
	t.ReservedAt = time.Now().UTC()
	data, err := transport.Encode(t)
	if err != nil {
		_ = msg.Nak()
		return nil, false, fmt.Errorf("datenschleuder/nats: encode active: %w", err)
	}
	if _, err := b.active.Put(ctx, tid, data); err != nil {
		_ = msg.Nak()
		return nil, false, fmt.Errorf("datenschleuder/nats: mark active: %w", err)
	}
	_ = b.queued.Delete(ctx, tid)

	b.mu.Lock()
	b.inflight[tid] = msg
	b.mu.Unlock()
	return t, true, nil
}

// Ack acknowledges the message and clears the active entry.
func (b *Broker) Ack(ctx context.Context, taskID id.TaskID) error {
	tid := taskID.String()
	b.mu.Lock()
	msg := b.inflight[tid]
	delete(b.inflight, tid)
	b.mu.Unlock()

	if msg != nil {
		if err := msg.Ack(); err != nil {
			b.logger.Warn("ack failed", slog.String("task_id", tid), slog.String("error", err.Error()))
		}
	}
	if err := b.active.Delete(ctx, tid); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("datenschleuder/nats: clear active: %w", err)
	}
	return nil
}

// Revoke records the marker and deletes the stream message if still queued.
func (b *Broker) Revoke(ctx context.Context, taskID id.TaskID) error {
	tid := taskID.String()
	if _, err := b.revoked.Put(ctx, tid, []byte("1")); err != nil {
		return fmt.Errorf("datenschleuder/nats: revoke mark: %w", err)
	}

	entry, err := b.queued.Get(ctx, tid)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("datenschleuder/nats: revoke lookup: %w", err)
	}
	_, seq, ok := parseQueued(entry.Value())
	if !ok {
		return nil
	}
	if err := b.stream.DeleteMsg(ctx, seq); err != nil && !errors.Is(err, jetstream.ErrMsgNotFound) {
		return fmt.Errorf("datenschleuder/nats: revoke delete: %w", err)
	}
	_ = b.queued.Delete(ctx, tid)
	return nil
}

// IsRevoked checks the revocation bucket.
func (b *Broker) IsRevoked(ctx context.Context, taskID id.TaskID) (bool, error) {
	_, err := b.revoked.Get(ctx, taskID.String())
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("datenschleuder/nats: is revoked: %w", err)
	}
	return true, nil
}

// ActiveTasks lists the active bucket.
func (b *Broker) ActiveTasks(ctx context.Context) ([]*transport.Task, error) {
	keys, err := listKeys(ctx, b.active)
	if err != nil {
		return nil, err
	}
	out := make([]*transport.Task, 0, len(keys))
	for _, k := range keys {
		entry, err := b.active.Get(ctx, k)
		if err != nil {
			continue
		}
		t, err := transport.Decode(entry.Value())
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out, nil
}

// Stats reads pending and ack-pending counts from each queue's consumer.
func (b *Broker) Stats(ctx context.Context, queues []string) ([]transport.QueueStats, error) {
	out := make([]transport.QueueStats, 0, len(queues))
	for _, q := range queues {
		c, err := b.consumer(ctx, q)
		if err != nil {
			return nil, err
		}
		info, err := c.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("datenschleuder/nats: consumer info %s: %w", q, err)
		}
		out = append(out, transport.QueueStats{
			Queue:   q,
			Pending: int64(info.NumPending),
			Active:  int64(info.NumAckPending),
		})
	}
	return out, nil
}

// Purge deletes every still-queued message of one queue. Delivered
// messages stay in the stream until their worker acks them.
func (b *Broker) Purge(ctx context.Context, queue string) (int64, error) {
	keys, err := listKeys(ctx, b.queued)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		entry, err := b.queued.Get(ctx, k)
		if err != nil {
			continue
		}
		q, seq, ok := parseQueued(entry.Value())
		if !ok || q != queue {
			continue
		}
		if _, err := b.active.Get(ctx, k); err == nil {
			_ = b.queued.Delete(ctx, k)
			continue
		}
		if err := b.stream.DeleteMsg(ctx, seq); err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				_ = b.queued.Delete(ctx, k)
				continue
			}
			return n, fmt.Errorf("datenschleuder/nats: purge %s: %w", queue, err)
		}
		_ = b.queued.Delete(ctx, k)
		n++
	}
	return n, nil
}

// Close is a no-op; the caller owns the connection.
func (b *Broker) Close() error { return nil }

func listKeys(ctx context.Context, kv jetstream.KeyValue) ([]string, error) {
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("datenschleuder/nats: list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	return keys, nil
}

func parseQueued(v []byte) (string, uint64, bool) {
	q, s, ok := strings.Cut(string(v), "|")
	if !ok {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return q, seq, true
}
