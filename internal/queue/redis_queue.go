package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"smartboard-ingest/internal/config"
)

// Message is one leased unit of work.
type Message struct {
	ID          string
	Name        string
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time
	LastError   string
}

// EnqueueParams collects inputs required to enqueue a message.
type EnqueueParams struct {
	Name        string
	ID          string
	Payload     []byte
	RunAt       time.Time
	MaxAttempts int
}

// Outcome reports what Fail did with a message.
type Outcome struct {
	DeadLettered bool
	NextRunAt    time.Time
}

// Stats is a point-in-time view of one queue.
type Stats struct {
	Ready      int64 `json:"ready"`
	Scheduled  int64 `json:"scheduled"`
	InFlight   int64 `json:"inflight"`
	DeadLetter int64 `json:"dead_letter"`
}

// RedisQueue coordinates ready, in-flight, scheduled and dead-letter sets per queue name.
type RedisQueue struct {
	client         *redis.Client
	visibilityTTL  time.Duration
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// ErrNotFound is returned when a message id is unknown to the queue.
var ErrNotFound = errors.New("queue message not found")

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RedisQueue{
		client:         client,
		visibilityTTL:  visibility,
		maxAttempts:    maxAttempts,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
	}
}

// NewRedisClient opens the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// VisibilityTimeout is the lease length granted on dequeue.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func readyKey(name string) string     { return fmt.Sprintf("queue:%s:ready", name) }
func scheduledKey(name string) string { return fmt.Sprintf("queue:%s:scheduled", name) }
func inflightKey(name string) string  { return fmt.Sprintf("queue:%s:inflight", name) }
func dlqKey(name string) string       { return fmt.Sprintf("queue:%s:dlq", name) }
func metaKey(name, id string) string  { return fmt.Sprintf("queue:%s:msg:%s", name, id) }

// Enqueue stores the message and places it in the scheduled set (future RunAt) or the ready list.
// It returns false without changes when a message with the same id is still pending. A
// dead-lettered message with the same id is taken off the DLQ and replaced.
func (q *RedisQueue) Enqueue(ctx context.Context, p EnqueueParams) (bool, error) {
	if p.Name == "" || p.ID == "" {
		return false, errors.New("enqueue: name and id are required")
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	now := time.Now()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	delayed := 0
	if runAt.After(now) {
		delayed = 1
	}
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{metaKey(p.Name, p.ID), scheduledKey(p.Name), readyKey(p.Name), dlqKey(p.Name)},
		p.ID, string(p.Payload), maxAttempts, now.UnixMilli(), runAt.UnixMilli(), delayed,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%s: %w", p.Name, p.ID, err)
	}
	return res == 1, nil
}

// Reschedule moves a message that is still waiting in the scheduled set to runAt.
// A runAt in the past makes it ready immediately. It returns false when the message is not scheduled.
func (q *RedisQueue) Reschedule(ctx context.Context, name, id string, runAt time.Time) (bool, error) {
	due := 0
	if !runAt.After(time.Now()) {
		due = 1
	}
	res, err := rescheduleScript.Run(ctx, q.client,
		[]string{scheduledKey(name), readyKey(name)},
		id, runAt.UnixMilli(), due,
	).Int()
	if err != nil {
		return false, fmt.Errorf("reschedule %s/%s: %w", name, id, err)
	}
	return res == 1, nil
}

// PromoteScheduled moves due scheduled messages into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, name string, now time.Time, limit int64) (int, error) {
	n, err := moveDueScript.Run(ctx, q.client,
		[]string{scheduledKey(name), readyKey(name)},
		now.UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled %s: %w", name, err)
	}
	return n, nil
}

// Dequeue pops the next ready message, leases it for the visibility timeout and counts the delivery.
// It returns ok=false when nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context, name string) (Message, bool, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{readyKey(name), inflightKey(name)},
		deadline, metaKey(name, ""),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("dequeue %s: %w", name, err)
	}
	if len(res) == 0 {
		return Message{}, false, fmt.Errorf("dequeue %s: empty script result", name)
	}
	id, ok := res[0].(string)
	if !ok {
		return Message{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res[0])
	}
	msg := Message{ID: id, Name: name}
	fields := res[1:]
	for i := 0; i+1 < len(fields); i += 2 {
		k, _ := fields[i].(string)
		v, _ := fields[i+1].(string)
		switch k {
		case "payload":
			msg.Payload = json.RawMessage(v)
		case "attempts":
			msg.Attempts, _ = strconv.Atoi(v)
		case "max_attempts":
			msg.MaxAttempts, _ = strconv.Atoi(v)
		case "enqueued_at":
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				msg.EnqueuedAt = time.UnixMilli(ms)
			}
		case "last_error":
			msg.LastError = v
		}
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = q.maxAttempts
	}
	return msg, true, nil
}

// Leased reports whether a message is currently in flight.
func (q *RedisQueue) Leased(ctx context.Context, name, id string) (bool, error) {
	_, err := q.client.ZScore(ctx, inflightKey(name), id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lease of %s/%s: %w", name, id, err)
	}
	return true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, name, id string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, inflightKey(name), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a message from in-flight tracking together with its stored payload.
func (q *RedisQueue) Ack(ctx context.Context, name, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(name), id)
	pipe.Del(ctx, metaKey(name, id))
	_, err := pipe.Exec(ctx)
	return err
}

// Fail applies the queue's failure policy to a leased message: retry with backoff, or
// dead-letter once its attempts reach MaxAttempts.
func (q *RedisQueue) Fail(ctx context.Context, msg Message, cause error) (Outcome, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	maxAttempts := msg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	now := time.Now()
	if msg.Attempts >= maxAttempts {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey(msg.Name), msg.ID)
		pipe.HSet(ctx, metaKey(msg.Name, msg.ID), "last_error", reason, "dead_at", now.UnixMilli())
		pipe.RPush(ctx, dlqKey(msg.Name), msg.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return Outcome{}, fmt.Errorf("dead-letter %s/%s: %w", msg.Name, msg.ID, err)
		}
		return Outcome{DeadLettered: true}, nil
	}

	next := now.Add(backoffWithJitter(q.backoffInitial, q.backoffMax, msg.Attempts))
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(msg.Name), msg.ID)
	pipe.HSet(ctx, metaKey(msg.Name, msg.ID), "last_error", reason)
	pipe.ZAdd(ctx, scheduledKey(msg.Name), redis.Z{Score: float64(next.UnixMilli()), Member: msg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return Outcome{}, fmt.Errorf("schedule retry %s/%s: %w", msg.Name, msg.ID, err)
	}
	return Outcome{NextRunAt: next}, nil
}

// RequeueExpired reclaims leases that timed out so the messages are redelivered.
func (q *RedisQueue) RequeueExpired(ctx context.Context, name string, now time.Time, limit int64) (int, error) {
	n, err := moveDueScript.Run(ctx, q.client,
		[]string{inflightKey(name), readyKey(name)},
		now.UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired %s: %w", name, err)
	}
	return n, nil
}

// DLQPeek reads the oldest dead-lettered messages.
func (q *RedisQueue) DLQPeek(ctx context.Context, name string, count int64) ([]Message, error) {
	ids, err := q.client.LRange(ctx, dlqKey(name), 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dlq %s: %w", name, err)
	}
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		vals, err := q.client.HGetAll(ctx, metaKey(name, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("read dlq message %s: %w", id, err)
		}
		msg := Message{ID: id, Name: name, Payload: json.RawMessage(vals["payload"]), LastError: vals["last_error"]}
		msg.Attempts, _ = strconv.Atoi(vals["attempts"])
		msg.MaxAttempts, _ = strconv.Atoi(vals["max_attempts"])
		if ms, err := strconv.ParseInt(vals["enqueued_at"], 10, 64); err == nil {
			msg.EnqueuedAt = time.UnixMilli(ms)
		}
		out = append(out, msg)
	}
	return out, nil
}

// DLQReplay moves a dead-lettered message back to the ready list with a fresh attempt budget.
func (q *RedisQueue) DLQReplay(ctx context.Context, name, id string) error {
	n, err := replayScript.Run(ctx, q.client,
		[]string{dlqKey(name), metaKey(name, id), readyKey(name)},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("replay %s/%s: %w", name, id, err)
	}
	if n == 0 {
		return fmt.Errorf("replay %s/%s: %w", name, id, ErrNotFound)
	}
	return nil
}

// Stats returns the size of every set of one queue.
func (q *RedisQueue) Stats(ctx context.Context, name string) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, readyKey(name))
	scheduled := pipe.ZCard(ctx, scheduledKey(name))
	inflight := pipe.ZCard(ctx, inflightKey(name))
	dlq := pipe.LLen(ctx, dlqKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats %s: %w", name, err)
	}
	return Stats{
		Ready:      ready.Val(),
		Scheduled:  scheduled.Val(),
		InFlight:   inflight.Val(),
		DeadLetter: dlq.Val(),
	}, nil
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  if redis.call('HEXISTS', KEYS[1], 'dead_at') == 0 or redis.call('LREM', KEYS[4], 0, ARGV[1]) == 0 then
    return 0
  end
  redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'attempts', 0, 'max_attempts', ARGV[3], 'enqueued_at', ARGV[4])
if ARGV[6] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
else
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
return 1
`)

var rescheduleScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
if ARGV[3] == '1' then
  redis.call('ZREM', KEYS[1], ARGV[1])
  redis.call('RPUSH', KEYS[2], ARGV[1])
else
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
end
return 1
`)

// moveDueScript moves members of a sorted set whose score is <= ARGV[1] onto a list.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved
`)

// dequeueScript skips ids whose metadata is gone, which happens when a reclaimed message
// was acked by the worker that lost its lease.
var dequeueScript = redis.NewScript(`
local id, meta
repeat
  id = redis.call('LPOP', KEYS[1])
  if not id then
    return nil
  end
  meta = ARGV[2] .. id
until redis.call('EXISTS', meta) == 1
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HINCRBY', meta, 'attempts', 1)
local out = {id}
local fields = redis.call('HGETALL', meta)
for i = 1, #fields do
  out[#out + 1] = fields[i]
end
return out
`)

var replayScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'attempts', 0)
redis.call('HDEL', KEYS[2], 'dead_at')
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)
