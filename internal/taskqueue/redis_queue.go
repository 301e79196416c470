package taskqueue

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using Redis.
//
// Keys (all under prefix):
//
//	jobs:ready   ZSET  job id scored by NotBefore (unix ms)
//	jobs:leased  ZSET  job id scored by lease expiry (unix ms)
//	jobs:owners  HASH  job id -> lease owner
//	jobs:data    HASH  job id -> gob-encoded Job
//
// Leasing, acknowledging and releasing run as Lua scripts so each is atomic.
type RedisQueue struct {
	client       *redis.Client
	ready        string
	leased       string
	owners       string
	data         string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "dagflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "dagflow:"
	}
	return &RedisQueue{
		client:       client,
		ready:        prefix + "jobs:ready",
		leased:       prefix + "jobs:leased",
		owners:       prefix + "jobs:owners",
		data:         prefix + "jobs:data",
		pollInterval: DefaultPollInterval,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// KEYS: ready, leased, owners. ARGV: now, lease expiry, owner.
var leaseScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', KEYS[3], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
return id
`)

// KEYS: leased, owners, data. ARGV: id, owner.
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// KEYS: leased, owners, data, ready. ARGV: id, owner, payload, not before.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

// Enqueue stores the job and schedules it at NotBefore.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	job = prepare(job, time.Now())
	data, err := EncodeJob(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.data, job.ID, data)
		pipe.ZAdd(ctx, q.ready, redis.Z{Score: float64(job.NotBefore.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

// Dequeue polls until a due job can be leased or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Job, error) {
	leaseTTL = leaseTTLOrDefault(leaseTTL)
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		now := time.Now()
		id, err := leaseScript.Run(ctx, q.client,
			[]string{q.ready, q.leased, q.owners},
			now.UnixMilli(), now.Add(leaseTTL).UnixMilli(), owner,
		).Text()
		if errors.Is(err, redis.Nil) {
			if err := wait(ctx, tmr, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		data, err := q.client.HGet(ctx, q.data, id).Bytes()
		if err != nil {
			return nil, err
		}
		job, err := DecodeJob(data)
		if err != nil {
			return nil, err
		}
		job.ID = id
		return job, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, jobID, owner string) error {
	n, err := ackScript.Run(ctx, q.client, []string{q.leased, q.owners, q.data}, jobID, owner).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, jobID, owner string, notBefore time.Time, attempts int) error {
	raw, err := q.client.HGet(ctx, q.data, jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrLeaseLost
	}
	if err != nil {
		return err
	}
	job, err := DecodeJob(raw)
	if err != nil {
		return err
	}
	job.NotBefore = notBefore
	job.Attempts = attempts
	data, err := EncodeJob(*job)
	if err != nil {
		return err
	}

	n, err := releaseScript.Run(ctx, q.client,
		[]string{q.leased, q.owners, q.data, q.ready},
		jobID, owner, data, notBefore.UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns the number of stored jobs (HLEN of the data hash).
func (q *RedisQueue) Len() int {
	n, err := q.client.HLen(context.Background(), q.data).Result()
	if err != nil {
		log.Printf("RedisQueue: Len failed: %v", err)
		return 0
	}
	return int(n)
}

// SetPollInterval changes how often an idle Dequeue re-checks for due jobs.
// Non-positive values are ignored.
func (q *RedisQueue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}
