package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	keyDelayedFmt   = "jobs:%s:delayed"
	keyDataFmt      = "jobs:%s:data"
	keyCompletedFmt = "jobs:%s:completed"
	keyFailedFmt    = "jobs:%s:failed"
)

// KEYS[1] delayed zset, KEYS[2] data hash. ARGV: key, score, body.
var putScript = goredis.NewScript(`
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

var requeueScript = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

var removeScript = goredis.NewScript(`
local n = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return n
`)

// ARGV: max score, limit.
var claimScript = goredis.NewScript(`
local keys = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, k in ipairs(keys) do
  local body = redis.call('HGET', KEYS[2], k)
  redis.call('ZREM', KEYS[1], k)
  redis.call('HDEL', KEYS[2], k)
  if body then
    table.insert(out, body)
  end
end
return out
`)

// RedisBackend stores pending jobs in a sorted set scored by wake time, with
// job bodies in a companion hash. Pending jobs survive restarts.
type RedisBackend struct {
	rdb goredis.UniversalClient
}

func NewRedisBackend(rdb goredis.UniversalClient) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func queueKeys(queue string) []string {
	return []string{fmt.Sprintf(keyDelayedFmt, queue), fmt.Sprintf(keyDataFmt, queue)}
}

func (b *RedisBackend) store(ctx context.Context, script *goredis.Script, job *Job) (bool, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job %s: %w", job.Key, err)
	}
	n, err := script.Run(ctx, b.rdb, queueKeys(job.Queue), job.Key, job.RunAt.UnixMilli(), body).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) Put(ctx context.Context, job *Job) error {
	_, err := b.store(ctx, putScript, job)
	return err
}

func (b *RedisBackend) Requeue(ctx context.Context, job *Job) (bool, error) {
	return b.store(ctx, requeueScript, job)
}

func (b *RedisBackend) Remove(ctx context.Context, queue, key string) (bool, error) {
	n, err := removeScript.Run(ctx, b.rdb, queueKeys(queue), key).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisBackend) Claim(ctx context.Context, queue string, now time.Time, limit int) ([]*Job, error) {
	bodies, err := claimScript.Run(ctx, b.rdb, queueKeys(queue),
		strconv.FormatInt(now.UnixMilli(), 10), limit).StringSlice()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, err
	}

	// Claimed bodies are already gone from redis, so one bad body must not
	// cost the rest of the batch.
	var errs []error
	jobs := make([]*Job, 0, len(bodies))
	for _, body := range bodies {
		var j Job
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			errs = append(errs, fmt.Errorf("decode claimed job: %w", err))
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, errors.Join(errs...)
}

func (b *RedisBackend) record(ctx context.Context, hashFmt string, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.Key, err)
	}
	return b.rdb.HSet(ctx, fmt.Sprintf(hashFmt, job.Queue), job.Key, body).Err()
}

func (b *RedisBackend) Complete(ctx context.Context, job *Job) error {
	if job.RemoveOnComplete {
		return nil
	}
	return b.record(ctx, keyCompletedFmt, job)
}

func (b *RedisBackend) Fail(ctx context.Context, job *Job) error {
	return b.record(ctx, keyFailedFmt, job)
}

func (b *RedisBackend) list(ctx context.Context, hash string) ([]Job, error) {
	raw, err := b.rdb.HGetAll(ctx, hash).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raw))
	for key, body := range raw {
		var j Job
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", key, err)
		}
		jobs = append(jobs, j)
	}
	sortJobs(jobs)
	return jobs, nil
}

func (b *RedisBackend) Pending(ctx context.Context, queue string) ([]Job, error) {
	return b.list(ctx, fmt.Sprintf(keyDataFmt, queue))
}

func (b *RedisBackend) Failed(ctx context.Context, queue string) ([]Job, error) {
	return b.list(ctx, fmt.Sprintf(keyFailedFmt, queue))
}
