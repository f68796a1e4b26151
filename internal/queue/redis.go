// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codepr/kiln/internal/job"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisQueue is the Redis-backed Client implementation. A single waiting
// list feeds BRPopLPush claims into a processing list; a ZSET holds delayed
// jobs scored by their ready timestamp; completed and failed counters are
// plain INCR keys so GetCounts never has to scan history. There is no
// visibility timeout: an id claimed by a worker that dies stays in the
// active list and is not handed to another worker.
type RedisQueue struct {
	rdb    *redis.Client
	log    zerolog.Logger
	prefix string

	claimTimeout time.Duration
}

// Option configures a RedisQueue at construction time.
type Option func(*RedisQueue)

// WithClaimTimeout overrides the BRPopLPush blocking timeout (default 2s).
func WithClaimTimeout(d time.Duration) Option {
	return func(q *RedisQueue) { q.claimTimeout = d }
}

// NewRedisQueue wraps an already-constructed *redis.Client. prefix namespaces
// all keys, allowing several environments to share one Redis instance.
func NewRedisQueue(rdb *redis.Client, prefix string, l zerolog.Logger, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		rdb:          rdb,
		log:          l.With().Str("component", "queue").Logger(),
		prefix:       prefix,
		claimTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) key(suffix string) string {
	return q.prefix + suffix
}

func (q *RedisQueue) waitingKey() string    { return q.key("queue:waiting") }
func (q *RedisQueue) activeKey() string     { return q.key("queue:active") }
func (q *RedisQueue) delayedKey() string    { return q.key("queue:delayed") }
func (q *RedisQueue) deadKey() string       { return q.key("queue:dead") }
func (q *RedisQueue) completedCtrKey() string { return q.key("queue:completed_count") }
func (q *RedisQueue) failedCtrKey() string  { return q.key("queue:failed_count") }
func (q *RedisQueue) jobKey(id string) string { return q.key("job:" + id) }

// Enqueue stores the job payload and pushes its id onto the waiting list,
// or directly into the delayed ZSET when opts.Delay > 0.
func (q *RedisQueue) Enqueue(ctx context.Context, j *job.Job, opts EnqueueOptions) (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", errors.Wrap(err, "marshaling job payload")
	}

	pipe := q.rdb.Pipeline()
	pipe.Set(ctx, q.jobKey(j.ID), data, 0)
	if opts.Delay > 0 {
		readyAt := time.Now().Add(opts.Delay)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt.Unix()), Member: j.ID})
	} else {
		pipe.LPush(ctx, q.waitingKey(), j.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errors.Wrap(err, "enqueueing job")
	}
	q.log.Debug().Str("job_id", j.ID).Bool("delayed", opts.Delay > 0).Msg("enqueued")
	return j.ID, nil
}

// Claim blocks up to the configured claim timeout for a waiting job,
// atomically moving its id from waiting to active.
func (q *RedisQueue) Claim(ctx context.Context) (*job.Job, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.waitingKey(), q.activeKey(), q.claimTimeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "claiming job")
	}

	data, err := q.rdb.Get(ctx, q.jobKey(id)).Result()
	if err == redis.Nil {
		// Queue entry outlived its payload; drop the dangling claim rather
		// than spin forever on an id that will never resolve.
		q.rdb.LRem(ctx, q.activeKey(), 1, id)
		q.log.Error().Str("job_id", id).Msg("claimed id has no payload, dropping")
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading claimed job payload")
	}

	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		q.rdb.LRem(ctx, q.activeKey(), 1, id)
		return nil, errors.Wrapf(err, "unmarshaling claimed job %s", id)
	}
	return &j, nil
}

// MoveToDelayed persists j's current state and moves it from active into
// the delayed ZSET, scored by until.
func (q *RedisQueue) MoveToDelayed(ctx context.Context, j *job.Job, until time.Time) error {
	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "marshaling job payload")
	}
	pipe := q.rdb.Pipeline()
	pipe.Set(ctx, q.jobKey(j.ID), data, 0)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(until.Unix()), Member: j.ID})
	pipe.LRem(ctx, q.activeKey(), 1, j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "moving job to delayed")
	}
	return nil
}

// Remove deletes a job's payload and its presence in any queue-level list or
// set. Idempotent: removing an id already gone is not an error.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.rdb.Pipeline()
	pipe.Del(ctx, q.jobKey(jobID))
	pipe.LRem(ctx, q.waitingKey(), 0, jobID)
	pipe.LRem(ctx, q.activeKey(), 0, jobID)
	pipe.LRem(ctx, q.deadKey(), 0, jobID)
	pipe.ZRem(ctx, q.delayedKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "removing job %s", jobID)
	}
	return nil
}

// MoveToDead persists j with reason attached to its Error field and pushes
// it onto the dead-letter list, leaving the original payload available for
// inspection instead of discarding it.
func (q *RedisQueue) MoveToDead(ctx context.Context, j *job.Job, reason string) error {
	j.Error = reason
	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "marshaling job payload")
	}
	pipe := q.rdb.Pipeline()
	pipe.Set(ctx, q.jobKey(j.ID), data, 0)
	pipe.LPush(ctx, q.deadKey(), j.ID)
	pipe.LRem(ctx, q.activeKey(), 1, j.ID)
	pipe.Incr(ctx, q.failedCtrKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "moving job %s to dead letter", j.ID)
	}
	q.log.Warn().Str("job_id", j.ID).Str("reason", reason).Msg("moved to dead letter queue")
	return nil
}

// Complete removes jobID from the active list and increments the completed
// counter, keeping its payload around for later retrieval by GetJob.
func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, q.activeKey(), 1, jobID)
	pipe.Incr(ctx, q.completedCtrKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "completing job %s", jobID)
	}
	return nil
}

// GetJob returns the queue-held payload for jobID, or (nil, nil) if it has
// no current payload.
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	data, err := q.rdb.Get(ctx, q.jobKey(jobID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading job %s", jobID)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, errors.Wrapf(err, "unmarshaling job %s", jobID)
	}
	return &j, nil
}

// GetCounts reports the size of each named set.
func (q *RedisQueue) GetCounts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey())
	active := pipe.LLen(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.deadKey())
	completed := pipe.Get(ctx, q.completedCtrKey())
	failed := pipe.Get(ctx, q.failedCtrKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, errors.Wrap(err, "gathering queue counts")
	}

	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Dead:      dead.Val(),
		Completed: parseCounterOrZero(completed),
		Failed:    parseCounterOrZero(failed),
	}, nil
}

func parseCounterOrZero(cmd *redis.StringCmd) int64 {
	v, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return v
}

// PromoteDelayed moves any delayed job whose score (ready timestamp) has
// elapsed back into waiting. Intended to be polled periodically by the
// worker pool's scaler loop.
func (q *RedisQueue) PromoteDelayed(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "scanning delayed set")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.rdb.Pipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.waitingKey(), id)
		pipe.ZRem(ctx, q.delayedKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "promoting delayed jobs")
	}
	q.log.Debug().Int("count", len(ids)).Msg("promoted delayed jobs to waiting")
	return len(ids), nil
}

// Close releases the underlying Redis connection pool.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
