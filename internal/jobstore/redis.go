// Package jobstore implements core.Store on Redis, so job progress survives
// a process restart and can be read by every instance behind a load
// balancer.
//
// Layout, under a configurable prefix:
//
//	<p>:upload:<id>      pending upload (JSON), expires with the handle
//	<p>:job:<id>         job snapshot (JSON); TTL = retention once terminal
//	<p>:idem:<key>       job id created for an idempotency key
//	<p>:jobs:unfinished  set of job ids not yet terminal
//	<p>:jobs:finished    sorted set of terminal job ids by finish time
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

const maxUpdateAttempts = 16

// RedisStore is a core.Store backed by Redis.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

var _ core.Store = (*RedisStore)(nil)

// NewRedisStore returns a store using client. Terminal jobs expire after
// retention even if the maintenance sweep never runs.
func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "bulkimport"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention, now: time.Now}
}

func (s *RedisStore) uploadKey(id string) string { return s.prefix + ":upload:" + id }
func (s *RedisStore) jobKey(id string) string    { return s.prefix + ":job:" + id }
func (s *RedisStore) idemKey(key string) string  { return s.prefix + ":idem:" + key }
func (s *RedisStore) unfinishedKey() string      { return s.prefix + ":jobs:unfinished" }
func (s *RedisStore) finishedKey() string        { return s.prefix + ":jobs:finished" }

func (s *RedisStore) PutUpload(ctx context.Context, u core.PendingUpload) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}
	ttl := time.Duration(0)
	if !u.ExpiresAt.IsZero() {
		ttl = u.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return nil
		}
	}
	return s.client.Set(ctx, s.uploadKey(u.UploadID), data, ttl).Err()
}

func (s *RedisStore) GetUpload(ctx context.Context, uploadID string) (core.PendingUpload, error) {
	data, err := s.client.Get(ctx, s.uploadKey(uploadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.PendingUpload{}, fmt.Errorf("%w: %s", core.ErrUploadNotFound, uploadID)
	}
	if err != nil {
		return core.PendingUpload{}, err
	}
	var u core.PendingUpload
	if err := json.Unmarshal(data, &u); err != nil {
		return core.PendingUpload{}, fmt.Errorf("decode upload %s: %w", uploadID, err)
	}
	if !u.ExpiresAt.IsZero() && s.now().After(u.ExpiresAt) {
		return core.PendingUpload{}, fmt.Errorf("%w: %s", core.ErrUploadNotFound, uploadID)
	}
	return u, nil
}

func (s *RedisStore) CreateJob(ctx context.Context, job *core.ImportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.jobKey(job.JobID), data, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("job %s already exists", job.JobID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if job.IdempotencyKey != "" {
			pipe.Set(ctx, s.idemKey(job.IdempotencyKey), job.JobID, 0)
		}
		s.index(ctx, pipe, job)
		return nil
	})
	return err
}

// UpdateJob runs fn under optimistic locking: the job key is watched and
// the transaction retried if another writer changed it in between.
func (s *RedisStore) UpdateJob(ctx context.Context, jobID string, fn func(*core.ImportJob) error) (*core.ImportJob, error) {
	key := s.jobKey(jobID)
	var result *core.ImportJob

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
		}
		if err != nil {
			return err
		}
		var job core.ImportJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode job %s: %w", jobID, err)
		}
		if err := fn(&job); err != nil {
			return err
		}
		next, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, s.ttlFor(&job))
			if job.Phase.Terminal() && job.IdempotencyKey != "" {
				pipe.Expire(ctx, s.idemKey(job.IdempotencyKey), s.retention)
			}
			s.index(ctx, pipe, &job)
			return nil
		})
		if err == nil {
			result = &job
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("update job %s: too much contention", jobID)
}

func (s *RedisStore) ttlFor(job *core.ImportJob) time.Duration {
	if job.Phase.Terminal() {
		return s.retention
	}
	return 0
}

func (s *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, job *core.ImportJob) {
	if !job.Phase.Terminal() {
		pipe.SAdd(ctx, s.unfinishedKey(), job.JobID)
		return
	}
	pipe.SRem(ctx, s.unfinishedKey(), job.JobID)
	finished := s.now()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}
	pipe.ZAdd(ctx, s.finishedKey(), redis.Z{Score: float64(finished.Unix()), Member: job.JobID})
}

func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*core.ImportJob, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	var job core.ImportJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *RedisStore) FindJobByIdempotencyKey(ctx context.Context, key string) (*core.ImportJob, error) {
	jobID, err := s.client.Get(ctx, s.idemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no job for idempotency key", core.ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, jobID)
}

func (s *RedisStore) ListUnfinished(ctx context.Context) ([]*core.ImportJob, error) {
	ids, err := s.client.SMembers(ctx, s.unfinishedKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*core.ImportJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, core.ErrJobNotFound) {
			s.client.SRem(ctx, s.unfinishedKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !job.Phase.Terminal() {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteFinishedBefore removes terminal jobs finished before cutoff. Upload
// handles expire on their own TTL.
func (s *RedisStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.finishedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		switch {
		case errors.Is(err, core.ErrJobNotFound):
		case err != nil:
			return removed, err
		default:
			var owner string
			if job.IdempotencyKey != "" {
				owner, _ = s.client.Get(ctx, s.idemKey(job.IdempotencyKey)).Result()
			}
			if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, s.jobKey(id))
				if owner == id {
					pipe.Del(ctx, s.idemKey(job.IdempotencyKey))
				}
				return nil
			}); err != nil {
				return removed, err
			}
			removed++
		}
		if err := s.client.ZRem(ctx, s.finishedKey(), id).Err(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
