package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/sudwebd/3d-to-svg/internal/pkg/errors"
)

const redisKeyPrefix = "polysvg:"

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps each job as a JSON string with a TTL so that several
// API replicas can share jobs.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func jobKey(id string) string  { return redisKeyPrefix + "job:" + id }
func lockKey(id string) string { return redisKeyPrefix + "lock:" + id }

func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(job.ID), b, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis set job: %w", err)
	}
	if !ok {
		return apperrors.Conflict("job already exists").WithField("job_id", job.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	b, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.JobNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Update overwrites an existing record and restarts its expiry.
func (s *RedisStore) Update(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ok, err := s.rdb.SetXX(ctx, jobKey(job.ID), b, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis update job: %w", err)
	}
	if !ok {
		return apperrors.JobNotFound(job.ID)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, jobKey(id), lockKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis delete job: %w", err)
	}
	if n == 0 {
		return apperrors.JobNotFound(id)
	}
	return nil
}

func (s *RedisStore) Lock(ctx context.Context, id string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, lockKey(id), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock job: %w", err)
	}
	if !ok {
		return nil, errLocked(id)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The request context may already be canceled at this point.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, s.rdb, []string{lockKey(id)}, token).Err()
	}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
