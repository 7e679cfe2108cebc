package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahirjain10/go-transcoder/internal/types"
)

var releaseScript = redis.NewScript(`
if ARGV[1] == "" or redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares job state between the dispatcher and every worker task.
type RedisStore struct {
	Redis     redis.UniversalClient
	Namespace string
	// RecordTTL bounds how long finished records are kept; zero keeps them forever.
	RecordTTL time.Duration
}

func NewRedisStore(namespace string, client redis.UniversalClient, recordTTL time.Duration) *RedisStore {
	return &RedisStore{Redis: client, Namespace: namespace, RecordTTL: recordTTL}
}

func (s *RedisStore) key(k string) string {
	return s.Namespace + ":" + k
}

func (s *RedisStore) Acquire(ctx context.Context, params types.JobParameters, jobID string, ttl time.Duration) (bool, string, error) {
	if err := validate(params); err != nil {
		return false, "", err
	}
	key := s.key(lockKey(params))
	ok, err := s.Redis.SetNX(ctx, key, jobID, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if ok {
		return true, jobID, nil
	}
	holder, err := s.Redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET, try once more
		ok, err = s.Redis.SetNX(ctx, key, jobID, ttl).Result()
		if err != nil {
			return false, "", fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return true, jobID, nil
		}
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("read lock %s: %w", key, err)
	}
	return false, holder, nil
}

func (s *RedisStore) Release(ctx context.Context, params types.JobParameters, jobID string) error {
	if err := validate(params); err != nil {
		return err
	}
	key := s.key(lockKey(params))
	if err := releaseScript.Run(ctx, s.Redis, []string{key}, jobID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Save(ctx context.Context, record types.JobRecord) error {
	params := types.JobParameters{Bucket: record.Bucket, Key: record.Key}
	if err := validate(params); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	return s.Redis.Set(ctx, s.key(recordKey(params)), data, s.RecordTTL).Err()
}

func (s *RedisStore) Get(ctx context.Context, params types.JobParameters) (*types.JobRecord, error) {
	data, err := s.Redis.Get(ctx, s.key(recordKey(params))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}
	var record types.JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}
	return &record, nil
}

func (s *RedisStore) Close() error {
	return s.Redis.Close()
}

// NewRedisClient dials addr and pings it once so misconfiguration fails at startup.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	cl := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cl.Ping(pingCtx).Err(); err != nil {
		cl.Close()
		return nil, fmt.Errorf("error pinging redis server: %w", err)
	}
	return cl, nil
}
