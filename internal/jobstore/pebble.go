package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pebble "github.com/cockroachdb/pebble"

	"github.com/mahirjain10/go-transcoder/internal/types"
)

type lockEntry struct {
	JobID     string    `json:"jobId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PebbleStore keeps job state on the dispatcher's local disk. Workers cannot
// reach it, so locks only clear on launch failure or expiry.
type PebbleStore struct {
	db  *pebble.DB
	mu  sync.Mutex
	now func() time.Time
}

func OpenPebbleStore(dbPath string) (*PebbleStore, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

func (s *PebbleStore) Acquire(ctx context.Context, params types.JobParameters, jobID string, ttl time.Duration) (bool, string, error) {
	if err := validate(params); err != nil {
		return false, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(lockKey(params))
	var current lockEntry
	found, err := s.read(key, &current)
	if err != nil {
		return false, "", err
	}
	if found && (current.ExpiresAt.IsZero() || s.now().Before(current.ExpiresAt)) {
		return false, current.JobID, nil
	}

	entry := lockEntry{JobID: jobID}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl)
	}
	if err := s.write(key, entry); err != nil {
		return false, "", err
	}
	return true, jobID, nil
}

func (s *PebbleStore) Release(ctx context.Context, params types.JobParameters, jobID string) error {
	if err := validate(params); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := []byte(lockKey(params))
	if jobID != "" {
		var current lockEntry
		found, err := s.read(key, &current)
		if err != nil {
			return err
		}
		if !found || current.JobID != jobID {
			return nil
		}
	}
	return s.db.Delete(key, pebble.Sync)
}

func (s *PebbleStore) Save(ctx context.Context, record types.JobRecord) error {
	params := types.JobParameters{Bucket: record.Bucket, Key: record.Key}
	if err := validate(params); err != nil {
		return err
	}
	return s.write([]byte(recordKey(params)), record)
}

func (s *PebbleStore) Get(ctx context.Context, params types.JobParameters) (*types.JobRecord, error) {
	var record types.JobRecord
	found, err := s.read([]byte(recordKey(params)), &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

func (s *PebbleStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PebbleStore) read(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) write(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.db.Set(key, data, pebble.Sync)
}
