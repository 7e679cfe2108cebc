// Package jobstore keeps the lifecycle of transcode jobs so duplicate
// deliveries and stuck jobs are observable.
package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/mahirjain10/go-transcoder/internal/types"
)

// Store holds one in-flight lock per uploaded object version (params.Identity)
// and the status record of the latest job per (bucket, key).
type Store interface {
	// Acquire takes the in-flight lock for params on behalf of jobID. When the
	// lock is already held it returns false and the holding job id.
	Acquire(ctx context.Context, params types.JobParameters, jobID string, ttl time.Duration) (bool, string, error)
	// Release drops the lock if jobID holds it. An empty jobID releases unconditionally.
	Release(ctx context.Context, params types.JobParameters, jobID string) error
	Save(ctx context.Context, record types.JobRecord) error
	// Get returns nil and no error when there is no record.
	Get(ctx context.Context, params types.JobParameters) (*types.JobRecord, error)
	Close() error
}

const (
	KindNone   = "none"
	KindRedis  = "redis"
	KindPebble = "pebble"
)

func lockKey(params types.JobParameters) string {
	return "lock:" + params.Identity()
}

func recordKey(params types.JobParameters) string {
	return "job:" + params.String()
}

// Nop is the store used when job tracking is disabled: every lock is granted.
type Nop struct{}

func (Nop) Acquire(context.Context, types.JobParameters, string, time.Duration) (bool, string, error) {
	return true, "", nil
}
func (Nop) Release(context.Context, types.JobParameters, string) error { return nil }
func (Nop) Save(context.Context, types.JobRecord) error              { return nil }
func (Nop) Get(context.Context, types.JobParameters) (*types.JobRecord, error) {
	return nil, nil
}
func (Nop) Close() error { return nil }

func validate(params types.JobParameters) error {
	if params.Bucket == "" || params.Key == "" {
		return fmt.Errorf("job store: bucket and key are required, got %q", params.String())
	}
	return nil
}
