package jobstore

import (
	"context"
	"fmt"
	"time"
)

type Options struct {
	Kind          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PebblePath    string
	Namespace     string
	RecordTTL     time.Duration
}

// Open builds the store selected by opts.Kind.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Kind {
	case "", KindNone:
		return Nop{}, nil
	case KindRedis:
		cl, err := NewRedisClient(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err != nil {
			return nil, err
		}
		namespace := opts.Namespace
		if namespace == "" {
			namespace = "transcode"
		}
		return NewRedisStore(namespace, cl, opts.RecordTTL), nil
	case KindPebble:
		return OpenPebbleStore(opts.PebblePath)
	default:
		return nil, fmt.Errorf("unknown job store %q", opts.Kind)
	}
}
