package storage

import (
	"context"
	"fmt"
)

// Backend kinds accepted by Open.
const (
	KindMemory = "memory"
	KindDisk   = "disk"
	KindBadger = "badger"
	KindRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Kind     string
	Path     string // directory for disk and badger
	RedisURL string
	Prefix   string // redis key prefix
}

// Open returns the backend named by opts.Kind. An empty kind means disk.
func Open(ctx context.Context, opts Options) (Storage, error) {
	switch opts.Kind {
	case KindMemory:
		return NewMemory(), nil
	case KindDisk, "":
		return NewDisk(opts.Path)
	case KindBadger:
		path := opts.Path
		if path == "" {
			dir, err := DataDir()
			if err != nil {
				return nil, fmt.Errorf("resolving data directory: %w", err)
			}
			path = dir + "/badger"
		}
		return NewBadger(path)
	case KindRedis:
		return NewRedis(ctx, opts.RedisURL, opts.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Kind)
	}
}
