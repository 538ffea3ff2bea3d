// Package storage provides the persistence capability injected into the
// identity store and the experiment client. Values are opaque bytes with an
// optional time-to-live.
package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned by Get when the key is missing or expired.
var ErrNotFound = errors.New("storage: key not found")

// Storage is a synchronous key/value store. A ttl of zero keeps the value
// until it is deleted.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Close() error
}

// GetJSON loads key into dest. A missing, expired or malformed value is
// reported as ErrNotFound.
func GetJSON(s Storage, key string, dest any) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return ErrNotFound
	}
	return nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(s Storage, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, data, ttl)
}

// DataDir returns the pulse-specific XDG data directory:
// $XDG_DATA_HOME/pulse or ~/.local/share/pulse.
func DataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "pulse"), nil
}

// expired reports whether a value stored with the given deadline is stale.
// A zero deadline never expires.
func expired(deadline, now time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}

func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
