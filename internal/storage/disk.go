package storage

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// diskRecord is the on-disk envelope for a single key.
type diskRecord struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Disk stores one JSON file per key under a directory.
type Disk struct {
	dir string
	now func() time.Time
}

// NewDisk returns a Disk store rooted at dir, creating it if needed.
// An empty dir resolves to DataDir().
func NewDisk(dir string) (*Disk, error) {
	if dir == "" {
		d, err := DataDir()
		if err != nil {
			return nil, fmt.Errorf("resolving data directory: %w", err)
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &Disk{dir: dir, now: time.Now}, nil
}

// path maps a key to a file name. Keys outside [A-Za-z0-9_.-] are hex encoded.
func (d *Disk) path(key string) string {
	name := key
	for _, r := range key {
		if !(r == '_' || r == '-' || r == '.' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			name = "x-" + hex.EncodeToString([]byte(key))
			break
		}
	}
	return filepath.Join(d.dir, name+".json")
}

func (d *Disk) Get(key string) ([]byte, error) {
	p := d.path(key)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var rec diskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ErrNotFound
	}
	if expired(rec.ExpiresAt, d.now()) {
		os.Remove(p)
		return nil, ErrNotFound
	}
	return rec.Value, nil
}

// Set marshals the record and writes it atomically via a temp file + os.Rename.
func (d *Disk) Set(key string, value []byte, ttl time.Duration) (err error) {
	data, err := json.Marshal(diskRecord{Value: value, ExpiresAt: deadline(d.now(), ttl)})
	if err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}

	// Write to a temp file in the same directory so os.Rename is atomic.
	tmp, err := os.CreateTemp(d.dir, "pulse-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	if err = os.Rename(tmpName, d.path(key)); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return nil
}

func (d *Disk) Delete(key string) error {
	if err := os.Remove(d.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (d *Disk) Close() error { return nil }
