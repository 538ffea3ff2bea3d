package storage_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/fakeyudi/pulse/internal/storage"
)

// backends returns every store that can run without external services.
func backends(t *testing.T) map[string]storage.Storage {
	t.Helper()
	disk, err := storage.NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	bdb, err := storage.NewBadger("")
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { bdb.Close() })

	stores := map[string]storage.Storage{
		"memory": storage.NewMemory(),
		"disk":   disk,
		"badger": bdb,
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		r, err := storage.NewRedis(context.Background(), url, "pulse-test:")
		if err != nil {
			t.Fatalf("NewRedis: %v", err)
		}
		t.Cleanup(func() { r.Close() })
		stores["redis"] = r
	}
	return stores
}

// Feature: pulse, Property 1: Storage round-trip
func TestStorageRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				key := rapid.StringMatching(`[a-z_]{1,16}|[a-z]{1,4}/[^\x00]{1,8}`).Draw(rt, "key")
				value := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(rt, "value")

				if err := s.Set(key, value, 0); err != nil {
					rt.Fatalf("Set: %v", err)
				}
				got, err := s.Get(key)
				if err != nil {
					rt.Fatalf("Get: %v", err)
				}
				if string(got) != string(value) {
					rt.Fatalf("value mismatch: got %q, want %q", got, value)
				}
			})
		})
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get("missing-key")
			if !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Set("k", []byte("v"), 0); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := s.Delete("k"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Get("k"); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("expected ErrNotFound after Delete, got %v", err)
			}
			// Deleting again is not an error.
			if err := s.Delete("k"); err != nil {
				t.Errorf("second Delete: %v", err)
			}
		})
	}
}

func TestTTLExpiry(t *testing.T) {
	for name, s := range backends(t) {
		if name == "redis" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			if err := s.Set("short", []byte("v"), time.Second); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if _, err := s.Get("short"); err != nil {
				t.Fatalf("Get before expiry: %v", err)
			}
			time.Sleep(1100 * time.Millisecond)
			if _, err := s.Get("short"); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("expected ErrNotFound after expiry, got %v", err)
			}
		})
	}
}

func TestGetJSONMalformedIsMiss(t *testing.T) {
	s := storage.NewMemory()
	if err := s.Set("cfg", []byte("{not json"), 0); err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	if err := storage.GetJSON(s, "cfg", &v); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for malformed JSON, got %v", err)
	}
}

func TestSetJSONRoundTrip(t *testing.T) {
	s := storage.NewMemory()
	in := map[string]string{"a": "b"}
	if err := storage.SetJSON(s, "m", in, 0); err != nil {
		t.Fatal(err)
	}
	var out map[string]string
	if err := storage.GetJSON(s, "m", &out); err != nil {
		t.Fatal(err)
	}
	if out["a"] != "b" {
		t.Errorf("got %v", out)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := storage.Open(context.Background(), storage.Options{Kind: "floppy"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpenDiskUsesXDGDataHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", tmp)

	s, err := storage.Open(context.Background(), storage.Options{Kind: storage.KindDisk})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Set("visitor", []byte("abc"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := os.Stat(tmp + "/pulse/visitor.json"); err != nil {
		t.Errorf("expected file under XDG_DATA_HOME: %v", err)
	}
}

func TestDiskSaveFailurePropagatesError(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root; permission checks are ineffective")
	}
	tmp := t.TempDir()
	s, err := storage.NewDisk(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(tmp, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(tmp, 0o755) })

	if err := s.Set("k", []byte("v"), 0); err == nil {
		t.Fatal("expected error writing to read-only directory")
	}
}
