package state

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func TestStoreLoadMissingSnapshot(t *testing.T) {
	s := testStore(t)
	records, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if records != nil {
		t.Errorf("Load() = %v, want nil for a missing snapshot", records)
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	expire := time.Now().Truncate(time.Nanosecond)
	saved := []SessionRecord{
		{CallID: "call-1", RelayAddr: "10.0.0.1", DialogID: "3:7"},
		{CallID: "call-2", RelayAddr: "10.0.0.2"},
		{CallID: "call-3", RelayAddr: "10.0.0.1", DialogID: "4:1", ExpireTime: expire},
	}
	if err := s.Save(saved); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("Load() = %d records, want 3", len(loaded))
	}

	byCall := make(map[string]SessionRecord, len(loaded))
	for _, rec := range loaded {
		byCall[rec.CallID] = rec
	}
	if rec := byCall["call-1"]; rec.RelayAddr != "10.0.0.1" || rec.DialogID != "3:7" || !rec.ExpireTime.IsZero() {
		t.Errorf("call-1 = %+v", rec)
	}
	if rec := byCall["call-2"]; rec.DialogID != "" || !rec.ExpireTime.IsZero() {
		t.Errorf("call-2 = %+v", rec)
	}
	if rec := byCall["call-3"]; !rec.ExpireTime.Equal(expire) {
		t.Errorf("call-3 expire = %v, want %v", rec.ExpireTime, expire)
	}
}

func TestStoreLoadRemovesSnapshot(t *testing.T) {
	s := testStore(t)
	if err := s.Save([]SessionRecord{{CallID: "call-1", RelayAddr: "10.0.0.1"}}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if _, err := s.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// The snapshot is single-use: a second load finds nothing.
	if _, err := os.Stat(s.path); !os.IsNotExist(err) {
		t.Errorf("snapshot still on disk after load (stat err: %v)", err)
	}
	records, err := s.Load()
	if err != nil || records != nil {
		t.Errorf("second Load() = %v, %v, want nil, nil", records, err)
	}
}

func TestStoreSaveReplacesPrevious(t *testing.T) {
	s := testStore(t)
	if err := s.Save([]SessionRecord{
		{CallID: "old-1", RelayAddr: "10.0.0.1"},
		{CallID: "old-2", RelayAddr: "10.0.0.1"},
	}); err != nil {
		t.Fatalf("first Save() error: %v", err)
	}
	if err := s.Save([]SessionRecord{{CallID: "new-1", RelayAddr: "10.0.0.2"}}); err != nil {
		t.Fatalf("second Save() error: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(loaded) != 1 || loaded[0].CallID != "new-1" {
		t.Errorf("Load() = %+v, want only the second snapshot", loaded)
	}
}

func TestStoreSaveEmpty(t *testing.T) {
	s := testStore(t)
	if err := s.Save(nil); err != nil {
		t.Fatalf("Save(nil) error: %v", err)
	}
	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Load() = %d records, want 0", len(loaded))
	}
}

func TestStoreNewCreatesRuntimeDir(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := filepath.Join(t.TempDir(), "nested", "run")
	if _, err := New(dir, logger); err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("runtime directory not created: %v", err)
	}
}
