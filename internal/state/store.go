// Package state persists the dispatcher's session table across
// restarts. The snapshot is written only at graceful shutdown and is
// deleted from disk right after loading, so a crash before the next
// shutdown cannot resurrect stale entries.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	snapshotFile  = "dispatcher_state.db"
	schemaVersion = 1
)

// SessionRecord is one persisted session-table entry.
type SessionRecord struct {
	CallID     string
	RelayAddr  string
	DialogID   string
	ExpireTime time.Time // zero while the session was still active
}

// Store reads and writes the session snapshot under the runtime
// directory.
type Store struct {
	path   string
	logger *slog.Logger
}

// New creates a store rooted at the runtime directory, creating the
// directory if needed.
func New(runtimeDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(runtimeDir, 0750); err != nil {
		return nil, fmt.Errorf("creating runtime directory: %w", err)
	}
	return &Store{
		path:   filepath.Join(runtimeDir, snapshotFile),
		logger: logger.With("component", "state"),
	}, nil
}

// Load reads the snapshot and removes it from disk, whether or not the
// read succeeded. A missing snapshot is not an error: it returns no
// records.
func (s *Store) Load() ([]SessionRecord, error) {
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	defer os.Remove(s.path)

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer db.Close()

	var version int
	if err := db.QueryRow("SELECT version FROM snapshot_meta").Scan(&version); err != nil {
		return nil, fmt.Errorf("reading snapshot version: %w", err)
	}
	if version != schemaVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}

	rows, err := db.Query("SELECT call_id, relay_addr, dialog_id, expire_time FROM sessions")
	if err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var (
			rec      SessionRecord
			dialogID sql.NullString
			expire   sql.NullInt64
		)
		if err := rows.Scan(&rec.CallID, &rec.RelayAddr, &dialogID, &expire); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		rec.DialogID = dialogID.String
		if expire.Valid {
			rec.ExpireTime = time.Unix(0, expire.Int64)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}

	s.logger.Info("loaded session snapshot", "path", s.path, "sessions", len(records))
	return records, nil
}

// Save writes the snapshot, replacing any previous one.
func (s *Store) Save(records []SessionRecord) error {
	os.Remove(s.path)

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(`
		CREATE TABLE snapshot_meta (version INTEGER NOT NULL);
		CREATE TABLE sessions (
			call_id     TEXT PRIMARY KEY,
			relay_addr  TEXT NOT NULL,
			dialog_id   TEXT,
			expire_time INTEGER
		);
	`); err != nil {
		return fmt.Errorf("creating snapshot schema: %w", err)
	}
	if _, err := db.Exec("INSERT INTO snapshot_meta (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("writing snapshot version: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	for _, rec := range records {
		dialogID := sql.NullString{String: rec.DialogID, Valid: rec.DialogID != ""}
		expire := sql.NullInt64{Int64: rec.ExpireTime.UnixNano(), Valid: !rec.ExpireTime.IsZero()}
		if _, err := tx.Exec(
			"INSERT INTO sessions (call_id, relay_addr, dialog_id, expire_time) VALUES (?, ?, ?, ?)",
			rec.CallID, rec.RelayAddr, dialogID, expire,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("writing session %s: %w", rec.CallID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}

	s.logger.Info("saved session snapshot", "path", s.path, "sessions", len(records))
	return nil
}

func (s *Store) dsn() string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", s.path)
}
