// Package sqliteindex is a SQLite-backed alternative to the flat-file
// sidecar cache in internal/index/cache.go, for deployments that already
// keep per-stream state in a local database rather than loose files next to
// each packet capture. Grounded on the teacher's
// internal/queue/sqlite_queue.go: WAL mode, a single-connection pool (SQLite
// allows one writer at a time), and idempotent `CREATE TABLE IF NOT EXISTS`
// schema application.
package sqliteindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/monitor/internal/index"
	"github.com/tripwire/monitor/internal/monerr"
)

const ddl = `
CREATE TABLE IF NOT EXISTS index_meta (
	source_file TEXT    PRIMARY KEY,
	source_size INTEGER NOT NULL,
	checksum    TEXT    NOT NULL,
	built_at    TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS index_entries (
	source_file   TEXT    NOT NULL,
	seq           INTEGER NOT NULL,
	file_position INTEGER NOT NULL,
	packet_size   INTEGER NOT NULL,
	timestamp     INTEGER NOT NULL,
	packet_id     INTEGER NOT NULL,
	sequence      INTEGER NOT NULL,
	PRIMARY KEY (source_file, seq)
);
`

// Store is a WAL-mode SQLite-backed index cache. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqliteindex: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single connection avoids
	// "database is locked" errors under concurrent SaveIndex/LoadIndex calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqliteindex: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqliteindex: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqliteindex: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// SaveIndex persists idx's entries for sourcePath, replacing any
// previously-stored rows for that source. Unlike the flat-file cache,
// entries are stored in full: SQLite's row storage has no equivalent
// incentive to decimate.
func (s *Store) SaveIndex(sourcePath string, idx *index.Index) error {
	checksum, err := index.ChecksumFile(sourcePath)
	if err != nil {
		return err
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return monerr.New(monerr.KindIndex, "sqliteindex: stat source %q: %v", sourcePath, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqliteindex: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM index_entries WHERE source_file = ?`, sourcePath); err != nil {
		return fmt.Errorf("sqliteindex: clear old entries: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM index_meta WHERE source_file = ?`, sourcePath); err != nil {
		return fmt.Errorf("sqliteindex: clear old meta: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO index_entries
			(source_file, seq, file_position, packet_size, timestamp, packet_id, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqliteindex: prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range idx.Entries {
		if _, err := stmt.Exec(sourcePath, i, e.FilePosition, e.PacketSize, e.Timestamp, e.PacketID, e.Sequence); err != nil {
			return fmt.Errorf("sqliteindex: insert entry %d: %w", i, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO index_meta (source_file, source_size, checksum, built_at)
		VALUES (?, ?, ?, ?)`,
		sourcePath, info.Size(), checksum, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("sqliteindex: insert meta: %w", err)
	}

	return tx.Commit()
}

// LoadIndex returns the stored index for sourcePath, validated the same way
// as the flat-file cache: the source's mtime must not be newer than the
// stored built_at, and both its size and checksum must match. A stale or
// absent entry returns (nil, false, nil), not an error.
func (s *Store) LoadIndex(ctx context.Context, sourcePath string) (*index.Index, bool, error) {
	var sourceSize int64
	var checksum, builtAtStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT source_size, checksum, built_at FROM index_meta WHERE source_file = ?`,
		sourcePath,
	).Scan(&sourceSize, &checksum, &builtAtStr)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqliteindex: query meta: %w", err)
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, false, monerr.New(monerr.KindIndex, "sqliteindex: stat source %q: %v", sourcePath, err)
	}
	builtAt, err := time.Parse(time.RFC3339Nano, builtAtStr)
	if err != nil {
		return nil, false, monerr.New(monerr.KindIndex, "sqliteindex: parse built_at %q: %v", builtAtStr, err)
	}
	if info.ModTime().After(builtAt) || info.Size() != sourceSize {
		return nil, false, nil
	}
	currentChecksum, err := index.ChecksumFile(sourcePath)
	if err != nil {
		return nil, false, err
	}
	if currentChecksum != checksum {
		return nil, false, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT file_position, packet_size, timestamp, packet_id, sequence
		FROM   index_entries
		WHERE  source_file = ?
		ORDER  BY seq`, sourcePath)
	if err != nil {
		return nil, false, fmt.Errorf("sqliteindex: query entries: %w", err)
	}
	defer rows.Close()

	var entries []index.Entry
	for rows.Next() {
		var e index.Entry
		if err := rows.Scan(&e.FilePosition, &e.PacketSize, &e.Timestamp, &e.PacketID, &e.Sequence); err != nil {
			return nil, false, fmt.Errorf("sqliteindex: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("sqliteindex: entry rows: %w", err)
	}

	return &index.Index{
		Entries: entries,
		Stats: index.Stats{
			Total: len(entries), Valid: len(entries),
			FileSize: sourceSize, SourceFile: sourcePath,
		},
	}, true, nil
}

// Delete removes all stored state for sourcePath.
func (s *Store) Delete(sourcePath string) error {
	if _, err := s.db.Exec(`DELETE FROM index_entries WHERE source_file = ?`, sourcePath); err != nil {
		return fmt.Errorf("sqliteindex: delete entries: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM index_meta WHERE source_file = ?`, sourcePath); err != nil {
		return fmt.Errorf("sqliteindex: delete meta: %w", err)
	}
	return nil
}
