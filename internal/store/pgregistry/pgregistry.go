// Package pgregistry persists a registry.Registry's full declaration
// snapshot to PostgreSQL, so a monitord instance can restart without
// re-parsing every struct source file it has ever seen. Grounded on the
// teacher's internal/server/storage/postgres.go: a pgxpool.Pool opened once
// at startup, schema created idempotently, and a small CRUD surface around
// one table.
package pgregistry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/monitor/internal/monerr"
	"github.com/tripwire/monitor/internal/registry"
	"github.com/tripwire/monitor/internal/serialize"
)

const schema = `
CREATE TABLE IF NOT EXISTS registry_snapshots (
	abi_key    TEXT        PRIMARY KEY,
	document   TEXT        NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store is the PostgreSQL-backed registry snapshot store. serialize.Encode
// and serialize.Decode operate on a registry.Registry's entire declaration
// set at once (there is no per-declaration document), so one row holds one
// ABI's whole snapshot.
type Store struct {
	pool *pgxpool.Pool
}

// Open opens a pgxpool connection to connStr, pings the database, and
// creates the schema if absent.
func Open(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// Save serializes reg's current declaration set and upserts it under reg's
// ABI key, overwriting any snapshot previously saved for that ABI.
func (s *Store) Save(ctx context.Context, reg *registry.Registry) error {
	doc, err := serialize.Encode(reg)
	if err != nil {
		return monerr.New(monerr.KindRegistry, "encode registry for save").Wrap(err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO registry_snapshots (abi_key, document, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (abi_key) DO UPDATE SET
			document   = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		reg.ABI().Key(), string(doc),
	)
	if err != nil {
		return fmt.Errorf("upsert registry snapshot: %w", err)
	}
	return nil
}

// LoadInto replaces reg's contents with the snapshot stored under reg's ABI
// key. It is a no-op, returning (false, nil), when no snapshot has been
// saved for that ABI yet.
func (s *Store) LoadInto(ctx context.Context, reg *registry.Registry) (bool, error) {
	var doc string
	err := s.pool.QueryRow(ctx, `
		SELECT document FROM registry_snapshots WHERE abi_key = $1`,
		reg.ABI().Key(),
	).Scan(&doc)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query registry snapshot: %w", err)
	}

	if err := serialize.Decode([]byte(doc), reg); err != nil {
		return false, monerr.New(monerr.KindRegistry, "decode stored snapshot").Wrap(err)
	}
	return true, nil
}

// Delete removes the stored snapshot for reg's ABI key, if present.
func (s *Store) Delete(ctx context.Context, reg *registry.Registry) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM registry_snapshots WHERE abi_key = $1`, reg.ABI().Key())
	if err != nil {
		return fmt.Errorf("delete registry snapshot: %w", err)
	}
	return nil
}
