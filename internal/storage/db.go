// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

// Package storage owns the single SQLite database backing all durable
// partner-relay state: streamers, credential grants, failure records, live
// state, stream sessions and their samples/chatters, raid history, and the
// target blacklist. It wraps a single *sql.DB behind a writer mutex with
// forward-only idempotent migrations, backed by modernc.org/sqlite, the
// single-writer row-locked WAL engine the data model's invariants require.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/tomtom215/partner-relay/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the underlying *sql.DB with the single-writer discipline the
// data model depends on: every mutating statement takes writeMu, mirroring
// how the wider stack's database layer serializes writers even though the
// driver itself also enforces this at the file level.
type DB struct {
	sqlDB   *sql.DB
	writeMu sync.Mutex
}

// Open creates (if necessary) and opens the SQLite database at path in WAL
// mode, then applies all pending migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", filepath.Clean(path))

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// SQLite's single-writer model is defeated by a pooled *sql.DB issuing
	// concurrent writer connections; cap at one to match the row-locked,
	// single-writer semantics the data model requires.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	db := &DB{sqlDB: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("storage: set dialect: %w", err)
	}
	if err := goose.Up(db.sqlDB, "migrations"); err != nil {
		return fmt.Errorf("storage: run migrations: %w", err)
	}
	logging.Info().Msg("storage: migrations applied")
	return nil
}

// Close closes the underlying database handle.
func (db *DB) Close() error {
	return db.sqlDB.Close()
}

// Conn exposes the raw handle for read-only queries; writers must go
// through WithTx to take the write lock.
func (db *DB) Conn() *sql.DB {
	return db.sqlDB
}

// WithTx runs fn inside a transaction, holding the DB's write mutex for
// its duration and rolling back on any returned error. Every mutating
// operation in the credential, livestate, and raid repositories is
// expressed as a single WithTx call, satisfying the data model's
// same-transaction invariants (e.g. both ciphertext columns of a credential
// grant are written together or not at all).
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Warn().Err(rbErr).Msg("storage: rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}
