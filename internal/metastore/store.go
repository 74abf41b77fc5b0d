// Copyright 2024 The Datalith Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metastore opens the single-file SQLite metadata database, creates
// its schema on first run, and enforces the schema-version contract: a
// database newer than the running binary refuses to open, one older is
// migrated forward.
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSchemaTooNew is returned when the database's stored schema version is
// higher than SchemaVersion.
var ErrSchemaTooNew = errors.New("metastore: database schema is newer than this build supports")

// ErrSchemaTooOld is returned when a migration path for the stored version
// does not exist.
var ErrSchemaTooOld = errors.New("metastore: database schema is older than this build can migrate")

// Store wraps the metadata database connection pool and the bootstrap
// information read from sys_db_information.
type Store struct {
	DB        *sql.DB
	Version   int
	CreatedAt time.Time
}

// Open connects to (creating if necessary) the SQLite file at dbPath,
// applies the connection pool limits, and runs schema bootstrap/migration.
// maxConns mirrors the original's num_cpus*10 pool sizing; callers compute
// that before calling Open.
func Open(ctx context.Context, dbPath string, maxConns int) (*Store, error) {
	// _pragma(foreign_keys(1)) is applied by the driver to every pooled
	// connection as it's opened, not just the one that happens to run an
	// ExecContext("PRAGMA ...") after sql.Open; SQLite forgets the setting
	// per-connection otherwise.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("metastore: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("metastore: ping %s: %w", dbPath, err)
	}

	version, createdAt, err := bootstrap(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{DB: db, Version: version, CreatedAt: createdAt}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

func bootstrap(ctx context.Context, db *sql.DB) (int, time.Time, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("metastore: begin bootstrap tx: %w", err)
	}
	defer tx.Rollback()

	created, err := createSchemaIfAbsent(ctx, tx)
	if err != nil {
		return 0, time.Time{}, err
	}

	if created {
		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+infoTableName+` (key, value) VALUES ('version', ?), ('create_time', ?)`,
			strconv.Itoa(SchemaVersion), now.Format(time.RFC3339Nano),
		); err != nil {
			return 0, time.Time{}, fmt.Errorf("metastore: seed sys_db_information: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, time.Time{}, fmt.Errorf("metastore: commit bootstrap tx: %w", err)
		}
		return SchemaVersion, now, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, time.Time{}, fmt.Errorf("metastore: commit bootstrap tx: %w", err)
	}

	version, createdAt, err := readInformation(ctx, db)
	if err != nil {
		return 0, time.Time{}, err
	}

	version, err = migrate(ctx, db, version)
	if err != nil {
		return 0, time.Time{}, err
	}

	return version, createdAt, nil
}

// createSchemaIfAbsent attempts to create every table. It reports created=
// true when the tables did not already exist, false when a "table already
// exists" error was observed on the first (sys_db_information) statement,
// and propagates any other error.
func createSchemaIfAbsent(ctx context.Context, tx *sql.Tx) (created bool, err error) {
	for i, stmt := range schemaStatements {
		_, err := tx.ExecContext(ctx, stmt)
		if err == nil {
			continue
		}
		if i == 0 && isTableAlreadyExists(err) {
			return false, nil
		}
		if isTableAlreadyExists(err) {
			// A later table already exists too (partially-applied schema
			// from a prior crashed bootstrap); tolerate and keep going.
			continue
		}
		return false, fmt.Errorf("metastore: create schema: %w", err)
	}
	return true, nil
}

// isTableAlreadyExists maps modernc.org/sqlite's error text for a duplicate
// CREATE TABLE/INDEX onto a driver-independent check. The original's Rust
// implementation keyed this off a raw SQLite result code ("1" / SQLITE_ERROR)
// string-matched from the driver; we key off the same underlying SQLite
// message text, which is stable across Go SQLite drivers built on the
// reference sqlite3 library.
func isTableAlreadyExists(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists")
}

// isForeignKeyRestriction reports whether err represents a SQLite foreign
// key constraint violation, the Go-driver equivalent of the original's
// raw code "787" (SQLITE_CONSTRAINT_FOREIGNKEY).
func isForeignKeyRestriction(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "FOREIGN KEY")
}

// IsForeignKeyRestriction is the exported form used by callers outside this
// package (the file engine's delete path).
func IsForeignKeyRestriction(err error) bool { return isForeignKeyRestriction(err) }

func readInformation(ctx context.Context, db *sql.DB) (int, time.Time, error) {
	var versionStr string
	if err := db.QueryRowContext(ctx,
		`SELECT value FROM `+infoTableName+` WHERE key = 'version'`,
	).Scan(&versionStr); err != nil {
		return 0, time.Time{}, fmt.Errorf("metastore: read schema version: %w", err)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("metastore: parse schema version %q: %w", versionStr, err)
	}

	var createdAtStr string
	if err := db.QueryRowContext(ctx,
		`SELECT value FROM `+infoTableName+` WHERE key = 'create_time'`,
	).Scan(&createdAtStr); err != nil {
		return 0, time.Time{}, fmt.Errorf("metastore: read create_time: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("metastore: parse create_time %q: %w", createdAtStr, err)
	}

	return version, createdAt, nil
}

// migrate runs any migrations between the stored version and SchemaVersion,
// returning the resulting (always SchemaVersion, on success) version.
func migrate(ctx context.Context, db *sql.DB, stored int) (int, error) {
	if SchemaVersion < stored {
		return 0, ErrSchemaTooNew
	}
	for v := stored + 1; v <= SchemaVersion; v++ {
		switch v {
		// case 2: future migrations are added here as explicit branches.
		default:
			return 0, ErrSchemaTooOld
		}
	}
	return stored, nil
}
