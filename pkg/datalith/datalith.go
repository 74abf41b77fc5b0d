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

// Package datalith implements a content-addressed file storage engine: a
// SQLite metadata store paired with a flat blob directory, supporting
// deduplicated permanent files, single-shot temporary files, named Resource
// handles, and multi-resolution Image thumbnail bundles.
package datalith

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"datalith.io/internal/metastore"
)

const (
	dbFileName       = "datalith.sqlite"
	temporaryDirName = "datalith.temp"
	filesDirName     = "datalith.files"
)

// Config holds the engine's tunable knobs. Zero values are replaced by
// their defaults, and out-of-range values are clamped with a warning rather
// than rejected (New never fails because of Config alone).
type Config struct {
	// FileReadBufferSize bounds the buffer used when streaming file
	// contents. Range [512KiB, 64MiB].
	FileReadBufferSize int
	// TemporaryFileLifespan is how long a temporary file stays retrievable
	// before the sweeper (or a single successful read) reclaims it. Range
	// [100ms, 10000h].
	TemporaryFileLifespan time.Duration
	// MaxImageResolution bounds width*height for image ingestion.
	MaxImageResolution int64
	// MaxImageResolutionMultiplier bounds how many thumbnail scales are
	// emitted per image.
	MaxImageResolutionMultiplier int
}

const (
	MinFileReadBufferSize = 512 * 1024
	MaxFileReadBufferSize = 64 * 1024 * 1024

	MinTemporaryFileLifespan = 100 * time.Millisecond
	MaxTemporaryFileLifespan = 10000 * time.Hour

	DefaultMaxImageResolution           = 50_000_000
	DefaultMaxImageResolutionMultiplier = 3
)

// withDefaults returns a copy of cfg with zero fields defaulted and every
// field clamped into its documented range.
func (cfg Config) withDefaults() Config {
	out := cfg

	if out.FileReadBufferSize == 0 {
		out.FileReadBufferSize = MinFileReadBufferSize
	}
	if out.FileReadBufferSize < MinFileReadBufferSize {
		log.Printf("datalith: file_read_buffer_size %d below minimum, clamping to %d", out.FileReadBufferSize, MinFileReadBufferSize)
		out.FileReadBufferSize = MinFileReadBufferSize
	}
	if out.FileReadBufferSize > MaxFileReadBufferSize {
		log.Printf("datalith: file_read_buffer_size %d above maximum, clamping to %d", out.FileReadBufferSize, MaxFileReadBufferSize)
		out.FileReadBufferSize = MaxFileReadBufferSize
	}

	if out.TemporaryFileLifespan == 0 {
		out.TemporaryFileLifespan = 60 * time.Second
	}
	if out.TemporaryFileLifespan < MinTemporaryFileLifespan {
		log.Printf("datalith: temporary_file_lifespan %s below minimum, clamping to %s", out.TemporaryFileLifespan, MinTemporaryFileLifespan)
		out.TemporaryFileLifespan = MinTemporaryFileLifespan
	}
	if out.TemporaryFileLifespan > MaxTemporaryFileLifespan {
		log.Printf("datalith: temporary_file_lifespan %s above maximum, clamping to %s", out.TemporaryFileLifespan, MaxTemporaryFileLifespan)
		out.TemporaryFileLifespan = MaxTemporaryFileLifespan
	}

	if out.MaxImageResolution == 0 {
		out.MaxImageResolution = DefaultMaxImageResolution
	}
	if out.MaxImageResolution < 1 {
		out.MaxImageResolution = 1
	}

	if out.MaxImageResolutionMultiplier == 0 {
		out.MaxImageResolutionMultiplier = DefaultMaxImageResolutionMultiplier
	}
	if out.MaxImageResolutionMultiplier < 1 {
		out.MaxImageResolutionMultiplier = 1
	}

	return out
}

// Datalith is the running engine instance: the DB pool, the environment
// lock, the guard sets, and the resolved configuration. Every exported
// operation is a method on *Datalith and is safe for concurrent use.
type Datalith struct {
	environment string
	db          *sql.DB
	lock        *flock.Flock
	guards      *guardRegistry
	config      Config
	createdAt   time.Time
	version     int
}

// New opens or creates the storage environment rooted at environmentPath:
// canonicalises the path, opens/creates the SQLite database, acquires the
// exclusive process lock, runs schema bootstrap/migration, and clears any
// leftover staging files.
func New(ctx context.Context, environmentPath string, cfg Config) (*Datalith, error) {
	cfg = cfg.withDefaults()

	info, err := os.Stat(environmentPath)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, &Error{Kind: KindIO, Err: fmt.Errorf("%s exists but is not a directory", environmentPath)}
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(environmentPath, 0o755); err != nil {
			return nil, &Error{Kind: KindIO, Err: err}
		}
	default:
		return nil, &Error{Kind: KindIO, Err: err}
	}

	environment, err := filepath.Abs(environmentPath)
	if err != nil {
		return nil, &Error{Kind: KindIO, Err: err}
	}

	dbPath := filepath.Join(environment, dbFileName)
	if info, err := os.Stat(dbPath); err == nil && info.IsDir() {
		return nil, &Error{Kind: KindIO, Err: fmt.Errorf("%s exists but is not a regular file", dbPath)}
	}

	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, &Error{Kind: KindIO, Err: err}
	}
	if !locked {
		return nil, &Error{Kind: KindAlreadyRunning}
	}

	maxConns := runtime.NumCPU() * 10
	if maxConns > 100 {
		maxConns = 100
	}

	store, err := metastore.Open(ctx, dbPath, maxConns)
	if err != nil {
		lock.Unlock()
		switch {
		case errorIsSchemaTooNew(err):
			return nil, &Error{Kind: KindDatabaseTooNew, AppVersion: metastore.SchemaVersion, DBVersion: -1, Err: err}
		case errorIsSchemaTooOld(err):
			return nil, &Error{Kind: KindDatabaseTooOld, AppVersion: metastore.SchemaVersion, DBVersion: -1, Err: err}
		default:
			return nil, &Error{Kind: KindSQL, Err: err}
		}
	}

	d := &Datalith{
		environment: environment,
		db:          store.DB,
		lock:        lock,
		guards:      newGuardRegistry(),
		config:      cfg,
		createdAt:   store.CreatedAt,
		version:     store.Version,
	}

	if err := d.clearTemporaryDirectory(); err != nil {
		store.Close()
		lock.Unlock()
		return nil, &Error{Kind: KindIO, Err: err}
	}

	log.Printf("datalith: opened environment %s (schema version %d)", environment, d.version)

	return d, nil
}

func errorIsSchemaTooNew(err error) bool {
	for err != nil {
		if err == metastore.ErrSchemaTooNew {
			return true
		}
		err = unwrapOnce(err)
	}
	return false
}

func errorIsSchemaTooOld(err error) bool {
	for err != nil {
		if err == metastore.ErrSchemaTooOld {
			return true
		}
		err = unwrapOnce(err)
	}
	return false
}

type unwrapper interface{ Unwrap() error }

func unwrapOnce(err error) error {
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

// Close releases the DB pool and the environment lock. It does not touch
// any on-disk state.
func (d *Datalith) Close() error {
	if err := d.db.Close(); err != nil {
		return err
	}
	return d.lock.Unlock()
}

// Drop closes the engine and removes the entire environment directory,
// including the database, the blob directory, and the temp directory.
func (d *Datalith) Drop(ctx context.Context) error {
	if err := d.Close(); err != nil {
		return err
	}
	allowNotFound := func(err error) error {
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := allowNotFound(os.Remove(filepath.Join(d.environment, dbFileName))); err != nil {
		return err
	}
	if err := allowNotFound(os.Remove(filepath.Join(d.environment, dbFileName) + ".lock")); err != nil {
		return err
	}
	if err := allowNotFound(os.RemoveAll(filepath.Join(d.environment, temporaryDirName))); err != nil {
		return err
	}
	if err := allowNotFound(os.RemoveAll(filepath.Join(d.environment, filesDirName))); err != nil {
		return err
	}
	entries, err := os.ReadDir(d.environment)
	if err == nil && len(entries) == 0 {
		return allowNotFound(os.Remove(d.environment))
	}
	return nil
}

// Environment returns the canonical environment directory path.
func (d *Datalith) Environment() string { return d.environment }

func (d *Datalith) getDirectory(name string) (string, error) {
	dir := filepath.Join(d.environment, name)
	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return "", fmt.Errorf("%s is not a directory", dir)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	default:
		return "", err
	}
	return dir, nil
}

func (d *Datalith) getFileDirectory() (string, error) { return d.getDirectory(filesDirName) }

func (d *Datalith) getTemporaryDirectory() (string, error) { return d.getDirectory(temporaryDirName) }

func (d *Datalith) getFilePath(id uuid.UUID) (string, error) {
	dir, err := d.getFileDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, hex32(id)), nil
}

func (d *Datalith) getTemporaryFilePath(id uuid.UUID) (string, error) {
	dir, err := d.getTemporaryDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, hex32(id)), nil
}

func (d *Datalith) clearTemporaryDirectory() error {
	dir, err := d.getTemporaryDirectory()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	_, err = d.getTemporaryDirectory()
	return err
}
