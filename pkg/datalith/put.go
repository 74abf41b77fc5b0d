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

package datalith

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
)

// PutOptions carries the optional metadata a caller can attach to a Put. The
// zero value means "no declared name, auto-detect the type, no length
// check".
type PutOptions struct {
	FileName       string
	DeclaredType   *DeclaredType
	ExpectedLength *uint64
}

// PutByBuffer stores an in-memory payload, deduplicating against any
// existing permanent file with the same content hash.
func (d *Datalith) PutByBuffer(ctx context.Context, data []byte, opts PutOptions) (*File, error) {
	hash := hashBuffer(data)
	return d.putPermanent(ctx, hash, uint64(len(data)), opts,
		func() (string, bool) { return detectByBuffer(data) },
		func(dst string) error { return os.WriteFile(dst, data, 0o644) },
	)
}

// PutByPath stores the contents of an existing, already-on-disk file,
// deduplicating against any existing permanent file with the same hash. The
// source file at path is left untouched.
func (d *Datalith) PutByPath(ctx context.Context, path string, opts PutOptions) (*File, error) {
	hash, err := hashPath(path)
	if err != nil {
		return nil, wrapIO(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, wrapIO(err)
	}
	return d.putPermanent(ctx, hash, uint64(info.Size()), opts,
		func() (string, bool) { return detectByPath(path) },
		func(dst string) error { return copyFile(path, dst) },
	)
}

// PutByReader streams an io.Reader's content, hashing it while copying it
// into a staging file, then either moving that staging file into permanent
// storage (new content) or discarding it (deduplicated). If
// opts.ExpectedLength is set and the actual length disagrees, the put fails
// with KindFileLengthTooLarge and the staging file is discarded.
func (d *Datalith) PutByReader(ctx context.Context, r io.Reader, opts PutOptions) (*File, error) {
	tempDir, err := d.getTemporaryDirectory()
	if err != nil {
		return nil, wrapIO(err)
	}
	stagingPath := tempStagingPath(tempDir)

	size, hash, err := copyReaderToFileHashed(r, stagingPath, d.config.FileReadBufferSize)
	if err != nil {
		return nil, wrapIO(err)
	}
	guard := newTemporaryFileGuard(stagingPath)
	defer guard.Release()

	if opts.ExpectedLength != nil && size != *opts.ExpectedLength {
		return nil, &Error{Kind: KindFileLengthTooLarge, ExpectedLength: *opts.ExpectedLength, ActualLength: size}
	}

	return d.putPermanent(ctx, hash, size, opts,
		func() (string, bool) { return detectByPath(stagingPath) },
		func(dst string) error {
			if err := os.Rename(stagingPath, dst); err != nil {
				return err
			}
			guard.setMoved()
			return nil
		},
	)
}

// PutTemporaryByBuffer stores data as a single-shot temporary file. Unlike
// the permanent Put* family it never deduplicates: every call creates a
// fresh row with a random content hash.
func (d *Datalith) PutTemporaryByBuffer(ctx context.Context, data []byte, opts PutOptions) (*File, error) {
	return d.putTemporary(ctx, uint64(len(data)), opts,
		func() (string, bool) { return detectByBuffer(data) },
		func(dst string) error { return os.WriteFile(dst, data, 0o644) },
	)
}

// PutTemporaryByPath is the temporary-file analogue of PutByPath.
func (d *Datalith) PutTemporaryByPath(ctx context.Context, path string, opts PutOptions) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, wrapIO(err)
	}
	return d.putTemporary(ctx, uint64(info.Size()), opts,
		func() (string, bool) { return detectByPath(path) },
		func(dst string) error { return copyFile(path, dst) },
	)
}

// PutTemporaryByReader is the temporary-file analogue of PutByReader. There
// is no staging file: because temporary content never deduplicates, the
// copy can write straight into the final blob location.
func (d *Datalith) PutTemporaryByReader(ctx context.Context, r io.Reader, opts PutOptions) (*File, error) {
	return d.putTemporary(ctx, 0, opts,
		func() (string, bool) { return "", false },
		func(dst string) error {
			_, err := copyReaderToFile(r, dst, d.config.FileReadBufferSize)
			return err
		},
	)
}

// putPermanent implements the common body of every permanent-file Put
// variant: acquire the hash's put guard, look for an existing permanent row
// with the same hash, and either bump its reference count or resolve the
// file type, write the blob, and insert a fresh row.
func (d *Datalith) putPermanent(
	ctx context.Context,
	hash [32]byte,
	size uint64,
	opts PutOptions,
	detect func() (string, bool),
	writeBlob func(dst string) error,
) (*File, error) {
	guard := d.guards.acquirePut(hash)
	defer guard.Release()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapSQL(err)
	}
	defer tx.Rollback()

	var (
		idBytes    []byte
		createdAt  int64
		fileSize   uint64
		fileType   string
		fileName   string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at, file_size, file_type, file_name FROM files WHERE hash = ? AND expired_at IS NULL`,
		hash[:],
	).Scan(&idBytes, &createdAt, &fileSize, &fileType, &fileName)

	switch {
	case err == nil:
		id, perr := uuid.FromBytes(idBytes)
		if perr != nil {
			return nil, wrapIO(perr)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE files SET count = count + 1 WHERE id = ?`, idBytes); err != nil {
			return nil, wrapSQL(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, wrapSQL(err)
		}
		return &File{
			ID:        id,
			Hash:      hash,
			FileName:  fileName,
			FileType:  fileType,
			FileSize:  fileSize,
			CreatedAt: time.UnixMilli(createdAt),
			isNew:     false,
		}, nil

	case err == sql.ErrNoRows:
		mimeType, rerr := resolveFileType(opts.DeclaredType, detect)
		if rerr != nil {
			return nil, rerr
		}

		now := time.Now()
		fileName := deriveFileName(opts.FileName, now, mimeType)
		id := uuid.New()

		dst, perr := d.getFilePath(id)
		if perr != nil {
			return nil, wrapIO(perr)
		}

		// Held from the blob write through commit so a concurrent untracked
		// sweep (manager.go) can see this id is still opening and leave the
		// blob alone until the row is visible.
		openGuard := d.guards.acquireOpen(id)
		defer openGuard.Release()

		if err := writeBlob(dst); err != nil {
			return nil, wrapIO(err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO files (id, hash, created_at, file_size, file_type, file_name, expired_at, count) VALUES (?, ?, ?, ?, ?, ?, NULL, 1)`,
			id[:], hash[:], now.UnixMilli(), size, mimeType, fileName,
		)
		if err != nil {
			os.Remove(dst)
			return nil, wrapSQL(err)
		}
		if err := tx.Commit(); err != nil {
			os.Remove(dst)
			return nil, wrapSQL(err)
		}

		return &File{
			ID:        id,
			Hash:      hash,
			FileName:  fileName,
			FileType:  mimeType,
			FileSize:  size,
			CreatedAt: now,
			isNew:     true,
		}, nil

	default:
		return nil, wrapSQL(err)
	}
}

// putTemporary implements the common body of the PutTemporary* variants: a
// random hash, a resolved file type, a blob write, and an INSERT with a
// non-null expired_at. There is never a dedup lookup.
func (d *Datalith) putTemporary(
	ctx context.Context,
	size uint64,
	opts PutOptions,
	detect func() (string, bool),
	writeBlob func(dst string) error,
) (*File, error) {
	hash, err := randomHash()
	if err != nil {
		return nil, wrapIO(err)
	}

	mimeType, err := resolveFileType(opts.DeclaredType, detect)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	fileName := deriveFileName(opts.FileName, now, mimeType)
	id := uuid.New()

	dst, err := d.getFilePath(id)
	if err != nil {
		return nil, wrapIO(err)
	}

	openGuard := d.guards.acquireOpen(id)
	defer openGuard.Release()

	if err := writeBlob(dst); err != nil {
		return nil, wrapIO(err)
	}

	if size == 0 {
		if info, serr := os.Stat(dst); serr == nil {
			size = uint64(info.Size())
		}
	}
	if opts.ExpectedLength != nil && size != *opts.ExpectedLength {
		os.Remove(dst)
		return nil, &Error{Kind: KindFileLengthTooLarge, ExpectedLength: *opts.ExpectedLength, ActualLength: size}
	}

	expiredAt := now.Add(d.config.TemporaryFileLifespan)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		os.Remove(dst)
		return nil, wrapSQL(err)
	}
	defer tx.Rollback()

	// A random 256-bit hash cannot collide in practice; if one ever does, the
	// insert is refused instead of sharing a row with unrelated content.
	var collision int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM files WHERE hash = ? LIMIT 1`, hash[:]).Scan(&collision)
	if err == nil {
		os.Remove(dst)
		return nil, wrapSQL(fmt.Errorf("temporary file hash collision"))
	}
	if err != sql.ErrNoRows {
		os.Remove(dst)
		return nil, wrapSQL(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO files (id, hash, created_at, file_size, file_type, file_name, expired_at, count) VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		id[:], hash[:], now.UnixMilli(), size, mimeType, fileName, expiredAt.UnixMilli(),
	)
	if err != nil {
		os.Remove(dst)
		return nil, wrapSQL(err)
	}
	if err := tx.Commit(); err != nil {
		os.Remove(dst)
		return nil, wrapSQL(err)
	}

	return &File{
		ID:        id,
		Hash:      hash,
		FileName:  fileName,
		FileType:  mimeType,
		FileSize:  size,
		CreatedAt: now,
		ExpiredAt: &expiredAt,
		isNew:     true,
	}, nil
}

func tempStagingPath(dir string) string {
	var raw [16]byte
	id := uuid.New()
	copy(raw[:], id[:])
	return fmt.Sprintf("%s/staging-%s", dir, id.String())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
