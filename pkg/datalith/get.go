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
	"os"
	"time"

	"github.com/google/uuid"
)

func scanFileRow(idBytes []byte, hashBytes []byte, createdAt int64, fileSize uint64, fileType, fileName string, expiredAt sql.NullInt64) (*File, error) {
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, err
	}
	var hash [32]byte
	copy(hash[:], hashBytes)

	f := &File{
		ID:        id,
		Hash:      hash,
		FileName:  fileName,
		FileType:  fileType,
		FileSize:  fileSize,
		CreatedAt: time.UnixMilli(createdAt),
	}
	if expiredAt.Valid {
		t := time.UnixMilli(expiredAt.Int64)
		f.ExpiredAt = &t
	}
	return f, nil
}

// GetByID opens the file identified by id for reading. If the file is
// temporary, this call's success "touches" it: the first successful read
// immediately expires the row so the sweeper can reclaim it, turning the
// handle into a true single-shot read.
func (d *Datalith) GetByID(ctx context.Context, id uuid.UUID) (*File, *Reader, error) {
	openGuard := d.guards.acquireOpen(id)
	d.guards.waitWhileDeleting(id)

	var (
		hashBytes []byte
		createdAt int64
		fileSize  uint64
		fileType  string
		fileName  string
		expiredAt sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT hash, created_at, file_size, file_type, file_name, expired_at FROM files WHERE id = ?`,
		id[:],
	).Scan(&hashBytes, &createdAt, &fileSize, &fileType, &fileName, &expiredAt)
	if err == sql.ErrNoRows {
		openGuard.Release()
		return nil, nil, errNotFound()
	}
	if err != nil {
		openGuard.Release()
		return nil, nil, wrapSQL(err)
	}

	file, err := scanFileRow(id[:], hashBytes, createdAt, fileSize, fileType, fileName, expiredAt)
	if err != nil {
		openGuard.Release()
		return nil, nil, wrapIO(err)
	}

	if file.IsTemporary() {
		now := time.Now()
		res, err := d.db.ExecContext(ctx,
			`UPDATE files SET expired_at = ? WHERE id = ? AND expired_at > ?`,
			now.UnixMilli(), id[:], now.UnixMilli(),
		)
		if err != nil {
			openGuard.Release()
			return nil, nil, wrapSQL(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already consumed by an earlier read, or past its lifespan.
			openGuard.Release()
			return nil, nil, errNotFound()
		}
		file.ExpiredAt = &now
	}

	path, err := d.getFilePath(id)
	if err != nil {
		openGuard.Release()
		return nil, nil, wrapIO(err)
	}
	f, err := os.Open(path)
	if err != nil {
		openGuard.Release()
		if os.IsNotExist(err) {
			return nil, nil, errNotFound()
		}
		return nil, nil, wrapIO(err)
	}

	return file, &Reader{file: f, guard: openGuard}, nil
}

// GetByHash looks up a permanent file by its content hash without opening
// it. It returns errNotFound if no permanent file carries that hash.
func (d *Datalith) GetByHash(ctx context.Context, hash [32]byte) (*File, error) {
	var (
		idBytes   []byte
		createdAt int64
		fileSize  uint64
		fileType  string
		fileName  string
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, created_at, file_size, file_type, file_name FROM files WHERE hash = ? AND expired_at IS NULL`,
		hash[:],
	).Scan(&idBytes, &createdAt, &fileSize, &fileType, &fileName)
	if err == sql.ErrNoRows {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, wrapSQL(err)
	}
	return scanFileRow(idBytes, hash[:], createdAt, fileSize, fileType, fileName, sql.NullInt64{})
}

// CheckExist reports whether a permanent file with the given content hash
// exists, without touching the guard registry or opening a descriptor.
func (d *Datalith) CheckExist(ctx context.Context, hash [32]byte) (bool, error) {
	var exists int
	err := d.db.QueryRowContext(ctx,
		`SELECT 1 FROM files WHERE hash = ? AND expired_at IS NULL LIMIT 1`,
		hash[:],
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapSQL(err)
	}
	return true, nil
}

// ListIDs returns one page of permanent file ids, ordered by creation time
// then id unless opts.OrderBy says otherwise. A page requested past the
// last non-empty one is clamped back to it and re-queried once.
func (d *Datalith) ListIDs(ctx context.Context, opts PaginationOptions) ([]uuid.UUID, Pagination, error) {
	return paginateIDs(ctx, d.db, idListing{
		table:        "files",
		where:        "expired_at IS NULL",
		allowedOrder: map[string]bool{"id": true, "created_at": true},
		defaultOrder: []OrderByColumn{{Column: "created_at"}, {Column: "id"}},
	}, opts)
}
