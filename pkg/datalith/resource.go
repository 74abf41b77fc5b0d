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
	"io"
	"time"

	"github.com/google/uuid"
)

// Resource is a named handle onto a File. Several resources may point at the
// same underlying file (each put against identical content bumps the file's
// reference count); deleting a resource only removes the file once no other
// resource or temporary reservation still needs it.
type Resource struct {
	ID        uuid.UUID
	CreatedAt time.Time
	FileName  string
	FileType  string
	FileID    uuid.UUID
}

// PutResourceByBuffer stores data as a permanent file and wraps it in a new
// named resource.
func (d *Datalith) PutResourceByBuffer(ctx context.Context, data []byte, opts PutOptions) (*Resource, error) {
	file, err := d.PutByBuffer(ctx, data, opts)
	if err != nil {
		return nil, err
	}
	return d.insertResource(ctx, file, opts)
}

// PutResourceByPath is the path-ingress analogue of PutResourceByBuffer.
func (d *Datalith) PutResourceByPath(ctx context.Context, path string, opts PutOptions) (*Resource, error) {
	file, err := d.PutByPath(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	return d.insertResource(ctx, file, opts)
}

// PutResourceByReader is the reader-ingress analogue of PutResourceByBuffer.
func (d *Datalith) PutResourceByReader(ctx context.Context, r io.Reader, opts PutOptions) (*Resource, error) {
	file, err := d.PutByReader(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	return d.insertResource(ctx, file, opts)
}

// PutResourceByBufferTemporary is the temporary-file analogue of
// PutResourceByBuffer: the underlying file is never deduplicated and
// expires after the engine's configured lifespan unless read first.
func (d *Datalith) PutResourceByBufferTemporary(ctx context.Context, data []byte, opts PutOptions) (*Resource, error) {
	file, err := d.PutTemporaryByBuffer(ctx, data, opts)
	if err != nil {
		return nil, err
	}
	return d.insertResource(ctx, file, opts)
}

// PutResourceByPathTemporary is the temporary-file analogue of
// PutResourceByPath.
func (d *Datalith) PutResourceByPathTemporary(ctx context.Context, path string, opts PutOptions) (*Resource, error) {
	file, err := d.PutTemporaryByPath(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	return d.insertResource(ctx, file, opts)
}

// PutResourceByReaderTemporary is the temporary-file analogue of
// PutResourceByReader.
func (d *Datalith) PutResourceByReaderTemporary(ctx context.Context, r io.Reader, opts PutOptions) (*Resource, error) {
	file, err := d.PutTemporaryByReader(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	return d.insertResource(ctx, file, opts)
}

// insertResource inserts the resources row for a freshly put file. If the
// file deduplicated against pre-existing content, the resource gets its own
// freshly resolved name and type (the caller's declaration may disagree with
// whatever the first owner of that content declared); if the file is brand
// new, the resource simply inherits the values Put just resolved. If the
// insert fails, the file's reference is rolled back via DeleteByID so a
// failed PutResource never leaks a dangling file reference.
func (d *Datalith) insertResource(ctx context.Context, file *File, opts PutOptions) (*Resource, error) {
	var (
		fileName string
		fileType string
	)

	if file.IsNew() {
		fileName, fileType = file.FileName, file.FileType
	} else {
		now := time.Now()
		mimeType, err := resolveFileType(opts.DeclaredType, func() (string, bool) { return file.FileType, true })
		if err != nil {
			d.DeleteByID(ctx, file.ID)
			return nil, err
		}
		fileType = mimeType
		fileName = deriveFileName(opts.FileName, now, fileType)
	}

	id := uuid.New()
	now := time.Now()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO resources (id, created_at, file_name, file_type, file_id) VALUES (?, ?, ?, ?, ?)`,
		id[:], now.UnixMilli(), fileName, fileType, file.ID[:],
	)
	if err != nil {
		d.DeleteByID(ctx, file.ID)
		return nil, wrapSQL(err)
	}

	return &Resource{
		ID:        id,
		CreatedAt: now,
		FileName:  fileName,
		FileType:  fileType,
		FileID:    file.ID,
	}, nil
}

// GetResourceByID looks up a resource and opens its underlying file for
// reading in one call.
func (d *Datalith) GetResourceByID(ctx context.Context, id uuid.UUID) (*Resource, *File, *Reader, error) {
	res, err := d.getResourceRow(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	file, reader, err := d.GetByID(ctx, res.FileID)
	if err != nil {
		return nil, nil, nil, err
	}
	return res, file, reader, nil
}

func (d *Datalith) getResourceRow(ctx context.Context, id uuid.UUID) (*Resource, error) {
	var (
		createdAt int64
		fileName  string
		fileType  string
		fileID    []byte
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT created_at, file_name, file_type, file_id FROM resources WHERE id = ?`,
		id[:],
	).Scan(&createdAt, &fileName, &fileType, &fileID)
	if err == sql.ErrNoRows {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, wrapSQL(err)
	}
	fid, err := uuid.FromBytes(fileID)
	if err != nil {
		return nil, wrapIO(err)
	}
	return &Resource{
		ID:        id,
		CreatedAt: time.UnixMilli(createdAt),
		FileName:  fileName,
		FileType:  fileType,
		FileID:    fid,
	}, nil
}

// DeleteResourceByID removes a resource and decrements its underlying
// file's reference count under a single delete guard, so nothing can delete
// the same file out from under the decrement between the two steps.
func (d *Datalith) DeleteResourceByID(ctx context.Context, id uuid.UUID) error {
	res, err := d.getResourceRow(ctx, id)
	if err != nil {
		return err
	}

	guard := d.guards.acquireDelete(res.FileID)
	defer guard.Release()

	if _, err := d.db.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id[:]); err != nil {
		return wrapSQL(err)
	}

	return d.deleteByIDLocked(ctx, res.FileID)
}

// ListResourceIDs pages through resource ids, ordered by creation time then
// id unless opts.OrderBy says otherwise, mirroring ListIDs's page semantics.
func (d *Datalith) ListResourceIDs(ctx context.Context, opts PaginationOptions) ([]uuid.UUID, Pagination, error) {
	return paginateIDs(ctx, d.db, idListing{
		table:        "resources",
		allowedOrder: map[string]bool{"id": true, "created_at": true},
		defaultOrder: []OrderByColumn{{Column: "created_at"}, {Column: "id"}},
	}, opts)
}
