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

	"github.com/google/uuid"

	"datalith.io/internal/metastore"
)

// DeleteByID decrements the reference count of the permanent or temporary
// file identified by id, removing its row and unlinking its blob once the
// count reaches zero. Deleting an id that does not exist returns a
// KindNotFound error.
func (d *Datalith) DeleteByID(ctx context.Context, id uuid.UUID) error {
	guard := d.guards.acquireDelete(id)
	defer guard.Release()
	return d.deleteByIDLocked(ctx, id)
}

// deleteByIDLocked assumes the caller already holds id's delete guard (the
// resource layer reuses a single guard across a resource delete and its
// owning file's reference-count decrement, mirroring the original's
// delete_file_by_id_inner).
func (d *Datalith) deleteByIDLocked(ctx context.Context, id uuid.UUID) error {
	count, err := d.fileRefCount(ctx, id)
	if err == sql.ErrNoRows {
		return errNotFound()
	}
	if err != nil {
		return wrapSQL(err)
	}

	if count > 1 {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return wrapSQL(err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `UPDATE files SET count = count - 1 WHERE id = ? AND count > 1`, id[:]); err != nil {
			return wrapSQL(err)
		}
		return wrapSQL(tx.Commit())
	}

	// Exactly one reference left: nobody else will resurrect this row, so
	// it is safe to wait for any in-flight readers to finish before the
	// row and its blob disappear underneath them.
	d.guards.waitWhileOpening(id)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQL(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ? AND count = 1`, id[:])
	if err != nil {
		if metastore.IsForeignKeyRestriction(err) {
			// A resource or image row still points at this file; leave it
			// in place rather than failing the caller's delete outright.
			return nil
		}
		return wrapSQL(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapSQL(err)
	}
	if n == 0 {
		// Someone incremented the count between our read and the delete;
		// nothing to unlink, and the row is still live.
		return tx.Commit()
	}
	if err := tx.Commit(); err != nil {
		return wrapSQL(err)
	}

	path, err := d.getFilePath(id)
	if err != nil {
		return wrapIO(err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return wrapIO(err)
	}
	return nil
}

func (d *Datalith) fileRefCount(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `SELECT count FROM files WHERE id = ?`, id[:]).Scan(&count)
	return count, err
}
