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
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	expiredSweepInterval = 60 * time.Second
	expiredSweepTimeout  = 3 * time.Second
	untrackedSweepSpec   = "0 0 */4 * * *"
)

// Sweeper runs the two background reclamation jobs: a 60-second ticker that
// deletes files whose expiry has passed, and a 4-hour cron job that removes
// on-disk blobs with no corresponding row (orphaned by a crash between
// writing a blob and committing its metadata).
type Sweeper struct {
	datalith *Datalith
	cron     *cron.Cron
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper starts both background jobs against d. Close must be called to
// stop them.
func NewSweeper(d *Datalith) *Sweeper {
	s := &Sweeper{
		datalith: d,
		cron:     cron.New(cron.WithSeconds()),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if _, err := s.cron.AddFunc(untrackedSweepSpec, s.runUntrackedSweep); err != nil {
		log.Printf("datalith: failed to schedule untracked blob sweep: %v", err)
	}
	s.cron.Start()

	go s.runExpiredLoop()

	return s
}

// Close stops both background jobs and waits for the expired-files loop to
// exit its current iteration.
func (s *Sweeper) Close() {
	close(s.stop)
	<-s.done
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) runExpiredLoop() {
	defer close(s.done)
	ticker := time.NewTicker(expiredSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			count, err := s.datalith.clearExpiredFiles(context.Background(), expiredSweepTimeout)
			switch {
			case err != nil:
				log.Printf("datalith: expired file sweep failed: %v", err)
			case count == 1:
				log.Printf("datalith: one expired file has been deleted")
			case count > 1:
				log.Printf("datalith: %d expired files have been deleted", count)
			}
		}
	}
}

func (s *Sweeper) runUntrackedSweep() {
	count, err := s.datalith.clearUntrackedFiles(context.Background())
	switch {
	case err != nil:
		log.Printf("datalith: untracked blob sweep failed: %v", err)
	case count == 1:
		log.Printf("datalith: one untracked file has been deleted")
	case count > 1:
		log.Printf("datalith: %d untracked files have been deleted", count)
	}
}

// clearExpiredFiles deletes every file whose expired_at has already passed,
// one goroutine per id bounded by timeout, and returns how many were
// successfully deleted.
func (d *Datalith) clearExpiredFiles(ctx context.Context, timeout time.Duration) (int, error) {
	now := time.Now().UnixMilli()
	rows, err := d.db.QueryContext(ctx, `SELECT id FROM files WHERE expired_at IS NOT NULL AND expired_at <= ?`, now)
	if err != nil {
		return 0, wrapSQL(err)
	}

	var ids []uuid.UUID
	for rows.Next() {
		var idBytes []byte
		if err := rows.Scan(&idBytes); err != nil {
			rows.Close()
			return 0, wrapSQL(err)
		}
		id, err := uuid.FromBytes(idBytes)
		if err != nil {
			rows.Close()
			return 0, wrapIO(err)
		}
		ids = append(ids, id)
	}
	closeErr := rows.Close()
	if closeErr != nil {
		return 0, wrapSQL(closeErr)
	}
	if err := rows.Err(); err != nil {
		return 0, wrapSQL(err)
	}

	var (
		deleted int
		mu      sync.Mutex
	)
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			// Resource rows still pointing at the expired file would make
			// the foreign key block its removal.
			if _, err := d.db.ExecContext(ctx, `DELETE FROM resources WHERE file_id = ?`, id[:]); err != nil {
				return wrapSQL(err)
			}
			if err := d.DeleteByID(ctx, id); err != nil {
				if IsNotFound(err) {
					return nil
				}
				return err
			}
			mu.Lock()
			deleted++
			mu.Unlock()
			return nil
		})
	}
	// A failed delete is not counted; the sweep keeps going for the rest of
	// the batch rather than aborting early, so errors are swallowed here and
	// only the count is authoritative.
	_ = g.Wait()

	return deleted, nil
}

// clearUntrackedFiles removes every entry in the blob directory that is not
// a well-formed id or that has no corresponding files row, returning how
// many were removed.
func (d *Datalith) clearUntrackedFiles(ctx context.Context) (int, error) {
	dir, err := d.getFileDirectory()
	if err != nil {
		return 0, wrapIO(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, wrapIO(err)
	}

	var removed int
	for _, entry := range entries {
		if entry.IsDir() {
			if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
				return removed, wrapIO(err)
			}
			removed++
			continue
		}
		name := entry.Name()

		remove := func() error {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return err
			}
			removed++
			return nil
		}

		raw, err := hex.DecodeString(name)
		if err != nil || len(raw) != 16 {
			if err := remove(); err != nil {
				return removed, wrapIO(err)
			}
			continue
		}

		id, err := uuid.FromBytes(raw)
		if err != nil {
			if err := remove(); err != nil {
				return removed, wrapIO(err)
			}
			continue
		}

		var exists int
		err = d.db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE id = ? LIMIT 1`, id[:]).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return removed, wrapSQL(err)
		}
		if d.guards.isOpening(id) {
			// A put for this id is between its blob write and its commit;
			// the row is invisible to the SELECT above but the id is not
			// actually untracked.
			continue
		}
		if err := remove(); err != nil {
			return removed, wrapIO(err)
		}
	}

	return removed, nil
}
