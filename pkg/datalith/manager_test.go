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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestClearExpiredFilesRemovesPastExpiry(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	file, err := d.PutTemporaryByBuffer(ctx, []byte("stale"), PutOptions{})
	require.NoError(t, err)

	_, err = d.db.ExecContext(ctx, `UPDATE files SET expired_at = ? WHERE id = ?`, time.Now().Add(-time.Hour).UnixMilli(), file.ID[:])
	require.NoError(t, err)

	deleted, err := d.clearExpiredFiles(ctx, expiredSweepTimeout)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, _, err = d.GetByID(ctx, file.ID)
	require.True(t, IsNotFound(err))
}

func TestClearExpiredFilesLeavesUnexpiredAlone(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	file, err := d.PutByBuffer(ctx, []byte("permanent"), PutOptions{})
	require.NoError(t, err)

	deleted, err := d.clearExpiredFiles(ctx, expiredSweepTimeout)
	require.NoError(t, err)
	require.Equal(t, 0, deleted)

	_, reader, err := d.GetByID(ctx, file.ID)
	require.NoError(t, err)
	reader.Close()
}

func TestClearUntrackedFilesRemovesOrphanedBlob(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	dir, err := d.getFileDirectory()
	require.NoError(t, err)

	orphanID := uuid.New()
	orphanPath := filepath.Join(dir, hex32(orphanID))
	require.NoError(t, os.WriteFile(orphanPath, []byte("orphan"), 0o644))

	removed, err := d.clearUntrackedFiles(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = os.Stat(orphanPath)
	require.True(t, os.IsNotExist(err))
}

func TestClearUntrackedFilesRemovesMalformedNames(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	dir, err := d.getFileDirectory()
	require.NoError(t, err)

	garbagePath := filepath.Join(dir, "not-a-valid-id")
	require.NoError(t, os.WriteFile(garbagePath, []byte("junk"), 0o644))

	removed, err := d.clearUntrackedFiles(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = os.Stat(garbagePath)
	require.True(t, os.IsNotExist(err))
}

func TestClearUntrackedFilesSkipsOpeningIDs(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	dir, err := d.getFileDirectory()
	require.NoError(t, err)

	openingID := uuid.New()
	openingPath := filepath.Join(dir, hex32(openingID))
	require.NoError(t, os.WriteFile(openingPath, []byte("in flight"), 0o644))

	guard := d.guards.acquireOpen(openingID)

	removed, err := d.clearUntrackedFiles(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, removed, "a blob whose id is still opening must not be swept")

	_, err = os.Stat(openingPath)
	require.NoError(t, err)

	guard.Release()

	removed, err = d.clearUntrackedFiles(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed, "once the guard is released the now-untracked blob is swept")

	_, err = os.Stat(openingPath)
	require.True(t, os.IsNotExist(err))
}

func TestClearUntrackedFilesKeepsTrackedBlobs(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	file, err := d.PutByBuffer(ctx, []byte("tracked"), PutOptions{})
	require.NoError(t, err)

	removed, err := d.clearUntrackedFiles(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	_, reader, err := d.GetByID(ctx, file.ID)
	require.NoError(t, err)
	reader.Close()
}

func TestNewSweeperStartsAndStopsCleanly(t *testing.T) {
	d := newTestDatalith(t)
	sweeper := NewSweeper(d)
	sweeper.Close()
}
