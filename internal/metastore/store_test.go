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

package metastore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchema(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "datalith.sqlite")

	store, err := Open(context.Background(), dbPath, 4)
	require.NoError(t, err)
	defer store.Close()

	require.Equal(t, SchemaVersion, store.Version)
	require.False(t, store.CreatedAt.IsZero())

	var count int
	err = store.DB.QueryRow(`SELECT count(*) FROM files`).Scan(&count)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestOpenReadsExistingSchema(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "datalith.sqlite")

	first, err := Open(context.Background(), dbPath, 4)
	require.NoError(t, err)
	firstCreatedAt := first.CreatedAt
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), dbPath, 4)
	require.NoError(t, err)
	defer second.Close()

	require.Equal(t, SchemaVersion, second.Version)
	require.True(t, firstCreatedAt.Equal(second.CreatedAt))
}

func TestIsForeignKeyRestriction(t *testing.T) {
	require.True(t, IsForeignKeyRestriction(errInt("FOREIGN KEY constraint failed")))
	require.False(t, IsForeignKeyRestriction(errInt("no such table: files")))
}

type errInt string

func (e errInt) Error() string { return string(e) }
