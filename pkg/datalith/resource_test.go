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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutResourceByBufferInheritsNewFileMetadata(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	res, err := d.PutResourceByBuffer(ctx, []byte("resource body"), PutOptions{FileName: "body.txt"})
	require.NoError(t, err)
	require.Equal(t, "body.txt", res.FileName)

	gotRes, file, reader, err := d.GetResourceByID(ctx, res.ID)
	require.NoError(t, err)
	defer reader.Close()
	require.Equal(t, res.FileID, file.ID)
	require.Equal(t, res.FileName, gotRes.FileName)
}

func TestPutResourceDedupedGetsItsOwnName(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	first, err := d.PutResourceByBuffer(ctx, []byte("shared body"), PutOptions{FileName: "first.txt"})
	require.NoError(t, err)

	second, err := d.PutResourceByBuffer(ctx, []byte("shared body"), PutOptions{FileName: "second.txt"})
	require.NoError(t, err)

	require.Equal(t, first.FileID, second.FileID)
	require.Equal(t, "first.txt", first.FileName)
	require.Equal(t, "second.txt", second.FileName)
}

func TestPutResourceByBufferTemporary(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	res, err := d.PutResourceByBufferTemporary(ctx, []byte("temp body"), PutOptions{FileName: "temp.txt"})
	require.NoError(t, err)

	_, file, reader, err := d.GetResourceByID(ctx, res.ID)
	require.NoError(t, err)
	reader.Close()
	require.True(t, file.IsTemporary())
}

func TestDeleteResourceByIDRemovesUnderlyingFileWhenUnshared(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	res, err := d.PutResourceByBuffer(ctx, []byte("solo"), PutOptions{})
	require.NoError(t, err)

	require.NoError(t, d.DeleteResourceByID(ctx, res.ID))

	_, _, _, err = d.GetResourceByID(ctx, res.ID)
	require.True(t, IsNotFound(err))

	_, _, err = d.GetByID(ctx, res.FileID)
	require.True(t, IsNotFound(err))
}

func TestDeleteResourceByIDKeepsSharedFileAlive(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	res1, err := d.PutResourceByBuffer(ctx, []byte("shared"), PutOptions{FileName: "a.txt"})
	require.NoError(t, err)
	res2, err := d.PutResourceByBuffer(ctx, []byte("shared"), PutOptions{FileName: "b.txt"})
	require.NoError(t, err)

	require.NoError(t, d.DeleteResourceByID(ctx, res1.ID))

	_, reader, err := d.GetByID(ctx, res2.FileID)
	require.NoError(t, err)
	reader.Close()
}

func TestListResourceIDsPaginates(t *testing.T) {
	d := newTestDatalith(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := d.PutResourceByBuffer(ctx, []byte{byte(i), byte(i + 1)}, PutOptions{})
		require.NoError(t, err)
	}

	page, pagination, err := d.ListResourceIDs(ctx, PaginationOptions{ItemsPerPage: 100})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, 3, pagination.TotalItems)
	require.Equal(t, 1, pagination.TotalPages)
}
