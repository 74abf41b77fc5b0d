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
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDatalith(t *testing.T) *Datalith {
	t.Helper()
	d, err := New(context.Background(), t.TempDir(), Config{})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func readAll(t *testing.T, r io.ReadCloser) []byte {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return data
}

func TestNewCreatesEnvironment(t *testing.T) {
	d := newTestDatalith(t)
	require.NotEmpty(t, d.Environment())
}

func TestNewRejectsSecondInstance(t *testing.T) {
	dir := t.TempDir()
	first, err := New(context.Background(), dir, Config{})
	require.NoError(t, err)
	defer first.Close()

	_, err = New(context.Background(), dir, Config{})
	require.Error(t, err)
	var derr *Error
	require.True(t, asError(err, &derr))
	require.Equal(t, KindAlreadyRunning, derr.Kind)
}

func TestNewReopensAfterClose(t *testing.T) {
	dir := t.TempDir()
	first, err := New(context.Background(), dir, Config{})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(context.Background(), dir, Config{})
	require.NoError(t, err)
	defer second.Close()
}

func TestDropRemovesEnvironment(t *testing.T) {
	dir := t.TempDir()
	d, err := New(context.Background(), dir, Config{})
	require.NoError(t, err)

	_, err = d.PutByBuffer(context.Background(), []byte("hello"), PutOptions{})
	require.NoError(t, err)

	require.NoError(t, d.Drop(context.Background()))
}

func TestConfigWithDefaultsClampsRanges(t *testing.T) {
	cfg := Config{
		FileReadBufferSize:           1,
		TemporaryFileLifespan:        time.Nanosecond,
		MaxImageResolution:           0,
		MaxImageResolutionMultiplier: 0,
	}.withDefaults()

	require.Equal(t, MinFileReadBufferSize, cfg.FileReadBufferSize)
	require.Equal(t, MinTemporaryFileLifespan, cfg.TemporaryFileLifespan)
	require.EqualValues(t, DefaultMaxImageResolution, cfg.MaxImageResolution)
	require.Equal(t, DefaultMaxImageResolutionMultiplier, cfg.MaxImageResolutionMultiplier)
}
