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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingPathIsNotAnError(t *testing.T) {
	f, err := LoadFile("")
	require.NoError(t, err)
	require.Equal(t, File{}, f)

	f, err = LoadFile(filepath.Join(t.TempDir(), "does-not-exist.hcl"))
	require.NoError(t, err)
	require.Equal(t, File{}, f)
}

func TestLoadFileParsesKnownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datalith.hcl")
	contents := `
environment = "/var/lib/datalith"
address = "0.0.0.0:9000"
max_file_size = 1048576
file_read_buffer_size = 1048576
temporary_file_lifespan_seconds = 120
max_image_resolution = 10000000
max_image_resolution_multiplier = 2
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	f, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/datalith", *f.Environment)
	require.Equal(t, "0.0.0.0:9000", *f.Address)
	require.EqualValues(t, 1048576, *f.MaxFileSize)
	require.Equal(t, 1048576, *f.FileReadBufferSize)
	require.Equal(t, 120, *f.TemporaryFileLifespanSeconds)
	require.EqualValues(t, 10000000, *f.MaxImageResolution)
	require.Equal(t, 2, *f.MaxImageResolutionMultiplier)
}

func TestApplyFileOnlyOverridesSetFields(t *testing.T) {
	cfg := Default()
	address := "127.0.0.1:1234"

	cfg = ApplyFile(cfg, File{Address: &address})

	require.Equal(t, address, cfg.Address)
	require.Equal(t, DefaultEnvironment, cfg.Environment)
	require.EqualValues(t, DefaultMaxFileSize, cfg.MaxFileSize)
}

func TestApplyEnvOverridesAndIgnoresMalformedValues(t *testing.T) {
	cfg := Default()

	t.Setenv("DATALITH_ADDRESS", ":9999")
	t.Setenv("DATALITH_MAX_FILE_SIZE", "not-a-number")
	t.Setenv("DATALITH_MAX_IMAGE_RESOLUTION_MULTIPLIER", "5")

	cfg = ApplyEnv(cfg)

	require.Equal(t, ":9999", cfg.Address)
	require.EqualValues(t, DefaultMaxFileSize, cfg.MaxFileSize, "malformed env values must be ignored, not fatal")
	require.Equal(t, 5, cfg.MaxImageResolutionMultiplier)
}

func TestApplyEnvTemporaryFileLifespanSeconds(t *testing.T) {
	cfg := Default()
	t.Setenv("DATALITH_TEMPORARY_FILE_LIFESPAN_SECONDS", "45")

	cfg = ApplyEnv(cfg)

	require.Equal(t, 45*time.Second, cfg.TemporaryFileLifespan)
}

