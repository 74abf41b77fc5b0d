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

// Package config resolves the server's configuration from three layered
// sources, lowest priority first: an HCL file, DATALITH_-prefixed
// environment variables, and command-line flags.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// File is the shape of the optional HCL configuration file. Every field is
// optional; omitted fields keep whatever the lower-priority layer (or the
// engine's own defaults) already supplied.
type File struct {
	Environment                  *string `hcl:"environment,optional"`
	Address                      *string `hcl:"address,optional"`
	MaxFileSize                  *int64  `hcl:"max_file_size,optional"`
	FileReadBufferSize           *int    `hcl:"file_read_buffer_size,optional"`
	TemporaryFileLifespanSeconds *int    `hcl:"temporary_file_lifespan_seconds,optional"`
	MaxImageResolution           *int64  `hcl:"max_image_resolution,optional"`
	MaxImageResolutionMultiplier *int    `hcl:"max_image_resolution_multiplier,optional"`
}

// Config is the fully resolved, typed configuration the server runs with.
type Config struct {
	Environment                  string
	Address                      string
	MaxFileSize                  int64
	FileReadBufferSize           int
	TemporaryFileLifespan        time.Duration
	MaxImageResolution           int64
	MaxImageResolutionMultiplier int
}

const (
	DefaultEnvironment = "./datalith-data"
	DefaultAddress     = ":8811"
	DefaultMaxFileSize = 2 << 30 // 2 GiB, matching the reference CLI's default.
)

// Default returns the configuration used when no file, environment
// variable, or flag supplies a value.
func Default() Config {
	return Config{
		Environment: DefaultEnvironment,
		Address:     DefaultAddress,
		MaxFileSize: DefaultMaxFileSize,
	}
}

// LoadFile parses an HCL configuration file. A missing path is not an
// error: it returns a zero File, meaning "nothing overridden here".
func LoadFile(path string) (File, error) {
	var f File
	if path == "" {
		return f, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return f, nil
	}
	if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
		return File{}, err
	}
	return f, nil
}

// ApplyFile overlays non-nil fields from f onto cfg.
func ApplyFile(cfg Config, f File) Config {
	if f.Environment != nil {
		cfg.Environment = *f.Environment
	}
	if f.Address != nil {
		cfg.Address = *f.Address
	}
	if f.MaxFileSize != nil {
		cfg.MaxFileSize = *f.MaxFileSize
	}
	if f.FileReadBufferSize != nil {
		cfg.FileReadBufferSize = *f.FileReadBufferSize
	}
	if f.TemporaryFileLifespanSeconds != nil {
		cfg.TemporaryFileLifespan = time.Duration(*f.TemporaryFileLifespanSeconds) * time.Second
	}
	if f.MaxImageResolution != nil {
		cfg.MaxImageResolution = *f.MaxImageResolution
	}
	if f.MaxImageResolutionMultiplier != nil {
		cfg.MaxImageResolutionMultiplier = *f.MaxImageResolutionMultiplier
	}
	return cfg
}

// ApplyEnv overlays DATALITH_-prefixed environment variables onto cfg.
// Malformed numeric/duration variables are ignored rather than treated as
// fatal, matching the permissive-clamping posture the engine itself takes.
func ApplyEnv(cfg Config) Config {
	if v, ok := os.LookupEnv("DATALITH_ENVIRONMENT"); ok {
		cfg.Environment = v
	}
	if v, ok := os.LookupEnv("DATALITH_ADDRESS"); ok {
		cfg.Address = v
	}
	if v, ok := os.LookupEnv("DATALITH_MAX_FILE_SIZE"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxFileSize = n
		}
	}
	if v, ok := os.LookupEnv("DATALITH_FILE_READ_BUFFER_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FileReadBufferSize = n
		}
	}
	if v, ok := os.LookupEnv("DATALITH_TEMPORARY_FILE_LIFESPAN_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TemporaryFileLifespan = time.Duration(n) * time.Second
		}
	}
	if v, ok := os.LookupEnv("DATALITH_MAX_IMAGE_RESOLUTION"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxImageResolution = n
		}
	}
	if v, ok := os.LookupEnv("DATALITH_MAX_IMAGE_RESOLUTION_MULTIPLIER"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxImageResolutionMultiplier = n
		}
	}
	return cfg
}
