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

// SchemaVersion is the current application schema version, stored in
// sys_db_information under the "version" key. Bumping it requires adding a
// branch to migrate.
const SchemaVersion = 1

const infoTableName = "sys_db_information"

// schemaStatements creates every table at SchemaVersion 1. Each entry is
// executed independently inside the bootstrap transaction.
var schemaStatements = []string{
	`CREATE TABLE ` + infoTableName + ` (
		key   TEXT PRIMARY KEY NOT NULL,
		value TEXT
	)`,
	`CREATE TABLE files (
		id         BLOB PRIMARY KEY NOT NULL,
		hash       BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		file_size  INTEGER NOT NULL,
		file_type  TEXT NOT NULL,
		file_name  TEXT NOT NULL,
		expired_at INTEGER NULL,
		count      INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX idx_files_hash ON files (hash)`,
	`CREATE INDEX idx_files_expired_at ON files (expired_at)`,
	`CREATE TABLE resources (
		id         BLOB PRIMARY KEY NOT NULL,
		created_at INTEGER NOT NULL,
		file_name  TEXT NOT NULL,
		file_type  TEXT NOT NULL,
		file_id    BLOB NOT NULL REFERENCES files(id)
	)`,
	`CREATE INDEX idx_resources_file_id ON resources (file_id)`,
	`CREATE TABLE images (
		id                BLOB PRIMARY KEY NOT NULL,
		created_at        INTEGER NOT NULL,
		image_stem        TEXT NOT NULL,
		image_width       INTEGER NOT NULL,
		image_height      INTEGER NOT NULL,
		original_file_id  BLOB NULL REFERENCES files(id),
		has_alpha_channel INTEGER NOT NULL
	)`,
	`CREATE TABLE image_thumbnails (
		image_id  BLOB NOT NULL REFERENCES images(id),
		multiplier INTEGER NOT NULL,
		fallback   INTEGER NOT NULL,
		file_id    BLOB NOT NULL REFERENCES files(id)
	)`,
	`CREATE INDEX idx_image_thumbnails_image_id ON image_thumbnails (image_id)`,
	`CREATE INDEX idx_image_thumbnails_file_id ON image_thumbnails (file_id)`,
}
