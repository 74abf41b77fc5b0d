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
	"encoding/hex"
	"os"
	"time"

	"github.com/google/uuid"
)

// hex32 renders id as the 32 lowercase hex characters used for blob file
// names, matching the original's zero-padded lowercase hex encoding.
func hex32(id uuid.UUID) string {
	var buf [32]byte
	hex.Encode(buf[:], id[:])
	return string(buf[:])
}

// File is a handle onto a stored payload: its identity, its content hash,
// declared metadata, and whether it is temporary. It carries no open file
// descriptor; content is read through the Reader that GetByID returns.
type File struct {
	ID        uuid.UUID
	Hash      [32]byte
	FileName  string
	FileType  string
	FileSize  uint64
	CreatedAt time.Time
	ExpiredAt *time.Time

	isNew bool
}

// IsTemporary reports whether this handle refers to a single-shot temporary
// file rather than a permanent, reference-counted one.
func (f *File) IsTemporary() bool { return f.ExpiredAt != nil }

// IsNew reports whether Put created a fresh row (true) or the payload
// deduplicated against an existing permanent file (false). Only meaningful
// on the File returned directly by a Put call.
func (f *File) IsNew() bool { return f.isNew }

// HashHex returns the lowercase hex encoding of the payload's SHA-256 hash.
func (f *File) HashHex() string { return hex.EncodeToString(f.Hash[:]) }

// Reader streams a stored payload's bytes. Release (via Close) must be
// called exactly once to unpin the file from the guard registry.
type Reader struct {
	file  *os.File
	guard *openGuard
}

func (r *Reader) Read(p []byte) (int, error) { return r.file.Read(p) }

// Close releases the underlying descriptor and the open guard pinning the
// file against concurrent deletion.
func (r *Reader) Close() error {
	err := r.file.Close()
	if r.guard != nil {
		r.guard.Release()
	}
	return err
}
