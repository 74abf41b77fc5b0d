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
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// guardPollInterval is the fixed backoff used by every spin-wait in the
// registry. There is no condition variable anywhere in this package: every
// in-flight mutation registers itself in a set, and every observer polls
// that set at this interval.
const guardPollInterval = 10 * time.Millisecond

// guardRegistry holds the three process-wide sets that serialise concurrent
// access to files by hash or id.
type guardRegistry struct {
	uploadingMu sync.Mutex
	uploading   map[[32]byte]struct{}

	openingMu sync.Mutex
	opening   map[uuid.UUID]int

	deletingMu sync.Mutex
	deleting   map[uuid.UUID]struct{}
}

func newGuardRegistry() *guardRegistry {
	return &guardRegistry{
		uploading: make(map[[32]byte]struct{}),
		opening:   make(map[uuid.UUID]int),
		deleting:  make(map[uuid.UUID]struct{}),
	}
}

// putGuard serialises puts that would deduplicate to the same payload hash.
type putGuard struct {
	registry *guardRegistry
	hash     [32]byte
}

func (g *guardRegistry) acquirePut(hash [32]byte) *putGuard {
	for {
		g.uploadingMu.Lock()
		if _, busy := g.uploading[hash]; !busy {
			g.uploading[hash] = struct{}{}
			g.uploadingMu.Unlock()
			break
		}
		g.uploadingMu.Unlock()
		time.Sleep(guardPollInterval)
	}
	return &putGuard{registry: g, hash: hash}
}

func (g *putGuard) Release() {
	g.registry.uploadingMu.Lock()
	delete(g.registry.uploading, g.hash)
	g.registry.uploadingMu.Unlock()
}

// openGuard pins an id so the sweeper and deletes leave its blob alone.
// Acquiring one never blocks; many readers may hold one concurrently.
type openGuard struct {
	registry *guardRegistry
	id       uuid.UUID
}

func (g *guardRegistry) acquireOpen(id uuid.UUID) *openGuard {
	g.openingMu.Lock()
	g.opening[id]++
	g.openingMu.Unlock()
	return &openGuard{registry: g, id: id}
}

func (g *openGuard) Release() {
	g.registry.openingMu.Lock()
	defer g.registry.openingMu.Unlock()
	n := g.registry.opening[g.id]
	if n <= 1 {
		delete(g.registry.opening, g.id)
	} else {
		g.registry.opening[g.id] = n - 1
	}
}

func (g *guardRegistry) isOpening(id uuid.UUID) bool {
	g.openingMu.Lock()
	defer g.openingMu.Unlock()
	_, ok := g.opening[id]
	return ok
}

func (g *guardRegistry) waitWhileOpening(id uuid.UUID) {
	for g.isOpening(id) {
		time.Sleep(guardPollInterval)
	}
}

// deleteGuard serialises deletions of the same id.
type deleteGuard struct {
	registry *guardRegistry
	id       uuid.UUID
}

func (g *guardRegistry) acquireDelete(id uuid.UUID) *deleteGuard {
	for {
		g.deletingMu.Lock()
		if _, busy := g.deleting[id]; !busy {
			g.deleting[id] = struct{}{}
			g.deletingMu.Unlock()
			break
		}
		g.deletingMu.Unlock()
		time.Sleep(guardPollInterval)
	}
	return &deleteGuard{registry: g, id: id}
}

func (g *deleteGuard) Release() {
	g.registry.deletingMu.Lock()
	delete(g.registry.deleting, g.id)
	g.registry.deletingMu.Unlock()
}

func (g *guardRegistry) isDeleting(id uuid.UUID) bool {
	g.deletingMu.Lock()
	defer g.deletingMu.Unlock()
	_, ok := g.deleting[id]
	return ok
}

func (g *guardRegistry) waitWhileDeleting(id uuid.UUID) {
	for g.isDeleting(id) {
		time.Sleep(guardPollInterval)
	}
}

// acquireDeleteBatch atomically marks every id in ids as deleting, blocking
// until none of them are already being deleted by someone else. Used by the
// image engine, which must delete several files' rows under one guard set.
func (g *guardRegistry) acquireDeleteBatch(ids []uuid.UUID) []*deleteGuard {
	for {
		g.deletingMu.Lock()
		busy := false
		for _, id := range ids {
			if _, ok := g.deleting[id]; ok {
				busy = true
				break
			}
		}
		if !busy {
			guards := make([]*deleteGuard, len(ids))
			for i, id := range ids {
				g.deleting[id] = struct{}{}
				guards[i] = &deleteGuard{registry: g, id: id}
			}
			g.deletingMu.Unlock()
			return guards
		}
		g.deletingMu.Unlock()
		time.Sleep(guardPollInterval)
	}
}

func releaseAll(guards []*deleteGuard) {
	for _, g := range guards {
		g.Release()
	}
}

// temporaryFileGuard unlinks a staging file on release unless the caller
// marks it moved (because ownership of the inode passed to the files
// directory via rename).
type temporaryFileGuard struct {
	path  string
	moved bool
}

func newTemporaryFileGuard(path string) *temporaryFileGuard {
	return &temporaryFileGuard{path: path}
}

func (g *temporaryFileGuard) setMoved() { g.moved = true }

func (g *temporaryFileGuard) Release() {
	if !g.moved {
		os.Remove(g.path)
	}
}
