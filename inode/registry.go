// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package inode implements the file system's inodes: one sector of
// persistent metadata per file, indexing its data sectors through twelve
// direct pointers, a single-indirect block, and a double-indirect block.
//
// An open-inode registry guarantees at most one in-memory inode per disk
// sector; opening an already-open sector returns the existing inode with
// its open count bumped. Deallocation of a removed inode's sectors is
// deferred to its final close.
package inode

import (
	"fmt"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/jacobsa/blockfs/blockdev"
	"github.com/jacobsa/blockfs/buffercache"
	"github.com/jacobsa/blockfs/freemap"
)

// ErrNoSpace is returned when the free map cannot supply the sectors an
// operation needs. Any sectors reserved before the shortfall have been
// released again.
var ErrNoSpace = fmt.Errorf("inode: no space")

// ErrReadOnly is returned by WriteAt while the inode's deny-write count is
// positive.
var ErrReadOnly = fmt.Errorf("inode: writes denied")

// Registry is the open-inode table. It hands out Inodes and is the only
// legal way to obtain one.
//
// The registry's lock protects the table and the per-inode bookkeeping
// fields (open count, removed flag, deny-write count). Inode data paths
// (ReadAt/WriteAt) are serialized by the file-system-wide lock above this
// package, not here.
type Registry struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cache *buffercache.Cache
	fm    *freemap.Map
	clock timeutil.Clock

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The collection of open inodes, keyed by inode sector.
	//
	// INVARIANT: For each key k, inodes[k].sector == k
	// INVARIANT: For each value in, in.openCount > 0
	// INVARIANT: For each value in, in.openCount >= in.denyWriteCount >= 0
	inodes map[uint32]*Inode // GUARDED_BY(mu)
}

// NewRegistry creates an empty registry over the given cache and free map.
func NewRegistry(
	cache *buffercache.Cache,
	fm *freemap.Map,
	clock timeutil.Clock) *Registry {
	r := &Registry{
		cache:  cache,
		fm:     fm,
		clock:  clock,
		inodes: make(map[uint32]*Inode),
	}

	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return r
}

func (r *Registry) checkInvariants() {
	for k, in := range r.inodes {
		if in.sector != k {
			panic(fmt.Sprintf("inode for sector %d keyed as %d", in.sector, k))
		}

		if in.openCount <= 0 {
			panic(fmt.Sprintf(
				"open inode %d with open count %d",
				k,
				in.openCount))
		}

		if in.denyWriteCount < 0 || in.denyWriteCount > in.openCount {
			panic(fmt.Sprintf(
				"inode %d: deny-write count %d, open count %d",
				k,
				in.denyWriteCount,
				in.openCount))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Create writes a fresh on-disk inode of the given kind at the given
// sector, reserving and zero-filling enough data sectors to back length
// bytes. The sector itself must already have been reserved by the caller.
//
// Nothing is recorded in the registry; open the sector afterward to use
// it. On ErrNoSpace every sector reserved by this call has been released.
func (r *Registry) Create(sector uint32, length int64, kind Kind) error {
	if length < 0 || length > MaxLength {
		return fmt.Errorf("inode length %d out of range", length)
	}

	d := diskInode{
		kind:   kind,
		length: length,
	}

	if err := r.allocate(&d, length); err != nil {
		return fmt.Errorf("allocate: %w", err)
	}

	var buf [blockdev.SectorSize]byte
	d.marshal(buf[:])
	r.cache.Write(sector, buf[:])

	return nil
}

// Open returns the in-memory inode for the given sector, loading it
// through the cache if it isn't already open, and bumps its open count.
//
// Panics if the sector doesn't hold an inode: the caller found the sector
// via a directory entry or as the file system's fixed root sector, so
// anything else is on-disk corruption.
func (r *Registry) Open(sector uint32) *Inode {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in, ok := r.inodes[sector]; ok {
		in.openCount++
		return in
	}

	var buf [blockdev.SectorSize]byte
	r.cache.Read(sector, buf[:])

	in := &Inode{
		registry:  r,
		sector:    sector,
		openCount: 1,
	}

	if err := in.disk.unmarshal(buf[:]); err != nil {
		panic(fmt.Sprintf("sector %d: %v", sector, err))
	}

	now := r.clock.Now()
	in.atime = now
	in.mtime = now

	r.inodes[sector] = in
	return in
}

// OpenCount returns the number of outstanding openers of the given
// sector, zero if it isn't open.
func (r *Registry) OpenCount(sector uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in, ok := r.inodes[sector]; ok {
		return in.openCount
	}

	return 0
}

////////////////////////////////////////////////////////////////////////
// Called by Inode
////////////////////////////////////////////////////////////////////////

func (r *Registry) closeInode(in *Inode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.openCount <= 0 {
		panic(fmt.Sprintf("close of inode %d with no openers", in.sector))
	}

	in.openCount--
	if in.openCount > 0 {
		return
	}

	delete(r.inodes, in.sector)

	if in.removed {
		r.deallocate(&in.disk)
		r.fm.Release(in.sector, 1)
	}
}

func (r *Registry) removeInode(in *Inode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in.removed = true
}

func (r *Registry) denyWrite(in *Inode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in.denyWriteCount++
	if in.denyWriteCount > in.openCount {
		panic(fmt.Sprintf(
			"inode %d: deny-write count %d exceeds open count %d",
			in.sector,
			in.denyWriteCount,
			in.openCount))
	}
}

func (r *Registry) allowWrite(in *Inode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.denyWriteCount <= 0 {
		panic(fmt.Sprintf("inode %d: allow-write with no denier", in.sector))
	}

	in.denyWriteCount--
}

func (r *Registry) writesDenied(in *Inode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return in.denyWriteCount > 0
}
