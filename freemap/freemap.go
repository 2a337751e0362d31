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

// Package freemap tracks which sectors of the device are allocated. The
// map is a bitmap held in memory and persisted through the buffer cache:
// a header in sector 0 followed by the bitmap itself in the sectors
// immediately after the root directory's inode.
package freemap

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/bitset"
	"github.com/jacobsa/syncutil"

	"github.com/jacobsa/blockfs/blockdev"
	"github.com/jacobsa/blockfs/buffercache"
)

// Magic identifies sector 0 as a free-map header.
const Magic = 0x464d4150

// HeaderSector is where the header lives.
const HeaderSector = 0

// bitmapStartSector is the first sector of the on-disk bitmap. Sector 1 is
// reserved for the root directory's inode.
const bitmapStartSector = 2

const bitsPerSector = blockdev.SectorSize * 8

// ErrNoSpace is returned by Allocate when no suitable run of free sectors
// exists.
var ErrNoSpace = fmt.Errorf("free map: no space")

// Map is the in-memory free-sector bitmap. Bit set means allocated.
type Map struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cache *buffercache.Cache

	/////////////////////////
	// Constant data
	/////////////////////////

	// Total sectors tracked.
	sectorCount uint32

	// Sectors occupied by the on-disk bitmap.
	bitmapSectors uint32

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The bitmap, in bitset layout.
	//
	// INVARIANT: Bits for the header, root inode and bitmap sectors are set.
	// INVARIANT: No bit at index >= sectorCount is set.
	words []uintptr // GUARDED_BY(mu)
}

// Format initializes a fresh free map for a device of the given size,
// marking the file system's own metadata sectors allocated, and writes it
// out through the cache. The device must hold at least enough sectors for
// the header, the root inode, and the bitmap.
func Format(cache *buffercache.Cache, sectorCount uint32) (*Map, error) {
	bitmapSectors := (sectorCount + bitsPerSector - 1) / bitsPerSector
	if bitmapStartSector+bitmapSectors >= sectorCount {
		return nil, fmt.Errorf(
			"device of %d sectors too small for its free map",
			sectorCount)
	}

	m := newMap(cache, sectorCount, bitmapSectors)

	// Header, root inode, and the bitmap itself are permanently allocated.
	// No lock: the map hasn't been published yet.
	bitset.SetInterval(m.words, 0, int(bitmapStartSector+bitmapSectors))

	m.Flush()
	return m, nil
}

// Open loads an existing free map through the cache, validating the
// header.
func Open(cache *buffercache.Cache) (*Map, error) {
	var buf [blockdev.SectorSize]byte
	cache.Read(HeaderSector, buf[:])

	magic := binary.LittleEndian.Uint32(buf[0:])
	if magic != Magic {
		return nil, fmt.Errorf(
			"free map header magic 0x%08x; want 0x%08x",
			magic,
			Magic)
	}

	sectorCount := binary.LittleEndian.Uint32(buf[4:])
	bitmapSectors := binary.LittleEndian.Uint32(buf[8:])

	if sectorCount > cache.SectorCount() ||
		bitmapSectors != (sectorCount+bitsPerSector-1)/bitsPerSector {
		return nil, fmt.Errorf(
			"free map header inconsistent: %d sectors, %d bitmap sectors",
			sectorCount,
			bitmapSectors)
	}

	m := newMap(cache, sectorCount, bitmapSectors)

	// No lock: the map hasn't been published yet.
	var sector [blockdev.SectorSize]byte
	for i := uint32(0); i < bitmapSectors; i++ {
		cache.Read(bitmapStartSector+i, sector[:])
		wordsPerSector := blockdev.SectorSize / 8
		for j := 0; j < wordsPerSector; j++ {
			w := binary.LittleEndian.Uint64(sector[j*8:])
			m.words[int(i)*wordsPerSector+j] = uintptr(w)
		}
	}

	return m, nil
}

func newMap(
	cache *buffercache.Cache,
	sectorCount uint32,
	bitmapSectors uint32) *Map {
	// Whole sectors' worth of words, so that serialization transfers full
	// sectors without a partial tail.
	words := int(bitmapSectors) * blockdev.SectorSize / 8

	m := &Map{
		cache:         cache,
		sectorCount:   sectorCount,
		bitmapSectors: bitmapSectors,
		words:         make([]uintptr, words),
	}

	// The mutex checks the invariants as soon as it is built, so the
	// metadata sectors must already be marked allocated.
	bitset.SetInterval(m.words, 0, int(bitmapStartSector+bitmapSectors))

	m.mu = syncutil.NewInvariantMutex(m.checkInvariants)
	return m
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (m *Map) checkInvariants() {
	// INVARIANT: Bits for the header, root inode and bitmap sectors are set.
	for i := 0; i < int(bitmapStartSector+m.bitmapSectors); i++ {
		if !bitset.Test(m.words, i) {
			panic(fmt.Sprintf("metadata sector %d marked free", i))
		}
	}

	// INVARIANT: No bit at index >= sectorCount is set.
	for i := int(m.sectorCount); i < len(m.words)*bitset.BitsPerWord; i++ {
		if bitset.Test(m.words, i) {
			panic(fmt.Sprintf("bit set beyond device: %d", i))
		}
	}
}

// LOCKS_REQUIRED(m.mu) once the map is published
func (m *Map) flushLocked() {
	var buf [blockdev.SectorSize]byte
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], m.sectorCount)
	binary.LittleEndian.PutUint32(buf[8:], m.bitmapSectors)
	m.cache.Write(HeaderSector, buf[:])

	wordsPerSector := blockdev.SectorSize / 8
	for i := uint32(0); i < m.bitmapSectors; i++ {
		for j := 0; j < wordsPerSector; j++ {
			w := m.words[int(i)*wordsPerSector+j]
			binary.LittleEndian.PutUint64(buf[j*8:], uint64(w))
		}

		m.cache.Write(bitmapStartSector+i, buf[:])
	}
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Allocate reserves n consecutive free sectors, returning the first. n
// must be positive. Returns ErrNoSpace when no such run exists.
func (m *Map) Allocate(n uint32) (uint32, error) {
	if n == 0 {
		panic("Allocate: zero count")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run := uint32(0)
	for s := uint32(0); s < m.sectorCount; s++ {
		if bitset.Test(m.words, int(s)) {
			run = 0
			continue
		}

		run++
		if run == n {
			first := s - n + 1
			bitset.SetInterval(m.words, int(first), int(s+1))
			return first, nil
		}
	}

	return 0, ErrNoSpace
}

// Release marks n sectors starting at the given one free again.
//
// REQUIRES: The sectors are currently allocated, and are not the file
// system's own metadata sectors.
func (m *Map) Release(sector uint32, n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sector < bitmapStartSector+m.bitmapSectors ||
		sector+n > m.sectorCount {
		panic(fmt.Sprintf("Release of [%d, %d)", sector, sector+n))
	}

	for i := uint32(0); i < n; i++ {
		if !bitset.Test(m.words, int(sector+i)) {
			panic(fmt.Sprintf("Release of free sector %d", sector+i))
		}

		bitset.Clear(m.words, int(sector+i))
	}
}

// Test reports whether the given sector is allocated.
func (m *Map) Test(sector uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return bitset.Test(m.words, int(sector))
}

// FreeCount returns the number of free sectors remaining.
func (m *Map) FreeCount() (n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for s := uint32(0); s < m.sectorCount; s++ {
		if !bitset.Test(m.words, int(s)) {
			n++
		}
	}

	return
}

// SectorCount returns the total number of sectors tracked.
func (m *Map) SectorCount() uint32 {
	return m.sectorCount
}

// Flush writes the header and bitmap through the cache. The cache itself
// is not flushed.
func (m *Map) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushLocked()
}
