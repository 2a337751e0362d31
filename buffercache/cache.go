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

// Package buffercache implements a fixed-capacity write-back cache of
// device sectors with second-chance ("clock") eviction. The cache is the
// sole component that touches the block device: all persistent state in
// the file system flows through it.
package buffercache

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"github.com/jacobsa/blockfs/blockdev"
)

// DefaultSlotCount is the cache capacity used when the caller doesn't
// choose one.
const DefaultSlotCount = 64

type slot struct {
	// Does this slot hold a valid sector?
	inUse bool

	// Do the slot's contents differ from the device's?
	//
	// INVARIANT: !dirty || inUse
	dirty bool

	// Reference bit for the clock hand. Set on every touch, cleared only
	// by the sweep.
	referenced bool

	// Which sector this slot caches. Meaningless unless inUse.
	sector uint32

	data [blockdev.SectorSize]byte
}

// Cache caches sectors of a single device.
//
// External synchronization is not required; a single mutex serializes all
// operations, including the device I/O they perform. (The device is
// synchronous, so there is never an in-flight read to protect a slot
// from; the referenced bit is purely the clock algorithm's state.)
type Cache struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev blockdev.Device

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// INVARIANT: No two inUse slots share a sector.
	// INVARIANT: For each slot s, !s.dirty || s.inUse
	slots []slot // GUARDED_BY(mu)

	// The clock hand.
	//
	// INVARIANT: 0 <= hand < len(slots)
	hand int // GUARDED_BY(mu)
}

// New creates a cache over dev with the given number of slots. numSlots
// must be positive.
func New(dev blockdev.Device, numSlots int) *Cache {
	if numSlots <= 0 {
		panic(fmt.Sprintf("non-positive slot count: %d", numSlots))
	}

	c := &Cache{
		dev:   dev,
		slots: make([]slot, numSlots),
	}

	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (c *Cache) checkInvariants() {
	// INVARIANT: No two inUse slots share a sector.
	seen := make(map[uint32]int)
	for i := range c.slots {
		s := &c.slots[i]
		if !s.inUse {
			continue
		}

		if j, ok := seen[s.sector]; ok {
			panic(fmt.Sprintf(
				"sector %d cached by slots %d and %d",
				s.sector,
				j,
				i))
		}

		seen[s.sector] = i
	}

	// INVARIANT: For each slot s, !s.dirty || s.inUse
	for i := range c.slots {
		s := &c.slots[i]
		if s.dirty && !s.inUse {
			panic(fmt.Sprintf("slot %d dirty but not in use", i))
		}
	}

	// INVARIANT: 0 <= hand < len(slots)
	if c.hand < 0 || c.hand >= len(c.slots) {
		panic(fmt.Sprintf("hand %d out of range", c.hand))
	}
}

// Find the slot caching the given sector, or nil.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) lookup(sector uint32) *slot {
	for i := range c.slots {
		s := &c.slots[i]
		if s.inUse && s.sector == sector {
			return s
		}
	}

	return nil
}

// Choose a slot to hold a newly-admitted sector, flushing and invalidating
// a victim if every slot is occupied. On return the slot is not inUse.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) evict() *slot {
	// Prefer a slot that isn't holding anything.
	for i := range c.slots {
		if !c.slots[i].inUse {
			return &c.slots[i]
		}
	}

	// Sweep: a referenced slot gets a second chance; the sweep terminates
	// because it clears each bit it passes.
	for c.slots[c.hand].referenced {
		c.slots[c.hand].referenced = false
		c.hand = (c.hand + 1) % len(c.slots)
	}

	victim := &c.slots[c.hand]
	if victim.dirty {
		c.flushSlot(victim)
	}

	victim.inUse = false
	return victim
}

// Write a dirty slot's contents back to the device.
//
// REQUIRES: s.inUse && s.dirty
// LOCKS_REQUIRED(c.mu)
func (c *Cache) flushSlot(s *slot) {
	if !s.inUse || !s.dirty {
		panic("flushSlot on a clean or unused slot")
	}

	if err := c.dev.WriteSector(s.sector, s.data[:]); err != nil {
		panic(fmt.Sprintf("device write of sector %d: %v", s.sector, err))
	}

	s.dirty = false
}

// Ensure the given sector is resident, admitting it if necessary, and
// return its slot.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) admit(sector uint32) *slot {
	s := c.lookup(sector)
	if s == nil {
		s = c.evict()
		if err := c.dev.ReadSector(sector, s.data[:]); err != nil {
			panic(fmt.Sprintf("device read of sector %d: %v", sector, err))
		}

		s.inUse = true
		s.dirty = false
		s.sector = sector
	}

	return s
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Read copies the contents of the given sector into dst, which must be
// SectorSize bytes long. Served from the cache when resident; otherwise
// the sector is admitted, evicting a victim if needed.
func (c *Cache) Read(sector uint32, dst []byte) {
	if len(dst) != blockdev.SectorSize {
		panic(fmt.Sprintf("Read: buffer is %d bytes", len(dst)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.admit(sector)
	s.referenced = true
	copy(dst, s.data[:])
}

// Write copies src, which must be SectorSize bytes long, into the cache
// slot for the given sector and marks it dirty. The device is not touched
// until the slot is evicted or flushed.
//
// The whole sector is overwritten, so a sector not already resident is
// admitted without a device read.
func (c *Cache) Write(sector uint32, src []byte) {
	if len(src) != blockdev.SectorSize {
		panic(fmt.Sprintf("Write: buffer is %d bytes", len(src)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.lookup(sector)
	if s == nil {
		s = c.evict()
		s.inUse = true
		s.sector = sector
	}

	s.referenced = true
	s.dirty = true
	copy(s.data[:], src)
}

// Flush writes every dirty slot back to the device. The cache remains
// usable afterward; resident sectors stay resident.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		s := &c.slots[i]
		if s.inUse && s.dirty {
			c.flushSlot(s)
		}
	}
}

// SectorCount returns the size of the underlying device.
func (c *Cache) SectorCount() uint32 {
	return c.dev.SectorCount()
}
