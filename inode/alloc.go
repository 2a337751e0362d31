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

package inode

import (
	"errors"
	"fmt"

	"github.com/jacobsa/blockfs/blockdev"
	"github.com/jacobsa/blockfs/freemap"
)

var zeroSector [blockdev.SectorSize]byte

// A record of sectors reserved during one allocation attempt, so that a
// mid-sequence free-map failure can be unwound without leaking anything.
type reservation struct {
	fm      *freemap.Map
	sectors []uint32
}

// Reserve one sector and zero-fill it through the cache. Leaves dst
// untouched if it's already nonzero.
func (rv *reservation) reserve(r *Registry, dst *uint32) error {
	if *dst != 0 {
		return nil
	}

	s, err := rv.fm.Allocate(1)
	if err != nil {
		return err
	}

	rv.sectors = append(rv.sectors, s)
	r.cache.Write(s, zeroSector[:])

	*dst = s
	return nil
}

func (rv *reservation) rollBack() {
	for _, s := range rv.sectors {
		rv.fm.Release(s, 1)
	}

	rv.sectors = nil
}

// allocate reserves and zero-fills data sectors, and any index sectors
// they need, until d can back length bytes. Already-populated pointers
// are skipped, so growing a file is a matter of calling this again with a
// larger length.
//
// Index blocks are staged in memory and written through the cache only
// once every reservation has succeeded; on failure the free map is
// restored exactly and no pointer has been persisted, so a later attempt
// starts from the same state.
func (r *Registry) allocate(d *diskInode, length int64) error {
	sectors := sectorsForLength(length)
	if sectors > doubleLimit {
		return fmt.Errorf("%d sectors exceeds the index's reach", sectors)
	}

	rv := reservation{fm: r.fm}
	staged := d.direct // operate on a copy until everything is reserved
	indirect := d.indirect
	double := d.doubleIndirect

	err := func() error {
		// Direct tier.
		for i := 0; i < sectors && i < directLimit; i++ {
			if err := rv.reserve(r, &staged[i]); err != nil {
				return err
			}
		}

		// Single-indirect tier.
		var indirectBlk indirectBlock
		if sectors > directLimit {
			if err := r.stageIndirect(&rv, &indirect, &indirectBlk); err != nil {
				return err
			}

			for i := 0; i < sectors-directLimit && i < PointersPerSector; i++ {
				if err := rv.reserve(r, &indirectBlk[i]); err != nil {
					return err
				}
			}
		}

		// Double-indirect tier.
		var doubleBlk indirectBlock
		var subBlks []indirectBlock
		if sectors > singleLimit {
			if err := r.stageIndirect(&rv, &double, &doubleBlk); err != nil {
				return err
			}

			remaining := sectors - singleLimit
			for sub := 0; remaining > 0; sub++ {
				count := remaining
				if count > PointersPerSector {
					count = PointersPerSector
				}

				subBlks = append(subBlks, indirectBlock{})
				blk := &subBlks[len(subBlks)-1]
				if err := r.stageIndirect(&rv, &doubleBlk[sub], blk); err != nil {
					return err
				}

				for i := 0; i < count; i++ {
					if err := rv.reserve(r, &blk[i]); err != nil {
						return err
					}
				}

				remaining -= count
			}
		}

		// Everything reserved; persist the staged index blocks.
		var buf [blockdev.SectorSize]byte
		if sectors > directLimit {
			indirectBlk.marshal(buf[:])
			r.cache.Write(indirect, buf[:])
		}

		if sectors > singleLimit {
			for i := range subBlks {
				subBlks[i].marshal(buf[:])
				r.cache.Write(doubleBlk[i], buf[:])
			}

			doubleBlk.marshal(buf[:])
			r.cache.Write(double, buf[:])
		}

		d.direct = staged
		d.indirect = indirect
		d.doubleIndirect = double
		return nil
	}()

	if err != nil {
		rv.rollBack()
		if errors.Is(err, freemap.ErrNoSpace) {
			return ErrNoSpace
		}

		return err
	}

	return nil
}

// Stage an indirect block: reserve its sector if the pointer is still
// zero, otherwise load its current contents through the cache.
func (r *Registry) stageIndirect(
	rv *reservation,
	ptr *uint32,
	blk *indirectBlock) error {
	existing := *ptr != 0
	if err := rv.reserve(r, ptr); err != nil {
		return err
	}

	if existing {
		var buf [blockdev.SectorSize]byte
		r.cache.Read(*ptr, buf[:])
		blk.unmarshal(buf[:])
	}

	return nil
}

// deallocate releases every data sector reachable within d's length, then
// the index sectors themselves. The inode sector is the caller's to
// release.
//
// The tier bounds mirror sectorForOffset's mapping table.
func (r *Registry) deallocate(d *diskInode) {
	sectors := sectorsForLength(d.length)

	// Direct tier.
	for i := 0; i < sectors && i < directLimit; i++ {
		if d.direct[i] != 0 {
			r.fm.Release(d.direct[i], 1)
		}
	}

	// Single-indirect tier.
	if sectors > directLimit && d.indirect != 0 {
		var blk indirectBlock
		r.readIndirect(d.indirect, &blk)

		for i := 0; i < sectors-directLimit && i < PointersPerSector; i++ {
			if blk[i] != 0 {
				r.fm.Release(blk[i], 1)
			}
		}

		r.fm.Release(d.indirect, 1)
	}

	// Double-indirect tier.
	if sectors > singleLimit && d.doubleIndirect != 0 {
		var doubleBlk indirectBlock
		r.readIndirect(d.doubleIndirect, &doubleBlk)

		remaining := sectors - singleLimit
		for sub := 0; remaining > 0; sub++ {
			count := remaining
			if count > PointersPerSector {
				count = PointersPerSector
			}

			if doubleBlk[sub] != 0 {
				var blk indirectBlock
				r.readIndirect(doubleBlk[sub], &blk)

				for i := 0; i < count; i++ {
					if blk[i] != 0 {
						r.fm.Release(blk[i], 1)
					}
				}

				r.fm.Release(doubleBlk[sub], 1)
			}

			remaining -= count
		}

		r.fm.Release(d.doubleIndirect, 1)
	}
}

func (r *Registry) readIndirect(sector uint32, blk *indirectBlock) {
	var buf [blockdev.SectorSize]byte
	r.cache.Read(sector, buf[:])
	blk.unmarshal(buf[:])
}

// sectorForOffset maps a byte offset within the file to the data sector
// backing it, walking the index tiers:
//
//	index <  12: direct pointer
//	index < 140: single-indirect block entry
//	index < 16524: double-indirect, then single-indirect, then entry
//
// Returns zero when the offset is beyond the index's reach or the pointer
// on the path is unallocated.
func (r *Registry) sectorForOffset(d *diskInode, off int64) uint32 {
	if off < 0 {
		return 0
	}

	index := int(off / blockdev.SectorSize)

	switch {
	case index < directLimit:
		return d.direct[index]

	case index < singleLimit:
		if d.indirect == 0 {
			return 0
		}

		var blk indirectBlock
		r.readIndirect(d.indirect, &blk)
		return blk[index-directLimit]

	case index < doubleLimit:
		if d.doubleIndirect == 0 {
			return 0
		}

		var doubleBlk indirectBlock
		r.readIndirect(d.doubleIndirect, &doubleBlk)

		sub := doubleBlk[(index-singleLimit)/PointersPerSector]
		if sub == 0 {
			return 0
		}

		var blk indirectBlock
		r.readIndirect(sub, &blk)
		return blk[(index-singleLimit)%PointersPerSector]
	}

	return 0
}
