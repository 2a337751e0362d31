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
	"fmt"
	"io"
	"time"

	"github.com/jacobsa/blockfs/blockdev"
)

// Inode is the in-memory face of one on-disk inode. Obtain one from
// Registry.Open; there is at most one per disk sector at a time.
//
// Bookkeeping fields are guarded by the registry's lock. The data paths
// (ReadAt, WriteAt) and the disk copy they mutate are serialized by the
// file-system-wide lock that every top-level operation holds.
type Inode struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	registry *Registry

	// Disk location of the on-disk inode.
	sector uint32

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Number of outstanding openers. The registry drops the inode, and
	// deallocates its sectors if removed, when this reaches zero.
	openCount int // GUARDED_BY(registry.mu)

	// Deallocate on final close?
	removed bool // GUARDED_BY(registry.mu)

	// While positive, WriteAt refuses to run. Used to keep executables
	// immutable while they run.
	//
	// INVARIANT: 0 <= denyWriteCount <= openCount
	denyWriteCount int // GUARDED_BY(registry.mu)

	// The cached copy of the on-disk inode. Re-persisted after any
	// metadata change, before the mutating operation returns.
	disk diskInode

	// In-memory only; not persisted.
	atime time.Time
	mtime time.Time
}

////////////////////////////////////////////////////////////////////////
// Metadata
////////////////////////////////////////////////////////////////////////

// Sector returns the disk location of the inode.
func (in *Inode) Sector() uint32 {
	return in.sector
}

// Length returns the file's length in bytes.
func (in *Inode) Length() int64 {
	return in.disk.length
}

// Kind returns whether the inode is a file or a directory.
func (in *Inode) Kind() Kind {
	return in.disk.kind
}

// IsDir is shorthand for Kind() == KindDirectory.
func (in *Inode) IsDir() bool {
	return in.disk.kind == KindDirectory
}

// ModTime returns the last time this incarnation of the inode was written.
func (in *Inode) ModTime() time.Time {
	return in.mtime
}

// AccessTime returns the last time this incarnation of the inode was read.
func (in *Inode) AccessTime() time.Time {
	return in.atime
}

////////////////////////////////////////////////////////////////////////
// Lifecycle
////////////////////////////////////////////////////////////////////////

// Close drops one reference. On the final close of a removed inode, all
// of its data and index sectors and the inode sector itself are released
// to the free map.
func (in *Inode) Close() {
	in.registry.closeInode(in)
}

// Remove marks the inode for deallocation on final close. Open handles
// keep working until then.
func (in *Inode) Remove() {
	in.registry.removeInode(in)
}

// DenyWrite forbids writes until a matching AllowWrite. May be called at
// most once per opener.
func (in *Inode) DenyWrite() {
	in.registry.denyWrite(in)
}

// AllowWrite undoes one DenyWrite.
func (in *Inode) AllowWrite() {
	in.registry.allowWrite(in)
}

////////////////////////////////////////////////////////////////////////
// Data
////////////////////////////////////////////////////////////////////////

// ReadAt reads up to len(p) bytes starting at byte offset off, stopping
// at end of file. Returns io.EOF when fewer than len(p) bytes were read
// because the file ended. See the documentation for io.ReaderAt.
func (in *Inode) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("ReadAt: negative offset %d", off)
	}

	var bounce [blockdev.SectorSize]byte
	for n < len(p) {
		if off >= in.disk.length {
			err = io.EOF
			break
		}

		sectorOff := int(off % blockdev.SectorSize)

		// Stop at the end of the sector or the end of the file, whichever
		// is nearer.
		chunk := blockdev.SectorSize - sectorOff
		if rest := in.disk.length - off; int64(chunk) > rest {
			chunk = int(rest)
		}

		if chunk > len(p)-n {
			chunk = len(p) - n
		}

		sector := in.registry.sectorForOffset(&in.disk, off)
		if sector == 0 {
			panic(fmt.Sprintf(
				"inode %d: no sector backing offset %d within length %d",
				in.sector,
				off,
				in.disk.length))
		}

		if sectorOff == 0 && chunk == blockdev.SectorSize {
			// A full sector straight into the caller's buffer.
			in.registry.cache.Read(sector, p[n:n+blockdev.SectorSize])
		} else {
			in.registry.cache.Read(sector, bounce[:])
			copy(p[n:n+chunk], bounce[sectorOff:sectorOff+chunk])
		}

		n += chunk
		off += int64(chunk)
	}

	in.atime = in.registry.clock.Now()
	return
}

// WriteAt writes len(p) bytes starting at byte offset off, growing the
// file first if the write extends past its current length. Newly covered
// sectors, including any skipped over by a write far past the end, are
// allocated and zero-filled.
//
// Returns ErrReadOnly (and writes nothing) while writes are denied, and
// ErrNoSpace (likewise writing nothing) when the free map cannot back the
// growth. A write that needs no growth cannot fail.
func (in *Inode) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("WriteAt: negative offset %d", off)
	}

	if in.registry.writesDenied(in) {
		return 0, ErrReadOnly
	}

	if len(p) == 0 {
		return 0, nil
	}

	// Grow if needed: reserve the new sectors first, then persist the new
	// length. The reservation is all-or-nothing, so a failed grow leaves
	// the inode exactly as it was.
	if newLen := off + int64(len(p)); newLen > in.disk.length {
		if newLen > MaxLength {
			return 0, fmt.Errorf("WriteAt: length %d exceeds maximum", newLen)
		}

		if err = in.registry.allocate(&in.disk, newLen); err != nil {
			return 0, fmt.Errorf("allocate: %w", err)
		}

		in.disk.length = newLen
		in.persist()
	}

	var bounce [blockdev.SectorSize]byte
	for n < len(p) {
		sectorOff := int(off % blockdev.SectorSize)

		chunk := blockdev.SectorSize - sectorOff
		if chunk > len(p)-n {
			chunk = len(p) - n
		}

		sector := in.registry.sectorForOffset(&in.disk, off)
		if sector == 0 {
			panic(fmt.Sprintf(
				"inode %d: no sector backing offset %d within length %d",
				in.sector,
				off,
				in.disk.length))
		}

		if sectorOff == 0 && chunk == blockdev.SectorSize {
			// A full sector straight from the caller's buffer.
			in.registry.cache.Write(sector, p[n:n+blockdev.SectorSize])
		} else {
			// Keep whatever live bytes surround the chunk.
			in.registry.cache.Read(sector, bounce[:])
			copy(bounce[sectorOff:sectorOff+chunk], p[n:n+chunk])
			in.registry.cache.Write(sector, bounce[:])
		}

		n += chunk
		off += int64(chunk)
	}

	in.mtime = in.registry.clock.Now()
	return
}

// Persist the disk copy through the cache.
func (in *Inode) persist() {
	var buf [blockdev.SectorSize]byte
	in.disk.marshal(buf[:])
	in.registry.cache.Write(in.sector, buf[:])
}
