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

// Package directory implements directories as ordinary files whose
// contents are an array of fixed-width name → inode-sector entries.
// Lookup and insertion are linear scans; removal clears an entry's in-use
// byte and leaves the slot for reuse.
package directory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/jacobsa/blockfs/inode"
)

// NameMax is the longest permitted entry name, in bytes.
const NameMax = 14

// EntrySize is the width of one on-disk directory entry:
//
//	offset  0: in-use flag (u8)
//	offset  1: name, NUL-padded (NameMax+1 bytes)
//	offset 16: inode sector (u32)
//	offset 20: padding (u16)
const EntrySize = 22

// ErrExists is returned by Add when the name is already present.
var ErrExists = fmt.Errorf("directory: entry exists")

// ErrNotFound is returned when a named entry isn't present.
var ErrNotFound = fmt.Errorf("directory: entry not found")

// ErrNotEmpty is returned by Remove for a directory that still has
// entries.
var ErrNotEmpty = fmt.Errorf("directory: not empty")

// An Entry is one decoded directory entry.
type Entry struct {
	Name   string
	Sector uint32
}

// Dir provides directory operations over an inode of directory kind. It
// holds no state of its own beyond the inode; iteration cursors belong to
// the caller.
type Dir struct {
	in *inode.Inode
}

// New wraps the given inode.
//
// REQUIRES: in.IsDir()
func New(in *inode.Inode) *Dir {
	if !in.IsDir() {
		panic(fmt.Sprintf("sector %d is not a directory", in.Sector()))
	}

	return &Dir{in: in}
}

// CheckName reports whether name is legal as a directory entry: not
// empty, at most NameMax bytes, and free of slashes and NULs.
func CheckName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}

	if len(name) > NameMax {
		return fmt.Errorf("name %q longer than %d bytes", name, NameMax)
	}

	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("name %q contains illegal characters", name)
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func marshalEntry(buf []byte, name string, sector uint32) {
	for i := range buf[:EntrySize] {
		buf[i] = 0
	}

	buf[0] = 1
	copy(buf[1:1+NameMax], name)
	binary.LittleEndian.PutUint32(buf[16:], sector)
}

func unmarshalEntry(buf []byte) (e Entry, inUse bool) {
	if buf[0] == 0 {
		return
	}

	inUse = true
	name := buf[1 : 1+NameMax+1]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	e.Name = string(name)
	e.Sector = binary.LittleEndian.Uint32(buf[16:])
	return
}

// Number of entry slots currently backed by the directory file.
func (d *Dir) slotCount() int {
	return int(d.in.Length() / EntrySize)
}

// Read the slot at the given index.
//
// REQUIRES: 0 <= index < slotCount()
func (d *Dir) readSlot(index int) (Entry, bool) {
	var buf [EntrySize]byte
	n, err := d.in.ReadAt(buf[:], int64(index)*EntrySize)
	if n != EntrySize {
		panic(fmt.Sprintf(
			"directory %d: short read of slot %d: %v",
			d.in.Sector(),
			index,
			err))
	}

	return unmarshalEntry(buf[:])
}

// Find the slot holding the given name.
func (d *Dir) findSlot(name string) (index int, e Entry, ok bool) {
	for index = 0; index < d.slotCount(); index++ {
		if e, ok = d.readSlot(index); ok && e.Name == name {
			return
		}
	}

	ok = false
	return
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Inode returns the directory's backing inode.
func (d *Dir) Inode() *inode.Inode {
	return d.in
}

// Lookup scans for the given name, returning the inode sector it maps to.
func (d *Dir) Lookup(name string) (sector uint32, ok bool) {
	_, e, ok := d.findSlot(name)
	if ok {
		sector = e.Sector
	}

	return
}

// Add inserts an entry mapping name to the given inode sector, reusing a
// cleared slot when one exists and extending the directory file
// otherwise. Fails with ErrExists if the name is present.
func (d *Dir) Add(name string, sector uint32) error {
	if err := CheckName(name); err != nil {
		return fmt.Errorf("CheckName: %v", err)
	}

	// One scan finds both the name, if present, and the first free slot.
	free := -1
	for i := 0; i < d.slotCount(); i++ {
		e, ok := d.readSlot(i)
		if !ok {
			if free < 0 {
				free = i
			}

			continue
		}

		if e.Name == name {
			return ErrExists
		}
	}

	if free < 0 {
		free = d.slotCount()
	}

	var buf [EntrySize]byte
	marshalEntry(buf[:], name, sector)

	n, err := d.in.WriteAt(buf[:], int64(free)*EntrySize)
	if err != nil {
		return fmt.Errorf("WriteAt: %w", err)
	}

	if n != EntrySize {
		panic(fmt.Sprintf("directory %d: short write: %d", d.in.Sector(), n))
	}

	return nil
}

// Remove clears the entry with the given name and marks its inode for
// deallocation on final close. Removing a directory that still contains
// entries fails with ErrNotEmpty.
func (d *Dir) Remove(name string, r *inode.Registry) error {
	index, e, ok := d.findSlot(name)
	if !ok {
		return ErrNotFound
	}

	target := r.Open(e.Sector)
	defer target.Close()

	if target.IsDir() {
		td := New(target)
		if td.CountEntries() > 0 {
			return ErrNotEmpty
		}
	}

	var buf [EntrySize]byte // a zero in-use byte clears the slot
	n, err := d.in.WriteAt(buf[:], int64(index)*EntrySize)
	if err != nil {
		// The slot is backed by an allocated sector already.
		panic(fmt.Sprintf("directory %d: clear entry: %v", d.in.Sector(), err))
	}

	if n != EntrySize {
		panic(fmt.Sprintf("directory %d: short write: %d", d.in.Sector(), n))
	}

	target.Remove()
	return nil
}

// ReadEntry returns the in-use entry at or after the given slot index,
// along with the index to resume from next time. ok is false once the
// directory is exhausted.
func (d *Dir) ReadEntry(start int) (e Entry, next int, ok bool) {
	for i := start; i < d.slotCount(); i++ {
		if e, ok = d.readSlot(i); ok {
			next = i + 1
			return
		}
	}

	next = d.slotCount()
	return
}

// CountEntries returns the number of in-use entries.
func (d *Dir) CountEntries() (n int) {
	for i := 0; i < d.slotCount(); i++ {
		if _, ok := d.readSlot(i); ok {
			n++
		}
	}

	return
}
