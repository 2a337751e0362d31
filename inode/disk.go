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
	"encoding/binary"
	"fmt"

	"github.com/jacobsa/blockfs/blockdev"
)

// Magic identifies a sector as holding an inode.
const Magic = 0x494e4f44

// DirectCount is the number of direct sector pointers in an inode.
const DirectCount = 12

// PointersPerSector is the number of sector pointers in an indirect block.
const PointersPerSector = blockdev.SectorSize / 4

const (
	// Highest data sector index served by each tier, exclusive.
	directLimit = DirectCount
	singleLimit = directLimit + PointersPerSector
	doubleLimit = singleLimit + PointersPerSector*PointersPerSector
)

// MaxLength is the largest representable file, in bytes.
const MaxLength = doubleLimit * blockdev.SectorSize

// Kind distinguishes regular files from directories.
type Kind int32

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	}

	return fmt.Sprintf("Kind(%d)", int32(k))
}

// The persistent half of an inode. Marshals to exactly one sector:
//
//	offset  0: direct pointers (12 × u32)
//	offset 48: single-indirect pointer
//	offset 52: double-indirect pointer
//	offset 56: reserved
//	offset 60: kind
//	offset 64: length
//	offset 68: magic
//	offset 72: zero padding to the end of the sector
//
// All fields little-endian. A pointer of zero means "not allocated";
// sector zero holds the free-map header and can never back file data.
type diskInode struct {
	direct         [DirectCount]uint32
	indirect       uint32
	doubleIndirect uint32
	kind           Kind
	length         int64
}

func (d *diskInode) marshal(buf []byte) {
	if len(buf) != blockdev.SectorSize {
		panic(fmt.Sprintf("marshal: buffer is %d bytes", len(buf)))
	}

	for i := range buf {
		buf[i] = 0
	}

	for i, p := range d.direct {
		binary.LittleEndian.PutUint32(buf[4*i:], p)
	}

	binary.LittleEndian.PutUint32(buf[48:], d.indirect)
	binary.LittleEndian.PutUint32(buf[52:], d.doubleIndirect)
	binary.LittleEndian.PutUint32(buf[60:], uint32(d.kind))
	binary.LittleEndian.PutUint32(buf[64:], uint32(d.length))
	binary.LittleEndian.PutUint32(buf[68:], Magic)
}

func (d *diskInode) unmarshal(buf []byte) error {
	if len(buf) != blockdev.SectorSize {
		panic(fmt.Sprintf("unmarshal: buffer is %d bytes", len(buf)))
	}

	if m := binary.LittleEndian.Uint32(buf[68:]); m != Magic {
		return fmt.Errorf("inode magic 0x%08x; want 0x%08x", m, Magic)
	}

	for i := range d.direct {
		d.direct[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}

	d.indirect = binary.LittleEndian.Uint32(buf[48:])
	d.doubleIndirect = binary.LittleEndian.Uint32(buf[52:])
	d.kind = Kind(int32(binary.LittleEndian.Uint32(buf[60:])))
	d.length = int64(int32(binary.LittleEndian.Uint32(buf[64:])))

	if d.length < 0 || d.length > MaxLength {
		return fmt.Errorf("inode length %d out of range", d.length)
	}

	return nil
}

// An indirect block: one sector of sector pointers.
type indirectBlock [PointersPerSector]uint32

func (b *indirectBlock) marshal(buf []byte) {
	if len(buf) != blockdev.SectorSize {
		panic(fmt.Sprintf("marshal: buffer is %d bytes", len(buf)))
	}

	for i, p := range b {
		binary.LittleEndian.PutUint32(buf[4*i:], p)
	}
}

func (b *indirectBlock) unmarshal(buf []byte) {
	if len(buf) != blockdev.SectorSize {
		panic(fmt.Sprintf("unmarshal: buffer is %d bytes", len(buf)))
	}

	for i := range b {
		b[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
}

// sectorsForLength returns the number of data sectors needed to back a
// file of the given length.
func sectorsForLength(length int64) int {
	return int((length + blockdev.SectorSize - 1) / blockdev.SectorSize)
}
