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

package inode_test

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"

	"github.com/jacobsa/blockfs/blockdev"
	"github.com/jacobsa/blockfs/buffercache"
	"github.com/jacobsa/blockfs/freemap"
	"github.com/jacobsa/blockfs/inode"
)

func TestInode(t *testing.T) { RunTests(t) }

func init() { syncutil.EnableInvariantChecking() }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

const sectorSize = blockdev.SectorSize

// Offsets at which the index changes tiers.
const (
	indirectStart       = 12 * sectorSize
	doubleIndirectStart = (12 + 128) * sectorSize
)

type env struct {
	dev      *blockdev.MemDevice
	cache    *buffercache.Cache
	fm       *freemap.Map
	registry *inode.Registry
}

func newEnv(sectors uint32, clock timeutil.Clock) (e env) {
	e.dev = blockdev.NewMemDevice(sectors)
	e.cache = buffercache.New(e.dev, buffercache.DefaultSlotCount)

	var err error
	e.fm, err = freemap.Format(e.cache, sectors)
	AssertEq(nil, err)

	e.registry = inode.NewRegistry(e.cache, e.fm, clock)
	return
}

// Reserve a sector and create a file inode on it.
func (e *env) createFile(length int64) *inode.Inode {
	sector, err := e.fm.Allocate(1)
	AssertEq(nil, err)

	AssertEq(nil, e.registry.Create(sector, length, inode.KindFile))
	return e.registry.Open(sector)
}

// The byte sequence i mod 251, n bytes long.
func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}

	return p
}

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type InodeTest struct {
	clock timeutil.SimulatedClock

	env
}

func init() { RegisterTestSuite(&InodeTest{}) }

func (t *InodeTest) SetUp(ti *TestInfo) {
	t.clock.SetTime(time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC))
	t.env = newEnv(2000, &t.clock)
}

////////////////////////////////////////////////////////////////////////
// Creation and the registry
////////////////////////////////////////////////////////////////////////

func (t *InodeTest) CreateEmptyFile() {
	in := t.createFile(0)
	defer in.Close()

	ExpectEq(0, in.Length())
	ExpectEq(inode.KindFile, in.Kind())
	ExpectFalse(in.IsDir())
}

func (t *InodeTest) CreateWithInitialSizeReadsAsZeros() {
	in := t.createFile(3000)
	defer in.Close()

	AssertEq(3000, in.Length())

	buf := make([]byte, 3000)
	n, err := in.ReadAt(buf, 0)

	AssertEq(3000, n)
	AssertEq(nil, err)
	ExpectThat(buf, DeepEquals(make([]byte, 3000)))
}

func (t *InodeTest) OpenReturnsTheSameInode() {
	in := t.createFile(0)
	defer in.Close()

	again := t.registry.Open(in.Sector())
	defer again.Close()

	AssertEq(in, again)
	ExpectEq(2, t.registry.OpenCount(in.Sector()))
}

func (t *InodeTest) CloseDropsTheRegistryEntry() {
	in := t.createFile(0)
	sector := in.Sector()

	in.Close()
	ExpectEq(0, t.registry.OpenCount(sector))

	// Reopening must load a fresh copy rather than explode.
	again := t.registry.Open(sector)
	defer again.Close()
	ExpectEq(1, t.registry.OpenCount(sector))
}

func (t *InodeTest) DirectoryKind() {
	sector, err := t.fm.Allocate(1)
	AssertEq(nil, err)

	AssertEq(nil, t.registry.Create(sector, 0, inode.KindDirectory))

	in := t.registry.Open(sector)
	defer in.Close()

	ExpectTrue(in.IsDir())
	ExpectEq(inode.KindDirectory, in.Kind())
}

////////////////////////////////////////////////////////////////////////
// Reading and writing
////////////////////////////////////////////////////////////////////////

func (t *InodeTest) WriteThenReadBack() {
	in := t.createFile(0)
	defer in.Close()

	n, err := in.WriteAt([]byte("hello"), 0)
	AssertEq(5, n)
	AssertEq(nil, err)
	AssertEq(5, in.Length())

	buf := make([]byte, 5)
	n, err = in.ReadAt(buf, 0)

	AssertEq(5, n)
	AssertEq(nil, err)
	ExpectEq("hello", string(buf))
}

func (t *InodeTest) ReadPastEndReturnsEOF() {
	in := t.createFile(0)
	defer in.Close()

	_, err := in.WriteAt([]byte("hello"), 0)
	AssertEq(nil, err)

	buf := make([]byte, 10)
	n, err := in.ReadAt(buf, 0)

	ExpectEq(5, n)
	ExpectEq(io.EOF, err)

	n, err = in.ReadAt(buf, 100)
	ExpectEq(0, n)
	ExpectEq(io.EOF, err)
}

func (t *InodeTest) UnalignedWritesKeepSurroundingBytes() {
	in := t.createFile(0)
	defer in.Close()

	full := bytes.Repeat([]byte("A"), sectorSize)
	_, err := in.WriteAt(full, 0)
	AssertEq(nil, err)

	_, err = in.WriteAt([]byte("xyz"), 100)
	AssertEq(nil, err)

	buf := make([]byte, sectorSize)
	n, err := in.ReadAt(buf, 0)
	AssertEq(sectorSize, n)
	AssertEq(nil, err)

	expected := bytes.Repeat([]byte("A"), sectorSize)
	copy(expected[100:], "xyz")
	ExpectThat(buf, DeepEquals(expected))
}

func (t *InodeTest) WriteSpanningSectors() {
	in := t.createFile(0)
	defer in.Close()

	p := pattern(3 * sectorSize)
	n, err := in.WriteAt(p, 200)
	AssertEq(len(p), n)
	AssertEq(nil, err)

	buf := make([]byte, len(p))
	n, err = in.ReadAt(buf, 200)
	AssertEq(len(p), n)
	AssertEq(nil, err)

	ExpectTrue(bytes.Equal(p, buf))
}

func (t *InodeTest) CrossIntoIndirectTier() {
	in := t.createFile(0)
	defer in.Close()

	// Straddle the boundary between the last direct sector and the first
	// indirect one.
	p := pattern(2 * sectorSize)
	off := int64(indirectStart - sectorSize/2)

	n, err := in.WriteAt(p, off)
	AssertEq(len(p), n)
	AssertEq(nil, err)

	buf := make([]byte, len(p))
	n, err = in.ReadAt(buf, off)
	AssertEq(len(p), n)
	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(p, buf))

	// Everything before the write must read as zeros.
	head := make([]byte, off)
	n, err = in.ReadAt(head, 0)
	AssertEq(off, n)
	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(head, make([]byte, off)))
}

func (t *InodeTest) CrossIntoDoubleIndirectTier() {
	in := t.createFile(0)
	defer in.Close()

	p := pattern(2 * sectorSize)
	off := int64(doubleIndirectStart - sectorSize/2)

	n, err := in.WriteAt(p, off)
	AssertEq(len(p), n)
	AssertEq(nil, err)
	AssertEq(off+int64(len(p)), in.Length())

	buf := make([]byte, len(p))
	n, err = in.ReadAt(buf, off)
	AssertEq(len(p), n)
	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(p, buf))
}

func (t *InodeTest) LargePatternedFile() {
	in := t.createFile(0)
	defer in.Close()

	p := pattern(100000)
	n, err := in.WriteAt(p, 0)
	AssertEq(len(p), n)
	AssertEq(nil, err)
	AssertEq(100000, in.Length())

	buf := make([]byte, len(p))
	n, err = in.ReadAt(buf, 0)
	AssertEq(len(p), n)
	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(p, buf))
}

func (t *InodeTest) SparseSeekWriteZeroFillsTheGap() {
	in := t.createFile(0)
	defer in.Close()

	n, err := in.WriteAt([]byte("0123456789"), 80000)
	AssertEq(10, n)
	AssertEq(nil, err)
	AssertEq(80010, in.Length())

	buf := make([]byte, 10)
	n, err = in.ReadAt(buf, 80000)
	AssertEq(10, n)
	AssertEq(nil, err)
	ExpectEq("0123456789", string(buf))

	gap := make([]byte, 80000)
	n, err = in.ReadAt(gap, 0)
	AssertEq(80000, n)
	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(gap, make([]byte, 80000)))
}

func (t *InodeTest) GrowthIsIdempotent() {
	in := t.createFile(0)
	defer in.Close()

	// Grow in steps; earlier sectors must keep their contents.
	p := pattern(sectorSize)
	_, err := in.WriteAt(p, 0)
	AssertEq(nil, err)

	for _, length := range []int64{10000, 50000, 100000} {
		_, err = in.WriteAt([]byte{1}, length-1)
		AssertEq(nil, err)
		AssertEq(length, in.Length())
	}

	buf := make([]byte, sectorSize)
	_, err = in.ReadAt(buf, 0)
	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(p, buf))
}

func (t *InodeTest) ContentsSurviveCacheFlushAndReload() {
	in := t.createFile(0)
	p := pattern(20000)
	_, err := in.WriteAt(p, 0)
	AssertEq(nil, err)

	sector := in.Sector()
	in.Close()

	t.fm.Flush()
	t.cache.Flush()

	// A second incarnation of the whole stack over the same device.
	cache2 := buffercache.New(t.dev, buffercache.DefaultSlotCount)
	fm2, err := freemap.Open(cache2)
	AssertEq(nil, err)

	registry2 := inode.NewRegistry(cache2, fm2, &t.clock)
	in2 := registry2.Open(sector)
	defer in2.Close()

	AssertEq(20000, in2.Length())

	buf := make([]byte, len(p))
	n, err := in2.ReadAt(buf, 0)
	AssertEq(len(p), n)
	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(p, buf))
}

////////////////////////////////////////////////////////////////////////
// Write gating
////////////////////////////////////////////////////////////////////////

func (t *InodeTest) DenyWriteBlocksWrites() {
	in := t.createFile(0)
	defer in.Close()

	in.DenyWrite()

	n, err := in.WriteAt([]byte("nope"), 0)
	ExpectEq(0, n)
	ExpectTrue(errors.Is(err, inode.ErrReadOnly))
	ExpectEq(0, in.Length())

	in.AllowWrite()

	n, err = in.WriteAt([]byte("yes"), 0)
	ExpectEq(3, n)
	ExpectEq(nil, err)
}

func (t *InodeTest) DenyWriteDoesNotBlockReads() {
	in := t.createFile(0)
	defer in.Close()

	_, err := in.WriteAt([]byte("data"), 0)
	AssertEq(nil, err)

	in.DenyWrite()
	defer in.AllowWrite()

	buf := make([]byte, 4)
	n, err := in.ReadAt(buf, 0)
	ExpectEq(4, n)
	ExpectEq(nil, err)
}

////////////////////////////////////////////////////////////////////////
// Allocation accounting
////////////////////////////////////////////////////////////////////////

func (t *InodeTest) RemoveReclaimsEverySector() {
	baseline := t.fm.FreeCount()

	sector, err := t.fm.Allocate(1)
	AssertEq(nil, err)
	AssertEq(nil, t.registry.Create(sector, 0, inode.KindFile))

	in := t.registry.Open(sector)

	// Deep enough to populate all three tiers.
	p := pattern(100000)
	_, err = in.WriteAt(p, 0)
	AssertEq(nil, err)

	AssertLt(t.fm.FreeCount(), baseline)

	in.Remove()
	in.Close()

	ExpectEq(baseline, t.fm.FreeCount())
}

func (t *InodeTest) RemovalDeferredUntilFinalClose() {
	in := t.createFile(0)
	_, err := in.WriteAt([]byte("still here"), 0)
	AssertEq(nil, err)

	second := t.registry.Open(in.Sector())

	in.Remove()
	in.Close()

	// The second opener must still be able to read.
	buf := make([]byte, 10)
	n, err := second.ReadAt(buf, 0)
	ExpectEq(10, n)
	ExpectEq(nil, err)
	ExpectEq("still here", string(buf))

	second.Close()
}

func (t *InodeTest) AllocatedSectorsAreMarkedInFreeMap() {
	in := t.createFile(5 * sectorSize)
	defer in.Close()

	// The free map must have shrunk by exactly the five data sectors plus
	// the inode sector, on top of the three metadata sectors.
	free := t.fm.FreeCount()
	ExpectEq(t.fm.SectorCount()-3-5-1, free)
}

func (t *InodeTest) ExhaustionRollsBackCleanly() {
	small := newEnv(16, &t.clock)

	sector, err := small.fm.Allocate(1)
	AssertEq(nil, err)
	AssertEq(nil, small.registry.Create(sector, 0, inode.KindFile))

	in := small.registry.Open(sector)
	defer in.Close()

	baseline := small.fm.FreeCount()

	// Far more than a 16-sector device can hold.
	n, err := in.WriteAt(pattern(100*sectorSize), 0)
	ExpectEq(0, n)
	ExpectTrue(errors.Is(err, inode.ErrNoSpace))

	// Nothing leaked, nothing grown.
	ExpectEq(baseline, small.fm.FreeCount())
	ExpectEq(0, in.Length())

	// The file must still be usable within the remaining space.
	n, err = in.WriteAt([]byte("fits"), 0)
	ExpectEq(4, n)
	ExpectEq(nil, err)
}

func (t *InodeTest) CreateTooLargeFails() {
	sector, err := t.fm.Allocate(1)
	AssertEq(nil, err)

	err = t.registry.Create(sector, inode.MaxLength+1, inode.KindFile)
	ExpectNe(nil, err)
}

////////////////////////////////////////////////////////////////////////
// Times
////////////////////////////////////////////////////////////////////////

func (t *InodeTest) WriteUpdatesModTime() {
	in := t.createFile(0)
	defer in.Close()

	t.clock.AdvanceTime(time.Second)
	writeTime := t.clock.Now()

	_, err := in.WriteAt([]byte("x"), 0)
	AssertEq(nil, err)

	ExpectTrue(in.ModTime().Equal(writeTime))

	// A later read must move atime but not mtime.
	t.clock.AdvanceTime(time.Second)
	buf := make([]byte, 1)
	_, err = in.ReadAt(buf, 0)
	AssertEq(nil, err)

	ExpectTrue(in.ModTime().Equal(writeTime))
	ExpectTrue(in.AccessTime().Equal(t.clock.Now()))
}
