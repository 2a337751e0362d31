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

package buffercache_test

import (
	"fmt"
	"testing"

	"github.com/jacobsa/syncutil"
	. "github.com/jacobsa/ogletest"

	"github.com/jacobsa/blockfs/blockdev"
	"github.com/jacobsa/blockfs/buffercache"
)

func TestCache(t *testing.T) { RunTests(t) }

func init() { syncutil.EnableInvariantChecking() }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// A sector-sized buffer whose first byte is b.
func sectorWith(b byte) []byte {
	buf := make([]byte, blockdev.SectorSize)
	buf[0] = b
	return buf
}

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

const numSlots = 4

type CacheTest struct {
	dev   *blockdev.RecordingDevice
	cache *buffercache.Cache
}

func init() { RegisterTestSuite(&CacheTest{}) }

func (t *CacheTest) SetUp(ti *TestInfo) {
	t.dev = &blockdev.RecordingDevice{
		Wrapped: blockdev.NewMemDevice(64),
	}

	t.cache = buffercache.New(t.dev, numSlots)
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *CacheTest) ReadMissGoesToDevice() {
	buf := make([]byte, blockdev.SectorSize)
	t.cache.Read(17, buf)

	AssertEq(1, t.dev.ReadCount(17))
}

func (t *CacheTest) RepeatedReadsServedFromCache() {
	buf := make([]byte, blockdev.SectorSize)
	t.cache.Read(17, buf)
	t.cache.Read(17, buf)
	t.cache.Read(17, buf)

	ExpectEq(1, t.dev.ReadCount(17))
}

func (t *CacheTest) ReadSeesPriorWrite() {
	t.cache.Write(3, sectorWith('x'))

	buf := make([]byte, blockdev.SectorSize)
	t.cache.Read(3, buf)

	ExpectEq(byte('x'), buf[0])

	// The write must not have reached the device yet.
	ExpectEq(0, t.dev.WriteCount(3))
}

func (t *CacheTest) WholeSectorWriteNeedsNoDeviceRead() {
	t.cache.Write(3, sectorWith('x'))

	ExpectEq(0, t.dev.ReadCount(3))
}

func (t *CacheTest) FlushWritesDirtySectorsOnce() {
	t.cache.Write(1, sectorWith('a'))
	t.cache.Write(2, sectorWith('b'))

	t.cache.Flush()
	ExpectEq(1, t.dev.WriteCount(1))
	ExpectEq(1, t.dev.WriteCount(2))

	// Already clean; a second flush must do nothing.
	t.cache.Flush()
	ExpectEq(1, t.dev.WriteCount(1))
	ExpectEq(1, t.dev.WriteCount(2))
}

func (t *CacheTest) FlushedContentsReachDevice() {
	t.cache.Write(9, sectorWith('z'))
	t.cache.Flush()

	buf := make([]byte, blockdev.SectorSize)
	AssertEq(nil, t.dev.Wrapped.ReadSector(9, buf))
	ExpectEq(byte('z'), buf[0])
}

func (t *CacheTest) EvictionWritesBackDirtyVictim() {
	t.cache.Write(0, sectorWith('d'))

	// Evict everything by touching more sectors than there are slots.
	buf := make([]byte, blockdev.SectorSize)
	for s := uint32(1); s <= numSlots; s++ {
		t.cache.Read(s, buf)
	}

	ExpectEq(1, t.dev.WriteCount(0))

	// The written-back contents must be the dirty ones.
	AssertEq(nil, t.dev.Wrapped.ReadSector(0, buf))
	ExpectEq(byte('d'), buf[0])
}

func (t *CacheTest) CleanVictimNotWrittenBack() {
	buf := make([]byte, blockdev.SectorSize)
	for s := uint32(0); s < 2*numSlots; s++ {
		t.cache.Read(s, buf)
	}

	for _, op := range t.dev.Ops() {
		ExpectEq(blockdev.OpRead, op.Kind)
	}
}

func (t *CacheTest) EvictedSectorReadAgain() {
	t.cache.Write(0, sectorWith('q'))

	buf := make([]byte, blockdev.SectorSize)
	for s := uint32(1); s <= numSlots; s++ {
		t.cache.Read(s, buf)
	}

	// Sector 0 was evicted; reading it again must hit the device and see
	// the written-back contents.
	t.dev.Reset()
	t.cache.Read(0, buf)

	ExpectEq(1, t.dev.ReadCount(0))
	ExpectEq(byte('q'), buf[0])
}

func (t *CacheTest) ManyDistinctSectors() {
	// Sweep twice through more sectors than the cache holds, dirtying each
	// one. Every dirty eviction must reach the device, so at the end the
	// device must hold every sector's last write.
	for pass := byte(0); pass < 2; pass++ {
		for s := uint32(0); s < 2*numSlots; s++ {
			t.cache.Write(s, sectorWith(byte(s)+pass))
		}
	}

	t.cache.Flush()

	buf := make([]byte, blockdev.SectorSize)
	for s := uint32(0); s < 2*numSlots; s++ {
		AssertEq(nil, t.dev.Wrapped.ReadSector(s, buf))
		ExpectEq(byte(s)+1, buf[0], fmt.Sprintf("sector %d", s))
	}
}
