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

package blockdev

import (
	"fmt"
	"sync"
)

var _ Device = &MemDevice{}

// MemDevice is a Device whose sectors live in memory. Contents survive
// Close, so a file system can be torn down and brought back up on the same
// device to simulate a reboot.
type MemDevice struct {
	mu sync.Mutex

	// len(data) == SectorSize * sectorCount
	data []byte // GUARDED_BY(mu)

	sectorCount uint32
}

// NewMemDevice creates a zero-filled in-memory device with the given number
// of sectors.
func NewMemDevice(sectorCount uint32) *MemDevice {
	return &MemDevice{
		data:        make([]byte, int(sectorCount)*SectorSize),
		sectorCount: sectorCount,
	}
}

func (d *MemDevice) ReadSector(sector uint32, buf []byte) error {
	if err := checkSectorArgs(d, sector, buf); err != nil {
		return fmt.Errorf("ReadSector: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	off := int(sector) * SectorSize
	copy(buf, d.data[off:off+SectorSize])

	return nil
}

func (d *MemDevice) WriteSector(sector uint32, buf []byte) error {
	if err := checkSectorArgs(d, sector, buf); err != nil {
		return fmt.Errorf("WriteSector: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	off := int(sector) * SectorSize
	copy(d.data[off:off+SectorSize], buf)

	return nil
}

func (d *MemDevice) SectorCount() uint32 {
	return d.sectorCount
}

func (d *MemDevice) Close() error {
	return nil
}
