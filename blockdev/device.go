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

// Package blockdev defines the contract for the sector-addressable devices
// that the file system runs on, along with an in-memory implementation, a
// file-backed implementation, and a recording wrapper for tests.
package blockdev

import "fmt"

// SectorSize is the size of every sector on every device, in bytes.
const SectorSize = 512

// A Device is a fixed-size array of sectors, addressed from zero. Reads and
// writes are synchronous and always transfer exactly one sector.
//
// May be called concurrently; implementations must serialize internally.
type Device interface {
	// Read the given sector into buf. buf must be SectorSize bytes long.
	ReadSector(sector uint32, buf []byte) error

	// Write buf to the given sector. buf must be SectorSize bytes long.
	WriteSector(sector uint32, buf []byte) error

	// Return the total number of sectors on the device.
	SectorCount() uint32

	// Release any resources held by the device, syncing durable state.
	Close() error
}

func checkSectorArgs(d Device, sector uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("buffer is %d bytes; want %d", len(buf), SectorSize)
	}

	if sector >= d.SectorCount() {
		return fmt.Errorf(
			"sector %d out of range [0, %d)",
			sector,
			d.SectorCount())
	}

	return nil
}
