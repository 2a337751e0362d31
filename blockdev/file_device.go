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
	"os"
	"sync"

	fallocate "github.com/detailyang/go-fallocate"
)

var _ Device = &FileDevice{}

// FileDevice is a Device backed by a regular file ("disk image") on the
// host file system. The image is exactly SectorSize * SectorCount bytes.
type FileDevice struct {
	mu sync.Mutex

	file *os.File // GUARDED_BY(mu)

	sectorCount uint32
}

// CreateFileDevice creates a new zero-filled image file at the given path
// with the given number of sectors, preallocating the space up front so
// that later sector writes cannot fail with ENOSPC.
func CreateFileDevice(path string, sectorCount uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("OpenFile: %v", err)
	}

	size := int64(sectorCount) * SectorSize
	if err := fallocate.Fallocate(f, 0, size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("Fallocate: %v", err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("Truncate: %v", err)
	}

	return &FileDevice{file: f, sectorCount: sectorCount}, nil
}

// OpenFileDevice opens an existing image file. The file's size must be a
// whole number of sectors.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("OpenFile: %v", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("Stat: %v", err)
	}

	if fi.Size()%SectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf(
			"image size %d is not a multiple of %d",
			fi.Size(),
			SectorSize)
	}

	return &FileDevice{
		file:        f,
		sectorCount: uint32(fi.Size() / SectorSize),
	}, nil
}

func (d *FileDevice) ReadSector(sector uint32, buf []byte) error {
	if err := checkSectorArgs(d, sector, buf); err != nil {
		return fmt.Errorf("ReadSector: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.file.ReadAt(buf, int64(sector)*SectorSize); err != nil {
		return fmt.Errorf("ReadAt: %v", err)
	}

	return nil
}

func (d *FileDevice) WriteSector(sector uint32, buf []byte) error {
	if err := checkSectorArgs(d, sector, buf); err != nil {
		return fmt.Errorf("WriteSector: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.file.WriteAt(buf, int64(sector)*SectorSize); err != nil {
		return fmt.Errorf("WriteAt: %v", err)
	}

	return nil
}

func (d *FileDevice) SectorCount() uint32 {
	return d.sectorCount
}

// Sync forces written sectors to durable storage.
func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := datasync(d.file); err != nil {
		return fmt.Errorf("datasync: %v", err)
	}

	return nil
}

func (d *FileDevice) Close() error {
	if err := d.Sync(); err != nil {
		d.file.Close()
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.file.Close(); err != nil {
		return fmt.Errorf("Close: %v", err)
	}

	return nil
}
