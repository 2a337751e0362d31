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

import "sync"

// OpKind distinguishes entries in a RecordingDevice's log.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

var _ Device = &RecordingDevice{}

// An Op is one recorded device operation.
type Op struct {
	Kind   OpKind
	Sector uint32
}

// RecordingDevice wraps another Device and records the ordered log of
// operations that reach it. Useful for asserting on caching behavior: a
// cache hit produces no log entry, an eviction of a dirty sector produces
// a write.
type RecordingDevice struct {
	Wrapped Device

	mu sync.Mutex

	ops []Op // GUARDED_BY(mu)
}

func (d *RecordingDevice) ReadSector(sector uint32, buf []byte) error {
	d.record(Op{OpRead, sector})
	return d.Wrapped.ReadSector(sector, buf)
}

func (d *RecordingDevice) WriteSector(sector uint32, buf []byte) error {
	d.record(Op{OpWrite, sector})
	return d.Wrapped.WriteSector(sector, buf)
}

func (d *RecordingDevice) SectorCount() uint32 {
	return d.Wrapped.SectorCount()
}

func (d *RecordingDevice) Close() error {
	return d.Wrapped.Close()
}

// Ops returns a copy of the log so far.
func (d *RecordingDevice) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]Op(nil), d.ops...)
}

// WriteCount returns the number of writes logged for the given sector.
func (d *RecordingDevice) WriteCount(sector uint32) (n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range d.ops {
		if op.Kind == OpWrite && op.Sector == sector {
			n++
		}
	}

	return
}

// ReadCount returns the number of reads logged for the given sector.
func (d *RecordingDevice) ReadCount(sector uint32) (n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range d.ops {
		if op.Kind == OpRead && op.Sector == sector {
			n++
		}
	}

	return
}

// Reset discards the log.
func (d *RecordingDevice) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ops = nil
}

func (d *RecordingDevice) record(op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ops = append(d.ops, op)
}
