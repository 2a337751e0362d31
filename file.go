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

package blockfs

import (
	"fmt"
	"time"

	"github.com/jacobsa/blockfs/directory"
	"github.com/jacobsa/blockfs/inode"
)

// File is an open handle: an inode reference plus a byte position (or,
// for directories, an entry cursor). Handles share the file system's
// coarse lock, so they may be used from multiple goroutines, though
// position updates then interleave unpredictably.
type File struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	fs *FileSystem
	in *inode.Inode

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Byte position for Read/Write; entry cursor for ReadDir.
	//
	// INVARIANT: pos >= 0
	pos       int64 // GUARDED_BY(fs.mu)
	dirCursor int   // GUARDED_BY(fs.mu)

	// Has this handle denied writes on the inode (at most once)?
	deniedWrites bool // GUARDED_BY(fs.mu)

	closed bool // GUARDED_BY(fs.mu)
}

func newFile(fs *FileSystem, in *inode.Inode) *File {
	return &File{fs: fs, in: in}
}

////////////////////////////////////////////////////////////////////////
// Byte I/O
////////////////////////////////////////////////////////////////////////

// Read reads up to len(p) bytes at the current position, advancing it by
// the amount read. Returns io.EOF at end of file, like io.Reader.
func (f *File) Read(p []byte) (n int, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err = f.checkByteIO(); err != nil {
		return
	}

	n, err = f.in.ReadAt(p, f.pos)
	f.pos += int64(n)
	return
}

// Write writes len(p) bytes at the current position, growing the file as
// needed, and advances the position by the amount written.
func (f *File) Write(p []byte) (n int, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err = f.checkByteIO(); err != nil {
		return
	}

	n, err = f.in.WriteAt(p, f.pos)
	f.pos += int64(n)
	return
}

// ReadAt is Read at an explicit offset; the handle position is untouched.
func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err = f.checkByteIO(); err != nil {
		return
	}

	return f.in.ReadAt(p, off)
}

// WriteAt is Write at an explicit offset; the handle position is
// untouched.
func (f *File) WriteAt(p []byte, off int64) (n int, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err = f.checkByteIO(); err != nil {
		return
	}

	return f.in.WriteAt(p, off)
}

// Seek sets the position for the next Read or Write. Seeking past the
// end is legal: reads there hit end of file and writes grow the file.
func (f *File) Seek(pos int64) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	if pos < 0 {
		return fmt.Errorf("negative position %d", pos)
	}

	f.pos = pos
	return nil
}

// Tell returns the current position.
func (f *File) Tell() int64 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	return f.pos
}

// LOCKS_REQUIRED(f.fs.mu)
func (f *File) checkByteIO() error {
	if f.closed {
		return ErrClosed
	}

	if f.in.IsDir() {
		return ErrIsADirectory
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Metadata
////////////////////////////////////////////////////////////////////////

// Length returns the file's length in bytes.
func (f *File) Length() int64 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	return f.in.Length()
}

// IsDir reports whether the handle names a directory.
func (f *File) IsDir() bool {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	return f.in.IsDir()
}

// Sector returns the disk location of the handle's inode.
func (f *File) Sector() uint32 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	return f.in.Sector()
}

// ModTime returns the inode's in-memory modification time.
func (f *File) ModTime() time.Time {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	return f.in.ModTime()
}

////////////////////////////////////////////////////////////////////////
// Directory iteration
////////////////////////////////////////////////////////////////////////

// ReadDir returns the next entry of a directory handle, advancing the
// handle's cursor. ok is false once the directory is exhausted.
func (f *File) ReadDir() (e directory.Entry, ok bool, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed {
		err = ErrClosed
		return
	}

	if !f.in.IsDir() {
		err = ErrNotADirectory
		return
	}

	e, f.dirCursor, ok = directory.New(f.in).ReadEntry(f.dirCursor)
	return
}

////////////////////////////////////////////////////////////////////////
// Write gating and lifecycle
////////////////////////////////////////////////////////////////////////

// DenyWrite forbids writes to the underlying inode — from any handle —
// until this handle calls AllowWrite or closes. At most one deny per
// handle; extra calls are no-ops.
func (f *File) DenyWrite() {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed || f.deniedWrites {
		return
	}

	f.in.DenyWrite()
	f.deniedWrites = true
}

// AllowWrite undoes this handle's DenyWrite, if any.
func (f *File) AllowWrite() {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed || !f.deniedWrites {
		return
	}

	f.in.AllowWrite()
	f.deniedWrites = false
}

// Close releases the handle's inode reference, undoing its deny-write
// first. Closing the last handle of a removed inode reclaims its
// sectors. Close is idempotent.
func (f *File) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed {
		return nil
	}

	if f.deniedWrites {
		f.in.AllowWrite()
		f.deniedWrites = false
	}

	f.in.Close()
	f.closed = true
	return nil
}
