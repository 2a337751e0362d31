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
	"context"
	"fmt"

	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/jacobsa/blockfs/blockdev"
	"github.com/jacobsa/blockfs/buffercache"
	"github.com/jacobsa/blockfs/freemap"
	"github.com/jacobsa/blockfs/inode"
)

// RootSector is the disk location of the root directory's inode.
const RootSector = 1

// Config supplies a FileSystem's dependencies.
type Config struct {
	// The device to run on. Required.
	Device blockdev.Device

	// The clock used for inode access and modification times. Defaults to
	// the real clock.
	Clock timeutil.Clock

	// Buffer cache capacity in slots. Defaults to
	// buffercache.DefaultSlotCount.
	CacheSlots int

	// Reformat the device instead of opening the file system already on
	// it. Destroys existing contents.
	Format bool
}

// FileSystem is the top-level API. All methods serialize on a single
// coarse lock; it is therefore safe, if not fast, to share a FileSystem
// between goroutines.
//
// Lock order, top down: fs.mu, then the inode registry's lock, then the
// free map's, then the buffer cache's. Nothing acquires upward.
type FileSystem struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev   blockdev.Device
	clock timeutil.Clock

	cache    *buffercache.Cache
	fm       *freemap.Map
	registry *inode.Registry

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The working directory that relative paths resolve against. Held
	// open so its sectors can't be deallocated under us.
	//
	// INVARIANT: cwd != nil
	// INVARIANT: cwd.IsDir()
	cwd *inode.Inode // GUARDED_BY(mu)
}

// New creates a file system over the configured device, formatting it
// first when cfg.Format is set. The working directory starts at the root.
func New(ctx context.Context, cfg Config) (fs *FileSystem, err error) {
	_, report := reqtrace.Trace(ctx, "blockfs: New")
	defer func() { report(err) }()

	if cfg.Device == nil {
		return nil, fmt.Errorf("config lacks a device")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	slots := cfg.CacheSlots
	if slots == 0 {
		slots = buffercache.DefaultSlotCount
	}

	cache := buffercache.New(cfg.Device, slots)

	var fm *freemap.Map
	if cfg.Format {
		if fm, err = freemap.Format(cache, cfg.Device.SectorCount()); err != nil {
			return nil, fmt.Errorf("freemap.Format: %v", err)
		}
	} else {
		if fm, err = freemap.Open(cache); err != nil {
			return nil, fmt.Errorf("freemap.Open: %v", err)
		}
	}

	registry := inode.NewRegistry(cache, fm, clock)

	if cfg.Format {
		getLogger().Printf("Formatting %d sectors", cfg.Device.SectorCount())
		if err = registry.Create(RootSector, 0, inode.KindDirectory); err != nil {
			return nil, fmt.Errorf("create root: %v", err)
		}
	}

	fs = &FileSystem{
		dev:      cfg.Device,
		clock:    clock,
		cache:    cache,
		fm:       fm,
		registry: registry,
		cwd:      registry.Open(RootSector),
	}

	if !fs.cwd.IsDir() {
		return nil, fmt.Errorf("root inode is not a directory")
	}

	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	return fs, nil
}

func (fs *FileSystem) checkInvariants() {
	if fs.cwd == nil {
		panic("nil working directory")
	}

	if !fs.cwd.IsDir() {
		panic("working directory is not a directory")
	}
}

// Done flushes the free map and every dirty cache sector to the device,
// releases the working directory, and closes the device. The file system
// must not be used afterward.
func (fs *FileSystem) Done(ctx context.Context) (err error) {
	_, report := reqtrace.Trace(ctx, "blockfs: Done")
	defer func() { report(err) }()

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.fm.Flush()
	fs.cache.Flush()
	fs.cwd.Close()

	if err = fs.dev.Close(); err != nil {
		return fmt.Errorf("device close: %v", err)
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Operations
////////////////////////////////////////////////////////////////////////

// Create makes a new file or directory at the given path with the given
// initial size in bytes, zero-filled. Fails with ErrExists if the name is
// taken and ErrNoSpace if the free map can't back it, in which case
// nothing has been allocated.
func (fs *FileSystem) Create(
	ctx context.Context,
	path string,
	size int64,
	kind inode.Kind) (err error) {
	_, report := reqtrace.Trace(ctx, "blockfs: Create")
	defer func() { report(err) }()

	getLogger().Printf("Create(%q, %d, %v)", path, size, kind)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.resolve(path)
	if err != nil {
		return err
	}
	defer parent.Inode().Close()

	if name == "" {
		return ErrInvalidPath
	}

	if _, ok := parent.Lookup(name); ok {
		return ErrExists
	}

	sector, err := fs.fm.Allocate(1)
	if err != nil {
		return ErrNoSpace
	}

	if err = fs.registry.Create(sector, size, kind); err != nil {
		fs.fm.Release(sector, 1)
		return fmt.Errorf("inode create: %w", err)
	}

	if err = parent.Add(name, sector); err != nil {
		// Unwind via the registry so index and data sectors come back too.
		in := fs.registry.Open(sector)
		in.Remove()
		in.Close()
		return fmt.Errorf("directory add: %w", err)
	}

	return nil
}

// MkDir creates an empty directory at the given path.
func (fs *FileSystem) MkDir(ctx context.Context, path string) error {
	return fs.Create(ctx, path, 0, inode.KindDirectory)
}

// Open returns a handle for the file or directory at the given path. A
// path naming a directory (including "/" and paths with a trailing
// slash) yields a directory handle usable with ReadDir.
func (fs *FileSystem) Open(ctx context.Context, path string) (f *File, err error) {
	_, report := reqtrace.Trace(ctx, "blockfs: Open")
	defer func() { report(err) }()

	getLogger().Printf("Open(%q)", path)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}

	// "The directory itself": hand the parent's reference to the File.
	if name == "" {
		return newFile(fs, parent.Inode()), nil
	}

	defer parent.Inode().Close()

	sector, ok := parent.Lookup(name)
	if !ok {
		return nil, ErrNotFound
	}

	return newFile(fs, fs.registry.Open(sector)), nil
}

// Remove deletes the file or empty directory at the given path. The
// backing sectors are reclaimed once the last open handle closes.
func (fs *FileSystem) Remove(ctx context.Context, path string) (err error) {
	_, report := reqtrace.Trace(ctx, "blockfs: Remove")
	defer func() { report(err) }()

	getLogger().Printf("Remove(%q)", path)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.resolve(path)
	if err != nil {
		return err
	}
	defer parent.Inode().Close()

	if name == "" {
		return ErrInvalidPath
	}

	return parent.Remove(name, fs.registry)
}

// ChDir changes the directory that relative paths resolve against.
func (fs *FileSystem) ChDir(ctx context.Context, path string) (err error) {
	_, report := reqtrace.Trace(ctx, "blockfs: ChDir")
	defer func() { report(err) }()

	getLogger().Printf("ChDir(%q)", path)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, name, err := fs.resolve(path)
	if err != nil {
		return err
	}

	target := parent.Inode()
	if name != "" {
		defer parent.Inode().Close()

		sector, ok := parent.Lookup(name)
		if !ok {
			return ErrNotFound
		}

		target = fs.registry.Open(sector)
		if !target.IsDir() {
			target.Close()
			return ErrNotADirectory
		}
	}

	fs.cwd.Close()
	fs.cwd = target
	return nil
}

// FreeSectors returns the number of unallocated sectors remaining.
func (fs *FileSystem) FreeSectors() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.fm.FreeCount()
}
