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

	"github.com/jacobsa/blockfs/directory"
	"github.com/jacobsa/blockfs/inode"
)

var (
	// A path component doesn't exist.
	ErrNotFound = directory.ErrNotFound

	// Create of a name that already exists.
	ErrExists = directory.ErrExists

	// The free map is exhausted.
	ErrNoSpace = inode.ErrNoSpace

	// A write to an inode whose deny-write count is positive.
	ErrReadOnly = inode.ErrReadOnly

	// Remove of a directory that still has entries.
	ErrNotEmpty = directory.ErrNotEmpty

	// The path is empty, escapes the tree via "..", or has an overlong
	// component.
	ErrInvalidPath = fmt.Errorf("blockfs: invalid path")

	// A path component that must be a directory (any non-final one, or
	// the target of ChDir) resolved to a regular file, or ReadDir was
	// called on a file handle.
	ErrNotADirectory = fmt.Errorf("blockfs: not a directory")

	// Byte-level I/O on a directory handle.
	ErrIsADirectory = fmt.Errorf("blockfs: is a directory")

	// The handle has been closed.
	ErrClosed = fmt.Errorf("blockfs: file closed")
)
