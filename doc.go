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

// Package blockfs implements an indexed-allocation file system over a
// fixed-sector-size block device: a write-back buffer cache with clock
// eviction, inodes with direct, single-indirect and double-indirect
// sector pointers, a hierarchical directory tree, and a persistent
// free-sector map.
//
// The FileSystem type is the entry point. Give it a blockdev.Device and
// it exposes Create, Open, Remove, MkDir and ChDir over slash-separated
// paths, with file handles for byte-level I/O:
//
//	fs, err := blockfs.New(ctx, blockfs.Config{
//		Device: dev,
//		Format: true,
//	})
//	...
//	f, err := fs.Open(ctx, "/notes")
//	defer f.Close()
//	n, err := f.Write(data)
//
// All operations serialize on a single file-system-wide lock; the block
// device is assumed synchronous. Call Done before discarding the file
// system so that the cache's dirty sectors and the free map reach the
// device.
package blockfs
