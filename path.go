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
	"strings"

	"github.com/jacobsa/blockfs/directory"
)

// Split a slash-separated path into the directory holding its final
// component and the final component itself, walking from the root for
// absolute paths and from the current working directory otherwise.
//
// The final component comes back uninterpreted so that the caller may
// create, open, or remove it; an empty name means "the directory itself"
// (a trailing slash, a bare "/", or a final "."). ".." is not supported
// anywhere in a path.
//
// On success the returned directory's inode is open; the caller owns
// closing it.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) resolve(path string) (*directory.Dir, string, error) {
	if path == "" {
		return nil, "", ErrInvalidPath
	}

	start := fs.cwd.Sector()
	if path[0] == '/' {
		start = RootSector
	}

	// Doubled slashes collapse; a trailing slash means the path names the
	// directory itself, so every component is then intermediate.
	trailingSlash := strings.HasSuffix(path, "/")

	var components []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			components = append(components, c)
		}
	}

	name := ""
	if !trailingSlash && len(components) > 0 {
		name = components[len(components)-1]
		components = components[:len(components)-1]
	}

	// "." as the final component also means "the directory itself."
	if name == "." {
		name = ""
	}

	if name == ".." {
		return nil, "", ErrInvalidPath
	}

	if name != "" {
		if err := directory.CheckName(name); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
	}

	cur := fs.registry.Open(start)
	for _, c := range components {
		if c == "." {
			continue
		}

		if c == ".." {
			cur.Close()
			return nil, "", ErrInvalidPath
		}

		if err := directory.CheckName(c); err != nil {
			cur.Close()
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}

		if !cur.IsDir() {
			cur.Close()
			return nil, "", ErrNotADirectory
		}

		sector, ok := directory.New(cur).Lookup(c)
		cur.Close()
		if !ok {
			return nil, "", ErrNotFound
		}

		cur = fs.registry.Open(sector)
	}

	if !cur.IsDir() {
		cur.Close()
		return nil, "", ErrNotADirectory
	}

	return directory.New(cur), name, nil
}
