// Copyright 2023 the one.fuse3 authors. All Rights Reserved.
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

package hellofs

import (
	"syscall"

	"github.com/jacobsa/timeutil"

	fuse3 "github.com/juergengeck/one.fuse3"
)

const FileContents = "Hello, world!"

// NewHelloHandler creates a read-only handler with a fixed structure that
// looks like this:
//
//	hello
//	dir/
//	    world
//
// Each file contains the string "Hello, world!". Times are stamped from
// the supplied clock on every getattr.
func NewHelloHandler(clock timeutil.Clock) fuse3.Handler {
	return &helloHandler{
		clock: clock,
	}
}

type helloHandler struct {
	fuse3.NotImplementedHandler

	clock timeutil.Clock
}

type entryInfo struct {
	mode uint32

	// For directories, children. For files, contents.
	children []string
	contents string
}

// The fixed hierarchy, keyed by path.
var gEntries = map[string]entryInfo{
	"/": {
		mode:     syscall.S_IFDIR | 0555,
		children: []string{"hello", "dir"},
	},

	"/hello": {
		mode:     syscall.S_IFREG | 0444,
		contents: FileContents,
	},

	"/dir": {
		mode:     syscall.S_IFDIR | 0555,
		children: []string{"world"},
	},

	"/dir/world": {
		mode:     syscall.S_IFREG | 0444,
		contents: FileContents,
	},
}

func (h *helloHandler) Getattr(path string, reply fuse3.GetattrReply) {
	info, ok := gEntries[path]
	if !ok {
		reply(fuse3.ENOENT, nil)
		return
	}

	now := h.clock.Now().Unix()
	reply(0, &fuse3.StatRecord{
		Mode:  info.mode,
		Size:  int64(len(info.contents)),
		Atime: now,
		Mtime: now,
		Ctime: now,
	})
}

func (h *helloHandler) Readdir(path string, reply fuse3.ReaddirReply) {
	info, ok := gEntries[path]
	if !ok {
		reply(fuse3.ENOENT, nil)
		return
	}

	if info.mode&syscall.S_IFDIR == 0 {
		reply(fuse3.ENOTDIR, nil)
		return
	}

	reply(0, info.children)
}

func (h *helloHandler) Open(path string, flags int, reply fuse3.OpenReply) {
	info, ok := gEntries[path]
	switch {
	case !ok:
		reply(fuse3.ENOENT, 0)

	case info.mode&syscall.S_IFDIR != 0:
		reply(fuse3.EISDIR, 0)

	default:
		reply(0, 0)
	}
}

func (h *helloHandler) Read(
	path string,
	fh uint64,
	size int64,
	offset int64,
	reply fuse3.ReadReply) {
	info, ok := gEntries[path]
	if !ok {
		reply(-fuse3.ENOENT, nil)
		return
	}

	contents := info.contents
	if offset >= int64(len(contents)) {
		reply(0, nil)
		return
	}

	end := offset + size
	if end > int64(len(contents)) {
		end = int64(len(contents))
	}

	data := []byte(contents[offset:end])
	reply(len(data), data)
}

func (h *helloHandler) Access(path string, mask uint32, reply fuse3.DoneReply) {
	if _, ok := gEntries[path]; !ok {
		reply(fuse3.ENOENT)
		return
	}

	reply(0)
}
