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

package memfs

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"syscall"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	fuse3 "github.com/juergengeck/one.fuse3"
)

// A node is one file or directory in the hierarchy.
type node struct {
	// The mode, type bits included.
	mode uint32

	uid uint32
	gid uint32

	// Epoch seconds.
	atime int64
	mtime int64
	ctime int64

	// For files, the current contents.
	//
	// INVARIANT: If the node is a directory, len(contents) == 0
	contents []byte
}

func (n *node) isDir() bool {
	return n.mode&syscall.S_IFMT == syscall.S_IFDIR
}

type memHandler struct {
	fuse3.NotImplementedHandler

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock timeutil.Clock

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// All live nodes, keyed by clean absolute path.
	//
	// INVARIANT: nodes["/"] exists and is a directory
	// INVARIANT: For each path p != "/", nodes[path.Dir(p)] exists and is
	// a directory
	//
	// GUARDED_BY(mu)
	nodes map[string]*node

	// GUARDED_BY(mu)
	nextHandle uint64
}

// NewMemHandler creates a handler that stores an entire hierarchy in
// memory, stamping times from the supplied clock. It supports the full
// operation set of the bridge.
func NewMemHandler(clock timeutil.Clock) fuse3.Handler {
	h := &memHandler{
		clock: clock,
		nodes: make(map[string]*node),
	}

	now := clock.Now().Unix()
	h.nodes["/"] = &node{
		mode:  syscall.S_IFDIR | 0755,
		atime: now,
		mtime: now,
		ctime: now,
	}

	h.mu = syncutil.NewInvariantMutex(h.checkInvariants)

	return h
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(h.mu)
func (h *memHandler) checkInvariants() {
	root, ok := h.nodes["/"]
	if !ok || !root.isDir() {
		panic("memfs: missing or non-directory root")
	}

	for p, n := range h.nodes {
		if p != "/" {
			parent, ok := h.nodes[path.Dir(p)]
			if !ok || !parent.isDir() {
				panic(fmt.Sprintf("memfs: orphaned node %q", p))
			}
		}

		if n.isDir() && len(n.contents) != 0 {
			panic(fmt.Sprintf("memfs: directory %q has contents", p))
		}
	}
}

// LOCKS_REQUIRED(h.mu)
func (h *memHandler) childNames(dir string) (names []string) {
	for p := range h.nodes {
		if p != "/" && path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}

	sort.Strings(names)
	return
}

// LOCKS_REQUIRED(h.mu)
func (h *memHandler) lookupParent(p string) (*node, int) {
	parent, ok := h.nodes[path.Dir(p)]
	switch {
	case !ok:
		return nil, fuse3.ENOENT

	case !parent.isDir():
		return nil, fuse3.ENOTDIR
	}

	return parent, 0
}

func (h *memHandler) now() int64 {
	return h.clock.Now().Unix()
}

////////////////////////////////////////////////////////////////////////
// Attributes and directories
////////////////////////////////////////////////////////////////////////

func (h *memHandler) Getattr(p string, reply fuse3.GetattrReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[p]
	if !ok {
		reply(fuse3.ENOENT, nil)
		return
	}

	reply(0, &fuse3.StatRecord{
		Mode:  n.mode,
		Size:  int64(len(n.contents)),
		Uid:   n.uid,
		Gid:   n.gid,
		Atime: n.atime,
		Mtime: n.mtime,
		Ctime: n.ctime,
	})
}

func (h *memHandler) Readdir(p string, reply fuse3.ReaddirReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[p]
	switch {
	case !ok:
		reply(fuse3.ENOENT, nil)

	case !n.isDir():
		reply(fuse3.ENOTDIR, nil)

	default:
		reply(0, h.childNames(p))
	}
}

func (h *memHandler) Access(p string, mask uint32, reply fuse3.DoneReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.nodes[p]; !ok {
		reply(fuse3.ENOENT)
		return
	}

	reply(0)
}

////////////////////////////////////////////////////////////////////////
// Open, read, write
////////////////////////////////////////////////////////////////////////

func (h *memHandler) Open(p string, flags int, reply fuse3.OpenReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[p]
	switch {
	case !ok:
		reply(fuse3.ENOENT, 0)
		return

	case n.isDir():
		reply(fuse3.EISDIR, 0)
		return
	}

	h.nextHandle++
	reply(0, h.nextHandle)
}

func (h *memHandler) Read(
	p string,
	fh uint64,
	size int64,
	offset int64,
	reply fuse3.ReadReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[p]
	if !ok {
		reply(-fuse3.ENOENT, nil)
		return
	}

	if offset >= int64(len(n.contents)) {
		reply(0, nil)
		return
	}

	end := offset + size
	if end > int64(len(n.contents)) {
		end = int64(len(n.contents))
	}

	// The continuation may retain the slice; hand out a copy.
	data := make([]byte, end-offset)
	copy(data, n.contents[offset:end])

	n.atime = h.now()
	reply(len(data), data)
}

func (h *memHandler) Write(
	p string,
	fh uint64,
	data []byte,
	offset int64,
	reply fuse3.WriteReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[p]
	switch {
	case !ok:
		reply(-fuse3.ENOENT)
		return

	case n.isDir():
		reply(-fuse3.EISDIR)
		return
	}

	// Zero-fill any gap beyond the current end.
	if need := offset + int64(len(data)); need > int64(len(n.contents)) {
		grown := make([]byte, need)
		copy(grown, n.contents)
		n.contents = grown
	}

	copy(n.contents[offset:], data)
	n.mtime = h.now()

	reply(len(data))
}

////////////////////////////////////////////////////////////////////////
// Namespace operations
////////////////////////////////////////////////////////////////////////

func (h *memHandler) Create(p string, mode uint32, reply fuse3.DoneReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.nodes[p]; ok {
		reply(fuse3.EEXIST)
		return
	}

	if _, errno := h.lookupParent(p); errno != 0 {
		reply(errno)
		return
	}

	now := h.now()
	h.nodes[p] = &node{
		mode:  syscall.S_IFREG | (mode & 07777),
		atime: now,
		mtime: now,
		ctime: now,
	}

	reply(0)
}

func (h *memHandler) Mkdir(p string, mode uint32, reply fuse3.DoneReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.nodes[p]; ok {
		reply(fuse3.EEXIST)
		return
	}

	if _, errno := h.lookupParent(p); errno != 0 {
		reply(errno)
		return
	}

	now := h.now()
	h.nodes[p] = &node{
		mode:  syscall.S_IFDIR | (mode & 07777),
		atime: now,
		mtime: now,
		ctime: now,
	}

	reply(0)
}

func (h *memHandler) Unlink(p string, reply fuse3.DoneReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[p]
	switch {
	case !ok:
		reply(fuse3.ENOENT)

	case n.isDir():
		reply(fuse3.EISDIR)

	default:
		delete(h.nodes, p)
		reply(0)
	}
}

func (h *memHandler) Rmdir(p string, reply fuse3.DoneReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[p]
	switch {
	case !ok:
		reply(fuse3.ENOENT)

	case !n.isDir():
		reply(fuse3.ENOTDIR)

	case len(h.childNames(p)) != 0:
		reply(fuse3.ENOTEMPTY)

	case p == "/":
		reply(fuse3.EBUSY)

	default:
		delete(h.nodes, p)
		reply(0)
	}
}

func (h *memHandler) Rename(oldpath string, newpath string, reply fuse3.DoneReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[oldpath]
	if !ok {
		reply(fuse3.ENOENT)
		return
	}

	if _, errno := h.lookupParent(newpath); errno != 0 {
		reply(errno)
		return
	}

	if existing, ok := h.nodes[newpath]; ok {
		if existing.isDir() && len(h.childNames(newpath)) != 0 {
			reply(fuse3.ENOTEMPTY)
			return
		}

		delete(h.nodes, newpath)
	}

	// Move the node and, for directories, everything below it.
	moved := map[string]*node{oldpath: n}
	if n.isDir() {
		for p, child := range h.nodes {
			if strings.HasPrefix(p, oldpath+"/") {
				moved[p] = child
			}
		}
	}

	for p, child := range moved {
		delete(h.nodes, p)
		h.nodes[newpath+p[len(oldpath):]] = child
	}

	reply(0)
}

////////////////////////////////////////////////////////////////////////
// Metadata operations
////////////////////////////////////////////////////////////////////////

func (h *memHandler) Chmod(p string, mode uint32, reply fuse3.DoneReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[p]
	if !ok {
		reply(fuse3.ENOENT)
		return
	}

	n.mode = n.mode&syscall.S_IFMT | mode&07777
	n.ctime = h.now()
	reply(0)
}

func (h *memHandler) Chown(p string, uid uint32, gid uint32, reply fuse3.DoneReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[p]
	if !ok {
		reply(fuse3.ENOENT)
		return
	}

	n.uid = uid
	n.gid = gid
	n.ctime = h.now()
	reply(0)
}

func (h *memHandler) Truncate(p string, size int64, reply fuse3.DoneReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[p]
	switch {
	case !ok:
		reply(fuse3.ENOENT)
		return

	case n.isDir():
		reply(fuse3.EISDIR)
		return
	}

	if size <= int64(len(n.contents)) {
		n.contents = n.contents[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, n.contents)
		n.contents = grown
	}

	n.mtime = h.now()
	reply(0)
}

func (h *memHandler) Utimens(
	p string,
	atime int64,
	mtime int64,
	reply fuse3.DoneReply) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[p]
	if !ok {
		reply(fuse3.ENOENT)
		return
	}

	n.atime = atime
	n.mtime = mtime
	reply(0)
}

////////////////////////////////////////////////////////////////////////
// Handle lifecycle
////////////////////////////////////////////////////////////////////////

func (h *memHandler) Release(p string, fh uint64, reply fuse3.DoneReply) {
	reply(0)
}

func (h *memHandler) Flush(p string, fh uint64, reply fuse3.DoneReply) {
	reply(0)
}

func (h *memHandler) Fsync(
	p string,
	datasync bool,
	fh uint64,
	reply fuse3.DoneReply) {
	reply(0)
}
