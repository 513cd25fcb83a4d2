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

package diskfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	fallocate "github.com/detailyang/go-fallocate"
	"golang.org/x/sys/unix"

	fuse3 "github.com/juergengeck/one.fuse3"
)

// NewDiskHandler creates a handler that mirrors the directory rooted at
// root on the local disk. It exists mostly to exercise the bridge against
// real kernel semantics, but it is a complete passthrough.
func NewDiskHandler(root string) fuse3.Handler {
	return &diskHandler{
		root:    root,
		handles: make(map[uint64]*os.File),
	}
}

type diskHandler struct {
	fuse3.NotImplementedHandler

	root string

	mu sync.Mutex

	// Open files by handle. Handle zero is never used; reads and writes
	// that arrive without a live handle fall back to path-based access,
	// and fsync without a live handle succeeds without syncing.
	//
	// GUARDED_BY(mu)
	handles map[uint64]*os.File
	// GUARDED_BY(mu)
	lastHandle uint64
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// resolve maps a mount-relative path onto the backing directory,
// rejecting escapes.
func (h *diskHandler) resolve(p string) (string, int) {
	joined := filepath.Join(h.root, filepath.Clean("/"+p))
	if joined != h.root && !strings.HasPrefix(joined, h.root+string(filepath.Separator)) {
		return "", fuse3.EINVAL
	}

	return joined, 0
}

// errno extracts the POSIX error from a failed OS call. Unrecognized
// failures collapse to EIO.
func errno(err error) int {
	var e syscall.Errno
	if errors.As(err, &e) {
		return int(e)
	}

	return fuse3.EIO
}

func (h *diskHandler) file(fh uint64) *os.File {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.handles[fh]
}

////////////////////////////////////////////////////////////////////////
// Attributes and directories
////////////////////////////////////////////////////////////////////////

func (h *diskHandler) Getattr(p string, reply fuse3.GetattrReply) {
	target, errc := h.resolve(p)
	if errc != 0 {
		reply(errc, nil)
		return
	}

	var st unix.Stat_t
	if err := unix.Lstat(target, &st); err != nil {
		reply(errno(err), nil)
		return
	}

	reply(0, &fuse3.StatRecord{
		Mode:  uint32(st.Mode),
		Size:  st.Size,
		Uid:   st.Uid,
		Gid:   st.Gid,
		Atime: st.Atim.Sec,
		Mtime: st.Mtim.Sec,
		Ctime: st.Ctim.Sec,
	})
}

func (h *diskHandler) Readdir(p string, reply fuse3.ReaddirReply) {
	target, errc := h.resolve(p)
	if errc != 0 {
		reply(errc, nil)
		return
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		reply(errno(err), nil)
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	sort.Strings(names)
	reply(0, names)
}

func (h *diskHandler) Access(p string, mask uint32, reply fuse3.DoneReply) {
	target, errc := h.resolve(p)
	if errc != 0 {
		reply(errc)
		return
	}

	if err := unix.Access(target, mask); err != nil {
		reply(errno(err))
		return
	}

	reply(0)
}

////////////////////////////////////////////////////////////////////////
// Open, read, write
////////////////////////////////////////////////////////////////////////

func (h *diskHandler) Open(p string, flags int, reply fuse3.OpenReply) {
	target, errc := h.resolve(p)
	if errc != 0 {
		reply(errc, 0)
		return
	}

	f, err := os.OpenFile(target, flags, 0)
	if err != nil {
		reply(errno(err), 0)
		return
	}

	h.mu.Lock()
	h.lastHandle++
	fh := h.lastHandle
	h.handles[fh] = f
	h.mu.Unlock()

	reply(0, fh)
}

// openForFallback covers operations arriving with a handle this handler
// never issued, e.g. IO right after create (the bridge's create hands the
// kernel handle zero).
func (h *diskHandler) openForFallback(p string, flags int) (*os.File, int) {
	target, errc := h.resolve(p)
	if errc != 0 {
		return nil, errc
	}

	f, err := os.OpenFile(target, flags, 0)
	if err != nil {
		return nil, errno(err)
	}

	return f, 0
}

func (h *diskHandler) Read(
	p string,
	fh uint64,
	size int64,
	offset int64,
	reply fuse3.ReadReply) {
	f := h.file(fh)
	if f == nil {
		var errc int
		if f, errc = h.openForFallback(p, os.O_RDONLY); errc != 0 {
			reply(-errc, nil)
			return
		}
		defer f.Close()
	}

	data := make([]byte, size)
	n, err := f.ReadAt(data, offset)
	if err != nil && err != io.EOF {
		reply(-errno(err), nil)
		return
	}

	reply(n, data[:n])
}

func (h *diskHandler) Write(
	p string,
	fh uint64,
	data []byte,
	offset int64,
	reply fuse3.WriteReply) {
	f := h.file(fh)
	if f == nil {
		var errc int
		if f, errc = h.openForFallback(p, os.O_WRONLY); errc != 0 {
			reply(-errc)
			return
		}
		defer f.Close()
	}

	n, err := f.WriteAt(data, offset)
	if err != nil {
		reply(-errno(err))
		return
	}

	reply(n)
}

////////////////////////////////////////////////////////////////////////
// Namespace and metadata operations
////////////////////////////////////////////////////////////////////////

func (h *diskHandler) Create(p string, mode uint32, reply fuse3.DoneReply) {
	target, errc := h.resolve(p)
	if errc != 0 {
		reply(errc)
		return
	}

	f, err := os.OpenFile(
		target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(mode&07777))
	if err != nil {
		reply(errno(err))
		return
	}

	f.Close()
	reply(0)
}

func (h *diskHandler) Unlink(p string, reply fuse3.DoneReply) {
	target, errc := h.resolve(p)
	if errc != 0 {
		reply(errc)
		return
	}

	if err := unix.Unlink(target); err != nil {
		reply(errno(err))
		return
	}

	reply(0)
}

func (h *diskHandler) Mkdir(p string, mode uint32, reply fuse3.DoneReply) {
	target, errc := h.resolve(p)
	if errc != 0 {
		reply(errc)
		return
	}

	if err := unix.Mkdir(target, mode&07777); err != nil {
		reply(errno(err))
		return
	}

	reply(0)
}

func (h *diskHandler) Rmdir(p string, reply fuse3.DoneReply) {
	target, errc := h.resolve(p)
	if errc != 0 {
		reply(errc)
		return
	}

	if err := unix.Rmdir(target); err != nil {
		reply(errno(err))
		return
	}

	reply(0)
}

func (h *diskHandler) Rename(oldpath string, newpath string, reply fuse3.DoneReply) {
	from, errc := h.resolve(oldpath)
	if errc != 0 {
		reply(errc)
		return
	}

	to, errc := h.resolve(newpath)
	if errc != 0 {
		reply(errc)
		return
	}

	if err := os.Rename(from, to); err != nil {
		reply(errno(err))
		return
	}

	reply(0)
}

func (h *diskHandler) Chmod(p string, mode uint32, reply fuse3.DoneReply) {
	target, errc := h.resolve(p)
	if errc != 0 {
		reply(errc)
		return
	}

	if err := unix.Chmod(target, mode&07777); err != nil {
		reply(errno(err))
		return
	}

	reply(0)
}

func (h *diskHandler) Chown(p string, uid uint32, gid uint32, reply fuse3.DoneReply) {
	target, errc := h.resolve(p)
	if errc != 0 {
		reply(errc)
		return
	}

	if err := unix.Chown(target, int(uid), int(gid)); err != nil {
		reply(errno(err))
		return
	}

	reply(0)
}

func (h *diskHandler) Truncate(p string, size int64, reply fuse3.DoneReply) {
	target, errc := h.resolve(p)
	if errc != 0 {
		reply(errc)
		return
	}

	// Growing truncates preallocate, so later writes into the grown
	// region cannot fail with ENOSPC halfway through.
	if fi, err := os.Stat(target); err == nil && size > fi.Size() {
		f, err := os.OpenFile(target, os.O_WRONLY, 0)
		if err != nil {
			reply(errno(err))
			return
		}
		defer f.Close()

		if err := fallocate.Fallocate(f, fi.Size(), size-fi.Size()); err != nil {
			reply(errno(err))
			return
		}
	}

	if err := os.Truncate(target, size); err != nil {
		reply(errno(err))
		return
	}

	reply(0)
}

func (h *diskHandler) Utimens(
	p string,
	atime int64,
	mtime int64,
	reply fuse3.DoneReply) {
	target, errc := h.resolve(p)
	if errc != 0 {
		reply(errc)
		return
	}

	err := os.Chtimes(target, time.Unix(atime, 0), time.Unix(mtime, 0))
	if err != nil {
		reply(errno(err))
		return
	}

	reply(0)
}

////////////////////////////////////////////////////////////////////////
// Handle lifecycle
////////////////////////////////////////////////////////////////////////

func (h *diskHandler) Release(p string, fh uint64, reply fuse3.DoneReply) {
	h.mu.Lock()
	f := h.handles[fh]
	delete(h.handles, fh)
	h.mu.Unlock()

	if f != nil {
		f.Close()
	}

	reply(0)
}

func (h *diskHandler) Flush(p string, fh uint64, reply fuse3.DoneReply) {
	reply(0)
}

func (h *diskHandler) Fsync(
	p string,
	datasync bool,
	fh uint64,
	reply fuse3.DoneReply) {
	if f := h.file(fh); f != nil {
		if err := f.Sync(); err != nil {
			reply(errno(err))
			return
		}
	}

	reply(0)
}
