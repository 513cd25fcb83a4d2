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

package fuse3

import (
	"github.com/sirupsen/logrus"
	"github.com/winfsp/cgofuse/fuse"
)

// bridgeFS terminates the libfuse side of the bridge: one method per
// installed FUSE operation. Every method runs on the FUSE worker thread,
// strictly serialized by the single-threaded session loop. The shape is
// uniform:
//
//  1. resolve the owning mount instance from the registry (miss: -EIO),
//  2. allocate a request ticket,
//  3. submit the handler invocation to the handler environment,
//  4. wait on the ticket,
//  5. translate the payload into out parameters and return the errno.
//
// Argument values are plain Go copies by the time they cross into the
// handler environment; the kernel's write buffer is copied explicitly.
type bridgeFS struct {
	fuse.FileSystemBase

	mountPoint string
}

var _ fuse.FileSystemInterface = &bridgeFS{}
var _ fuse.FileSystemOpenEx = &bridgeFS{}

// instance resolves the mount currently serving this callback object, or
// nil if the mount is gone or no longer accepting requests.
func (fs *bridgeFS) instance() *MountInstance {
	in := gRegistry.lookupForPath(fs.mountPoint)
	if in == nil || !in.serving() {
		return nil
	}

	return in
}

// dispatch submits invoke to the mount's handler environment and parks the
// calling FUSE thread on the ticket. A nonzero return is a bridge-level
// failure (teardown in progress); otherwise the sealed ticket carries the
// handler's verdict.
func dispatch(in *MountInstance, t *ticket, invoke func(Handler)) int {
	logger := getLogger()
	logger.WithFields(logrus.Fields{
		"op":   t.op,
		"path": t.path,
	}).Debug("dispatching to handler")

	in.disp.track(t)
	errc := in.disp.callInHandlerEnv(func() {
		defer handlerPanicBarrier(t)
		invoke(in.handler)
	})
	if errc != 0 {
		t.fail(errc)
		in.disp.untrack(t)
		return errc
	}

	t.wait()
	in.disp.untrack(t)

	logger.WithFields(logrus.Fields{
		"op":    t.op,
		"path":  t.path,
		"errno": t.errno,
	}).Debug("handler completed")

	return 0
}

// handlerPanicBarrier keeps handler panics inside the handler environment:
// they seal the ticket with -EIO instead of unwinding the environment
// goroutine. A continuation invoked twice stays fatal.
func handlerPanicBarrier(t *ticket) {
	r := recover()
	if r == nil {
		return
	}

	if _, ok := r.(*doubleCompletionError); ok {
		panic(r)
	}

	getLogger().WithFields(logrus.Fields{
		"op":   t.op,
		"path": t.path,
	}).Errorf("handler panicked: %v", r)

	t.fail(-EIO)
}

// simpleOp covers every operation whose success payload is empty.
func (fs *bridgeFS) simpleOp(
	op string,
	path string,
	invoke func(h Handler, reply DoneReply)) int {
	in := fs.instance()
	if in == nil {
		return -EIO
	}

	t := in.newTicket(op, path)
	if errc := dispatch(in, t, func(h Handler) {
		invoke(h, t.complete)
	}); errc != 0 {
		return errc
	}

	return normalizeErrno(t.errno)
}

////////////////////////////////////////////////////////////////////////
// Session lifecycle callbacks
////////////////////////////////////////////////////////////////////////

// Init runs on the FUSE worker thread once the kernel session is live.
func (fs *bridgeFS) Init() {
	if in := gRegistry.lookupForPath(fs.mountPoint); in != nil {
		in.sessionReady()
	}
}

func (fs *bridgeFS) Destroy() {
	getLogger().WithField("dir", fs.mountPoint).Debug("session destroyed")
}

////////////////////////////////////////////////////////////////////////
// Attributes and directories
////////////////////////////////////////////////////////////////////////

func (fs *bridgeFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	in := fs.instance()
	if in == nil {
		return -EIO
	}

	t := in.newTicket("getattr", path)
	if errc := dispatch(in, t, func(h Handler) {
		h.Getattr(path, t.completeStat)
	}); errc != 0 {
		return errc
	}

	if t.errno != 0 {
		return normalizeErrno(t.errno)
	}

	// Success with no record is a malformed reply.
	if t.stat == nil {
		return -EIO
	}

	fillStat(stat, t.stat)
	return 0
}

func fillStat(out *fuse.Stat_t, rec *StatRecord) {
	out.Mode = rec.Mode
	out.Size = rec.Size
	out.Uid = rec.Uid
	out.Gid = rec.Gid
	out.Atim = fuse.Timespec{Sec: rec.Atime}
	out.Mtim = fuse.Timespec{Sec: rec.Mtime}
	out.Ctim = fuse.Timespec{Sec: rec.Ctime}
}

func (fs *bridgeFS) Readdir(
	path string,
	fill func(name string, stat *fuse.Stat_t, ofst int64) bool,
	ofst int64,
	fh uint64) int {
	in := fs.instance()
	if in == nil {
		return -EIO
	}

	t := in.newTicket("readdir", path)
	if errc := dispatch(in, t, func(h Handler) {
		h.Readdir(path, t.completeNames)
	}); errc != 0 {
		return errc
	}

	if t.errno != 0 {
		return normalizeErrno(t.errno)
	}

	// Dot entries come first, whatever the handler produced.
	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, name := range t.names {
		if !fill(name, nil, 0) {
			break
		}
	}

	return 0
}

// There is no handler operation behind opendir; the kernel just needs it
// to succeed so readdir can run.
func (fs *bridgeFS) Opendir(path string) (int, uint64) {
	if fs.instance() == nil {
		return -EIO, ^uint64(0)
	}

	return 0, 0
}

func (fs *bridgeFS) Releasedir(path string, fh uint64) int {
	return 0
}

////////////////////////////////////////////////////////////////////////
// Open, read, write
////////////////////////////////////////////////////////////////////////

func (fs *bridgeFS) OpenEx(path string, fi *fuse.FileInfo_t) int {
	in := fs.instance()
	if in == nil {
		return -EIO
	}

	t := in.newTicket("open", path)
	if errc := dispatch(in, t, func(h Handler) {
		h.Open(path, fi.Flags, t.completeOpen)
	}); errc != 0 {
		return errc
	}

	if t.errno != 0 {
		return normalizeErrno(t.errno)
	}

	fi.Fh = t.fh

	// Force every userspace read through a real read call. The handler
	// may produce content whose size or bytes the kernel cannot predict
	// from earlier getattr replies, so the page cache must not answer.
	fi.DirectIo = true

	return 0
}

func (fs *bridgeFS) CreateEx(path string, mode uint32, fi *fuse.FileInfo_t) int {
	in := fs.instance()
	if in == nil {
		return -EIO
	}

	t := in.newTicket("create", path)
	if errc := dispatch(in, t, func(h Handler) {
		h.Create(path, mode, t.complete)
	}); errc != 0 {
		return errc
	}

	if t.errno != 0 {
		return normalizeErrno(t.errno)
	}

	// The handler contract returns no handle from create; subsequent IO
	// sees handle zero.
	fi.Fh = 0
	fi.DirectIo = true

	return 0
}

func (fs *bridgeFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	in := fs.instance()
	if in == nil {
		return -EIO
	}

	t := in.newTicket("read", path)
	size := int64(len(buff))
	if errc := dispatch(in, t, func(h Handler) {
		h.Read(path, fh, size, ofst, t.completeRead)
	}); errc != 0 {
		return errc
	}

	if t.errno != 0 {
		return normalizeErrno(t.errno)
	}

	// Copy min(reported, requested) bytes; a handler reporting more than
	// requested (or more than it supplied) is truncated. Zero bytes is a
	// legal end of file.
	n := t.n
	if n > len(t.data) {
		n = len(t.data)
	}
	if n > len(buff) {
		n = len(buff)
	}
	copy(buff[:n], t.data[:n])

	return n
}

func (fs *bridgeFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	in := fs.instance()
	if in == nil {
		return -EIO
	}

	// The kernel buffer must not cross into the handler environment.
	data := make([]byte, len(buff))
	copy(data, buff)

	t := in.newTicket("write", path)
	if errc := dispatch(in, t, func(h Handler) {
		h.Write(path, fh, data, ofst, t.completeWrite)
	}); errc != 0 {
		return errc
	}

	if t.errno != 0 {
		return normalizeErrno(t.errno)
	}

	return t.n
}

////////////////////////////////////////////////////////////////////////
// Namespace and metadata operations
////////////////////////////////////////////////////////////////////////

func (fs *bridgeFS) Mkdir(path string, mode uint32) int {
	return fs.simpleOp("mkdir", path, func(h Handler, reply DoneReply) {
		h.Mkdir(path, mode, reply)
	})
}

func (fs *bridgeFS) Unlink(path string) int {
	return fs.simpleOp("unlink", path, func(h Handler, reply DoneReply) {
		h.Unlink(path, reply)
	})
}

func (fs *bridgeFS) Rmdir(path string) int {
	return fs.simpleOp("rmdir", path, func(h Handler, reply DoneReply) {
		h.Rmdir(path, reply)
	})
}

func (fs *bridgeFS) Rename(oldpath string, newpath string) int {
	return fs.simpleOp("rename", oldpath, func(h Handler, reply DoneReply) {
		h.Rename(oldpath, newpath, reply)
	})
}

func (fs *bridgeFS) Chmod(path string, mode uint32) int {
	return fs.simpleOp("chmod", path, func(h Handler, reply DoneReply) {
		h.Chmod(path, mode, reply)
	})
}

func (fs *bridgeFS) Chown(path string, uid uint32, gid uint32) int {
	return fs.simpleOp("chown", path, func(h Handler, reply DoneReply) {
		h.Chown(path, uid, gid, reply)
	})
}

func (fs *bridgeFS) Truncate(path string, size int64, fh uint64) int {
	return fs.simpleOp("truncate", path, func(h Handler, reply DoneReply) {
		h.Truncate(path, size, reply)
	})
}

func (fs *bridgeFS) Utimens(path string, tmsp []fuse.Timespec) int {
	if len(tmsp) != 2 {
		return -EINVAL
	}

	atime := tmsp[0].Sec
	mtime := tmsp[1].Sec
	return fs.simpleOp("utimens", path, func(h Handler, reply DoneReply) {
		h.Utimens(path, atime, mtime, reply)
	})
}

func (fs *bridgeFS) Release(path string, fh uint64) int {
	return fs.simpleOp("release", path, func(h Handler, reply DoneReply) {
		h.Release(path, fh, reply)
	})
}

func (fs *bridgeFS) Fsync(path string, datasync bool, fh uint64) int {
	return fs.simpleOp("fsync", path, func(h Handler, reply DoneReply) {
		h.Fsync(path, datasync, fh, reply)
	})
}

func (fs *bridgeFS) Flush(path string, fh uint64) int {
	return fs.simpleOp("flush", path, func(h Handler, reply DoneReply) {
		h.Flush(path, fh, reply)
	})
}

func (fs *bridgeFS) Access(path string, mask uint32) int {
	return fs.simpleOp("access", path, func(h Handler, reply DoneReply) {
		h.Access(path, mask, reply)
	})
}

////////////////////////////////////////////////////////////////////////
// Statfs
////////////////////////////////////////////////////////////////////////

// Statfs is answered locally with fixed geometry; the handler is not
// consulted.
func (fs *bridgeFS) Statfs(path string, stat *fuse.Statfs_t) int {
	if fs.instance() == nil {
		return -EIO
	}

	stat.Bsize = 4096
	stat.Frsize = 4096
	stat.Blocks = 1000000
	stat.Bfree = 500000
	stat.Bavail = 500000

	return 0
}
