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

// A StatRecord describes one node of the virtual hierarchy, in the shape
// the getattr continuation reports it. Times are numeric epoch seconds.
// Fields left zero stay zero in the kernel stat buffer.
type StatRecord struct {
	Mode  uint32
	Size  int64
	Uid   uint32
	Gid   uint32
	Atime int64
	Mtime int64
	Ctime int64
}

// Continuation types handed to Handler operations. Every continuation must
// be invoked exactly once; invoking one a second time is a programming
// error in the handler and aborts the process. Continuations may be called
// from any goroutine, at any time after the operation returned.
type (
	// DoneReply reports completion of an operation that carries no
	// payload. Zero is success; errors may be reported positive or
	// already negated.
	DoneReply func(errno int)

	// GetattrReply reports a stat record, or an errno with a nil record.
	GetattrReply func(errno int, stat *StatRecord)

	// ReaddirReply reports the directory's entry names, excluding "."
	// and ".." (the bridge emits those itself).
	ReaddirReply func(errno int, names []string)

	// OpenReply reports a nonnegative file handle for subsequent reads
	// and writes, or an errno.
	OpenReply func(errno int, fh uint64)

	// ReadReply reports a negative errno, or the number of bytes read
	// along with the payload. Zero bytes is a legal end of file. The
	// handler must not report more bytes than were requested.
	ReadReply func(n int, data []byte)

	// WriteReply reports bytes written when nonnegative, an errno when
	// negative.
	WriteReply func(n int)
)

// A Handler supplies the filesystem behavior behind one mount. The bridge
// invokes its methods only on the handler environment's goroutine, one at
// a time; continuations it hands out complete the suspended kernel request.
//
// Embed NotImplementedHandler to inherit ENOSYS defaults for the
// operations you don't care about; a missing operation surfaces to
// userspace as ENOSYS at the syscall.
//
// Handlers needing per-path serialization beyond the kernel's own request
// ordering must provide it themselves.
type Handler interface {
	Getattr(path string, reply GetattrReply)
	Readdir(path string, reply ReaddirReply)
	Open(path string, flags int, reply OpenReply)
	Read(path string, fh uint64, size int64, offset int64, reply ReadReply)
	Write(path string, fh uint64, data []byte, offset int64, reply WriteReply)
	Create(path string, mode uint32, reply DoneReply)
	Unlink(path string, reply DoneReply)
	Mkdir(path string, mode uint32, reply DoneReply)
	Rmdir(path string, reply DoneReply)
	Rename(oldpath string, newpath string, reply DoneReply)
	Chmod(path string, mode uint32, reply DoneReply)
	Chown(path string, uid uint32, gid uint32, reply DoneReply)
	Truncate(path string, size int64, reply DoneReply)
	Utimens(path string, atime int64, mtime int64, reply DoneReply)
	Release(path string, fh uint64, reply DoneReply)
	Fsync(path string, datasync bool, fh uint64, reply DoneReply)
	Flush(path string, fh uint64, reply DoneReply)
	Access(path string, mask uint32, reply DoneReply)
}
