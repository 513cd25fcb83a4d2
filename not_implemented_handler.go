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

// A Handler that answers every operation with ENOSYS. Embed this in your
// struct to inherit default implementations for the methods you don't care
// about, ensuring your struct will continue to implement Handler even as
// new methods are added.
type NotImplementedHandler struct {
}

var _ Handler = &NotImplementedHandler{}

func (h *NotImplementedHandler) Getattr(path string, reply GetattrReply) {
	reply(-ENOSYS, nil)
}

func (h *NotImplementedHandler) Readdir(path string, reply ReaddirReply) {
	reply(-ENOSYS, nil)
}

func (h *NotImplementedHandler) Open(path string, flags int, reply OpenReply) {
	reply(-ENOSYS, 0)
}

func (h *NotImplementedHandler) Read(
	path string,
	fh uint64,
	size int64,
	offset int64,
	reply ReadReply) {
	reply(-ENOSYS, nil)
}

func (h *NotImplementedHandler) Write(
	path string,
	fh uint64,
	data []byte,
	offset int64,
	reply WriteReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Create(
	path string,
	mode uint32,
	reply DoneReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Unlink(path string, reply DoneReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Mkdir(
	path string,
	mode uint32,
	reply DoneReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Rmdir(path string, reply DoneReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Rename(
	oldpath string,
	newpath string,
	reply DoneReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Chmod(
	path string,
	mode uint32,
	reply DoneReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Chown(
	path string,
	uid uint32,
	gid uint32,
	reply DoneReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Truncate(
	path string,
	size int64,
	reply DoneReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Utimens(
	path string,
	atime int64,
	mtime int64,
	reply DoneReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Release(
	path string,
	fh uint64,
	reply DoneReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Fsync(
	path string,
	datasync bool,
	fh uint64,
	reply DoneReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Flush(
	path string,
	fh uint64,
	reply DoneReply) {
	reply(-ENOSYS)
}

func (h *NotImplementedHandler) Access(
	path string,
	mask uint32,
	reply DoneReply) {
	reply(-ENOSYS)
}
