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

package errorfs

import (
	"fmt"
	"sync"
	"syscall"

	fuse3 "github.com/juergengeck/one.fuse3"
)

const FooContents = "xxxx"

// An ErrorFS serves a single file named "foo" containing FooContents, and
// can be told to misbehave per operation: return a canned errno, panic
// before replying, or stall forever without invoking the continuation.
// Fault-injection order: stall, then panic, then canned error.
type ErrorFS struct {
	fuse3.NotImplementedHandler

	mu sync.Mutex

	// Keyed by operation name: "getattr", "readdir", "open", "read".
	//
	// GUARDED_BY(mu)
	errors map[string]int
	// GUARDED_BY(mu)
	panics map[string]struct{}
	// GUARDED_BY(mu)
	stalls map[string]struct{}
}

func New() *ErrorFS {
	return &ErrorFS{
		errors: make(map[string]int),
		panics: make(map[string]struct{}),
		stalls: make(map[string]struct{}),
	}
}

// SetError makes all future invocations of op report errno.
func (fs *ErrorFS) SetError(op string, errno int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.errors[op] = errno
}

// SetPanic makes all future invocations of op panic before replying.
func (fs *ErrorFS) SetPanic(op string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.panics[op] = struct{}{}
}

// SetStall makes all future invocations of op return without ever
// invoking their continuation, wedging the kernel request.
func (fs *ErrorFS) SetStall(op string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.stalls[op] = struct{}{}
}

// intercept applies any configured fault for op. It reports whether the
// operation has been handled (stalled or failed); a panic unwinds.
func (fs *ErrorFS) intercept(op string, fail func(errno int)) bool {
	fs.mu.Lock()
	_, stall := fs.stalls[op]
	_, panicked := fs.panics[op]
	errno, failed := fs.errors[op]
	fs.mu.Unlock()

	switch {
	case stall:
		return true

	case panicked:
		panic(fmt.Sprintf("errorfs: injected panic in %s", op))

	case failed:
		fail(errno)
		return true
	}

	return false
}

////////////////////////////////////////////////////////////////////////
// Operations
////////////////////////////////////////////////////////////////////////

func (fs *ErrorFS) Getattr(path string, reply fuse3.GetattrReply) {
	if fs.intercept("getattr", func(errno int) { reply(errno, nil) }) {
		return
	}

	switch path {
	case "/":
		reply(0, &fuse3.StatRecord{Mode: syscall.S_IFDIR | 0755})

	case "/foo":
		reply(0, &fuse3.StatRecord{
			Mode: syscall.S_IFREG | 0644,
			Size: int64(len(FooContents)),
		})

	default:
		reply(fuse3.ENOENT, nil)
	}
}

func (fs *ErrorFS) Readdir(path string, reply fuse3.ReaddirReply) {
	if fs.intercept("readdir", func(errno int) { reply(errno, nil) }) {
		return
	}

	if path != "/" {
		reply(fuse3.ENOENT, nil)
		return
	}

	reply(0, []string{"foo"})
}

func (fs *ErrorFS) Open(path string, flags int, reply fuse3.OpenReply) {
	if fs.intercept("open", func(errno int) { reply(errno, 0) }) {
		return
	}

	if path != "/foo" {
		reply(fuse3.ENOENT, 0)
		return
	}

	reply(0, 0)
}

func (fs *ErrorFS) Read(
	path string,
	fh uint64,
	size int64,
	offset int64,
	reply fuse3.ReadReply) {
	if fs.intercept("read", func(errno int) { reply(-errno, nil) }) {
		return
	}

	if path != "/foo" {
		reply(-fuse3.ENOENT, nil)
		return
	}

	contents := FooContents
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
