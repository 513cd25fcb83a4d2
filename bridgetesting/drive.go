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

package bridgetesting

import (
	fuse3 "github.com/juergengeck/one.fuse3"
)

// Synchronous drivers over the continuation contract. Each invokes one
// handler operation and blocks until its continuation has fired, so tests
// can use plain call-and-assert style against handlers that complete
// either inline or from another goroutine.

func Getattr(h fuse3.Handler, path string) (errno int, stat *fuse3.StatRecord) {
	done := make(chan struct{})
	h.Getattr(path, func(e int, s *fuse3.StatRecord) {
		errno, stat = e, s
		close(done)
	})
	<-done

	return
}

func Readdir(h fuse3.Handler, path string) (errno int, names []string) {
	done := make(chan struct{})
	h.Readdir(path, func(e int, n []string) {
		errno, names = e, n
		close(done)
	})
	<-done

	return
}

func Open(h fuse3.Handler, path string, flags int) (errno int, fh uint64) {
	done := make(chan struct{})
	h.Open(path, flags, func(e int, f uint64) {
		errno, fh = e, f
		close(done)
	})
	<-done

	return
}

func Read(
	h fuse3.Handler,
	path string,
	fh uint64,
	size int64,
	offset int64) (n int, data []byte) {
	done := make(chan struct{})
	h.Read(path, fh, size, offset, func(m int, d []byte) {
		n, data = m, d
		close(done)
	})
	<-done

	return
}

func Write(
	h fuse3.Handler,
	path string,
	fh uint64,
	data []byte,
	offset int64) (n int) {
	done := make(chan struct{})
	h.Write(path, fh, data, offset, func(m int) {
		n = m
		close(done)
	})
	<-done

	return
}

// Done drives any operation whose continuation is a DoneReply:
//
//	errno := bridgetesting.Done(func(reply fuse3.DoneReply) {
//		h.Mkdir("/dir", 0755, reply)
//	})
func Done(invoke func(reply fuse3.DoneReply)) (errno int) {
	done := make(chan struct{})
	invoke(func(e int) {
		errno = e
		close(done)
	})
	<-done

	return
}
