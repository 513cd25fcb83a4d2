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

// Package fuse3 bridges the Linux FUSE3 kernel interface to a
// user-supplied Handler implementing POSIX-style operations on a virtual
// hierarchy.
//
// Two execution domains meet here. The FUSE side is a dedicated OS thread
// running the single-threaded libfuse loop; every kernel request arrives
// there, strictly serialized. The handler side is a single goroutine (the
// handler environment) that runs submitted closures in order and admits no
// re-entry from other goroutines. Handlers complete asynchronously: each
// operation receives a continuation it may invoke long after returning.
// The bridge suspends the FUSE thread on a single-assignment ticket until
// the continuation fires, then translates the result into the out
// parameters and errno the kernel expects.
//
// Typical use:
//
//	mi := fuse3.New("/mnt/virtual", handler)
//	if err := mi.Mount(ctx); err != nil { ... }
//	defer mi.Unmount()
//
// A Handler embeds NotImplementedHandler and overrides the operations it
// supports; the rest answer ENOSYS.
package fuse3 // import "github.com/juergengeck/one.fuse3"
