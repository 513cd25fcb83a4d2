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
	"errors"
	"fmt"
	"strings"

	"github.com/jacobsa/syncutil"
)

// Returned by mounting when the mount point already hosts a live instance
// (the EBUSY condition).
var ErrMountPointBusy = errors.New("mount point already in use")

// The process-wide table of live mounts, keyed by mount point. The FUSE
// callback path resolves its owning instance here; the table exists
// because the C callback signatures carry no per-call user cookie in this
// binding. Populated lazily at first mount, emptied at unmount.
//
// None of the operations block on I/O.
type registry struct {
	mu syncutil.InvariantMutex

	// INVARIANT: every value is non-nil and keyed by its own mount point
	//
	// GUARDED_BY(mu)
	instances map[string]*MountInstance
}

var gRegistry = newRegistry()

func newRegistry() *registry {
	r := &registry{
		instances: make(map[string]*MountInstance),
	}
	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)

	return r
}

// LOCKS_REQUIRED(r.mu)
func (r *registry) checkInvariants() {
	for mountPoint, in := range r.instances {
		if in == nil {
			panic(fmt.Sprintf("registry: nil instance for %q", mountPoint))
		}

		if in.Dir() != mountPoint {
			panic(fmt.Sprintf(
				"registry: instance for %q registered under %q",
				in.Dir(),
				mountPoint))
		}
	}
}

// register claims mountPoint for in. Fails with ErrMountPointBusy if the
// mount point already has a live instance.
func (r *registry) register(mountPoint string, in *MountInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[mountPoint]; ok {
		return fmt.Errorf("%w: %q", ErrMountPointBusy, mountPoint)
	}

	r.instances[mountPoint] = in
	return nil
}

// lookupForPath returns the live instance whose mount point prefixes path,
// longest prefix winning, or nil. Adapters resolve by their own mount
// point (paths inside FUSE callbacks are mount-relative), so in practice
// the argument is an exact key; the prefix rule is the contract kept for
// multi-mount use of the table.
func (r *registry) lookupForPath(path string) *MountInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *MountInstance
	bestLen := -1
	for mountPoint, in := range r.instances {
		if path != mountPoint && !strings.HasPrefix(path, mountPoint+"/") {
			continue
		}

		if len(mountPoint) > bestLen {
			best = in
			bestLen = len(mountPoint)
		}
	}

	return best
}

// unregister removes mountPoint's entry. Idempotent.
func (r *registry) unregister(mountPoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.instances, mountPoint)
}
