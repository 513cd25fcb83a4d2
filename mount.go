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
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/jacobsa/reqtrace"
	"github.com/winfsp/cgofuse/fuse"
)

type mountState int

const (
	stateCreated mountState = iota
	stateMounting
	stateMounted
	stateUnmounting
	stateDestroyed
	stateFailed
)

func (s mountState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateMounting:
		return "mounting"
	case stateMounted:
		return "mounted"
	case stateUnmounting:
		return "unmounting"
	case stateDestroyed:
		return "destroyed"
	case stateFailed:
		return "failed"
	}

	return fmt.Sprintf("mountState(%d)", int(s))
}

// A MountInstance represents one FUSE mount: a mount point, the Handler
// serving it, the dedicated OS thread running the kernel session, and the
// dispatcher carrying requests into the handler environment.
//
// Instances move created -> mounting -> mounted -> unmounting ->
// destroyed, with a failed detour when session setup goes wrong. A
// destroyed instance cannot be remounted.
//
// The instance holds the handler for its whole lifetime. A handler that
// wants to drive its own unmount should observe the instance through a
// non-owning reference only; the instance never becomes reachable from the
// bridge's internals through the handler.
type MountInstance struct {
	dir     string
	handler Handler

	mu sync.Mutex
	// GUARDED_BY(mu)
	state mountState

	disp *dispatcher
	host *fuse.FileSystemHost

	// Root for per-request trace spans.
	traceCtx context.Context

	// Carries the session-up signal, or the mount failure.
	ready chan error

	// Closed once the FUSE worker has exited and teardown has finished.
	joined chan struct{}
}

// New records the configuration for a mount of dir served by handler. The
// kernel is not touched until Mount.
func New(dir string, handler Handler) *MountInstance {
	return &MountInstance{
		dir:      dir,
		handler:  handler,
		state:    stateCreated,
		traceCtx: context.Background(),
		ready:    make(chan error, 1),
		joined:   make(chan struct{}),
	}
}

// Dir returns the mount point path this instance was configured with.
func (mi *MountInstance) Dir() string {
	return mi.dir
}

// IsMounted reports whether the instance is currently serving the kernel.
func (mi *MountInstance) IsMounted() bool {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	return mi.state == stateMounted
}

// serving reports whether adapters may dispatch requests for this
// instance. Once teardown has begun they must answer -EIO on their own.
func (mi *MountInstance) serving() bool {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	return mi.state == stateMounting || mi.state == stateMounted
}

func (mi *MountInstance) newTicket(op string, path string) *ticket {
	return newTicket(mi.traceCtx, op, path)
}

// Mount creates the FUSE session on a dedicated OS thread and blocks until
// the kernel mount is live or has failed. The mount point directory is
// created if missing. An instance mounts at most once.
//
// ctx bounds only the wait: on cancellation the mount attempt keeps going
// in the background and must still be unmounted if it succeeds.
func (mi *MountInstance) Mount(ctx context.Context) error {
	mi.mu.Lock()
	if mi.state != stateCreated {
		st := mi.state
		mi.mu.Unlock()
		return fmt.Errorf("mount %q: instance is %v, want created", mi.dir, st)
	}
	mi.state = stateMounting
	mi.mu.Unlock()

	if err := os.MkdirAll(mi.dir, 0755); err != nil {
		mi.abortMounting()
		return fmt.Errorf("MkdirAll: %v", err)
	}

	if err := gRegistry.register(mi.dir, mi); err != nil {
		mi.abortMounting()
		return err
	}

	if reqtrace.Enabled() {
		mi.traceCtx, _ = reqtrace.Trace(
			context.Background(), fmt.Sprintf("mount %s", mi.dir))
	}

	mi.disp = newDispatcher()
	mi.host = fuse.NewFileSystemHost(&bridgeFS{mountPoint: mi.dir})

	go mi.serveSession()

	select {
	case err := <-mi.ready:
		return err

	case <-ctx.Done():
		return ctx.Err()
	}
}

// abortMounting handles failures before the FUSE worker exists.
func (mi *MountInstance) abortMounting() {
	mi.mu.Lock()
	mi.state = stateFailed
	mi.mu.Unlock()

	close(mi.joined)
}

// serveSession is the FUSE worker: it owns the libfuse session, runs its
// single-threaded loop until exit, then drives teardown. The session stays
// on one OS thread for its whole life.
func (mi *MountInstance) serveSession() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	args := []string{
		// Single-threaded loop; the adapters rely on serialized delivery.
		"-s",
		"-o", "fsname=one.fuse3",
		"-o", "subtype=one.fuse3",
	}

	ok := mi.host.Mount(mi.dir, args)
	mi.teardown(ok)
}

// sessionReady runs on the FUSE worker thread once the kernel session is
// live, completing the mounting transition.
func (mi *MountInstance) sessionReady() {
	mi.mu.Lock()
	if mi.state == stateMounting {
		mi.state = stateMounted
	}
	mi.mu.Unlock()

	getLogger().WithField("dir", mi.dir).Debug("mounted")

	select {
	case mi.ready <- nil:
	default:
	}
}

// teardown runs on the FUSE worker after the session loop has returned,
// whether through Unmount, an external fusermount -u, or a failed mount.
func (mi *MountInstance) teardown(loopOK bool) {
	mi.mu.Lock()
	mountFailed := mi.state == stateMounting
	if mountFailed {
		mi.state = stateFailed
	} else {
		mi.state = stateUnmounting
	}
	mi.mu.Unlock()

	// Fail outstanding requests before anything else so no FUSE callback
	// stays parked on a ticket that can no longer complete.
	mi.disp.destroy()
	gRegistry.unregister(mi.dir)

	mi.mu.Lock()
	mi.state = stateDestroyed
	mi.mu.Unlock()

	if mountFailed {
		select {
		case mi.ready <- fmt.Errorf(
			"fuse: mounting %q failed; libfuse diagnostics go to stderr",
			mi.dir):
		default:
		}
	} else if !loopOK {
		getLogger().WithField("dir", mi.dir).Warn("session loop reported failure")
	}

	getLogger().WithField("dir", mi.dir).Debug("unmounted")
	close(mi.joined)
}

// Unmount tears down a mounted file system: outstanding requests are
// failed with EIO, the session is told to exit, and the FUSE worker is
// joined. Unmounting an instance that is not mounted is an error and a
// no-op.
func (mi *MountInstance) Unmount() error {
	mi.mu.Lock()
	if mi.state != stateMounted {
		st := mi.state
		mi.mu.Unlock()
		return fmt.Errorf("unmount %q: instance is %v, want mounted", mi.dir, st)
	}
	mi.state = stateUnmounting
	mi.mu.Unlock()

	// Wake any adapter parked on a ticket. The session loop is single
	// threaded, so a stalled request would otherwise hold up its exit
	// forever.
	mi.disp.failAll(-EIO)

	if !mi.host.Unmount() {
		// The loop may have exited on its own just now; that is success.
		select {
		case <-mi.joined:
			return nil
		default:
		}

		// Fall back to the external helper; the loop exits once the
		// kernel drops the mount.
		if err := UnmountPath(mi.dir); err != nil {
			return fmt.Errorf("unmount %q: %v", mi.dir, err)
		}
	}

	<-mi.joined
	return nil
}

// Join blocks until the FUSE worker has exited and teardown has finished.
// May be called multiple times.
func (mi *MountInstance) Join(ctx context.Context) error {
	select {
	case <-mi.joined:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
