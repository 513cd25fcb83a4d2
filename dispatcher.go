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
	"bytes"
	"fmt"
	"runtime"
	"strconv"

	"github.com/jacobsa/syncutil"
)

// A dispatcher owns one mount's handler environment: a dedicated goroutine
// that runs submitted closures strictly in submission order. User handler
// code runs only there; no other goroutine may enter it.
//
// Submission is decoupled from request completion. callInHandlerEnv
// returns once the closure itself has run; the closure typically starts an
// asynchronous handler operation whose continuation seals a ticket much
// later. The FUSE worker blocks on the ticket, not on the submission.
type dispatcher struct {
	submissions chan func()

	// Closed to ask the environment goroutine to exit.
	stop chan struct{}

	// Closed once the environment goroutine has exited. Submissions
	// observing this fail immediately instead of deadlocking.
	stopped chan struct{}

	// Closed once the environment goroutine has recorded its identity.
	started chan struct{}

	// The handler environment goroutine's id. Valid after started is
	// closed. Used only to abort on forbidden re-entry.
	envGID uint64

	mu syncutil.InvariantMutex

	// Tickets currently awaiting completion.
	//
	// INVARIANT: if torndown, then len(outstanding) == 0
	//
	// GUARDED_BY(mu)
	outstanding map[*ticket]struct{}

	// GUARDED_BY(mu)
	torndown bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		submissions: make(chan func()),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		started:     make(chan struct{}),
		outstanding: make(map[*ticket]struct{}),
	}
	d.mu = syncutil.NewInvariantMutex(d.checkInvariants)

	go d.run()
	<-d.started

	return d
}

// LOCKS_REQUIRED(d.mu)
func (d *dispatcher) checkInvariants() {
	if d.torndown && len(d.outstanding) != 0 {
		panic(fmt.Sprintf(
			"dispatcher: %d tickets outstanding after teardown",
			len(d.outstanding)))
	}
}

// run is the handler environment.
func (d *dispatcher) run() {
	d.envGID = currentGID()
	close(d.started)

	defer close(d.stopped)
	for {
		select {
		case f := <-d.submissions:
			f()

		case <-d.stop:
			return
		}
	}
}

// callInHandlerEnv runs f on the handler environment's goroutine, blocking
// the caller until f has returned. Safe from any goroutine except the
// handler environment's own, where it would deadlock; that case aborts.
//
// After teardown the call fails immediately with -EIO.
func (d *dispatcher) callInHandlerEnv(f func()) int {
	if currentGID() == d.envGID {
		panic("callInHandlerEnv invoked from the handler environment")
	}

	ran := make(chan struct{})
	wrapped := func() {
		defer close(ran)
		f()
	}

	select {
	case d.submissions <- wrapped:
	case <-d.stopped:
		return -EIO
	}

	select {
	case <-ran:
		return 0
	case <-d.stopped:
		// The environment may have finished f just as it was stopped;
		// completion wins that race.
		select {
		case <-ran:
			return 0
		default:
			return -EIO
		}
	}
}

// track registers a ticket whose completion is pending. If teardown has
// already happened the ticket is failed on the spot, so the adapter's wait
// returns immediately.
func (d *dispatcher) track(t *ticket) {
	d.mu.Lock()
	if d.torndown {
		d.mu.Unlock()
		t.fail(-EIO)
		return
	}

	d.outstanding[t] = struct{}{}
	d.mu.Unlock()
}

func (d *dispatcher) untrack(t *ticket) {
	d.mu.Lock()
	delete(d.outstanding, t)
	d.mu.Unlock()
}

// failAll seals every outstanding ticket with errno, waking the FUSE
// worker if it is parked on one of them. Sealed tickets are unaffected.
func (d *dispatcher) failAll(errno int) {
	d.mu.Lock()
	pending := make([]*ticket, 0, len(d.outstanding))
	for t := range d.outstanding {
		pending = append(pending, t)
		delete(d.outstanding, t)
	}
	d.mu.Unlock()

	for _, t := range pending {
		t.fail(errno)
	}
}

// destroy tears down the handler environment. Outstanding tickets are
// failed with -EIO before it returns; later submissions fail immediately.
// Idempotent.
func (d *dispatcher) destroy() {
	d.mu.Lock()
	if d.torndown {
		d.mu.Unlock()
		return
	}

	pending := make([]*ticket, 0, len(d.outstanding))
	for t := range d.outstanding {
		pending = append(pending, t)
		delete(d.outstanding, t)
	}
	d.torndown = true
	d.mu.Unlock()

	for _, t := range pending {
		t.fail(-EIO)
	}

	close(d.stop)
	<-d.stopped
}

// currentGID returns the id of the calling goroutine, parsed from the
// runtime.Stack header. Nothing is scheduled by id; it backs only the
// fatal re-entry check above.
func currentGID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))

	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		panic(fmt.Sprintf("currentGID: unexpected stack header: %q", buf))
	}

	id, err := strconv.ParseUint(string(buf[:i]), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("currentGID: ParseUint: %v", err))
	}

	return id
}
