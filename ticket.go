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
	"sync"

	"github.com/jacobsa/reqtrace"
)

// The error used to distinguish a continuation invoked twice (fatal, the
// panic propagates) from ordinary handler panics (mapped to -EIO at the
// adapter boundary).
type doubleCompletionError struct {
	op   string
	path string
}

func (e *doubleCompletionError) Error() string {
	return fmt.Sprintf("ticket for %s %q completed twice", e.op, e.path)
}

// A ticket is the single-assignment completion slot for one in-flight
// kernel request. The adapter that allocated it parks the FUSE worker
// thread in wait; the handler's continuation seals it, possibly long after
// the handler operation itself returned and on a different goroutine.
//
// Exactly one of the payload fields is meaningful per operation; all are
// valid only once done has been closed.
type ticket struct {
	op   string
	path string

	done chan struct{}

	mu sync.Mutex
	// GUARDED_BY(mu)
	set bool

	errno int
	stat  *StatRecord
	names []string
	fh    uint64
	n     int
	data  []byte

	report reqtrace.ReportFunc
}

func newTicket(ctx context.Context, op string, path string) *ticket {
	t := &ticket{
		op:   op,
		path: path,
		done: make(chan struct{}),
	}

	if reqtrace.Enabled() {
		_, t.report = reqtrace.StartSpan(ctx, fmt.Sprintf("%s %s", op, path))
	}

	return t
}

// seal records the result and wakes the waiter. Sealing a sealed ticket is
// a programming error in the handler and aborts.
func (t *ticket) seal(errno int, assign func()) {
	t.mu.Lock()
	if t.set {
		t.mu.Unlock()
		panic(&doubleCompletionError{op: t.op, path: t.path})
	}

	t.set = true
	t.errno = errno
	if assign != nil {
		assign()
	}
	t.mu.Unlock()

	if t.report != nil {
		t.report(errnoError(errno))
	}

	close(t.done)
}

// fail seals the ticket with errno unless it is already sealed. Mount
// teardown and the handler panic barrier use this; there, losing the race
// against a continuation that did complete is fine.
func (t *ticket) fail(errno int) {
	t.mu.Lock()
	if t.set {
		t.mu.Unlock()
		return
	}

	t.set = true
	t.errno = errno
	t.mu.Unlock()

	if t.report != nil {
		t.report(errnoError(errno))
	}

	close(t.done)
}

// wait parks the caller until the ticket has been sealed.
func (t *ticket) wait() {
	<-t.done
}

////////////////////////////////////////////////////////////////////////
// Per-operation continuations
////////////////////////////////////////////////////////////////////////

func (t *ticket) complete(errno int) {
	t.seal(errno, nil)
}

func (t *ticket) completeStat(errno int, stat *StatRecord) {
	t.seal(errno, func() { t.stat = stat })
}

func (t *ticket) completeNames(errno int, names []string) {
	t.seal(errno, func() { t.names = names })
}

func (t *ticket) completeOpen(errno int, fh uint64) {
	t.seal(errno, func() { t.fh = fh })
}

func (t *ticket) completeRead(n int, data []byte) {
	if n < 0 {
		t.seal(n, nil)
		return
	}

	t.seal(0, func() {
		t.n = n
		t.data = data
	})
}

func (t *ticket) completeWrite(n int) {
	if n < 0 {
		t.seal(n, nil)
		return
	}

	t.seal(0, func() { t.n = n })
}
