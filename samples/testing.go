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

// Package samples contains example handlers for the bridge, and a fixture
// for mounting them in tests.
package samples

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	fuse3 "github.com/juergengeck/one.fuse3"
)

// A MountFixture mounts a handler on a temporary directory for the
// duration of one test. Tests that need a live kernel mount use it like:
//
//	fix := samples.NewMountFixture(t, handler)
//	... operate on fix.Dir ...
//
// The test is skipped when the host cannot serve FUSE mounts. Teardown is
// registered with the test's cleanup list and retries while the mount is
// still busy.
type MountFixture struct {
	// The directory at which the handler is mounted.
	Dir string

	mi *fuse3.MountInstance
}

func NewMountFixture(t *testing.T, handler fuse3.Handler) *MountFixture {
	t.Helper()

	if !fuse3.IsConfigured() {
		t.Skip("no fusermount binary on PATH")
	}

	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skipf("no FUSE device: %v", err)
	}

	dir, err := os.MkdirTemp("", "fuse3_sample")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}

	fix := &MountFixture{
		Dir: dir,
		mi:  fuse3.New(dir, handler),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := fix.mi.Mount(ctx); err != nil {
		os.RemoveAll(dir)
		t.Fatalf("Mount: %v", err)
	}

	t.Cleanup(func() {
		if err := fix.destroy(); err != nil {
			t.Errorf("tearing down mount: %v", err)
		}
		os.RemoveAll(dir)
	})

	return fix
}

// Instance returns the mount under test.
func (fix *MountFixture) Instance() *fuse3.MountInstance {
	return fix.mi
}

func (fix *MountFixture) destroy() (err error) {
	if !fix.mi.IsMounted() {
		return
	}

	// Unmount, retrying on "resource busy" errors.
	delay := 10 * time.Millisecond
	for {
		err = fix.mi.Unmount()
		if err == nil {
			break
		}

		if strings.Contains(err.Error(), "busy") {
			time.Sleep(delay)
			delay = time.Duration(1.3 * float64(delay))
			continue
		}

		return fmt.Errorf("Unmount: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = fix.mi.Join(ctx); err != nil {
		return fmt.Errorf("Join: %v", err)
	}

	return
}
