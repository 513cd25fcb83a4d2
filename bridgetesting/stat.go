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

// Package bridgetesting provides test helpers for filesystem handlers:
// oglematchers over stat records and synchronous drivers for the
// continuation-style Handler contract.
package bridgetesting

import (
	"fmt"
	"reflect"

	"github.com/jacobsa/oglematchers"

	fuse3 "github.com/juergengeck/one.fuse3"
)

func statRecord(c interface{}) (*fuse3.StatRecord, error) {
	rec, ok := c.(*fuse3.StatRecord)
	if !ok {
		return nil, fmt.Errorf("which is of type %v", reflect.TypeOf(c))
	}

	if rec == nil {
		return nil, fmt.Errorf("which is a nil record")
	}

	return rec, nil
}

// Match *fuse3.StatRecord values with the given mode, type bits included.
func ModeIs(expected uint32) oglematchers.Matcher {
	return oglematchers.NewMatcher(
		func(c interface{}) error {
			rec, err := statRecord(c)
			if err != nil {
				return err
			}

			if rec.Mode != expected {
				return fmt.Errorf("which has mode %#o", rec.Mode)
			}

			return nil
		},
		fmt.Sprintf("mode is %#o", expected))
}

// Match *fuse3.StatRecord values with the given size.
func SizeIs(expected int64) oglematchers.Matcher {
	return oglematchers.NewMatcher(
		func(c interface{}) error {
			rec, err := statRecord(c)
			if err != nil {
				return err
			}

			if rec.Size != expected {
				return fmt.Errorf("which has size %v", rec.Size)
			}

			return nil
		},
		fmt.Sprintf("size is %v", expected))
}

// Match *fuse3.StatRecord values with the given mtime, in epoch seconds.
func MtimeIs(expected int64) oglematchers.Matcher {
	return oglematchers.NewMatcher(
		func(c interface{}) error {
			rec, err := statRecord(c)
			if err != nil {
				return err
			}

			if rec.Mtime != expected {
				return fmt.Errorf(
					"which has mtime %v, off by %v",
					rec.Mtime,
					rec.Mtime-expected)
			}

			return nil
		},
		fmt.Sprintf("mtime is %v", expected))
}
