// Copyright 2023 The Ukern Authors.
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

// Package ktime provides the kernel's monotonic clock.
package ktime

import (
	"math"
	"time"
)

// boot anchors the monotonic clock. Readings are always positive, so zero
// can safely mean "no deadline".
var boot = time.Now()

// NowNanoseconds returns the current monotonic time in nanoseconds. The
// epoch is arbitrary but fixed for the lifetime of the process.
func NowNanoseconds() int64 {
	return int64(time.Since(boot)) + 1
}

// DeadlineAfter returns the monotonic deadline d from now, saturating
// instead of overflowing. A non-positive d yields a deadline that has
// already passed.
func DeadlineAfter(d time.Duration) int64 {
	now := NowNanoseconds()
	if int64(d) > math.MaxInt64-now {
		return math.MaxInt64
	}
	return now + int64(d)
}
