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

package atomicbitops

import (
	"sync/atomic"
)

// Uint64 is an atomic uint64.
//
// The zero value is zero.
type Uint64 struct {
	value uint64
}

// FromUint64 returns a Uint64 initialized to value val.
//
//go:nosplit
func FromUint64(val uint64) Uint64 {
	return Uint64{value: val}
}

// Load is analogous to atomic.LoadUint64.
//
//go:nosplit
func (u *Uint64) Load() uint64 {
	return atomic.LoadUint64(&u.value)
}

// Store is analogous to atomic.StoreUint64.
//
//go:nosplit
func (u *Uint64) Store(val uint64) {
	atomic.StoreUint64(&u.value, val)
}

// Swap is analogous to atomic.SwapUint64.
//
//go:nosplit
func (u *Uint64) Swap(val uint64) uint64 {
	return atomic.SwapUint64(&u.value, val)
}

// Add is analogous to atomic.AddUint64.
//
//go:nosplit
func (u *Uint64) Add(val uint64) uint64 {
	return atomic.AddUint64(&u.value, val)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapUint64.
//
//go:nosplit
func (u *Uint64) CompareAndSwap(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&u.value, old, new)
}

// Or atomically applies a bitwise-or of val onto the value, and returns the
// new value.
//
//go:nosplit
func (u *Uint64) Or(val uint64) uint64 {
	for {
		o := atomic.LoadUint64(&u.value)
		n := o | val
		if atomic.CompareAndSwapUint64(&u.value, o, n) {
			return n
		}
	}
}

// And atomically applies a bitwise-and of val onto the value, and returns the
// new value.
//
//go:nosplit
func (u *Uint64) And(val uint64) uint64 {
	for {
		o := atomic.LoadUint64(&u.value)
		n := o & val
		if atomic.CompareAndSwapUint64(&u.value, o, n) {
			return n
		}
	}
}
