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

// Package vfscore implements the legacy vnode file layer.
//
// Legacy files do not participate in the modern weak-reference lifecycle.
// Instead, a file that is being closed actively evicts any event-poll
// subscriptions attached to it (see NotifyClose), which is the only path
// where a watched file reaches back into its watchers.
package vfscore

import (
	"sync/atomic"

	"ukern.dev/ukern/pkg/sync"
	"ukern.dev/ukern/pkg/waiter"
)

// Vnode is the driver-side node behind a legacy file.
type Vnode interface {
	// Poll registers cb with the driver and returns the events currently
	// active on the node. The driver keeps cb and pushes updates through
	// EventpollSignal until cb's Unregister hook is invoked. Poll may be
	// called again with the same cb to refresh the driver's view of the
	// caller's interest; drivers must tolerate that.
	Poll(cb *PollCB) (waiter.EventMask, error)
}

// Watcher is the subscriber half of a PollCB: the object that owns the
// callback block and consumes event pushes.
type Watcher interface {
	// Signal delivers newly active events from the driver.
	//
	// Signal may be called from arbitrary contexts, including under
	// driver locks; it must not block.
	Signal(revents waiter.EventMask)

	// FileClosed tears the subscription down because the watched file is
	// being closed.
	FileClosed()
}

// PollCB is the callback control block a watcher hands to a driver through
// Vnode.Poll. Drivers treat it as opaque apart from Unregister and Data.
type PollCB struct {
	pollCBEntry

	// watcher receives Signal/FileClosed calls. It is set once via Init
	// before the block is handed to a driver.
	watcher Watcher

	// Unregister is installed by the driver when it stores the block on
	// its own list; it is invoked exactly once when the subscription is
	// torn down. May be nil if the driver needs no teardown.
	Unregister func(cb *PollCB)

	// Data is driver-private state.
	Data any
}

// Init associates cb with its watcher.
func (cb *PollCB) Init(w Watcher) {
	cb.watcher = w
}

// EventpollSignal is called by drivers to push level-triggered event updates
// to whoever registered cb.
func EventpollSignal(cb *PollCB, revents waiter.EventMask) {
	if w := cb.watcher; w != nil {
		w.Signal(revents)
	}
}

// File is a legacy open file backed by a Vnode.
type File struct {
	// refCount counts fd-table and borrowed references. When it reaches
	// zero the file evicts its watchers.
	refCount int64

	vnode Vnode

	// epMu protects watchers below.
	epMu sync.Mutex

	// watchers is the list of event-poll callback blocks attached to this
	// file (the f_ep list).
	watchers pollCBList
}

// NewFile creates a legacy file for the given vnode with a single reference.
// A nil vnode produces a file that does not support polling.
func NewFile(vnode Vnode) *File {
	return &File{
		refCount: 1,
		vnode:    vnode,
	}
}

// Pollable returns whether the file supports polling.
func (f *File) Pollable() bool {
	return f.vnode != nil
}

// Poll invokes the vnode's poll operation with the given callback block.
func (f *File) Poll(cb *PollCB) (waiter.EventMask, error) {
	return f.vnode.Poll(cb)
}

// IncRef acquires a reference on the file.
func (f *File) IncRef() {
	if v := atomic.AddInt64(&f.refCount, 1); v <= 1 {
		panic("Incrementing non-positive ref count")
	}
}

// DecRef releases a reference on the file. Dropping the last reference
// closes the file, which evicts any attached event-poll subscriptions.
func (f *File) DecRef() {
	switch v := atomic.AddInt64(&f.refCount, -1); {
	case v < 0:
		panic("Decrementing non-positive ref count")
	case v == 0:
		f.NotifyClose()
	}
}

// WatcherRegister attaches cb to the file's watcher list. The caller must
// have already registered cb with the driver via Poll. Re-registering an
// attached block (a MOD re-polling the driver) is a no-op.
func (f *File) WatcherRegister(cb *PollCB) {
	f.epMu.Lock()
	if cb.Next() == nil && cb.Prev() == nil && f.watchers.Front() != cb {
		f.watchers.PushBack(cb)
	}
	f.epMu.Unlock()
}

// WatcherUnregister detaches cb from the file's watcher list. It is a no-op
// if cb has already been detached (e.g. by NotifyClose).
func (f *File) WatcherUnregister(cb *PollCB) {
	f.epMu.Lock()
	if cb.Next() != nil || cb.Prev() != nil || f.watchers.Front() == cb {
		f.watchers.Remove(cb)
	}
	f.epMu.Unlock()
}

// NotifyClose evicts every event-poll subscription attached to the file.
// Watchers are detached from the list first so that the FileClosed callbacks
// run without epMu held; those callbacks take their epoll's own lock.
func (f *File) NotifyClose() {
	f.epMu.Lock()
	var ws []Watcher
	for !f.watchers.Empty() {
		cb := f.watchers.Front()
		f.watchers.Remove(cb)
		if cb.watcher != nil {
			ws = append(ws, cb.watcher)
		}
	}
	f.epMu.Unlock()

	for _, w := range ws {
		w.FileClosed()
	}
}
