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

// Package host provides modern files backed by host file descriptors, with
// readiness driven by the fdnotifier bridge.
package host

import (
	"golang.org/x/sys/unix"

	"ukern.dev/ukern/pkg/fdnotifier"
	"ukern.dev/ukern/pkg/refs"
	"ukern.dev/ukern/pkg/waiter"
)

// File is a modern file that wraps a host file descriptor. It implements
// kernel.File.
type File struct {
	refs.AtomicRefCount

	// fd is the host file descriptor. It is owned by this object and
	// closed when the last reference is dropped.
	fd int32

	// queue is notified by the fdnotifier bridge when the host fd becomes
	// ready.
	queue waiter.Queue
}

// NewFile creates a host-backed file for the given fd. The fd is switched
// to non-blocking mode and registered with the fdnotifier bridge; ownership
// of the fd is transferred to the returned file.
func NewFile(fd int32) (*File, error) {
	if err := unix.SetNonblock(int(fd), true); err != nil {
		return nil, err
	}
	f := &File{fd: fd}
	if err := fdnotifier.AddFD(fd, &f.queue); err != nil {
		return nil, err
	}
	return f, nil
}

// FD returns the host file descriptor.
func (f *File) FD() int32 {
	return f.fd
}

// Read reads from the host fd.
func (f *File) Read(dst []byte) (int, error) {
	return unix.Read(int(f.fd), dst)
}

// Write writes to the host fd.
func (f *File) Write(src []byte) (int, error) {
	return unix.Write(int(f.fd), src)
}

// Readiness implements waiter.Waitable.Readiness, querying the host fd's
// current state without blocking.
func (f *File) Readiness(mask waiter.EventMask) waiter.EventMask {
	return fdnotifier.NonBlockingPoll(f.fd, mask)
}

// EventRegister implements waiter.Waitable.EventRegister.
func (f *File) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	f.queue.EventRegister(e, mask)
	fdnotifier.UpdateFD(f.fd)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (f *File) EventUnregister(e *waiter.Entry) {
	f.queue.EventUnregister(e)
	fdnotifier.UpdateFD(f.fd)
}

// DecRef releases a reference on the file, closing the host fd when the
// last one is dropped.
func (f *File) DecRef() {
	f.DecRefWithDestructor(func() {
		fdnotifier.RemoveFD(f.fd)
		unix.Close(int(f.fd))
	})
}
