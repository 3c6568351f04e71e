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

// Package fdtab implements the file descriptor table.
//
// Each descriptor refers to either a modern file (kernel.File) or a legacy
// vfscore file; the two kinds never alias the same descriptor.
package fdtab

import (
	"ukern.dev/ukern/pkg/errors"
	"ukern.dev/ukern/pkg/errors/linuxerr"
	"ukern.dev/ukern/pkg/kernel"
	"ukern.dev/ukern/pkg/sync"
	"ukern.dev/ukern/pkg/vfscore"
)

// FD is a file descriptor.
type FD = int32

// FDFlags define the properties of a file descriptor.
type FDFlags struct {
	// CloseOnExec indicates the descriptor should be closed on exec.
	CloseOnExec bool
}

// descriptor holds the details about a file descriptor, namely a pointer to
// the file itself and the descriptor flags.
type descriptor struct {
	file  kernel.File
	vfile *vfscore.File
	flags FDFlags
}

// Table is a set of file descriptors.
type Table struct {
	mu sync.Mutex

	// descriptors holds the file and flags for each descriptor.
	descriptors map[FD]descriptor
}

// New creates a new, empty table.
func New() *Table {
	return &Table{
		descriptors: make(map[FD]descriptor),
	}
}

// nextFD returns the lowest unused descriptor.
//
// Precondition: t.mu must be held.
func (t *Table) nextFD() FD {
	fd := FD(0)
	for {
		if _, ok := t.descriptors[fd]; !ok {
			return fd
		}
		fd++
	}
}

// NewFD installs a modern file into the table and returns its descriptor.
// The table holds its own reference on the file.
func (t *Table) NewFD(file kernel.File, flags FDFlags) (FD, error) {
	file.IncRef()
	t.mu.Lock()
	fd := t.nextFD()
	t.descriptors[fd] = descriptor{file: file, flags: flags}
	t.mu.Unlock()
	return fd, nil
}

// NewLegacyFD installs a legacy file into the table and returns its
// descriptor.
func (t *Table) NewLegacyFD(vfile *vfscore.File, flags FDFlags) (FD, error) {
	vfile.IncRef()
	t.mu.Lock()
	fd := t.nextFD()
	t.descriptors[fd] = descriptor{vfile: vfile, flags: flags}
	t.mu.Unlock()
	return fd, nil
}

// GetFile returns a reference to the modern file for fd, or nil if fd is not
// valid or refers to a legacy file. The caller must DecRef the result.
func (t *Table) GetFile(fd FD) kernel.File {
	t.mu.Lock()
	d, ok := t.descriptors[fd]
	t.mu.Unlock()
	if !ok || d.file == nil {
		return nil
	}
	d.file.IncRef()
	return d.file
}

// Get looks up fd and returns a borrowed reference to whichever kind of file
// it holds; exactly one of the results is non-nil on success. The caller
// must release the reference (DecRef on whichever is non-nil).
func (t *Table) Get(fd FD) (kernel.File, *vfscore.File, *errors.Error) {
	t.mu.Lock()
	d, ok := t.descriptors[fd]
	t.mu.Unlock()
	if !ok {
		return nil, nil, linuxerr.EBADF
	}
	if d.file != nil {
		d.file.IncRef()
		return d.file, nil, nil
	}
	d.vfile.IncRef()
	return nil, d.vfile, nil
}

// GetFlags returns the flags of fd.
func (t *Table) GetFlags(fd FD) (FDFlags, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.descriptors[fd]
	return d.flags, ok
}

// Remove closes fd, dropping the table's reference on the underlying file.
// It returns false if fd was not in the table.
func (t *Table) Remove(fd FD) bool {
	t.mu.Lock()
	d, ok := t.descriptors[fd]
	if ok {
		delete(t.descriptors, fd)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if d.file != nil {
		d.file.DecRef()
	} else {
		d.vfile.DecRef()
	}
	return true
}

// RemoveAll closes every descriptor in the table.
func (t *Table) RemoveAll() {
	t.mu.Lock()
	ds := t.descriptors
	t.descriptors = make(map[FD]descriptor)
	t.mu.Unlock()
	for _, d := range ds {
		if d.file != nil {
			d.file.DecRef()
		} else {
			d.vfile.DecRef()
		}
	}
}
