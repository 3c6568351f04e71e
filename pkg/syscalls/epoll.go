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

// Package syscalls implements the system-call surface of the event-polling
// facility. The dispatch trampolines live elsewhere; these functions take
// decoded arguments and a file descriptor table.
package syscalls

import (
	"time"

	"ukern.dev/ukern/pkg/abi/linux"
	"ukern.dev/ukern/pkg/errors/linuxerr"
	"ukern.dev/ukern/pkg/kernel/epoll"
	"ukern.dev/ukern/pkg/kernel/fdtab"
	"ukern.dev/ukern/pkg/kernel/ktime"
	"ukern.dev/ukern/pkg/log"
)

// Applying a signal mask for the duration of a wait is not implemented; the
// rejection is logged, but not more than once in a while.
var sigmaskLogger = log.BasicRateLimitedLogger(5 * time.Minute)

// EpollCreate implements the epoll_create(2) syscall.
func EpollCreate(t *fdtab.Table, size int32) (fdtab.FD, error) {
	// "Since Linux 2.6.8, the size argument is ignored, but must be
	// greater than zero" - epoll_create(2)
	if size <= 0 {
		return 0, linuxerr.EINVAL
	}
	return createEpoll(t, 0)
}

// EpollCreate1 implements the epoll_create1(2) syscall.
func EpollCreate1(t *fdtab.Table, flags int32) (fdtab.FD, error) {
	if flags&^linux.EPOLL_CLOEXEC != 0 {
		return 0, linuxerr.EINVAL
	}
	return createEpoll(t, flags)
}

func createEpoll(t *fdtab.Table, flags int32) (fdtab.FD, error) {
	file := epoll.New()
	defer file.DecRef()

	fd, err := t.NewFD(file, fdtab.FDFlags{
		CloseOnExec: flags&linux.EPOLL_CLOEXEC != 0,
	})
	if err != nil {
		return 0, err
	}
	return fd, nil
}

// EpollCtl implements the epoll_ctl(2) syscall.
func EpollCtl(t *fdtab.Table, epfd fdtab.FD, op int32, fd fdtab.FD, event *linux.EpollEvent) error {
	epfile := t.GetFile(epfd)
	if epfile == nil {
		return linuxerr.EBADF
	}
	defer epfile.DecRef()
	ep, ok := epfile.(*epoll.EventPoll)
	if !ok {
		return linuxerr.EINVAL
	}

	file, vfile, lerr := t.Get(fd)
	if lerr != nil {
		return lerr
	}
	defer func() {
		if file != nil {
			file.DecRef()
		} else {
			vfile.DecRef()
		}
	}()
	if file == epfile {
		return linuxerr.EINVAL
	}

	switch op {
	case linux.EPOLL_CTL_ADD:
		if event == nil {
			return linuxerr.EFAULT
		}
		if vfile != nil {
			return ep.AddLegacyEntry(fd, vfile, *event)
		}
		return ep.AddEntry(fd, file, *event)
	case linux.EPOLL_CTL_MOD:
		if event == nil {
			return linuxerr.EFAULT
		}
		return ep.UpdateEntry(fd, *event)
	case linux.EPOLL_CTL_DEL:
		return ep.RemoveEntry(fd)
	default:
		return linuxerr.EINVAL
	}
}

// waitDeadline validates the wait arguments and runs the wait loop against
// the given monotonic deadline (0 means no deadline).
func waitDeadline(t *fdtab.Table, epfd fdtab.FD, events []linux.EpollEvent, maxEvents int, deadline int64) (int, error) {
	if events == nil {
		return 0, linuxerr.EFAULT
	}
	if maxEvents <= 0 || maxEvents > len(events) {
		return 0, linuxerr.EINVAL
	}

	epfile := t.GetFile(epfd)
	if epfile == nil {
		return 0, linuxerr.EBADF
	}
	defer epfile.DecRef()
	ep, ok := epfile.(*epoll.EventPoll)
	if !ok {
		return 0, linuxerr.EINVAL
	}

	return ep.Wait(events[:maxEvents], deadline), nil
}

// msDeadline converts an epoll_wait millisecond timeout to a monotonic
// deadline. A negative timeout means block indefinitely; zero means poll
// without blocking.
func msDeadline(timeoutMS int) int64 {
	switch {
	case timeoutMS < 0:
		return 0
	case timeoutMS == 0:
		return ktime.NowNanoseconds()
	default:
		return ktime.DeadlineAfter(time.Duration(timeoutMS) * time.Millisecond)
	}
}

// EpollWait implements the epoll_wait(2) syscall.
func EpollWait(t *fdtab.Table, epfd fdtab.FD, events []linux.EpollEvent, maxEvents int, timeoutMS int) (int, error) {
	return waitDeadline(t, epfd, events, maxEvents, msDeadline(timeoutMS))
}

// EpollPwait implements the epoll_pwait(2) syscall. Signal mask application
// for the duration of the wait is not implemented; a non-null mask is
// rejected.
func EpollPwait(t *fdtab.Table, epfd fdtab.FD, events []linux.EpollEvent, maxEvents int, timeoutMS int, sigmask *linux.SignalSet) (int, error) {
	if sigmask != nil {
		sigmaskLogger.Warningf("epoll_pwait: signal mask application is not supported")
		return 0, linuxerr.ENOSYS
	}
	return EpollWait(t, epfd, events, maxEvents, timeoutMS)
}

// EpollPwait2 implements the epoll_pwait2(2) syscall, which takes a
// nanosecond-resolution timeout. A nil timeout blocks indefinitely.
func EpollPwait2(t *fdtab.Table, epfd fdtab.FD, events []linux.EpollEvent, maxEvents int, timeout *linux.Timespec, sigmask *linux.SignalSet) (int, error) {
	if sigmask != nil {
		sigmaskLogger.Warningf("epoll_pwait2: signal mask application is not supported")
		return 0, linuxerr.ENOSYS
	}

	var deadline int64
	if timeout != nil {
		if !timeout.Valid() {
			return 0, linuxerr.EINVAL
		}
		deadline = ktime.DeadlineAfter(timeout.ToDuration())
	}
	return waitDeadline(t, epfd, events, maxEvents, deadline)
}
