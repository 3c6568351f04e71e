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

// Package epoll provides an implementation of Linux's IO event notification
// facility. See epoll(7) for more details.
//
// An EventPoll watches a set of files and reports readiness to callers of
// Wait. Watched files come in two kinds: modern files expose a wait queue
// the entry subscribes to, legacy vfscore files hand a callback block to
// their driver. Both backends feed the same per-entry pending-events word,
// which the wait loop consumes with an atomic exchange.
//
// Lock ordering: EventPoll.mu is taken exclusively by the control plane and
// shared by wait-loop scans, and is ordered before any watched file's queue
// lock. Notification callbacks run under the watched file's lock and touch
// only atomics, never EventPoll.mu.
package epoll

import (
	"time"

	"ukern.dev/ukern/pkg/abi/linux"
	"ukern.dev/ukern/pkg/atomicbitops"
	"ukern.dev/ukern/pkg/errors/linuxerr"
	"ukern.dev/ukern/pkg/kernel"
	"ukern.dev/ukern/pkg/kernel/ktime"
	"ukern.dev/ukern/pkg/refs"
	"ukern.dev/ukern/pkg/sync"
	"ukern.dev/ukern/pkg/vfscore"
	"ukern.dev/ukern/pkg/waiter"
)

// eventsMask is the set of interest bits an entry may subscribe to.
const eventsMask = linux.EPOLLIN | linux.EPOLLOUT | linux.EPOLLRDHUP |
	linux.EPOLLPRI | linux.EPOLLERR | linux.EPOLLHUP

// alwaysEvents are delivered regardless of the requested mask.
const alwaysEvents = waiter.EventErr | waiter.EventHUp

// maxInterest bounds the number of entries on one epoll's interest list,
// the analogue of Linux's max_user_watches. ADD beyond it reports ENOMEM.
const maxInterest = 1 << 16

// eventsToMask converts a user-supplied event mask to the entry's
// subscription mask. Option bits (EPOLLET and friends) are dropped and the
// unmaskable conditions are added.
func eventsToMask(events uint32) waiter.EventMask {
	return waiter.EventMaskFromLinux(events&eventsMask) | alwaysEvents
}

// pollEntry holds one (epoll, watched fd) subscription.
//
// Entries live on the EventPoll's interest list. Structural fields are
// protected by the EventPoll's lock; pending and the mask words are atomics
// because the notification path updates them without that lock.
type pollEntry struct {
	pollEntryEntry

	fd     int32
	legacy bool

	ep *EventPoll

	// userEvents is the user-supplied event mask, including option bits.
	// It is atomic because notification callbacks consult the EPOLLET and
	// EPOLLONESHOT bits without holding the epoll lock.
	userEvents atomicbitops.Uint32

	// userData is reported back verbatim with each event. Only mutated
	// under the epoll's exclusive lock.
	userData [2]int32

	// pending holds events delivered but not yet reported. Notifiers OR
	// bits in; the wait loop exchanges the word with zero to consume it.
	pending atomicbitops.Uint64

	// file is a weak reference to the watched modern file; the entry must
	// never keep the file alive. raw aliases the same file for
	// EventUnregister, which remains valid on a dying-but-not-freed file.
	file   *refs.WeakRef
	raw    kernel.File
	waiter waiter.Entry

	// vfile is the watched legacy file; the entry does not hold a
	// reference (the file evicts the entry when it is closed). cb is the
	// callback block handed to the driver, mask the subscription mask
	// EventpollSignal pushes are filtered with.
	vfile *vfscore.File
	cb    vfscore.PollCB
	mask  atomicbitops.Uint64
}

func (e *pollEntry) edgeTriggered() bool {
	return e.userEvents.Load()&linux.EPOLLET != 0
}

func (e *pollEntry) oneShot() bool {
	return e.userEvents.Load()&linux.EPOLLONESHOT != 0
}

// Callback implements waiter.EntryCallback.Callback. It runs under the
// watched file's queue lock and must not take the epoll lock.
func (e *pollEntry) Callback(w *waiter.Entry, mask waiter.EventMask) {
	e.pending.Or(uint64(mask))
	e.ep.setReady(e.edgeTriggered())
	if e.oneShot() {
		// Disarm the subscription in place; MOD re-arms it.
		w.SetMask(0)
	}
}

// Signal implements vfscore.Watcher.Signal; drivers push level-triggered
// updates through it. It must not block and must not take the epoll lock.
func (e *pollEntry) Signal(revents waiter.EventMask) {
	revents &= waiter.EventMask(e.mask.Load())
	if revents != 0 {
		e.pending.Or(uint64(revents))
		e.ep.setReady(false)
	}
}

// FileClosed implements vfscore.Watcher.FileClosed. The legacy file layer
// calls it while closing a watched file.
func (e *pollEntry) FileClosed() {
	e.ep.evict(e)
}

// pollLevel re-reads the current state of the watched file, restricted to
// the entry's interest. Used by the wait loop to re-verify level-triggered
// entries instead of trusting the backend to re-deliver an edge.
func (e *pollEntry) pollLevel() waiter.EventMask {
	mask := eventsToMask(e.userEvents.Load())
	if e.legacy {
		revents, err := e.vfile.Poll(&e.cb)
		if err != nil {
			return waiter.EventErr
		}
		return revents & mask
	}
	file := e.file.Get()
	if file == nil {
		// The watched file is gone; nothing can be pending.
		return 0
	}
	revents := file.(kernel.File).Readiness(mask)
	file.DecRef()
	return revents
}

// disarm clears the entry's subscription mask so no further notifications
// are delivered until MOD re-arms it.
func (e *pollEntry) disarm() {
	if e.legacy {
		e.mask.Store(0)
	} else {
		e.waiter.SetMask(0)
	}
}

// unregister detaches the entry's subscription from its watched file. For
// modern files the wait queue outlives the file's destruction, so this is
// valid even when the weak reference can no longer be upgraded.
func (e *pollEntry) unregister() {
	if e.legacy {
		if e.cb.Unregister != nil {
			e.cb.Unregister(&e.cb)
		}
		e.vfile.WatcherUnregister(&e.cb)
		return
	}
	e.raw.EventUnregister(&e.waiter)
	e.file.Drop()
}

// EventPoll holds the state of an event poll object. It implements
// kernel.File so that it can be installed in an fd table and watched by an
// outer poller, including another EventPoll.
type EventPoll struct {
	refs.AtomicRefCount

	// q is notified when the epoll object becomes readable. Both Wait
	// callers and outer pollers register here.
	q waiter.Queue

	// ready is the single-bit level signal "at least one entry may have
	// new pending events". Transient false positives are fine; a false
	// negative would lose a wakeup.
	ready atomicbitops.Bool

	// mu serializes structural mutation of the interest list (exclusive)
	// against wait-loop scans (shared). The notification path never takes
	// it.
	mu sync.RWMutex

	// interest is the list of watched entries, scanned in insertion
	// order. Entry fds are unique within the list. nentries counts them,
	// bounded by maxInterest.
	interest pollEntryList
	nentries int
}

// New creates a new EventPoll object with a single reference.
func New() *EventPoll {
	return &EventPoll{}
}

// DecRef releases a reference on the epoll object. Dropping the last
// reference unregisters every subscription and frees the interest list.
func (ep *EventPoll) DecRef() {
	ep.DecRefWithDestructor(ep.release)
}

func (ep *EventPoll) release() {
	ep.mu.Lock()
	for !ep.interest.Empty() {
		e := ep.interest.Front()
		ep.interest.Remove(e)
		e.unregister()
	}
	ep.nentries = 0
	ep.mu.Unlock()
}

// Readiness implements waiter.Waitable.Readiness, the non-blocking poll of
// the epoll object itself.
func (ep *EventPoll) Readiness(mask waiter.EventMask) waiter.EventMask {
	if mask&waiter.EventIn != 0 && ep.ready.Load() {
		return waiter.EventIn
	}
	return 0
}

// EventRegister implements waiter.Waitable.EventRegister.
func (ep *EventPoll) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	ep.q.EventRegister(e, mask)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (ep *EventPoll) EventUnregister(e *waiter.Entry) {
	ep.q.EventUnregister(e)
}

// setReady marks the epoll object readable and wakes waiters: exactly one
// for an edge-triggered source, all of them otherwise.
func (ep *EventPoll) setReady(edge bool) {
	ep.ready.Store(true)
	if edge {
		ep.q.NotifyOne(waiter.EventIn)
	} else {
		ep.q.Notify(waiter.EventIn)
	}
}

// findEntry returns the entry with the given fd, or nil.
//
// Precondition: ep.mu must be held.
func (ep *EventPoll) findEntry(fd int32) *pollEntry {
	for e := ep.interest.Front(); e != nil; e = e.Next() {
		if e.fd == fd {
			return e
		}
	}
	return nil
}

// AddEntry adds a subscription for a modern file under the given fd.
func (ep *EventPoll) AddEntry(fd int32, file kernel.File, event linux.EpollEvent) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.findEntry(fd) != nil {
		return linuxerr.EEXIST
	}
	if ep.nentries >= maxInterest {
		return linuxerr.ENOMEM
	}

	e := &pollEntry{
		fd:         fd,
		ep:         ep,
		userEvents: atomicbitops.FromUint32(event.Events),
		userData:   event.Data,
		raw:        file,
		file:       refs.NewWeakRef(file, nil),
	}
	e.waiter.Callback = e
	ep.interest.PushBack(e)
	ep.nentries++

	// Register for updates, then pick up any condition that is already
	// active, so ADD never misses a pre-existing ready state.
	mask := eventsToMask(event.Events)
	file.EventRegister(&e.waiter, mask)
	if ev := file.Readiness(mask); ev != 0 {
		e.pending.Or(uint64(ev))
		ep.setReady(e.edgeTriggered())
	}
	return nil
}

// AddLegacyEntry adds a subscription for a legacy vfscore file under the
// given fd.
func (ep *EventPoll) AddLegacyEntry(fd int32, vfile *vfscore.File, event linux.EpollEvent) error {
	if !vfile.Pollable() {
		return linuxerr.EINVAL
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.findEntry(fd) != nil {
		return linuxerr.EEXIST
	}
	if ep.nentries >= maxInterest {
		return linuxerr.ENOMEM
	}

	e := &pollEntry{
		fd:         fd,
		legacy:     true,
		ep:         ep,
		userEvents: atomicbitops.FromUint32(event.Events),
		userData:   event.Data,
		vfile:      vfile,
	}
	e.mask.Store(uint64(eventsToMask(event.Events)))
	e.cb.Init(e)
	ep.interest.PushBack(e)
	ep.nentries++

	ep.legacyPollRegister(e)
	return nil
}

// legacyPollRegister polls the driver, attaches the callback block to the
// file, and arms any events already active. A driver failure arms EPOLLERR
// instead of failing the operation, so the caller learns of it via Wait
// rather than having a transient driver error masked.
//
// Precondition: ep.mu must be held exclusively.
func (ep *EventPoll) legacyPollRegister(e *pollEntry) {
	revents, err := e.vfile.Poll(&e.cb)
	if err != nil {
		e.pending.Or(uint64(waiter.EventErr))
		ep.setReady(false)
		return
	}
	e.vfile.WatcherRegister(&e.cb)
	revents &= waiter.EventMask(e.mask.Load())
	if revents != 0 {
		e.pending.Or(uint64(revents))
		ep.setReady(false)
	}
}

// UpdateEntry changes the event mask and user data of an existing
// subscription, dropping any pending events it may have accumulated.
func (ep *EventPoll) UpdateEntry(fd int32, event linux.EpollEvent) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	e := ep.findEntry(fd)
	if e == nil {
		return linuxerr.ENOENT
	}

	mask := eventsToMask(event.Events)
	if e.legacy {
		e.pending.Store(0)
		e.mask.Store(uint64(mask))
		e.userEvents.Store(event.Events)
		e.userData = event.Data
		// Re-invoke the vnode poll so the driver observes the new
		// interest; this also re-arms conditions that are still active.
		ep.legacyPollRegister(e)
		return nil
	}

	// Swap the subscription mask in place, then drop stale pending events
	// and store the new event.
	e.waiter.SetMask(mask)
	e.pending.Store(0)
	e.userEvents.Store(event.Events)
	e.userData = event.Data

	// Pick up conditions already active under the new mask, so a re-armed
	// one-shot or level-triggered entry fires without a fresh edge.
	if file := e.file.Get(); file != nil {
		if ev := file.(kernel.File).Readiness(mask); ev != 0 {
			e.pending.Or(uint64(ev))
			ep.setReady(e.edgeTriggered())
		}
		file.DecRef()
	}
	return nil
}

// RemoveEntry removes the subscription under the given fd.
func (ep *EventPoll) RemoveEntry(fd int32) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	e := ep.findEntry(fd)
	if e == nil {
		return linuxerr.ENOENT
	}
	ep.interest.Remove(e)
	ep.nentries--
	e.unregister()
	return nil
}

// evict removes e after its watched legacy file was closed. The file layer
// has already detached the callback block from its own list.
func (ep *EventPoll) evict(e *pollEntry) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	// The entry may have been removed by a concurrent DEL or release.
	for it := ep.interest.Front(); it != nil; it = it.Next() {
		if it == e {
			ep.interest.Remove(e)
			ep.nentries--
			e.unregister()
			return
		}
	}
}

// waitReadyUntil blocks until the readiness bit is observed set or the
// monotonic deadline (in ktime nanoseconds; 0 means no deadline) passes.
// It returns whether the epoll became ready.
func (ep *EventPoll) waitReadyUntil(deadline int64) bool {
	if ep.ready.Load() {
		return true
	}
	if deadline != 0 && ktime.NowNanoseconds() >= deadline {
		return false
	}

	w, ch := waiter.NewChannelEntry(nil)
	ep.q.EventRegister(&w, waiter.EventIn)
	defer ep.q.EventUnregister(&w)

	// Re-check after registering; the bit may have been set in between.
	for !ep.ready.Load() {
		if deadline == 0 {
			<-ch
			continue
		}
		now := ktime.NowNanoseconds()
		if now >= deadline {
			return false
		}
		t := time.NewTimer(time.Duration(deadline - now))
		select {
		case <-ch:
			t.Stop()
		case <-t.C:
			return ep.ready.Load()
		}
	}
	return true
}

// Wait blocks until the epoll object becomes ready or the monotonic
// deadline (in ktime nanoseconds; 0 means no deadline) passes, then reports
// up to len(events) pending events. It returns the number of events
// written, 0 on timeout.
func (ep *EventPoll) Wait(events []linux.EpollEvent, deadline int64) int {
	for ep.waitReadyUntil(deadline) {
		// Consume the readiness bit before scanning; notifications that
		// arrive during the scan set it again.
		ep.ready.Store(false)

		nout := 0
		levelRemains := false
		ep.mu.RLock()
		for e := ep.interest.Front(); e != nil && nout < len(events); e = e.Next() {
			revents := waiter.EventMask(e.pending.Swap(0))
			if revents == 0 {
				continue
			}
			if e.oneShot() {
				// Deliver once and disarm, covering the case where the
				// events were armed directly by ADD or MOD and never
				// went through a backend callback.
				e.disarm()
			} else if !e.edgeTriggered() {
				// Level-triggered: re-verify against the file's current
				// state rather than trusting the backend to re-deliver
				// the same edge. The exchange above happened first, so a
				// notification racing with this re-check sets both
				// pending and the readiness bit again and nothing is
				// lost.
				revents = e.pollLevel()
				if revents == 0 {
					continue
				}
				levelRemains = true
				e.pending.Or(uint64(revents))
			}
			events[nout] = linux.EpollEvent{
				Events: revents.ToLinux(),
				Data:   e.userData,
			}
			nout++
		}
		ep.mu.RUnlock()

		// Some level-triggered entry still has its condition pending, or
		// the output buffer filled up and further entries may not have
		// been scanned; either way the next waiter must not block. A
		// transient false positive on the readiness bit is fine.
		if levelRemains || nout == len(events) {
			ep.setReady(false)
		}

		if nout > 0 {
			return nout
		}
		// Spurious wakeup; wait again.
	}
	return 0
}
