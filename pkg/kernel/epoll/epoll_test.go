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

package epoll

import (
	"testing"
	"time"

	"ukern.dev/ukern/pkg/abi/linux"
	"ukern.dev/ukern/pkg/errors/linuxerr"
	"ukern.dev/ukern/pkg/kernel/ktime"
	"ukern.dev/ukern/pkg/refs"
	"ukern.dev/ukern/pkg/sync"
	"ukern.dev/ukern/pkg/vfscore"
	"ukern.dev/ukern/pkg/waiter"
)

// testFile is a modern file whose readiness is driven by the test.
type testFile struct {
	refs.AtomicRefCount
	q waiter.Queue

	mu    sync.Mutex
	state waiter.EventMask
}

func newTestFile() *testFile {
	return &testFile{}
}

func (f *testFile) Readiness(mask waiter.EventMask) waiter.EventMask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state & mask
}

func (f *testFile) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	f.q.EventRegister(e, mask)
}

func (f *testFile) EventUnregister(e *waiter.Entry) {
	f.q.EventUnregister(e)
}

// set makes ev active and notifies subscribers of the transition.
func (f *testFile) set(ev waiter.EventMask) {
	f.mu.Lock()
	f.state |= ev
	f.mu.Unlock()
	f.q.Notify(ev)
}

// clear makes ev inactive.
func (f *testFile) clear(ev waiter.EventMask) {
	f.mu.Lock()
	f.state &^= ev
	f.mu.Unlock()
}

// testVnode is a legacy driver node whose level state is driven by the test.
type testVnode struct {
	mu      sync.Mutex
	state   waiter.EventMask
	cbs     []*vfscore.PollCB
	pollErr error
}

func (v *testVnode) Poll(cb *vfscore.PollCB) (waiter.EventMask, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pollErr != nil {
		return 0, v.pollErr
	}
	for _, c := range v.cbs {
		if c == cb {
			return v.state, nil
		}
	}
	v.cbs = append(v.cbs, cb)
	return v.state, nil
}

// set makes ev active and pushes the update to registered callbacks.
func (v *testVnode) set(ev waiter.EventMask) {
	v.mu.Lock()
	v.state |= ev
	cbs := append([]*vfscore.PollCB(nil), v.cbs...)
	v.mu.Unlock()
	for _, cb := range cbs {
		vfscore.EventpollSignal(cb, ev)
	}
}

// clear makes ev inactive. Legacy drivers push no "deasserted" updates; the
// level re-verification in the wait loop observes the change.
func (v *testVnode) clear(ev waiter.EventMask) {
	v.mu.Lock()
	v.state &^= ev
	v.mu.Unlock()
}

func shortDeadline() int64 {
	return ktime.DeadlineAfter(50 * time.Millisecond)
}

func TestBasicReady(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()

	if err := ep.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN, Data: [2]int32{42, 7}}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	f.set(waiter.EventIn)

	var events [4]linux.EpollEvent
	n := ep.Wait(events[:], 0)
	if n != 1 {
		t.Fatalf("Wait: got %d events, wanted 1", n)
	}
	if events[0].Events&linux.EPOLLIN == 0 {
		t.Errorf("Wait: events %#x missing EPOLLIN", events[0].Events)
	}
	if events[0].Data != [2]int32{42, 7} {
		t.Errorf("Wait: data %v, wanted {42, 7}", events[0].Data)
	}
}

func TestTimeout(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()

	if err := ep.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	var events [4]linux.EpollEvent
	start := time.Now()
	n := ep.Wait(events[:], shortDeadline())
	if n != 0 {
		t.Fatalf("Wait: got %d events, wanted 0", n)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Wait returned after %v, wanted >= 50ms", elapsed)
	}
}

func TestNonBlocking(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()

	if err := ep.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	// A deadline that has already passed polls without blocking.
	var events [4]linux.EpollEvent
	if n := ep.Wait(events[:], ktime.NowNanoseconds()); n != 0 {
		t.Fatalf("Wait: got %d events, wanted 0", n)
	}

	f.set(waiter.EventIn)
	if n := ep.Wait(events[:], ktime.NowNanoseconds()); n != 1 {
		t.Fatalf("Wait: got %d events, wanted 1", n)
	}
}

func TestPreExistingReady(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()
	f.set(waiter.EventIn)

	// ADD must pick up a condition that was already active.
	if err := ep.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	var events [4]linux.EpollEvent
	if n := ep.Wait(events[:], 0); n != 1 {
		t.Fatalf("Wait: got %d events, wanted 1", n)
	}
}

func TestEdgeTriggeredNoRefire(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()
	f.set(waiter.EventIn)

	if err := ep.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN | linux.EPOLLET}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	var events [4]linux.EpollEvent
	if n := ep.Wait(events[:], 0); n != 1 {
		t.Fatalf("Wait: got %d events, wanted 1", n)
	}

	// Without draining the file, an edge-triggered entry must not re-fire.
	if n := ep.Wait(events[:], shortDeadline()); n != 0 {
		t.Fatalf("second Wait: got %d events, wanted 0", n)
	}

	// A new edge fires again.
	f.set(waiter.EventIn)
	if n := ep.Wait(events[:], 0); n != 1 {
		t.Fatalf("third Wait: got %d events, wanted 1", n)
	}
}

func TestLevelTriggeredRefire(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()
	f.set(waiter.EventIn)

	if err := ep.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	var events [4]linux.EpollEvent
	for i := 0; i < 2; i++ {
		if n := ep.Wait(events[:], 0); n != 1 {
			t.Fatalf("Wait %d: got %d events, wanted 1", i, n)
		}
	}

	// Once the condition goes away, so do the events.
	f.clear(waiter.EventIn)
	if n := ep.Wait(events[:], shortDeadline()); n != 0 {
		t.Fatalf("Wait after clear: got %d events, wanted 0", n)
	}
}

func TestOneShot(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()

	if err := ep.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN | linux.EPOLLONESHOT}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	f.set(waiter.EventIn)
	f.set(waiter.EventIn)

	var events [4]linux.EpollEvent
	if n := ep.Wait(events[:], 0); n != 1 {
		t.Fatalf("Wait: got %d events, wanted 1", n)
	}

	// Disarmed: further transitions are not delivered.
	f.set(waiter.EventIn)
	if n := ep.Wait(events[:], shortDeadline()); n != 0 {
		t.Fatalf("Wait while disarmed: got %d events, wanted 0", n)
	}

	// MOD re-arms; the still-active condition fires without a new edge.
	if err := ep.UpdateEntry(4, linux.EpollEvent{Events: linux.EPOLLIN | linux.EPOLLONESHOT}); err != nil {
		t.Fatalf("UpdateEntry: %v", err)
	}
	if n := ep.Wait(events[:], 0); n != 1 {
		t.Fatalf("Wait after MOD: got %d events, wanted 1", n)
	}
}

func TestDuplicateAdd(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()
	ev := linux.EpollEvent{Events: linux.EPOLLIN}

	if err := ep.AddEntry(4, f, ev); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := ep.AddEntry(4, f, ev); err != linuxerr.EEXIST {
		t.Fatalf("duplicate AddEntry: got %v, wanted EEXIST", err)
	}
	if err := ep.RemoveEntry(4); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if err := ep.RemoveEntry(4); err != linuxerr.ENOENT {
		t.Fatalf("second RemoveEntry: got %v, wanted ENOENT", err)
	}
}

func TestAddBeyondInterestLimit(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()

	if err := ep.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	ep.mu.Lock()
	ep.nentries = maxInterest
	ep.mu.Unlock()

	if err := ep.AddEntry(5, f, linux.EpollEvent{Events: linux.EPOLLIN}); err != linuxerr.ENOMEM {
		t.Errorf("AddEntry over limit: got %v, wanted ENOMEM", err)
	}
	v := &testVnode{}
	vf := vfscore.NewFile(v)
	defer vf.DecRef()
	if err := ep.AddLegacyEntry(6, vf, linux.EpollEvent{Events: linux.EPOLLIN}); err != linuxerr.ENOMEM {
		t.Errorf("AddLegacyEntry over limit: got %v, wanted ENOMEM", err)
	}

	// DEL still works at the limit, and frees room for a new ADD.
	ep.mu.Lock()
	ep.nentries = 1
	ep.mu.Unlock()
	if err := ep.RemoveEntry(4); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if err := ep.AddEntry(5, f, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Errorf("AddEntry after DEL: %v", err)
	}
}

func TestModAbsent(t *testing.T) {
	ep := New()
	defer ep.DecRef()

	if err := ep.UpdateEntry(4, linux.EpollEvent{Events: linux.EPOLLIN}); err != linuxerr.ENOENT {
		t.Fatalf("UpdateEntry: got %v, wanted ENOENT", err)
	}
}

func TestAddDelRestoresState(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()

	if err := ep.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := ep.RemoveEntry(4); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}

	// The interest list is empty again and the file's queue holds no
	// subscription.
	if !ep.interest.Empty() {
		t.Errorf("interest list not empty after DEL")
	}
	if !f.q.IsEmpty() {
		t.Errorf("file queue not empty after DEL")
	}
}

func TestModIdempotent(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()

	if err := ep.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	ev := linux.EpollEvent{Events: linux.EPOLLIN | linux.EPOLLOUT, Data: [2]int32{1, 2}}
	for i := 0; i < 2; i++ {
		if err := ep.UpdateEntry(4, ev); err != nil {
			t.Fatalf("UpdateEntry %d: %v", i, err)
		}
	}

	f.set(waiter.EventIn)
	var events [4]linux.EpollEvent
	if n := ep.Wait(events[:], 0); n != 1 {
		t.Fatalf("Wait: got %d events, wanted 1", n)
	}
	if events[0].Data != [2]int32{1, 2} {
		t.Errorf("Wait: data %v, wanted {1, 2}", events[0].Data)
	}
}

func TestMaxEventsTruncation(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f1 := newTestFile()
	f2 := newTestFile()

	if err := ep.AddEntry(4, f1, linux.EpollEvent{Events: linux.EPOLLIN | linux.EPOLLET, Data: [2]int32{4}}); err != nil {
		t.Fatalf("AddEntry 4: %v", err)
	}
	if err := ep.AddEntry(5, f2, linux.EpollEvent{Events: linux.EPOLLIN | linux.EPOLLET, Data: [2]int32{5}}); err != nil {
		t.Fatalf("AddEntry 5: %v", err)
	}

	f1.set(waiter.EventIn)
	f2.set(waiter.EventIn)

	var one [1]linux.EpollEvent
	if n := ep.Wait(one[:], 0); n != 1 {
		t.Fatalf("Wait: got %d events, wanted 1", n)
	}
	first := one[0].Data
	if n := ep.Wait(one[:], 0); n != 1 {
		t.Fatalf("second Wait: got %d events, wanted 1", n)
	}
	if one[0].Data == first {
		t.Errorf("second Wait returned the same entry %v twice", first)
	}
}

func TestBlockedWaiterWake(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()

	if err := ep.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	done := make(chan int, 1)
	go func() {
		var events [4]linux.EpollEvent
		done <- ep.Wait(events[:], 0)
	}()

	// Give the waiter a chance to block, then wake it.
	time.Sleep(10 * time.Millisecond)
	f.set(waiter.EventIn)

	select {
	case n := <-done:
		if n != 1 {
			t.Fatalf("Wait: got %d events, wanted 1", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestNestedEpoll(t *testing.T) {
	outer := New()
	defer outer.DecRef()
	inner := New()
	defer inner.DecRef()
	f := newTestFile()

	if err := inner.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("inner AddEntry: %v", err)
	}
	if err := outer.AddEntry(5, inner, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("outer AddEntry: %v", err)
	}

	f.set(waiter.EventIn)

	var events [4]linux.EpollEvent
	if n := outer.Wait(events[:], 0); n != 1 {
		t.Fatalf("outer Wait: got %d events, wanted 1", n)
	}
	if n := inner.Wait(events[:], 0); n != 1 {
		t.Fatalf("inner Wait: got %d events, wanted 1", n)
	}
}

func TestReleaseUnregistersAll(t *testing.T) {
	ep := New()
	f1 := newTestFile()
	f2 := newTestFile()

	if err := ep.AddEntry(4, f1, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddEntry 4: %v", err)
	}
	if err := ep.AddEntry(5, f2, linux.EpollEvent{Events: linux.EPOLLOUT}); err != nil {
		t.Fatalf("AddEntry 5: %v", err)
	}

	ep.DecRef()

	if !f1.q.IsEmpty() || !f2.q.IsEmpty() {
		t.Errorf("file queues not empty after epoll release")
	}
}

func TestLegacyBasic(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	v := &testVnode{}
	vf := vfscore.NewFile(v)
	defer vf.DecRef()

	if err := ep.AddLegacyEntry(3, vf, linux.EpollEvent{Events: linux.EPOLLIN, Data: [2]int32{3}}); err != nil {
		t.Fatalf("AddLegacyEntry: %v", err)
	}

	v.set(waiter.EventIn)

	var events [4]linux.EpollEvent
	n := ep.Wait(events[:], 0)
	if n != 1 {
		t.Fatalf("Wait: got %d events, wanted 1", n)
	}
	if events[0].Events&linux.EPOLLIN == 0 {
		t.Errorf("Wait: events %#x missing EPOLLIN", events[0].Events)
	}

	// Level-triggered: still pending on a second wait.
	if n := ep.Wait(events[:], 0); n != 1 {
		t.Fatalf("second Wait: got %d events, wanted 1", n)
	}

	// Condition deasserted: nothing to report.
	v.clear(waiter.EventIn)
	if n := ep.Wait(events[:], shortDeadline()); n != 0 {
		t.Fatalf("Wait after clear: got %d events, wanted 0", n)
	}
}

func TestLegacyPreExisting(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	v := &testVnode{state: waiter.EventIn}
	vf := vfscore.NewFile(v)
	defer vf.DecRef()

	if err := ep.AddLegacyEntry(3, vf, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddLegacyEntry: %v", err)
	}

	var events [4]linux.EpollEvent
	if n := ep.Wait(events[:], 0); n != 1 {
		t.Fatalf("Wait: got %d events, wanted 1", n)
	}
}

func TestLegacyPollFailureArmsError(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	v := &testVnode{pollErr: linuxerr.EIO}
	vf := vfscore.NewFile(v)
	defer vf.DecRef()

	// The ADD itself succeeds; the failure surfaces as EPOLLERR via wait.
	if err := ep.AddLegacyEntry(3, vf, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddLegacyEntry: %v", err)
	}

	var events [4]linux.EpollEvent
	n := ep.Wait(events[:], 0)
	if n != 1 {
		t.Fatalf("Wait: got %d events, wanted 1", n)
	}
	if events[0].Events&linux.EPOLLERR == 0 {
		t.Errorf("Wait: events %#x missing EPOLLERR", events[0].Events)
	}
}

func TestLegacyNotPollable(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	vf := vfscore.NewFile(nil)
	defer vf.DecRef()

	if err := ep.AddLegacyEntry(3, vf, linux.EpollEvent{Events: linux.EPOLLIN}); err != linuxerr.EINVAL {
		t.Fatalf("AddLegacyEntry: got %v, wanted EINVAL", err)
	}
}

func TestLegacyCloseEvictsEntry(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	v := &testVnode{}
	vf := vfscore.NewFile(v)

	if err := ep.AddLegacyEntry(3, vf, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddLegacyEntry: %v", err)
	}

	// Closing the watched file removes the entry from the interest list.
	vf.DecRef()

	if err := ep.RemoveEntry(3); err != linuxerr.ENOENT {
		t.Fatalf("RemoveEntry after close: got %v, wanted ENOENT", err)
	}
}

func TestLegacySignalMasked(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	v := &testVnode{}
	vf := vfscore.NewFile(v)
	defer vf.DecRef()

	if err := ep.AddLegacyEntry(3, vf, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddLegacyEntry: %v", err)
	}

	// An event outside the requested mask is filtered at the entry.
	v.set(waiter.EventOut)

	var events [4]linux.EpollEvent
	if n := ep.Wait(events[:], shortDeadline()); n != 0 {
		t.Fatalf("Wait: got %d events, wanted 0", n)
	}
}

func TestConcurrentNotifyAndWait(t *testing.T) {
	ep := New()
	defer ep.DecRef()
	f := newTestFile()

	if err := ep.AddEntry(4, f, linux.EpollEvent{Events: linux.EPOLLIN}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	const rounds = 100
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			f.set(waiter.EventIn)
		}
	}()

	// Concurrently mutate the interest list while notifications fire.
	other := newTestFile()
	for i := 0; i < rounds; i++ {
		if err := ep.AddEntry(9, other, linux.EpollEvent{Events: linux.EPOLLOUT}); err != nil {
			t.Fatalf("AddEntry 9: %v", err)
		}
		if err := ep.RemoveEntry(9); err != nil {
			t.Fatalf("RemoveEntry 9: %v", err)
		}
	}
	wg.Wait()

	// The level condition is active, so a wait must observe it.
	var events [4]linux.EpollEvent
	if n := ep.Wait(events[:], 0); n != 1 {
		t.Fatalf("Wait: got %d events, wanted 1", n)
	}
}
