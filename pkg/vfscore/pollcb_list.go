package vfscore

// ElementMapper provides an identity mapping by default.
//
// This can be replaced to provide a struct that maps elements to linker
// objects, if they are not the same. An ElementMapper is not typically
// required if: Linker is left as is, Element is left as is, or Linker and
// Element are the same type.
type pollCBElementMapper struct{}

// linkerFor maps an Element to a Linker.
//
// This default implementation should be inlined.
//
//go:nosplit
func (pollCBElementMapper) linkerFor(elem *PollCB) *PollCB { return elem }

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//      for e := l.Front(); e != nil; e = e.Next() {
// 		// do something with e.
//      }
type pollCBList struct {
	head *PollCB
	tail *PollCB
}

// Reset resets list l to the empty state.
func (l *pollCBList) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true iff the list is empty.
//
//go:nosplit
func (l *pollCBList) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
//
//go:nosplit
func (l *pollCBList) Front() *PollCB {
	return l.head
}

// Back returns the last element of list l or nil.
//
//go:nosplit
func (l *pollCBList) Back() *PollCB {
	return l.tail
}

// Len returns the number of elements in the list.
//
// NOTE: This is an O(n) operation.
//
//go:nosplit
func (l *pollCBList) Len() (count int) {
	for e := l.Front(); e != nil; e = (pollCBElementMapper{}.linkerFor(e)).Next() {
		count++
	}
	return count
}

// PushFront inserts the element e at the front of list l.
//
//go:nosplit
func (l *pollCBList) PushFront(e *PollCB) {
	linker := pollCBElementMapper{}.linkerFor(e)
	linker.SetNext(l.head)
	linker.SetPrev(nil)
	if l.head != nil {
		pollCBElementMapper{}.linkerFor(l.head).SetPrev(e)
	} else {
		l.tail = e
	}

	l.head = e
}

// PushBack inserts the element e at the back of list l.
//
//go:nosplit
func (l *pollCBList) PushBack(e *PollCB) {
	linker := pollCBElementMapper{}.linkerFor(e)
	linker.SetNext(nil)
	linker.SetPrev(l.tail)
	if l.tail != nil {
		pollCBElementMapper{}.linkerFor(l.tail).SetNext(e)
	} else {
		l.head = e
	}

	l.tail = e
}

// InsertAfter inserts e after b.
//
//go:nosplit
func (l *pollCBList) InsertAfter(b, e *PollCB) {
	bLinker := pollCBElementMapper{}.linkerFor(b)
	eLinker := pollCBElementMapper{}.linkerFor(e)

	a := bLinker.Next()

	eLinker.SetNext(a)
	eLinker.SetPrev(b)
	bLinker.SetNext(e)

	if a != nil {
		pollCBElementMapper{}.linkerFor(a).SetPrev(e)
	} else {
		l.tail = e
	}
}

// InsertBefore inserts e before a.
//
//go:nosplit
func (l *pollCBList) InsertBefore(a, e *PollCB) {
	aLinker := pollCBElementMapper{}.linkerFor(a)
	eLinker := pollCBElementMapper{}.linkerFor(e)

	b := aLinker.Prev()
	eLinker.SetNext(a)
	eLinker.SetPrev(b)
	aLinker.SetPrev(e)

	if b != nil {
		pollCBElementMapper{}.linkerFor(b).SetNext(e)
	} else {
		l.head = e
	}
}

// Remove removes e from l.
//
//go:nosplit
func (l *pollCBList) Remove(e *PollCB) {
	linker := pollCBElementMapper{}.linkerFor(e)
	prev := linker.Prev()
	next := linker.Next()

	if prev != nil {
		pollCBElementMapper{}.linkerFor(prev).SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		pollCBElementMapper{}.linkerFor(next).SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	linker.SetNext(nil)
	linker.SetPrev(nil)
}

// Entry is a default implementation of Linker. Users can add anonymous fields
// of this type to their structs to make them automatically implement the
// methods needed by List.
type pollCBEntry struct {
	next *PollCB
	prev *PollCB
}

// Next returns the entry that follows e in the list.
//
//go:nosplit
func (e *pollCBEntry) Next() *PollCB {
	return e.next
}

// Prev returns the entry that precedes e in the list.
//
//go:nosplit
func (e *pollCBEntry) Prev() *PollCB {
	return e.prev
}

// SetNext assigns 'entry' as the entry that follows e in the list.
//
//go:nosplit
func (e *pollCBEntry) SetNext(elem *PollCB) {
	e.next = elem
}

// SetPrev assigns 'entry' as the entry that precedes e in the list.
//
//go:nosplit
func (e *pollCBEntry) SetPrev(elem *PollCB) {
	e.prev = elem
}
