package refs

// ElementMapper provides an identity mapping by default.
//
// This can be replaced to provide a struct that maps elements to linker
// objects, if they are not the same. An ElementMapper is not typically
// required if: Linker is left as is, Element is left as is, or Linker and
// Element are the same type.
type weakRefElementMapper struct{}

// linkerFor maps an Element to a Linker.
//
// This default implementation should be inlined.
//
//go:nosplit
func (weakRefElementMapper) linkerFor(elem *WeakRef) *WeakRef { return elem }

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//      for e := l.Front(); e != nil; e = e.Next() {
// 		// do something with e.
//      }
type weakRefList struct {
	head *WeakRef
	tail *WeakRef
}

// Reset resets list l to the empty state.
func (l *weakRefList) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true iff the list is empty.
//
//go:nosplit
func (l *weakRefList) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
//
//go:nosplit
func (l *weakRefList) Front() *WeakRef {
	return l.head
}

// Back returns the last element of list l or nil.
//
//go:nosplit
func (l *weakRefList) Back() *WeakRef {
	return l.tail
}

// Len returns the number of elements in the list.
//
// NOTE: This is an O(n) operation.
//
//go:nosplit
func (l *weakRefList) Len() (count int) {
	for e := l.Front(); e != nil; e = (weakRefElementMapper{}.linkerFor(e)).Next() {
		count++
	}
	return count
}

// PushFront inserts the element e at the front of list l.
//
//go:nosplit
func (l *weakRefList) PushFront(e *WeakRef) {
	linker := weakRefElementMapper{}.linkerFor(e)
	linker.SetNext(l.head)
	linker.SetPrev(nil)
	if l.head != nil {
		weakRefElementMapper{}.linkerFor(l.head).SetPrev(e)
	} else {
		l.tail = e
	}

	l.head = e
}

// PushBack inserts the element e at the back of list l.
//
//go:nosplit
func (l *weakRefList) PushBack(e *WeakRef) {
	linker := weakRefElementMapper{}.linkerFor(e)
	linker.SetNext(nil)
	linker.SetPrev(l.tail)
	if l.tail != nil {
		weakRefElementMapper{}.linkerFor(l.tail).SetNext(e)
	} else {
		l.head = e
	}

	l.tail = e
}

// InsertAfter inserts e after b.
//
//go:nosplit
func (l *weakRefList) InsertAfter(b, e *WeakRef) {
	bLinker := weakRefElementMapper{}.linkerFor(b)
	eLinker := weakRefElementMapper{}.linkerFor(e)

	a := bLinker.Next()

	eLinker.SetNext(a)
	eLinker.SetPrev(b)
	bLinker.SetNext(e)

	if a != nil {
		weakRefElementMapper{}.linkerFor(a).SetPrev(e)
	} else {
		l.tail = e
	}
}

// InsertBefore inserts e before a.
//
//go:nosplit
func (l *weakRefList) InsertBefore(a, e *WeakRef) {
	aLinker := weakRefElementMapper{}.linkerFor(a)
	eLinker := weakRefElementMapper{}.linkerFor(e)

	b := aLinker.Prev()
	eLinker.SetNext(a)
	eLinker.SetPrev(b)
	aLinker.SetPrev(e)

	if b != nil {
		weakRefElementMapper{}.linkerFor(b).SetNext(e)
	} else {
		l.head = e
	}
}

// Remove removes e from l.
//
//go:nosplit
func (l *weakRefList) Remove(e *WeakRef) {
	linker := weakRefElementMapper{}.linkerFor(e)
	prev := linker.Prev()
	next := linker.Next()

	if prev != nil {
		weakRefElementMapper{}.linkerFor(prev).SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		weakRefElementMapper{}.linkerFor(next).SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	linker.SetNext(nil)
	linker.SetPrev(nil)
}

// Entry is a default implementation of Linker. Users can add anonymous fields
// of this type to their structs to make them automatically implement the
// methods needed by List.
type weakRefEntry struct {
	next *WeakRef
	prev *WeakRef
}

// Next returns the entry that follows e in the list.
//
//go:nosplit
func (e *weakRefEntry) Next() *WeakRef {
	return e.next
}

// Prev returns the entry that precedes e in the list.
//
//go:nosplit
func (e *weakRefEntry) Prev() *WeakRef {
	return e.prev
}

// SetNext assigns 'entry' as the entry that follows e in the list.
//
//go:nosplit
func (e *weakRefEntry) SetNext(elem *WeakRef) {
	e.next = elem
}

// SetPrev assigns 'entry' as the entry that precedes e in the list.
//
//go:nosplit
func (e *weakRefEntry) SetPrev(elem *WeakRef) {
	e.prev = elem
}
