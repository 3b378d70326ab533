package memoryAlloc

// link is the intrusive list node embedded in list elements.
type link[T any] struct {
	next, prev *T
	linked     bool
}

type linked[T any] interface {
	*T
	listLink() *link[T]
}

// list is an intrusive doubly linked list in the style of the runtime's
// mSpanList: O(1) insert at either end and O(1) removal of a known element.
// An element can be on at most one list at a time.
type list[T any, P linked[T]] struct {
	first, last *T
	size        int
}

func (l *list[T, P]) Len() int {
	return l.size
}

func (l *list[T, P]) Empty() bool {
	return l.size == 0
}

func (l *list[T, P]) First() *T {
	return l.first
}

func (l *list[T, P]) Last() *T {
	return l.last
}

func (l *list[T, P]) Next(e *T) *T {
	return P(e).listLink().next
}

func (l *list[T, P]) InsertFirst(e *T) {
	n := P(e).listLink()
	if n.linked {
		panic("memoryAlloc: element already on a list")
	}
	n.linked = true
	n.prev = nil
	n.next = l.first
	if l.first != nil {
		P(l.first).listLink().prev = e
	} else {
		l.last = e
	}
	l.first = e
	l.size++
}

func (l *list[T, P]) InsertLast(e *T) {
	n := P(e).listLink()
	if n.linked {
		panic("memoryAlloc: element already on a list")
	}
	n.linked = true
	n.next = nil
	n.prev = l.last
	if l.last != nil {
		P(l.last).listLink().next = e
	} else {
		l.first = e
	}
	l.last = e
	l.size++
}

func (l *list[T, P]) Remove(e *T) {
	n := P(e).listLink()
	if !n.linked {
		panic("memoryAlloc: element not on a list")
	}
	if n.prev != nil {
		P(n.prev).listLink().next = n.next
	} else {
		l.first = n.next
	}
	if n.next != nil {
		P(n.next).listLink().prev = n.prev
	} else {
		l.last = n.prev
	}
	n.next, n.prev, n.linked = nil, nil, false
	l.size--
}

func (l *list[T, P]) RemoveFirst() *T {
	e := l.first
	if e != nil {
		l.Remove(e)
	}
	return e
}

func (l *list[T, P]) RemoveLast() *T {
	e := l.last
	if e != nil {
		l.Remove(e)
	}
	return e
}

// Do calls fn on every element, first to last.
func (l *list[T, P]) Do(fn func(e *T)) {
	for e := l.first; e != nil; e = P(e).listLink().next {
		fn(e)
	}
}

type pageList = list[Page, *Page]
