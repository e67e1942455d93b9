// Package linkedlist provides a generic doubly linked list.
package linkedlist

type Element[V any] struct {
	Value V

	prev, next *Element[V]
	list       *List[V]
}

// Next returns the next element or nil.
func (e *Element[V]) Next() *Element[V] {
	return e.next
}

type List[V any] struct {
	front, back *Element[V]
	len         int
}

func New[V any]() *List[V] {
	return &List[V]{}
}

func (l *List[V]) Len() int {
	return l.len
}

// Front returns the first element of the list or nil if it is empty.
func (l *List[V]) Front() *Element[V] {
	return l.front
}

// PushBack appends val to the list and returns the element containing it.
func (l *List[V]) PushBack(val V) *Element[V] {
	e := &Element[V]{Value: val, prev: l.back, list: l}

	if l.back != nil {
		l.back.next = e
	} else {
		l.front = e
	}

	l.back = e
	l.len++

	return e
}

// Remove removes e from l and returns its value.
// If e is not an element of l, the list is not modified.
func (l *List[V]) Remove(e *Element[V]) V {
	if e.list != l {
		return e.Value
	}

	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.front = e.next
	}

	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.back = e.prev
	}

	e.prev, e.next, e.list = nil, nil, nil
	l.len--

	return e.Value
}
