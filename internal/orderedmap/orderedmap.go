// Package orderedmap provides a map that keeps the insertion order of its
// elements.
package orderedmap

import (
	"github.com/simplesurance/buildconfd/internal/linkedlist"
)

// Map is a map datastructure that allows accessing it's element in
// insertion order.
type Map[K comparable, V any] struct {
	order   *linkedlist.List[V]
	m       map[K]*linkedlist.Element[V]
	zeroval V
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		order: linkedlist.New[V](),
		m:     map[K]*linkedlist.Element[V]{},
	}
}

// Append removes an existing element with the same key and adds val to
// the end of the map.
func (m *Map[K, V]) Append(key K, val V) (replaced bool) {
	if e, exist := m.m[key]; exist {
		m.order.Remove(e)
		replaced = true
	}

	m.m[key] = m.order.PushBack(val)

	return replaced
}

// Get returns the value for the given key.
// If the key does not exist, the zero value and false is returned.
func (m *Map[K, V]) Get(key K) (V, bool) {
	v, exist := m.m[key]
	if !exist {
		return m.zeroval, false
	}

	return v.Value, true
}

// Delete removes the value with the key from the map and returns it.
// If the key does not exist in the map, the zero value is returned.
func (m *Map[K, V]) Delete(key K) (removedElem V) {
	v, exist := m.m[key]
	if !exist {
		return m.zeroval
	}
	delete(m.m, key)

	return m.order.Remove(v)
}

// Len returns the number of elements in the maps.
func (m *Map[K, V]) Len() int {
	return m.order.Len()
}

// Foreach itereates through the map in order.
// When fn returns false the iteration is aborted.
func (m *Map[K, V]) Foreach(fn func(V) bool) {
	for e := m.order.Front(); e != nil; e = e.Next() {
		if !fn(e.Value) {
			return
		}
	}
}

// AsSlice returns a new slice containing the elements of the orderedMap in
// order.
func (m *Map[K, V]) AsSlice() []V {
	result := make([]V, 0, m.order.Len())

	for e := m.order.Front(); e != nil; e = e.Next() {
		result = append(result, e.Value)
	}

	return result
}
