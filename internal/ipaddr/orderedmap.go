package ipaddr

import "sort"

// OrderedMap keeps Prefix->V entries sorted by Compare, giving O(log n)
// lookup/insert and, critically, an in-order Keys/Values walk in
// Compare order — the property the prefix tree's breadth-first
// traversal and disjoint-range computation depend on.
type OrderedMap[V any] struct {
	keys   []Prefix
	values []V
}

// NewOrderedMap returns an empty ordered map.
func NewOrderedMap[V any]() *OrderedMap[V] {
	return &OrderedMap[V]{}
}

func (m *OrderedMap[V]) search(p Prefix) int {
	return sort.Search(len(m.keys), func(i int) bool {
		return Compare(m.keys[i], p) >= 0
	})
}

// Get returns the value stored for p, if any.
func (m *OrderedMap[V]) Get(p Prefix) (V, bool) {
	i := m.search(p)
	if i < len(m.keys) && m.keys[i].Equal(p) {
		return m.values[i], true
	}
	var zero V
	return zero, false
}

// Set inserts or replaces the value stored for p.
func (m *OrderedMap[V]) Set(p Prefix, v V) {
	i := m.search(p)
	if i < len(m.keys) && m.keys[i].Equal(p) {
		m.values[i] = v
		return
	}
	m.keys = append(m.keys, Prefix{})
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = p
	m.values = append(m.values, v)
	copy(m.values[i+1:], m.values[i:])
	m.values[i] = v
}

// Delete removes the entry for p, if present.
func (m *OrderedMap[V]) Delete(p Prefix) {
	i := m.search(p)
	if i < len(m.keys) && m.keys[i].Equal(p) {
		m.keys = append(m.keys[:i], m.keys[i+1:]...)
		m.values = append(m.values[:i], m.values[i+1:]...)
	}
}

// Len returns the number of entries.
func (m *OrderedMap[V]) Len() int { return len(m.keys) }

// LowerBound returns the index of the first key >= p (len(m.keys) if none).
func (m *OrderedMap[V]) LowerBound(p Prefix) int { return m.search(p) }

// At returns the key/value pair at index i.
func (m *OrderedMap[V]) At(i int) (Prefix, V) { return m.keys[i], m.values[i] }

// Keys returns the sorted prefix keys. Callers must not mutate the result.
func (m *OrderedMap[V]) Keys() []Prefix { return m.keys }

// Values returns the values in key order. Callers must not mutate the result.
func (m *OrderedMap[V]) Values() []V { return m.values }
