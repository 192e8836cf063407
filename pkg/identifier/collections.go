package identifier

// Map is a map keyed by identifier canonical key. It keeps the typed
// ID alongside the value so iteration does not re-parse keys.
type Map[V any] struct {
	entries map[string]mapEntry[V]
}

type mapEntry[V any] struct {
	id    ID
	value V
}

// NewMap creates an empty identifier map.
func NewMap[V any]() *Map[V] {
	return &Map[V]{entries: make(map[string]mapEntry[V])}
}

// Len returns the number of entries.
func (m *Map[V]) Len() int { return len(m.entries) }

// Set stores value under id, replacing any previous value.
func (m *Map[V]) Set(id ID, value V) {
	m.entries[id.Key()] = mapEntry[V]{id: id, value: value}
}

// Get returns the value for id and whether it was present.
func (m *Map[V]) Get(id ID) (V, bool) {
	e, ok := m.entries[id.Key()]
	return e.value, ok
}

// Has reports whether id is present.
func (m *Map[V]) Has(id ID) bool {
	_, ok := m.entries[id.Key()]
	return ok
}

// Delete removes id if present.
func (m *Map[V]) Delete(id ID) {
	delete(m.entries, id.Key())
}

// Clear removes all entries.
func (m *Map[V]) Clear() {
	clear(m.entries)
}

// Range calls fn for every entry until fn returns false.
func (m *Map[V]) Range(fn func(ID, V) bool) {
	for _, e := range m.entries {
		if !fn(e.id, e.value) {
			return
		}
	}
}

// Keys returns all identifiers in the map, sorted by key.
func (m *Map[V]) Keys() []ID {
	ids := make([]ID, 0, len(m.entries))
	for _, e := range m.entries {
		ids = append(ids, e.id)
	}
	Sort(ids)
	return ids
}

// Set is a set of identifiers keyed by canonical key.
type Set struct {
	ids map[string]ID
}

// NewSet creates a set containing the given identifiers.
func NewSet(ids ...ID) *Set {
	s := &Set{ids: make(map[string]ID, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Len returns the number of identifiers in the set.
func (s *Set) Len() int { return len(s.ids) }

// Add inserts id into the set.
func (s *Set) Add(id ID) { s.ids[id.Key()] = id }

// Has reports whether id is in the set.
func (s *Set) Has(id ID) bool {
	_, ok := s.ids[id.Key()]
	return ok
}

// HasAll reports whether every given identifier is in the set.
func (s *Set) HasAll(ids []ID) bool {
	for _, id := range ids {
		if !s.Has(id) {
			return false
		}
	}
	return true
}

// Delete removes id from the set.
func (s *Set) Delete(id ID) { delete(s.ids, id.Key()) }

// Clear removes all identifiers.
func (s *Set) Clear() { clear(s.ids) }

// Values returns the set's identifiers sorted by key.
func (s *Set) Values() []ID {
	ids := make([]ID, 0, len(s.ids))
	for _, id := range s.ids {
		ids = append(ids, id)
	}
	Sort(ids)
	return ids
}
