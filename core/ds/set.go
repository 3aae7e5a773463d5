// Package ds provides the ordered set used for membership tracking.
package ds

import (
	"encoding/json"
	"fmt"
)

type StringSet = Set[string]

// Set is an ordered set with O(1) membership testing and insertion
// order preservation, so membership transitions come out deterministic.
//
// Add, Remove and UnmarshalJSON mutate the receiver; everything else
// returns new sets or copies.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T // preserves insertion order
}

func (s *Set[T]) String() string {
	return fmt.Sprintf("%v", s.order)
}

// Add adds the given id to the set. No-op if already present. (mutates)
func (s *Set[T]) Add(id T) {
	if s.Contains(id) {
		return
	}
	s.items[id] = struct{}{}
	s.order = append(s.order, id)
}

// Remove removes the given ids from the set. (mutates)
// This operation is O(n) where n is the set size.
func (s *Set[T]) Remove(ids ...T) {
	if len(ids) == 0 {
		return
	}

	toRemove := make(map[T]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := s.items[id]; ok {
			toRemove[id] = struct{}{}
			delete(s.items, id)
		}
	}
	if len(toRemove) == 0 {
		return
	}

	newOrder := make([]T, 0, len(s.order)-len(toRemove))
	for _, v := range s.order {
		if _, removed := toRemove[v]; !removed {
			newOrder = append(newOrder, v)
		}
	}
	s.order = newOrder
}

// Contains returns true if v is present in the set.
func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

// Len returns the number of elements in the set.
func (s *Set[T]) Len() int { return len(s.items) }

// IsEmpty returns true if the set contains no elements.
func (s *Set[T]) IsEmpty() bool { return len(s.items) == 0 }

// Additions returns a new set that contains all elements that are present in the
// other set but not in the receiver (s). In other words: the elements you need
// to add to s to obtain other. The order follows the other's insertion order.
func (s *Set[T]) Additions(other *Set[T]) (add *Set[T]) {
	add = NewSet[T]()
	for _, id := range other.order {
		if !s.Contains(id) {
			add.Add(id)
		}
	}
	return
}

// Removals returns a new set that contains all elements that are present in
// the receiver (s) but not in other. In other words: the elements you need
// to remove from s to obtain other. The order follows the receiver's insertion order.
func (s *Set[T]) Removals(other *Set[T]) (remove *Set[T]) {
	remove = NewSet[T]()
	for _, id := range s.order {
		if !other.Contains(id) {
			remove.Add(id)
		}
	}
	return
}

// Diff computes the transition needed to go from the current set (s) to the
// target set (other). It returns two ordered sets:
//   - add:    elements to add to s (present in other but not in s), ordered by other's insertion order
//   - remove: elements to remove from s (present in s but not in other), ordered by s's insertion order
func (s *Set[T]) Diff(other *Set[T]) (add *Set[T], remove *Set[T]) {
	return s.Additions(other), s.Removals(other)
}

// Eq returns true if both sets contain the same elements (order is ignored).
func (s *Set[T]) Eq(other *Set[T]) bool {
	return s.Len() == other.Len() && s.Additions(other).Len() == 0
}

// Values returns a copy of the elements in insertion order.
func (s *Set[T]) Values() []T {
	out := make([]T, len(s.order))
	copy(out, s.order)
	return out
}

// MarshalJSON serializes the set as an ordered JSON array.
func (s Set[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}

// UnmarshalJSON deserializes a JSON array into the set.
func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var ids []T
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	s.items = map[T]struct{}{}
	s.order = nil
	for _, id := range ids {
		s.Add(id)
	}
	return nil
}

// NewSet creates a new set with the given items.
func NewSet[T comparable](items ...T) *Set[T] {
	set := &Set[T]{items: map[T]struct{}{}, order: make([]T, 0, len(items))}
	for _, item := range items {
		set.Add(item)
	}
	return set
}

// NewStringSet creates a new string set with the given items.
func NewStringSet(items ...string) *StringSet {
	return NewSet(items...)
}
