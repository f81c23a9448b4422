// Package selection tracks the resources an operator checked for a bulk action.
package selection

import "sort"

// Set is independent of pagination and filtering: it may hold ids that are not visible anymore.
// It is not safe for concurrent use.
type Set struct {
	ids map[string]struct{}
}

func New() *Set {
	return &Set{ids: make(map[string]struct{})}
}

// Toggle adds or removes id and reports whether it is selected afterwards.
func (s *Set) Toggle(id string) bool {
	if _, ok := s.ids[id]; ok {
		delete(s.ids, id)
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// SelectAll replaces the selection with exactly visible, or clears it when it already equals visible.
func (s *Set) SelectAll(visible []string) {
	if s.Equals(visible) {
		s.Clear()
		return
	}
	s.ids = make(map[string]struct{}, len(visible))
	for _, id := range visible {
		s.ids[id] = struct{}{}
	}
}

func (s *Set) Clear() {
	s.ids = make(map[string]struct{})
}

func (s *Set) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *Set) Len() int { return len(s.ids) }

// IDs returns the selected ids, sorted.
func (s *Set) IDs() []string {
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Equals reports whether the selection is exactly ids (duplicates ignored).
func (s *Set) Equals(ids []string) bool {
	other := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := s.ids[id]; !ok {
			return false
		}
		other[id] = struct{}{}
	}
	return len(other) == len(s.ids)
}
