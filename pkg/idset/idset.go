package idset

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// Canonical returns id with every byte that is not part of a valid UTF-8
// sequence replaced by a \xNN escape. Valid identifiers are returned unchanged.
func Canonical(id string) string {
	if utf8.ValidString(id) {
		return id
	}
	var b strings.Builder
	for i := 0; i < len(id); {
		r, size := utf8.DecodeRuneInString(id[i:])
		if r == utf8.RuneError && size == 1 {
			fmt.Fprintf(&b, `\x%02x`, id[i])
		} else {
			b.WriteString(id[i : i+size])
		}
		i += size
	}
	return b.String()
}

// Fold returns the case-folded form of the canonical identifier. Two
// identifiers that differ only in letter case fold to the same key.
func Fold(id string) string {
	// cases.Caser keeps internal state and must not be shared between goroutines.
	return cases.Fold().String(Canonical(id))
}

// Set is a case-insensitive set of identifiers. It remembers the canonical
// spelling of the first insertion of each identifier for display and
// serialization, so every stored value is valid UTF-8.
// A Set is not safe for concurrent use; owners guard it with their own lock.
type Set struct {
	items map[string]string // folded -> original
}

// New creates a Set populated with the given identifiers.
func New(ids ...string) *Set {
	s := &Set{items: make(map[string]string, len(ids))}
	s.AddAll(ids)
	return s
}

// Add inserts id and reports whether it was not already present.
func (s *Set) Add(id string) bool {
	key := Fold(id)
	if _, exists := s.items[key]; exists {
		return false
	}
	s.items[key] = Canonical(id)
	return true
}

// AddAll inserts every id and returns how many were newly added.
func (s *Set) AddAll(ids []string) int {
	added := 0
	for _, id := range ids {
		if s.Add(id) {
			added++
		}
	}
	return added
}

// Has reports whether id is present, ignoring case.
func (s *Set) Has(id string) bool {
	_, exists := s.items[Fold(id)]
	return exists
}

// Remove deletes id and reports whether it was present.
func (s *Set) Remove(id string) bool {
	key := Fold(id)
	if _, exists := s.items[key]; !exists {
		return false
	}
	delete(s.items, key)
	return true
}

// Len returns the number of identifiers in the set.
func (s *Set) Len() int {
	return len(s.items)
}

// Values returns the identifiers sorted by their folded form.
func (s *Set) Values() []string {
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	values := make([]string, len(keys))
	for i, key := range keys {
		values[i] = s.items[key]
	}
	return values
}

// Equal reports whether both sets hold the same identifiers, ignoring case.
func (s *Set) Equal(other *Set) bool {
	if s.Len() != other.Len() {
		return false
	}
	for key := range s.items {
		if _, exists := other.items[key]; !exists {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	clone := &Set{items: make(map[string]string, len(s.items))}
	for key, value := range s.items {
		clone.items[key] = value
	}
	return clone
}
