package persona

import "strings"

// Store exposes narrator persona lookup.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
	Default() Persona
}

// MemoryStore implements Store over a fixed slice. The first item is the default.
type MemoryStore struct {
	items []Persona
	index map[string]int
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied personas.
// Later entries with a duplicate ID are ignored.
func NewMemoryStore(items []Persona) *MemoryStore {
	s := &MemoryStore{index: make(map[string]int, len(items))}
	for _, item := range items {
		key := normalizeID(item.ID)
		if key == "" {
			continue
		}
		if _, dup := s.index[key]; dup {
			continue
		}
		s.index[key] = len(s.items)
		s.items = append(s.items, item)
	}
	return s
}

func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// FindByID looks up a persona, ignoring case and surrounding whitespace.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	i, ok := s.index[normalizeID(id)]
	if !ok {
		return Persona{}, false
	}
	return s.items[i], true
}

// Default returns the first persona, or a zero Persona when the store is empty.
func (s *MemoryStore) Default() Persona {
	if len(s.items) == 0 {
		return Persona{}
	}
	return s.items[0]
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
