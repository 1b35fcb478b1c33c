package utils

// Set is an unordered collection of unique strings.
type Set struct {
	entries map[string]struct{}
}

func NewSet() *Set {
	return &Set{
		entries: make(map[string]struct{}),
	}
}

func (s *Set) Add(entry string) {
	s.entries[entry] = struct{}{}
}

func (s *Set) Contains(entry string) bool {
	_, exists := s.entries[entry]
	return exists
}

func (s *Set) Entries() map[string]struct{} {
	return s.entries
}

func (s *Set) Remove(entry string) {
	delete(s.entries, entry)
}

func (s *Set) Size() int {
	return len(s.entries)
}
