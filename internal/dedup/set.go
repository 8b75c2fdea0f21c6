package dedup

import (
	"slices"

	"github.com/JakeFAU/scrapefleet/internal/scrape"
)

// ResultSet is an ordered collection of unique items plus a running total.
// It is not safe for concurrent use; one goroutine owns each set.
type ResultSet struct {
	seen  map[string]struct{}
	keys  []string
	items []scrape.Item
}

// NewResultSet returns an empty set.
func NewResultSet() *ResultSet {
	return &ResultSet{seen: make(map[string]struct{})}
}

// Contains reports whether key was already added.
func (s *ResultSet) Contains(key string) bool {
	_, ok := s.seen[key]
	return ok
}

// Add stores the item under key unless the key is known or the set already
// holds cutoff items.
func (s *ResultSet) Add(key string, item scrape.Item, cutoff int) scrape.ClaimResult {
	if s.Contains(key) {
		return scrape.ClaimDuplicate
	}
	if cutoff > 0 && len(s.items) >= cutoff {
		return scrape.ClaimExhausted
	}
	s.seen[key] = struct{}{}
	s.keys = append(s.keys, key)
	s.items = append(s.items, item)
	return scrape.ClaimAccepted
}

// Remove forgets key and its item so the key can be added again.
func (s *ResultSet) Remove(key string) bool {
	if !s.Contains(key) {
		return false
	}
	delete(s.seen, key)
	i := slices.Index(s.keys, key)
	s.keys = slices.Delete(s.keys, i, i+1)
	s.items = slices.Delete(s.items, i, i+1)
	return true
}

// Total is the number of items stored.
func (s *ResultSet) Total() int {
	return len(s.items)
}

// Items returns a copy of the stored items in insertion order.
func (s *ResultSet) Items() []scrape.Item {
	out := make([]scrape.Item, len(s.items))
	copy(out, s.items)
	return out
}
