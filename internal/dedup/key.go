// Package dedup computes structural-equality keys for extracted items and keeps
// the result sets executors deduplicate against.
package dedup

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/scrapefleet/internal/scrape"
)

// Hasher digests the canonical item encoding.
type Hasher interface {
	Hash(data []byte) string
}

// Keyer derives structural-equality keys. A nil Hasher keeps the canonical
// encoding itself as the key.
type Keyer struct {
	hasher Hasher
}

// NewKeyer builds a Keyer.
func NewKeyer(hasher Hasher) *Keyer {
	return &Keyer{hasher: hasher}
}

// Key serializes the item deterministically. encoding/json writes map keys in
// sorted order at every nesting level, so equal items always encode equally.
func (k *Keyer) Key(item scrape.Item) (string, error) {
	if item == nil {
		item = scrape.Item{}
	}
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode item: %w", err)
	}
	if k == nil || k.hasher == nil {
		return string(data), nil
	}
	return k.hasher.Hash(data), nil
}
