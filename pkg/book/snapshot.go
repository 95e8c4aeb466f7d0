package book

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Snapshot is the full {buys, sells} state of one node's book.
type Snapshot struct {
	Buys  []Order `json:"buys" yaml:"buys"`
	Sells []Order `json:"sells" yaml:"sells"`
}

// Clone deep-copies the snapshot. Nil sides become empty slices so that the
// canonical encoding never distinguishes nil from empty.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Buys:  make([]Order, len(s.Buys)),
		Sells: make([]Order, len(s.Sells)),
	}
	copy(out.Buys, s.Buys)
	copy(out.Sells, s.Sells)
	return out
}

// Canonical returns the byte encoding the fingerprint is computed over:
// JSON with fixed struct field order and integer prices and quantities.
func (s Snapshot) Canonical() ([]byte, error) {
	return json.Marshal(s.Clone())
}

// Fingerprint returns the SHA-256 hex digest of the canonical encoding.
// Two nodes holding the same logical state always produce the same value.
func Fingerprint(s Snapshot) string {
	b, err := s.Canonical()
	if err != nil {
		// Order only holds strings and int64s; marshal cannot fail unless memory is corrupt.
		panic(fmt.Errorf("encode snapshot: %w", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Side returns the orders resting on one side.
func (s Snapshot) Side(side Side) []Order {
	if side == Buy {
		return s.Buys
	}
	return s.Sells
}

// Quantity sums remaining quantity across both sides.
func (s Snapshot) Quantity() int64 {
	var total int64
	for _, o := range s.Buys {
		total += o.Quantity
	}
	for _, o := range s.Sells {
		total += o.Quantity
	}
	return total
}
