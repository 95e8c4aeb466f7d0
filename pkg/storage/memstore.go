package storage

import (
	"sync"

	"github.com/uhyunpark/peerbook/pkg/book"
	"github.com/uhyunpark/peerbook/pkg/ledger"
)

type MemStore struct {
	mu      sync.Mutex
	entries []ledger.Entry
	snap    *book.Snapshot
}

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) Append(e ledger.Entry, state book.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	c := state.Clone()
	s.snap = &c
	return nil
}

func (s *MemStore) LoadEntries() ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemStore) LoadSnapshot() (book.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return book.Snapshot{}, false, nil
	}
	return s.snap.Clone(), true, nil
}

func (s *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
