package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/peerbook/pkg/book"
	"github.com/uhyunpark/peerbook/pkg/ledger"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	return openPebble(path, &pebble.Options{})
}

// NewMemPebbleStore opens pebble on an in-memory filesystem.
func NewMemPebbleStore() (*PebbleStore, error) {
	return openPebble("peerbook", &pebble.Options{FS: vfs.NewMem()})
}

func openPebble(path string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Append writes the entry and the resulting book in one synced batch, so the
// stored snapshot always matches the last stored entry.
func (s *PebbleStore) Append(e ledger.Entry, state book.Snapshot) error {
	ev, err := encodeEntry(e)
	if err != nil {
		return err
	}
	sv, err := json.Marshal(state.Clone())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(ledgerKey(e.Seq), ev, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(keySnapshot), sv, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save entry %d: %w", e.Seq, err)
	}
	return nil
}

func (s *PebbleStore) LoadEntries() ([]ledger.Entry, error) {
	prefix := ledgerPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []ledger.Entry
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEntry(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

func (s *PebbleStore) LoadSnapshot() (book.Snapshot, bool, error) {
	val, closer, err := s.db.Get([]byte(keySnapshot))
	if errors.Is(err, pebble.ErrNotFound) {
		return book.Snapshot{}, false, nil
	}
	if err != nil {
		return book.Snapshot{}, false, fmt.Errorf("failed to get snapshot: %w", err)
	}
	defer closer.Close()
	snap, err := decodeSnapshot(val)
	if err != nil {
		return book.Snapshot{}, false, err
	}
	return snap, true, nil
}

var _ Store = (*PebbleStore)(nil)
