package storage

import (
	"github.com/uhyunpark/peerbook/pkg/book"
	"github.com/uhyunpark/peerbook/pkg/ledger"
)

// Store persists the ledger and the latest book so a node can restart where
// it left off.
type Store interface {
	ledger.Sink
	LoadEntries() ([]ledger.Entry, error)
	// LoadSnapshot returns the book after the last appended entry; ok is false
	// for an empty store.
	LoadSnapshot() (s book.Snapshot, ok bool, err error)
	Close() error
}
