package storage

import (
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/peerbook/pkg/book"
	"github.com/uhyunpark/peerbook/pkg/ledger"
)

func encodeEntry(e ledger.Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry %d: %w", e.Seq, err)
	}
	return b, nil
}

func decodeEntry(b []byte) (ledger.Entry, error) {
	var e ledger.Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return ledger.Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}

func decodeSnapshot(b []byte) (book.Snapshot, error) {
	var s book.Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return book.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s.Clone(), nil
}
