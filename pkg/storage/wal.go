package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"github.com/uhyunpark/peerbook/pkg/book"
	"github.com/uhyunpark/peerbook/pkg/ledger"
)

// FileJournal appends each ledger entry as one JSON line. It is a
// human-readable audit trail and is never read back by the node.
type FileJournal struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func NewFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f, enc: json.NewEncoder(f)}, nil
}

func (j *FileJournal) Append(e ledger.Entry, _ book.Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(e)
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return multierr.Append(j.f.Sync(), j.f.Close())
}

// Tee fans an entry out to several sinks. Every sink sees every entry; the
// errors are combined.
type Tee []ledger.Sink

func (t Tee) Append(e ledger.Entry, state book.Snapshot) error {
	var err error
	for _, s := range t {
		err = multierr.Append(err, s.Append(e, state))
	}
	return err
}
