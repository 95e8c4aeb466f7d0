package ledger

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/book"
)

// Entry is one state transition of the local book. Hash is the fingerprint of
// the state after Update was applied.
type Entry struct {
	Seq       uint64     `json:"seq"`
	Timestamp time.Time  `json:"timestamp"`
	Update    book.Event `json:"update"`
	Hash      string     `json:"hash"`
}

// Sink receives every entry after it is appended, together with the state it
// describes. Implementations live in pkg/storage.
type Sink interface {
	Append(e Entry, state book.Snapshot) error
}

// Ledger is the append-only history of one node's book. Entries are never
// mutated or removed and are not merged across nodes.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	seq     uint64

	sink Sink
	now  func() time.Time
	log  *zap.SugaredLogger
}

func New(sink Sink, log *zap.SugaredLogger) *Ledger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ledger{
		entries: make([]Entry, 0, 1024),
		sink:    sink,
		now:     time.Now,
		log:     log,
	}
}

// Record appends update with the fingerprint of state and returns that
// fingerprint. It implements book.Recorder.
func (l *Ledger) Record(update book.Event, state book.Snapshot) string {
	hash := book.Fingerprint(state)

	l.mu.Lock()
	l.seq++
	e := Entry{Seq: l.seq, Timestamp: l.now().UTC(), Update: update, Hash: hash}
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Append(e, state); err != nil {
			l.log.Warnw("ledger_sink_failed", "seq", e.Seq, "err", err)
		}
	}
	l.log.Debugw("ledger_recorded", "seq", e.Seq, "type", update.Type, "remote", update.Remote, "hash", hash)
	return hash
}

// Entries returns a copy of the full ordered history.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Since returns entries with Seq greater than seq.
func (l *Ledger) Since(seq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i, e := range l.entries {
		if e.Seq > seq {
			out := make([]Entry, len(l.entries)-i)
			copy(out, l.entries[i:])
			return out
		}
	}
	return nil
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Last returns the most recent entry, if any.
func (l *Ledger) Last() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Restore loads persisted history into an empty ledger. It is only meant to be
// called at startup before any Record.
func (l *Ledger) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries[:0], entries...)
	l.seq = 0
	if n := len(entries); n > 0 {
		l.seq = entries[n-1].Seq
	}
}
