package book

type EventKind string

const (
	EventAdd     EventKind = "add"
	EventMatch   EventKind = "match"
	EventReplace EventKind = "replace"
)

// Delta is the minimal description of one state change. Add deltas carry the
// order and its slot index on its side; match deltas carry the trade.
type Delta struct {
	Type  EventKind `json:"type"`
	Order *Order    `json:"order,omitempty"`
	Index int       `json:"index"`
	Match *Trade    `json:"match,omitempty"`
}

// Event is what the engine records and hands to its observer after every
// mutation. Remote is set for changes that originated on another node
// (deltas, merges, full syncs) so they are not propagated again.
type Event struct {
	Delta
	Peer   string `json:"peer,omitempty"`
	Remote bool   `json:"remote"`
}

// Observer is invoked synchronously after each mutation, with the engine lock
// held, together with the fingerprint of the resulting state. It must not call
// back into the engine.
type Observer func(ev Event, fingerprint string)

// Recorder stores an event together with the state it produced and returns
// that state's fingerprint.
type Recorder interface {
	Record(ev Event, state Snapshot) string
}

type hashOnly struct{}

func (hashOnly) Record(_ Event, state Snapshot) string { return Fingerprint(state) }
