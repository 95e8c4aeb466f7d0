package wire

import (
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/uhyunpark/peerbook/pkg/book"
)

// Service names announced on the peer layer.
const (
	OrderbookService = "orderbook_service"
	LockService      = "lock_service"
)

type Kind string

const (
	KindHashBroadcast   Kind = "hash_broadcast"
	KindFullSyncRequest Kind = "full_sync_request"
	KindFullSync        Kind = "full_sync"
	KindDelta           Kind = "delta"
	KindOrder           Kind = "order"
	KindLockAcquire     Kind = "lock_acquire"
	KindLockRelease     Kind = "lock_release"
	KindLockTest        Kind = "lock_test"
	KindLockReply       Kind = "lock_reply"
	KindStatus          Kind = "status"
	KindError           Kind = "error"
)

// Reply statuses carried by Status.
const (
	StatusHashReceived     = "hash_received"
	StatusHashMismatch     = "hash_mismatch"
	StatusFullSyncReceived = "full_sync_received"
	StatusDeltaReceived    = "delta_received"
	StatusDeltaIgnored     = "delta_ignored"
	StatusOrderProcessed   = "order_processed"
	StatusOrderRejected    = "order_rejected"
	StatusLockFailed       = "lock_failed"
)

// Message is the closed set of payloads exchanged between peers. Receivers
// dispatch with a type switch over the concrete types below.
type Message interface {
	Kind() Kind
}

type HashBroadcast struct {
	Hash      string
	Timestamp time.Time
}

// FullSyncRequest asks a peer for its whole book. Hash is the requester's
// current fingerprint and is informational only.
type FullSyncRequest struct {
	Hash string
}

type FullSync struct {
	Book book.Snapshot
}

type Delta struct {
	Delta book.Delta
}

type Order struct {
	Order book.Order
}

type LockAcquire struct {
	OrderID string
	Owner   string
}

type LockRelease struct {
	OrderID string
	Owner   string
}

type LockTest struct {
	Owner string
}

type LockReply struct {
	Success bool
	Message string
}

type Status struct {
	Status string
}

type ErrorReply struct {
	Error string
}

func (HashBroadcast) Kind() Kind   { return KindHashBroadcast }
func (FullSyncRequest) Kind() Kind { return KindFullSyncRequest }
func (FullSync) Kind() Kind        { return KindFullSync }
func (Delta) Kind() Kind           { return KindDelta }
func (Order) Kind() Kind           { return KindOrder }
func (LockAcquire) Kind() Kind     { return KindLockAcquire }
func (LockRelease) Kind() Kind     { return KindLockRelease }
func (LockTest) Kind() Kind        { return KindLockTest }
func (LockReply) Kind() Kind       { return KindLockReply }
func (Status) Kind() Kind          { return KindStatus }
func (ErrorReply) Kind() Kind      { return KindError }

func init() {
	gob.Register(HashBroadcast{})
	gob.Register(FullSyncRequest{})
	gob.Register(FullSync{})
	gob.Register(Delta{})
	gob.Register(Order{})
	gob.Register(LockAcquire{})
	gob.Register(LockRelease{})
	gob.Register(LockTest{})
	gob.Register(LockReply{})
	gob.Register(Status{})
	gob.Register(ErrorReply{})
}

// ErrUnknownMessage is returned by handlers for kinds they do not serve.
var ErrUnknownMessage = errors.New("unknown message kind")

// Unknown wraps ErrUnknownMessage with the offending kind.
func Unknown(m Message) error {
	if m == nil {
		return fmt.Errorf("%w: <nil>", ErrUnknownMessage)
	}
	return fmt.Errorf("%w: %s", ErrUnknownMessage, m.Kind())
}

// RemoteError is an error reply received from a peer.
type RemoteError struct {
	Peer string
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer %s: %s", e.Peer, e.Msg)
}

// ReplyError converts an ErrorReply into a RemoteError; any other reply yields nil.
func ReplyError(peer string, reply Message) error {
	if r, ok := reply.(ErrorReply); ok {
		return &RemoteError{Peer: peer, Msg: r.Error}
	}
	return nil
}
