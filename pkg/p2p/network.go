package p2p

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/peerbook/pkg/wire"
)

var (
	ErrNoPeers     = errors.New("no peers offer service")
	ErrUnreachable = errors.New("peer unreachable")
	ErrNoHandler   = errors.New("peer does not serve service")
)

// DefaultTimeout applies to requests whose context carries no deadline.
const DefaultTimeout = 10 * time.Second

// Handler serves one inbound request. A returned error is sent back to the
// caller as an error reply.
type Handler func(ctx context.Context, from string, msg wire.Message) (wire.Message, error)

// Result is one peer's outcome of a Broadcast.
type Result struct {
	Peer  string
	Reply wire.Message
	Err   error
}

// Network is the peer service layer: announce a named service, look up the
// peers offering it, and exchange request/reply messages with them.
type Network interface {
	ID() string
	Announce(ctx context.Context, service string) error
	Handle(service string, h Handler)
	Peers(service string) []string

	// Request sends msg to one peer offering service and returns its reply and id.
	Request(ctx context.Context, service string, msg wire.Message) (wire.Message, string, error)
	RequestPeer(ctx context.Context, peer, service string, msg wire.Message) (wire.Message, error)
	// Broadcast sends msg to every peer offering service and collects all outcomes.
	Broadcast(ctx context.Context, service string, msg wire.Message) []Result

	Close() error
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// PickPeer chooses one provider at random so load spreads across them.
func PickPeer(peers []string) (string, error) {
	if len(peers) == 0 {
		return "", ErrNoPeers
	}
	return peers[rand.IntN(len(peers))], nil
}

type sendFunc func(ctx context.Context, peer string) (wire.Message, error)

// fanOut calls send for every peer concurrently. Individual failures are
// isolated to their Result.
func fanOut(ctx context.Context, peers []string, send sendFunc) []Result {
	results := make([]Result, len(peers))
	var g errgroup.Group
	for i, p := range peers {
		g.Go(func() error {
			reply, err := send(ctx, p)
			results[i] = Result{Peer: p, Reply: reply, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
