package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/uhyunpark/peerbook/pkg/book"
	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/p2p"
	"github.com/uhyunpark/peerbook/pkg/wire"
)

// SubmitResult reports what happened to a locally submitted order. Status is
// one of the wire order statuses.
type SubmitResult struct {
	Status string       `json:"status"`
	Trades []book.Trade `json:"trades"`
}

// Submit adds o to the local book. With LockOnSubmit the add runs under the
// order lock, and a denied or unreachable lock aborts with lock_failed and
// leaves the book untouched.
func (n *Node) Submit(ctx context.Context, o book.Order) (SubmitResult, error) {
	var trades []book.Trade
	add := func() error {
		var err error
		trades, err = n.Engine.AddOrder(o)
		return err
	}

	var err error
	if n.cfg.Sync.LockOnSubmit {
		err = lock.WithLock(ctx, n.Locks, o.ID, add)
	} else {
		err = add()
	}

	res := SubmitResult{Status: wire.StatusOrderProcessed, Trades: trades}
	switch {
	case err == nil:
		n.log.Infow("order_submitted", "id", o.ID, "side", o.Side, "price", o.Price, "qty", o.Quantity, "trades", len(trades))
	case errors.Is(err, book.ErrInvalidOrder), errors.Is(err, book.ErrDuplicateOrder):
		res = SubmitResult{Status: wire.StatusOrderRejected}
		n.log.Infow("order_rejected", "id", o.ID, "err", err)
	default:
		res = SubmitResult{Status: wire.StatusLockFailed}
		n.log.Warnw("order_lock_failed", "id", o.ID, "err", err)
	}
	n.Metrics.Orders.WithLabelValues(res.Status).Inc()
	return res, err
}

// Forward sends o to peer, which processes it under the order lock. An
// empty peer picks a random orderbook peer.
func (n *Node) Forward(ctx context.Context, peer string, o book.Order) (string, error) {
	peer, err := n.orderbookPeer(peer)
	if err != nil {
		return "", err
	}
	return n.Syncer.Forward(ctx, peer, o)
}

// Reconcile pulls the full book from peer, or from a random orderbook peer
// when peer is empty.
func (n *Node) Reconcile(ctx context.Context, peer string) (string, error) {
	peer, err := n.orderbookPeer(peer)
	if err != nil {
		return "", err
	}
	return peer, n.Syncer.Reconcile(ctx, peer)
}

func (n *Node) orderbookPeer(peer string) (string, error) {
	if peer != "" {
		return peer, nil
	}
	peer, err := p2p.PickPeer(n.Net.Peers(wire.OrderbookService))
	if err != nil {
		return "", fmt.Errorf("orderbook service: %w", err)
	}
	return peer, nil
}

func (n *Node) PushFullSync(ctx context.Context) []p2p.Result {
	return n.Syncer.PushFullSync(ctx)
}

type Status struct {
	Node          string   `json:"node"`
	PeerID        string   `json:"peerId"`
	Mode          string   `json:"mode"`
	State         string   `json:"state"`
	Fingerprint   string   `json:"fingerprint"`
	Buys          int      `json:"buys"`
	Sells         int      `json:"sells"`
	LedgerEntries int      `json:"ledgerEntries"`
	Peers         []string `json:"peers"`
	LockPeers     []string `json:"lockPeers"`
	Dropped       uint64   `json:"dropped"`
}

func (n *Node) Status() Status {
	buys, sells := n.Engine.Len()
	return Status{
		Node:          n.cfg.Node.Name,
		PeerID:        n.Net.ID(),
		Mode:          string(n.Syncer.Mode()),
		State:         n.Syncer.State().String(),
		Fingerprint:   n.Engine.Fingerprint(),
		Buys:          buys,
		Sells:         sells,
		LedgerEntries: n.Ledger.Len(),
		Peers:         n.Net.Peers(wire.OrderbookService),
		LockPeers:     n.Net.Peers(wire.LockService),
		Dropped:       n.Syncer.Dropped(),
	}
}
