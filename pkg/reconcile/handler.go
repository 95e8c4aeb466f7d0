package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/uhyunpark/peerbook/pkg/book"
	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/wire"
)

// Handle serves orderbook_service requests.
func (s *Syncer) Handle(ctx context.Context, from string, msg wire.Message) (wire.Message, error) {
	switch m := msg.(type) {
	case wire.HashBroadcast:
		return s.onHash(from, m), nil

	case wire.FullSyncRequest:
		return wire.FullSync{Book: s.engine.Snapshot()}, nil

	case wire.FullSync:
		s.engine.Replace(m.Book, from)
		s.log.Infow("full_sync_applied", "peer", from, "fingerprint", s.engine.Fingerprint())
		return wire.Status{Status: wire.StatusFullSyncReceived}, nil

	case wire.Delta:
		return s.onDelta(ctx, from, m.Delta)

	case wire.Order:
		return s.onOrder(ctx, from, m.Order), nil

	default:
		return nil, wire.Unknown(msg)
	}
}

func (s *Syncer) onHash(from string, m wire.HashBroadcast) wire.Message {
	local := s.engine.Fingerprint()
	if m.Hash == local {
		return wire.Status{Status: wire.StatusHashReceived}
	}
	s.m.HashMismatches.Inc()
	s.log.Infow("hash_mismatch", "peer", from, "remote", m.Hash, "local", local)
	s.reconcileAsync(from)
	return wire.Status{Status: wire.StatusHashMismatch}
}

func (s *Syncer) onDelta(ctx context.Context, from string, d book.Delta) (wire.Message, error) {
	var applied bool
	apply := func() error {
		var err error
		applied, err = s.engine.ApplyDelta(d, from)
		return err
	}

	var err error
	if s.cfg.LockRemoteUpdates {
		err = s.withLocks(ctx, deltaOrderIDs(d), apply)
	} else {
		err = apply()
	}

	switch {
	case errors.Is(err, book.ErrInvalidOrder):
		s.m.Deltas.WithLabelValues("rejected").Inc()
		return nil, err
	case err != nil:
		// Lock held by the originator or lock service unreachable; gossip repairs it.
		s.m.Deltas.WithLabelValues("ignored").Inc()
		s.log.Debugw("delta_lock_failed", "peer", from, "type", d.Type, "err", err)
		return wire.Status{Status: wire.StatusDeltaIgnored}, nil
	case !applied:
		s.m.Deltas.WithLabelValues("ignored").Inc()
		return wire.Status{Status: wire.StatusDeltaIgnored}, nil
	}
	s.m.Deltas.WithLabelValues("applied").Inc()
	return wire.Status{Status: wire.StatusDeltaReceived}, nil
}

func deltaOrderIDs(d book.Delta) []string {
	switch {
	case d.Order != nil:
		return []string{d.Order.ID}
	case d.Match != nil:
		return []string{d.Match.BuyOrderID, d.Match.SellOrderID}
	}
	return nil
}

// onOrder handles an order forwarded by a peer: lock, add, release.
func (s *Syncer) onOrder(ctx context.Context, from string, o book.Order) wire.Message {
	var trades []book.Trade
	err := s.withLocks(ctx, []string{o.ID}, func() error {
		var err error
		trades, err = s.engine.AddOrder(o)
		return err
	})
	switch {
	case err == nil:
		s.log.Infow("forwarded_order_processed", "peer", from, "id", o.ID, "trades", len(trades))
		return wire.Status{Status: wire.StatusOrderProcessed}
	case errors.Is(err, book.ErrInvalidOrder), errors.Is(err, book.ErrDuplicateOrder):
		s.log.Infow("forwarded_order_rejected", "peer", from, "id", o.ID, "err", err)
		return wire.Status{Status: wire.StatusOrderRejected}
	default:
		s.log.Infow("forwarded_order_lock_failed", "peer", from, "id", o.ID, "err", err)
		return wire.Status{Status: wire.StatusLockFailed}
	}
}

// withLocks runs fn holding the locks for ids, taken in order. With no lock
// client configured fn runs directly.
func (s *Syncer) withLocks(ctx context.Context, ids []string, fn func() error) error {
	if s.locks == nil || len(ids) == 0 {
		return fn()
	}
	return lock.WithLock(ctx, s.counted(), ids[0], func() error {
		return s.withLocks(ctx, ids[1:], fn)
	})
}

// counted wraps the lock client so acquisitions show up in metrics.
func (s *Syncer) counted() lock.Client { return countingClient{s.locks, s} }

type countingClient struct {
	lock.Client
	s *Syncer
}

func (c countingClient) Acquire(ctx context.Context, id string) (bool, error) {
	ok, err := c.Client.Acquire(ctx, id)
	switch {
	case err != nil:
		c.s.m.Locks.WithLabelValues("error").Inc()
	case !ok:
		c.s.m.Locks.WithLabelValues("denied").Inc()
	default:
		c.s.m.Locks.WithLabelValues("acquired").Inc()
	}
	return ok, err
}

func replyStatus(peer string, reply wire.Message) (string, error) {
	st, ok := reply.(wire.Status)
	if !ok {
		return "", fmt.Errorf("%w %s from %s", ErrUnexpectedReply, reply.Kind(), peer)
	}
	return st.Status, nil
}
