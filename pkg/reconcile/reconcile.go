package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/uhyunpark/peerbook/pkg/book"
	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/wire"
)

func (s *Syncer) begin() bool {
	if !s.state.CompareAndSwap(int32(InSync), int32(Reconciling)) {
		return false
	}
	s.m.Reconciling.Set(1)
	return true
}

func (s *Syncer) end() {
	s.state.Store(int32(InSync))
	s.m.Reconciling.Set(0)
}

// Reconcile pulls peer's full book and replaces local state with it. Only one
// reconciliation runs at a time; a concurrent call gets ErrReconcileInProgress.
// The state returns to IN_SYNC whether or not the pull succeeds.
func (s *Syncer) Reconcile(ctx context.Context, peer string) error {
	if !s.begin() {
		s.m.Reconciles.WithLabelValues("skipped").Inc()
		return ErrReconcileInProgress
	}
	defer s.end()
	return s.pullAndReplace(ctx, peer)
}

func (s *Syncer) reconcileAsync(peer string) {
	if !s.begin() {
		s.m.Reconciles.WithLabelValues("skipped").Inc()
		s.log.Debugw("reconcile_skipped", "peer", peer, "state", s.State())
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.end()
		if err := s.pullAndReplace(s.ctx, peer); err != nil {
			s.log.Warnw("reconcile_failed", "peer", peer, "err", err)
		}
	}()
}

func (s *Syncer) pullAndReplace(ctx context.Context, peer string) error {
	snap, err := s.fetch(ctx, peer)
	if err != nil {
		s.m.Reconciles.WithLabelValues("failed").Inc()
		return err
	}
	s.engine.Replace(snap, peer)
	s.m.Reconciles.WithLabelValues("ok").Inc()
	s.log.Infow("reconciled", "peer", peer, "fingerprint", book.Fingerprint(snap))
	return nil
}

func (s *Syncer) fetch(ctx context.Context, peer string) (book.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	reply, err := s.net.RequestPeer(ctx, peer, wire.OrderbookService, wire.FullSyncRequest{Hash: s.engine.Fingerprint()})
	if err != nil {
		return book.Snapshot{}, fmt.Errorf("full sync from %s: %w", peer, err)
	}
	fs, ok := reply.(wire.FullSync)
	if !ok {
		return book.Snapshot{}, fmt.Errorf("full sync from %s: %w %s", peer, ErrUnexpectedReply, reply.Kind())
	}
	return fs.Book, nil
}

// MergeFrom pulls peer's book and appends every order this node has neither
// seen nor processed. Each order is merged under its lock; orders whose lock
// cannot be taken are skipped until a later pull. It returns how many orders
// were merged.
func (s *Syncer) MergeFrom(ctx context.Context, peer string) (int, error) {
	snap, err := s.fetch(ctx, peer)
	if err != nil {
		return 0, err
	}

	merged := 0
	for _, o := range append(snap.Buys, snap.Sells...) {
		if s.processed.Contains(o.ID) || s.engine.Contains(o.ID) {
			continue
		}
		err := s.withLocks(ctx, []string{o.ID}, func() error {
			if s.engine.Merge(o, peer) {
				merged++
			}
			s.processed.Add(o.ID, struct{}{})
			return nil
		})
		if err != nil {
			if !errors.Is(err, lock.ErrLockDenied) {
				s.log.Debugw("merge_lock_failed", "peer", peer, "id", o.ID, "err", err)
			}
			continue
		}
	}
	if merged > 0 {
		s.m.Merged.Add(float64(merged))
		s.log.Infow("orders_merged", "peer", peer, "count", merged)
	}
	return merged, nil
}

// Forward hands an order to peer for processing there and returns the
// peer's status: order_processed, order_rejected or lock_failed.
func (s *Syncer) Forward(ctx context.Context, peer string, o book.Order) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	reply, err := s.net.RequestPeer(ctx, peer, wire.OrderbookService, wire.Order{Order: o})
	if err != nil {
		return "", fmt.Errorf("forward %s to %s: %w", o.ID, peer, err)
	}
	return replyStatus(peer, reply)
}
