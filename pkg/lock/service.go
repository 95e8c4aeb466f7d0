package lock

import (
	"context"

	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/p2p"
	"github.com/uhyunpark/peerbook/pkg/wire"
)

// Service answers lock_service requests from a Table.
type Service struct {
	table *Table
	log   *zap.SugaredLogger
}

func NewService(table *Table, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{table: table, log: log}
}

func (s *Service) Table() *Table { return s.table }

// Register installs the handler and announces the service.
func (s *Service) Register(ctx context.Context, n p2p.Network) error {
	n.Handle(wire.LockService, s.Handle)
	return n.Announce(ctx, wire.LockService)
}

func (s *Service) Handle(_ context.Context, from string, msg wire.Message) (wire.Message, error) {
	switch m := msg.(type) {
	case wire.LockAcquire:
		owner := ownerOf(m.Owner, from)
		if !s.table.Acquire(m.OrderID, owner) {
			s.log.Debugw("lock_denied", "order", m.OrderID, "owner", owner)
			return wire.LockReply{Success: false, Message: "lock already held"}, nil
		}
		s.log.Debugw("lock_acquired", "order", m.OrderID, "owner", owner)
		return wire.LockReply{Success: true, Message: "lock acquired"}, nil
	case wire.LockRelease:
		s.table.Release(m.OrderID)
		s.log.Debugw("lock_released", "order", m.OrderID, "owner", ownerOf(m.Owner, from))
		return wire.LockReply{Success: true, Message: "lock released"}, nil
	case wire.LockTest:
		return wire.LockReply{Success: true, Message: "lock service reachable"}, nil
	default:
		return nil, wire.Unknown(msg)
	}
}

func ownerOf(claimed, from string) string {
	if claimed != "" {
		return claimed
	}
	return from
}
