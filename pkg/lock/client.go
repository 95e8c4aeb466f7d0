package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uhyunpark/peerbook/pkg/p2p"
	"github.com/uhyunpark/peerbook/pkg/wire"
)

// ErrLockDenied means another holder owns the order lock.
var ErrLockDenied = errors.New("order lock denied")

// Client acquires and releases order locks. A denied acquire is (false, nil);
// transport failures are errors. Callers treat both as "do not proceed".
type Client interface {
	Acquire(ctx context.Context, orderID string) (bool, error)
	Release(ctx context.Context, orderID string) error
}

// LocalClient uses an in-process Table, for nodes that host the lock service
// themselves and for tests.
type LocalClient struct {
	Table *Table
	Owner string
}

func (c LocalClient) Acquire(_ context.Context, orderID string) (bool, error) {
	return c.Table.Acquire(orderID, c.Owner), nil
}

func (c LocalClient) Release(_ context.Context, orderID string) error {
	c.Table.Release(orderID)
	return nil
}

// RemoteClient talks to whichever peer announces lock_service.
type RemoteClient struct {
	net     p2p.Network
	owner   string
	timeout time.Duration
}

func NewRemoteClient(n p2p.Network, timeout time.Duration) *RemoteClient {
	return &RemoteClient{net: n, owner: n.ID(), timeout: timeout}
}

func (c *RemoteClient) call(ctx context.Context, msg wire.Message) (wire.LockReply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	reply, peer, err := c.net.Request(ctx, wire.LockService, msg)
	if err != nil {
		return wire.LockReply{}, fmt.Errorf("lock %s: %w", msg.Kind(), err)
	}
	lr, ok := reply.(wire.LockReply)
	if !ok {
		return wire.LockReply{}, fmt.Errorf("lock %s: unexpected reply %s from %s", msg.Kind(), reply.Kind(), peer)
	}
	return lr, nil
}

func (c *RemoteClient) Acquire(ctx context.Context, orderID string) (bool, error) {
	lr, err := c.call(ctx, wire.LockAcquire{OrderID: orderID, Owner: c.owner})
	if err != nil {
		return false, err
	}
	return lr.Success, nil
}

func (c *RemoteClient) Release(ctx context.Context, orderID string) error {
	_, err := c.call(ctx, wire.LockRelease{OrderID: orderID, Owner: c.owner})
	return err
}

// Test probes that some lock service answers.
func (c *RemoteClient) Test(ctx context.Context) error {
	lr, err := c.call(ctx, wire.LockTest{Owner: c.owner})
	if err != nil {
		return err
	}
	if !lr.Success {
		return fmt.Errorf("lock test: %s", lr.Message)
	}
	return nil
}

// releaseTimeout bounds the release that follows a critical section, which
// runs even if the caller's context is already done.
const releaseTimeout = 5 * time.Second

// WithLock runs fn while holding the lock for orderID. It returns
// ErrLockDenied when the lock is held elsewhere and never calls fn in that
// case. A release failure is returned only if fn succeeded.
func WithLock(ctx context.Context, c Client, orderID string, fn func() error) error {
	ok, err := c.Acquire(ctx, orderID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockDenied, orderID)
	}

	fnErr := fn()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := c.Release(rctx, orderID); err != nil && fnErr == nil {
		return fmt.Errorf("release %s: %w", orderID, err)
	}
	return fnErr
}
