package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/peerbook/params"
	"github.com/uhyunpark/peerbook/pkg/book"
	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/p2p"
	"github.com/uhyunpark/peerbook/pkg/storage"
	"github.com/uhyunpark/peerbook/pkg/wire"
)

const wait, tick = 3 * time.Second, 5 * time.Millisecond

func testConfig(name string) params.Config {
	cfg := params.Default()
	cfg.Node.Name = name
	cfg.P2P.AnnounceInterval = 20 * time.Millisecond
	cfg.P2P.RPCTimeout = time.Second
	cfg.Sync.GossipInterval = time.Hour
	return cfg
}

func startNode(t *testing.T, hub *p2p.Hub, cfg params.Config) *Node {
	t.Helper()
	n, err := New(context.Background(), cfg, Options{Net: hub.Join(cfg.Node.Name, time.Second)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = n.Close()
	})
	return n
}

func waitPeers(t *testing.T, n *Node, service string, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(n.Net.Peers(service)) >= want }, wait, tick)
}

func order(id, client string, side book.Side, price, qty int64) book.Order {
	return book.Order{ID: id, ClientID: client, Side: side, Price: price, Quantity: qty}
}

// twoNodes starts a, which hosts the lock service, and b, which locks remotely.
func twoNodes(t *testing.T, mutate func(*params.Config)) (*p2p.Hub, *Node, *Node) {
	hub := p2p.NewHub()
	ca, cb := testConfig("a"), testConfig("b")
	ca.Lock.Embedded = true
	if mutate != nil {
		mutate(&ca)
		mutate(&cb)
	}
	a, b := startNode(t, hub, ca), startNode(t, hub, cb)
	waitPeers(t, a, wire.OrderbookService, 1)
	waitPeers(t, b, wire.OrderbookService, 1)
	waitPeers(t, b, wire.LockService, 1)
	return hub, a, b
}

func TestCrossingOrdersConvergeAcrossNodes(t *testing.T) {
	ctx := context.Background()
	_, a, b := twoNodes(t, nil)

	res, err := a.Submit(ctx, order("b1", "alice", book.Buy, 10, 5))
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOrderProcessed, res.Status)
	assert.Empty(t, res.Trades)
	require.Eventually(t, func() bool { return b.Engine.Contains("b1") }, wait, tick)

	res, err = b.Submit(ctx, order("s1", "bob", book.Sell, 8, 3))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, book.Trade{BuyOrderID: "b1", SellOrderID: "s1", Quantity: 3, Price: 10, Buyer: "alice", Seller: "bob"}, res.Trades[0])

	require.Eventually(t, func() bool { return a.Engine.Fingerprint() == b.Engine.Fingerprint() }, wait, tick)
	snap := a.Engine.Snapshot()
	require.Len(t, snap.Buys, 1)
	assert.Equal(t, int64(2), snap.Buys[0].Quantity)
	assert.Empty(t, snap.Sells)

	assert.Equal(t, 1.0, testutil.ToFloat64(b.Metrics.Trades))
	assert.Equal(t, 0.0, testutil.ToFloat64(a.Metrics.Trades), "remote trades are not counted twice")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.Orders.WithLabelValues(wire.StatusOrderProcessed)))
}

func TestSubmitAbortsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	_, a, b := twoNodes(t, nil)
	require.True(t, a.lockSvc.Table().Acquire("x", "elsewhere"))

	before := b.Engine.Fingerprint()
	res, err := b.Submit(ctx, order("x", "bob", book.Buy, 10, 1))
	assert.ErrorIs(t, err, lock.ErrLockDenied)
	assert.Equal(t, wire.StatusLockFailed, res.Status)
	assert.Equal(t, before, b.Engine.Fingerprint())
}

func TestSubmitAbortsWhenLockServiceUnreachable(t *testing.T) {
	ctx := context.Background()
	hub, _, b := twoNodes(t, nil)
	hub.SetDown("a", true)

	res, err := b.Submit(ctx, order("x", "bob", book.Buy, 10, 1))
	assert.ErrorIs(t, err, p2p.ErrUnreachable)
	assert.Equal(t, wire.StatusLockFailed, res.Status)
	assert.False(t, b.Engine.Contains("x"))
}

func TestSubmitRejectsInvalidOrders(t *testing.T) {
	_, a, _ := twoNodes(t, nil)
	res, err := a.Submit(context.Background(), order("bad", "alice", book.Sell, 10, 0))
	assert.ErrorIs(t, err, book.ErrInvalidOrder)
	assert.Equal(t, wire.StatusOrderRejected, res.Status)
}

func TestGossipRepairsLostDelta(t *testing.T) {
	hub := p2p.NewHub()
	ca, cb := testConfig("a"), testConfig("b")
	ca.Lock.Embedded, cb.Lock.Embedded = true, true
	cb.Sync.GossipInterval = 20 * time.Millisecond
	a, b := startNode(t, hub, ca), startNode(t, hub, cb)
	waitPeers(t, b, wire.OrderbookService, 1)

	// A change that never went out as a delta.
	require.True(t, b.Engine.Merge(order("lost", "carol", book.Sell, 9, 2), "nowhere"))

	require.Eventually(t, func() bool { return a.Engine.Contains("lost") }, wait, tick)
	assert.Equal(t, b.Engine.Fingerprint(), a.Engine.Fingerprint())
}

func TestForwardProcessesOnPeer(t *testing.T) {
	ctx := context.Background()
	_, a, b := twoNodes(t, nil)

	status, err := b.Forward(ctx, "a", order("fw", "bob", book.Sell, 12, 1))
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOrderProcessed, status)
	assert.True(t, a.Engine.Contains("fw"))
	require.Eventually(t, func() bool { return b.Engine.Contains("fw") }, wait, tick)

	status, err = b.Forward(ctx, "", order("fw", "bob", book.Sell, 12, 1))
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOrderRejected, status)
}

func TestManualReconcileAndPush(t *testing.T) {
	ctx := context.Background()
	_, a, b := twoNodes(t, nil)
	require.True(t, b.Engine.Merge(order("only-b", "bob", book.Buy, 4, 1), "test"))

	peer, err := a.Reconcile(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "b", peer)
	assert.True(t, a.Engine.Contains("only-b"))

	require.True(t, a.Engine.Merge(order("only-a", "alice", book.Buy, 3, 1), "test"))
	results := a.PushFullSync(ctx)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, a.Engine.Fingerprint(), b.Engine.Fingerprint())

	st := a.Status()
	assert.Equal(t, "IN_SYNC", st.State)
	assert.Equal(t, []string{"b"}, st.Peers)
	assert.Equal(t, 2, st.Buys)
}

func TestRestartRestoresLedgerAndBook(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	cfg := testConfig("solo")
	cfg.Lock.Embedded = true

	n1, err := New(ctx, cfg, Options{Net: p2p.NewHub().Join("solo", 0), Store: store})
	require.NoError(t, err)
	for _, o := range []book.Order{
		order("b1", "alice", book.Buy, 10, 5),
		order("s1", "bob", book.Sell, 8, 3),
	} {
		_, err := n1.Submit(ctx, o)
		require.NoError(t, err)
	}
	fp, entries := n1.Engine.Fingerprint(), n1.Ledger.Len()
	require.NoError(t, n1.Close())

	n2, err := New(ctx, cfg, Options{Net: p2p.NewHub().Join("solo", 0), Store: store})
	require.NoError(t, err)
	defer n2.Close()

	assert.Equal(t, fp, n2.Engine.Fingerprint())
	require.Equal(t, entries+1, n2.Ledger.Len())
	last, _ := n2.Ledger.Last()
	assert.Equal(t, book.EventReplace, last.Update.Type)
	assert.Equal(t, fp, last.Hash)
}

func TestMergeModeNodesPullMissingOrders(t *testing.T) {
	ctx := context.Background()
	_, a, b := twoNodes(t, func(c *params.Config) {
		c.Sync.Merge = true
		c.Sync.MergeInterval = 20 * time.Millisecond
	})
	require.True(t, a.Engine.Merge(order("m1", "alice", book.Buy, 5, 1), "test"))

	require.Eventually(t, func() bool { return b.Engine.Contains("m1") }, wait, tick)
	_, err := b.Submit(ctx, order("m2", "bob", book.Sell, 50, 1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Engine.Contains("m2") }, wait, tick)
}

func TestDefaultPeerIsChosenAtRandom(t *testing.T) {
	ctx := context.Background()
	hub := p2p.NewHub()
	names := []string{"a", "b", "c"}
	nodes := make(map[string]*Node, len(names))
	for _, name := range names {
		cfg := testConfig(name)
		cfg.Lock.Embedded = true
		nodes[name] = startNode(t, hub, cfg)
	}
	a := nodes["a"]
	waitPeers(t, a, wire.OrderbookService, 2)

	// b sorts first; with it down only a random choice ever reaches c.
	hub.SetDown("b", true)
	var reached bool
	for i := 0; i < 64 && !reached; i++ {
		status, err := a.Forward(ctx, "", order(fmt.Sprintf("r%d", i), "alice", book.Buy, 1, 1))
		if err == nil {
			assert.Equal(t, wire.StatusOrderProcessed, status)
			reached = true
		}
	}
	assert.True(t, reached, "default forward never reached c")
}

func TestDefaultPeerWithoutPeers(t *testing.T) {
	cfg := testConfig("solo")
	cfg.Lock.Embedded = true
	n := startNode(t, p2p.NewHub(), cfg)

	_, err := n.Reconcile(context.Background(), "")
	assert.ErrorIs(t, err, p2p.ErrNoPeers)
	_, err = n.Forward(context.Background(), "", order("x", "alice", book.Buy, 1, 1))
	assert.ErrorIs(t, err, p2p.ErrNoPeers)
}
