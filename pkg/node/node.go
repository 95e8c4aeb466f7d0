package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/peerbook/params"
	"github.com/uhyunpark/peerbook/pkg/book"
	"github.com/uhyunpark/peerbook/pkg/feed"
	"github.com/uhyunpark/peerbook/pkg/ledger"
	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/metrics"
	"github.com/uhyunpark/peerbook/pkg/p2p"
	"github.com/uhyunpark/peerbook/pkg/reconcile"
	"github.com/uhyunpark/peerbook/pkg/storage"
	"github.com/uhyunpark/peerbook/pkg/util"
	"github.com/uhyunpark/peerbook/pkg/wire"
)

// Options carries collaborators that override what New would build from the
// config. The node takes ownership of everything passed here.
type Options struct {
	Net       p2p.Network
	Store     storage.Store
	Publisher feed.Publisher
	Clock     util.Clock
	Logger    *zap.SugaredLogger
}

// Node is one peer: a matching engine with its ledger, kept in sync with
// the other peers of the network.
type Node struct {
	cfg   params.Config
	log   *zap.SugaredLogger
	clock util.Clock

	Net     p2p.Network
	Engine  *book.Engine
	Ledger  *ledger.Ledger
	Syncer  *reconcile.Syncer
	Locks   lock.Client
	Metrics *metrics.Metrics

	lockSvc *lock.Service // non-nil when the node hosts the lock service
	store   storage.Store
	journal *storage.FileJournal
	feed    *feed.Feed

	muObs     sync.RWMutex
	listeners []book.Observer
}

func New(ctx context.Context, cfg params.Config, opts Options) (n *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.With("node", cfg.Node.Name)
	clock := opts.Clock
	if clock == nil {
		clock = util.RealClock{}
	}

	n = &Node{cfg: cfg, log: log, clock: clock, Metrics: metrics.New(cfg.Node.Name)}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	if n.store = opts.Store; n.store == nil {
		if n.store, err = openStore(cfg.Storage); err != nil {
			return nil, err
		}
	}
	var sink ledger.Sink = n.store
	if cfg.Storage.JournalPath != "" {
		if n.journal, err = storage.NewFileJournal(cfg.Storage.JournalPath); err != nil {
			return nil, err
		}
		sink = storage.Tee{n.store, n.journal}
	}

	n.Ledger = ledger.New(sink, log)
	n.Engine = book.NewEngine(n.Ledger, log)
	if err := n.restore(); err != nil {
		return nil, err
	}
	n.Metrics.WatchBook(n.Engine.Len, n.Ledger.Len)

	if n.Net = opts.Net; n.Net == nil {
		n.Net, err = p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
			ListenAddr:  cfg.P2P.ListenAddr,
			Bootstrap:   cfg.P2P.Bootstrap,
			Timeout:     cfg.P2P.RPCTimeout,
			AnnounceTTL: cfg.AnnounceTTL(),
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.Lock.Embedded {
		table := lock.NewTable(cfg.Lock.LeaseTTL, clock, log)
		n.lockSvc = lock.NewService(table, log)
		n.Locks = lock.LocalClient{Table: table, Owner: n.Net.ID()}
	} else {
		n.Locks = lock.NewRemoteClient(n.Net, cfg.P2P.RPCTimeout)
	}

	n.Syncer, err = reconcile.New(reconcile.Config{
		Mode:              reconcile.Mode(cfg.Sync.Mode),
		OutboxSize:        cfg.Sync.OutboxSize,
		RPCTimeout:        cfg.P2P.RPCTimeout,
		LockRemoteUpdates: cfg.Sync.LockRemoteUpdates,
		MergeCacheSize:    cfg.Sync.MergeCacheSize,
	}, n.Engine, n.Net, n.Locks, n.Metrics, log)
	if err != nil {
		return nil, err
	}
	n.Syncer.SetClock(clock)

	pub := opts.Publisher
	if pub == nil && len(cfg.Feed.KafkaBrokers) > 0 {
		pub = feed.NewKafkaPublisher(cfg.Feed.KafkaBrokers, cfg.Feed.Topic)
	}
	if pub != nil {
		n.feed = feed.New(pub, cfg.Node.Name, 0, log)
	}

	n.Engine.SetObserver(n.observe)
	return n, nil
}

func openStore(cfg params.Storage) (storage.Store, error) {
	switch cfg.Backend {
	case "pebble":
		return storage.NewPebbleStore(cfg.Path)
	default:
		return storage.NewMemStore(), nil
	}
}

// restore reloads persisted history and the last book. Reloading the book is
// itself recorded as a replace entry.
func (n *Node) restore() error {
	entries, err := n.store.LoadEntries()
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	snap, ok, err := n.store.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	if len(entries) == 0 && !ok {
		return nil
	}
	n.Ledger.Restore(entries)
	if ok {
		n.Engine.Replace(snap, n.cfg.Node.Name)
	}
	n.log.Infow("node_restored", "entries", len(entries), "fingerprint", n.Engine.Fingerprint())
	return nil
}

// observe runs under the engine lock for every mutation.
func (n *Node) observe(ev book.Event, fingerprint string) {
	if !ev.Remote && ev.Type == book.EventMatch && ev.Match != nil {
		n.Metrics.Trades.Inc()
		n.Metrics.TradedQuantity.Add(float64(ev.Match.Quantity))
	}
	n.Syncer.Observe(ev, fingerprint)
	if n.feed != nil {
		n.feed.Observe(ev, fingerprint)
	}
	n.muObs.RLock()
	for _, fn := range n.listeners {
		fn(ev, fingerprint)
	}
	n.muObs.RUnlock()
}

// Subscribe adds a listener for every book mutation. Listeners run under the
// engine lock and must not block or call back into the engine.
func (n *Node) Subscribe(fn book.Observer) {
	n.muObs.Lock()
	n.listeners = append(n.listeners, fn)
	n.muObs.Unlock()
}

func (n *Node) Config() params.Config { return n.cfg }

// Run registers the node's services and runs its background loops until ctx
// is done.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Syncer.Register(ctx); err != nil {
		return fmt.Errorf("register orderbook service: %w", err)
	}
	if n.lockSvc != nil {
		if err := n.lockSvc.Register(ctx, n.Net); err != nil {
			return fmt.Errorf("register lock service: %w", err)
		}
	}
	n.log.Infow("node_started",
		"peer", n.Net.ID(),
		"mode", n.Syncer.Mode(),
		"embedded_lock", n.lockSvc != nil,
		"merge", n.cfg.Sync.Merge,
		"fingerprint", n.Engine.Fingerprint())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Syncer.Run(ctx) })
	g.Go(func() error { return n.Syncer.GossipLoop(ctx, n.cfg.Sync.GossipInterval) })
	g.Go(func() error { return n.every(ctx, n.cfg.P2P.AnnounceInterval, n.announce) })
	if n.cfg.Sync.Merge {
		g.Go(func() error { return n.Syncer.MergeLoop(ctx, n.cfg.Sync.MergeInterval) })
	}
	if n.lockSvc != nil && n.cfg.Lock.LeaseTTL > 0 {
		g.Go(func() error { return n.every(ctx, n.cfg.Lock.SweepInterval, n.sweepLocks) })
	}
	if n.cfg.Node.DebugDumpInterval > 0 {
		g.Go(func() error { return n.every(ctx, n.cfg.Node.DebugDumpInterval, n.dump) })
	}
	if n.feed != nil {
		g.Go(func() error { return n.feed.Run(ctx) })
	}
	return g.Wait()
}

func (n *Node) every(ctx context.Context, d time.Duration, fn func(context.Context)) error {
	if d <= 0 {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.clock.After(d):
			fn(ctx)
		}
	}
}

func (n *Node) announce(ctx context.Context) {
	services := []string{wire.OrderbookService}
	if n.lockSvc != nil {
		services = append(services, wire.LockService)
	}
	for _, s := range services {
		if err := n.Net.Announce(ctx, s); err != nil {
			n.log.Warnw("announce_failed", "service", s, "err", err)
		}
	}
}

func (n *Node) sweepLocks(context.Context) {
	n.lockSvc.Table().Sweep()
	n.Metrics.LocksHeld.Set(float64(n.lockSvc.Table().Len()))
}

func (n *Node) dump(context.Context) {
	snap := n.Engine.Snapshot()
	n.log.Debugw("book_dump",
		"buys", snap.Buys,
		"sells", snap.Sells,
		"fingerprint", book.Fingerprint(snap),
		"ledger_entries", n.Ledger.Len())
}

// Close releases everything the node owns. It is safe on a partially
// constructed node.
func (n *Node) Close() error {
	var err error
	if n.Syncer != nil {
		err = multierr.Append(err, n.Syncer.Close())
	}
	if n.feed != nil {
		err = multierr.Append(err, n.feed.Close())
	}
	if n.Net != nil {
		err = multierr.Append(err, n.Net.Close())
	}
	if n.journal != nil {
		err = multierr.Append(err, n.journal.Close())
	}
	if n.store != nil {
		err = multierr.Append(err, n.store.Close())
	}
	return err
}
