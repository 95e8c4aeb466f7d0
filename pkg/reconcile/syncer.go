package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/book"
	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/metrics"
	"github.com/uhyunpark/peerbook/pkg/p2p"
	"github.com/uhyunpark/peerbook/pkg/util"
	"github.com/uhyunpark/peerbook/pkg/wire"
)

// Mode selects what a node propagates after a local change.
type Mode string

const (
	// ModeFingerprint broadcasts only the new fingerprint; peers that disagree
	// pull the full book from the sender.
	ModeFingerprint Mode = "fingerprint"
	// ModeDelta broadcasts each change as a delta.
	ModeDelta Mode = "delta"
)

func (m Mode) Valid() bool { return m == ModeFingerprint || m == ModeDelta }

type State int32

const (
	InSync State = iota
	Reconciling
)

func (s State) String() string {
	if s == Reconciling {
		return "RECONCILING"
	}
	return "IN_SYNC"
}

var (
	ErrReconcileInProgress = errors.New("reconcile already in progress")
	ErrUnexpectedReply     = errors.New("unexpected reply")
)

type Config struct {
	Mode       Mode
	OutboxSize int
	RPCTimeout time.Duration
	// LockRemoteUpdates applies inbound deltas under the order lock.
	LockRemoteUpdates bool
	// MergeCacheSize bounds the set of order ids the merge variant remembers.
	MergeCacheSize int
}

func DefaultConfig() Config {
	return Config{
		Mode:           ModeDelta,
		OutboxSize:     1024,
		RPCTimeout:     p2p.DefaultTimeout,
		MergeCacheSize: 65536,
	}
}

// Syncer keeps the local engine converging with peers. It observes local
// mutations, serves orderbook_service requests and runs the
// fingerprint-triggered reconciliation state machine.
type Syncer struct {
	cfg    Config
	engine *book.Engine
	net    p2p.Network
	locks  lock.Client // nil disables locking
	m      *metrics.Metrics
	clock  util.Clock
	log    *zap.SugaredLogger

	outbox    chan wire.Message
	dropped   atomic.Uint64
	state     atomic.Int32
	processed *lru.Cache[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, engine *book.Engine, n p2p.Network, locks lock.Client, m *metrics.Metrics, log *zap.SugaredLogger) (*Syncer, error) {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("sync mode %q: must be %s or %s", cfg.Mode, ModeFingerprint, ModeDelta)
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = def.RPCTimeout
	}
	if cfg.MergeCacheSize <= 0 {
		cfg.MergeCacheSize = def.MergeCacheSize
	}
	if m == nil {
		m = metrics.Nop()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	processed, err := lru.New[string, struct{}](cfg.MergeCacheSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		cfg: cfg, engine: engine, net: n, locks: locks, m: m,
		clock:     util.RealClock{},
		log:       log,
		outbox:    make(chan wire.Message, cfg.OutboxSize),
		processed: processed,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// SetClock replaces the clock used for timestamps and periodic loops.
func (s *Syncer) SetClock(c util.Clock) { s.clock = c }

func (s *Syncer) Mode() Mode { return s.cfg.Mode }

func (s *Syncer) State() State { return State(s.state.Load()) }

// Dropped counts outbound messages discarded because the outbox was full.
func (s *Syncer) Dropped() uint64 { return s.dropped.Load() }

// Register installs the orderbook_service handler and announces it.
func (s *Syncer) Register(ctx context.Context) error {
	s.net.Handle(wire.OrderbookService, s.Handle)
	return s.net.Announce(ctx, wire.OrderbookService)
}

// Observe is the engine observer. It runs under the engine lock, so it only
// queues work.
func (s *Syncer) Observe(ev book.Event, fingerprint string) {
	if ev.Remote {
		return
	}
	if ev.Type == book.EventAdd && ev.Order != nil {
		s.processed.Add(ev.Order.ID, struct{}{})
	}

	var msg wire.Message
	switch s.cfg.Mode {
	case ModeDelta:
		d := ev.Delta
		msg = wire.Delta{Delta: d}
	default:
		msg = wire.HashBroadcast{Hash: fingerprint, Timestamp: s.clock.Now()}
	}
	s.enqueue(msg)
}

func (s *Syncer) enqueue(msg wire.Message) {
	select {
	case s.outbox <- msg:
	default:
		s.dropped.Add(1)
		s.m.Outbound.WithLabelValues(string(msg.Kind()), "dropped").Inc()
		s.log.Warnw("sync_outbox_full", "kind", msg.Kind(), "dropped", s.dropped.Load())
	}
}

// Run drains the outbox, broadcasting each message to every orderbook peer
// in order. It returns when ctx is done or the syncer is closed.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ctx.Done():
			return nil
		case msg := <-s.outbox:
			s.broadcast(ctx, msg)
		}
	}
}

func (s *Syncer) broadcast(ctx context.Context, msg wire.Message) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	for _, r := range s.net.Broadcast(ctx, wire.OrderbookService, msg) {
		if r.Err != nil {
			s.m.Outbound.WithLabelValues(string(msg.Kind()), "failed").Inc()
			s.log.Warnw("sync_send_failed", "peer", r.Peer, "kind", msg.Kind(), "err", r.Err)
			continue
		}
		s.m.Outbound.WithLabelValues(string(msg.Kind()), "sent").Inc()
		if st, ok := r.Reply.(wire.Status); ok && st.Status == wire.StatusDeltaIgnored {
			s.log.Debugw("peer_ignored_delta", "peer", r.Peer)
		}
	}
}

// BroadcastFingerprint sends the current fingerprint to every orderbook peer.
func (s *Syncer) BroadcastFingerprint(ctx context.Context) {
	s.broadcast(ctx, wire.HashBroadcast{Hash: s.engine.Fingerprint(), Timestamp: s.clock.Now()})
}

// PushFullSync sends the whole local book to every orderbook peer, which
// replace their state with it.
func (s *Syncer) PushFullSync(ctx context.Context) []p2p.Result {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	s.log.Infow("full_sync_push", "fingerprint", s.engine.Fingerprint())
	return s.net.Broadcast(ctx, wire.OrderbookService, wire.FullSync{Book: s.engine.Snapshot()})
}

// GossipLoop broadcasts the fingerprint every interval. It runs in both modes
// so lost deltas are eventually detected.
func (s *Syncer) GossipLoop(ctx context.Context, interval time.Duration) error {
	return s.every(ctx, interval, func() { s.BroadcastFingerprint(ctx) })
}

// MergeLoop pulls from one random orderbook peer every interval.
func (s *Syncer) MergeLoop(ctx context.Context, interval time.Duration) error {
	return s.every(ctx, interval, func() {
		peers := s.net.Peers(wire.OrderbookService)
		if len(peers) == 0 {
			return
		}
		peer := peers[rand.IntN(len(peers))]
		if _, err := s.MergeFrom(ctx, peer); err != nil {
			s.log.Warnw("merge_failed", "peer", peer, "err", err)
		}
	})
}

func (s *Syncer) every(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ctx.Done():
			return nil
		case <-s.clock.After(interval):
			fn()
		}
	}
}

// Close stops the loops and waits for background reconciliations.
func (s *Syncer) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
