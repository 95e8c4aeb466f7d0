package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/wire"
)

// Libp2pNet implements Network on libp2p. Announcements travel over a
// gossipsub topic; requests use one stream per call on a per-service protocol.
type Libp2pNet struct {
	h       host.Host
	ps      *pubsub.PubSub
	log     *zap.SugaredLogger
	timeout time.Duration
	reg     *Registry

	tAnnounce   *pubsub.Topic
	subAnnounce *pubsub.Subscription

	muH      sync.RWMutex
	handlers map[string]Handler

	ctx    context.Context
	cancel context.CancelFunc
}

type Libp2pConfig struct {
	ListenAddr  string
	Bootstrap   []string
	Timeout     time.Duration // per-request default when the caller sets no deadline
	AnnounceTTL time.Duration // how long an announcement keeps a peer listed
	Logger      *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}

	n := &Libp2pNet{
		h: h, ps: ps, log: cfg.Logger,
		timeout:  cfg.Timeout,
		reg:      NewRegistry(cfg.AnnounceTTL, nil),
		handlers: make(map[string]Handler),
		ctx:      runCtx,
		cancel:   cancel,
	}

	for _, bs := range cfg.Bootstrap {
		if err := n.Connect(runCtx, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if n.tAnnounce, err = ps.Join(topicAnnounce); err != nil {
		_ = n.Close()
		return nil, err
	}
	if n.subAnnounce, err = n.tAnnounce.Subscribe(); err != nil {
		_ = n.Close()
		return nil, err
	}
	go n.handleAnnounce(runCtx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return n, nil
}

// Connect dials a full /p2p multiaddr.
func (n *Libp2pNet) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return n.h.Connect(ctx, *info)
}

func (n *Libp2pNet) Host() host.Host { return n.h }

func (n *Libp2pNet) ID() string { return n.h.ID().String() }

// Addrs returns this host's dialable /p2p multiaddrs.
func (n *Libp2pNet) Addrs() []string {
	maddrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.h.ID(), Addrs: n.h.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, len(maddrs))
	for i, m := range maddrs {
		out[i] = m.String()
	}
	return out
}

func (n *Libp2pNet) Announce(ctx context.Context, service string) error {
	addrs := make([]string, 0, len(n.h.Addrs()))
	for _, a := range n.h.Addrs() {
		addrs = append(addrs, a.String())
	}
	data, err := gobEncode(AnnounceWire{Peer: n.ID(), Service: service, Addrs: addrs})
	if err != nil {
		return err
	}
	return n.tAnnounce.Publish(ctx, data)
}

func (n *Libp2pNet) handleAnnounce(ctx context.Context) {
	self := n.h.ID()
	for {
		msg, err := n.subAnnounce.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self || msg.GetFrom() == self {
			continue
		}
		var w AnnounceWire
		if err := gobDecode(msg.Data, &w); err != nil {
			continue
		}
		// Only trust announcements signed by the peer they describe.
		if w.Peer != msg.GetFrom().String() {
			continue
		}
		pid := msg.GetFrom()
		for _, s := range w.Addrs {
			if a, err := ma.NewMultiaddr(s); err == nil {
				n.h.Peerstore().AddAddr(pid, a, 3*time.Minute)
			}
		}
		n.reg.Saw(w.Service, w.Peer)
	}
}

func (n *Libp2pNet) Peers(service string) []string {
	return n.reg.Peers(service)
}

func (n *Libp2pNet) Handle(service string, h Handler) {
	n.muH.Lock()
	n.handlers[service] = h
	n.muH.Unlock()
	n.h.SetStreamHandler(protocolFor(service), func(s network.Stream) { n.serve(service, s) })
}

// serve answers one request stream: read a frame, dispatch, write the reply.
func (n *Libp2pNet) serve(service string, s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(n.timeout))

	msg, err := wire.ReadMsg(s)
	if err != nil {
		n.log.Debugw("stream_read_failed", "service", service, "err", err)
		_ = s.Reset()
		return
	}

	n.muH.RLock()
	h := n.handlers[service]
	n.muH.RUnlock()

	ctx, cancel := context.WithTimeout(n.ctx, n.timeout)
	defer cancel()

	var reply wire.Message
	if h == nil {
		reply = wire.ErrorReply{Error: ErrNoHandler.Error()}
	} else if reply, err = h(ctx, s.Conn().RemotePeer().String(), msg); err != nil {
		reply = wire.ErrorReply{Error: err.Error()}
	}
	if reply == nil {
		reply = wire.Status{Status: "ok"}
	}
	if err := wire.WriteMsg(s, reply); err != nil {
		n.log.Debugw("stream_write_failed", "service", service, "err", err)
		_ = s.Reset()
	}
}

func (n *Libp2pNet) RequestPeer(ctx context.Context, to, service string, msg wire.Message) (wire.Message, error) {
	pid, err := peer.Decode(to)
	if err != nil {
		return nil, fmt.Errorf("peer id %q: %w", to, err)
	}
	ctx, cancel := withTimeout(ctx, n.timeout)
	defer cancel()

	s, err := n.h.NewStream(ctx, pid, protocolFor(service))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, to, err)
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	if err := wire.WriteMsg(s, msg); err != nil {
		_ = s.Reset()
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		_ = s.Reset()
		return nil, err
	}
	reply, err := wire.ReadMsg(s)
	if err != nil {
		_ = s.Reset()
		return nil, err
	}
	return reply, wire.ReplyError(to, reply)
}

func (n *Libp2pNet) Request(ctx context.Context, service string, msg wire.Message) (wire.Message, string, error) {
	to, err := PickPeer(n.Peers(service))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", err, service)
	}
	reply, err := n.RequestPeer(ctx, to, service, msg)
	return reply, to, err
}

func (n *Libp2pNet) Broadcast(ctx context.Context, service string, msg wire.Message) []Result {
	return fanOut(ctx, n.Peers(service), func(ctx context.Context, p string) (wire.Message, error) {
		return n.RequestPeer(ctx, p, service, msg)
	})
}

func (n *Libp2pNet) Close() error {
	n.cancel()
	var err error
	if n.subAnnounce != nil {
		n.subAnnounce.Cancel()
	}
	if n.tAnnounce != nil {
		err = multierr.Append(err, n.tAnnounce.Close())
	}
	return multierr.Append(err, n.h.Close())
}

var _ Network = (*Libp2pNet)(nil)
