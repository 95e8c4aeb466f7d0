package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uhyunpark/peerbook/pkg/wire"
)

// Hub is an in-process switchboard for MemNet endpoints. Every message is
// passed through the wire codec so payloads see the same encoding they
// would on a real stream.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]*MemNet
	down  map[string]bool
	reg   *Registry
}

func NewHub() *Hub {
	return &Hub{
		nodes: make(map[string]*MemNet),
		down:  make(map[string]bool),
		reg:   NewRegistry(0, nil),
	}
}

// Join attaches a new endpoint with the given id.
func (h *Hub) Join(id string, timeout time.Duration) *MemNet {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	n := &MemNet{id: id, hub: h, timeout: timeout, handlers: make(map[string]Handler)}
	h.mu.Lock()
	h.nodes[id] = n
	h.mu.Unlock()
	return n
}

// SetDown makes id unreachable (or reachable again) without removing its
// announcements, like a crashed process whose peers have not noticed yet.
func (h *Hub) SetDown(id string, down bool) {
	h.mu.Lock()
	h.down[id] = down
	h.mu.Unlock()
}

func (h *Hub) lookup(id string) (*MemNet, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	if !ok || h.down[id] {
		return nil, false
	}
	return n, true
}

type MemNet struct {
	id      string
	hub     *Hub
	timeout time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

func (n *MemNet) ID() string { return n.id }

func (n *MemNet) Announce(_ context.Context, service string) error {
	n.hub.reg.Saw(service, n.id)
	return nil
}

func (n *MemNet) Handle(service string, h Handler) {
	n.mu.Lock()
	n.handlers[service] = h
	n.mu.Unlock()
}

// Peers excludes the caller itself.
func (n *MemNet) Peers(service string) []string {
	all := n.hub.reg.Peers(service)
	out := all[:0:0]
	for _, p := range all {
		if p != n.id {
			out = append(out, p)
		}
	}
	return out
}

func (n *MemNet) RequestPeer(ctx context.Context, to, service string, msg wire.Message) (wire.Message, error) {
	ctx, cancel := withTimeout(ctx, n.timeout)
	defer cancel()

	dst, ok := n.hub.lookup(to)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	dst.mu.RLock()
	h, closed := dst.handlers[service], dst.closed
	dst.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	if h == nil {
		return nil, &wire.RemoteError{Peer: to, Msg: ErrNoHandler.Error()}
	}

	in, err := wire.Roundtrip(msg)
	if err != nil {
		return nil, err
	}

	type out struct {
		reply wire.Message
		err   error
	}
	done := make(chan out, 1)
	go func() {
		reply, err := h(ctx, n.id, in)
		done <- out{reply, err}
	}()

	var reply wire.Message
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		switch {
		case o.err != nil:
			reply = wire.ErrorReply{Error: o.err.Error()}
		case o.reply == nil:
			reply = wire.Status{Status: "ok"}
		default:
			reply = o.reply
		}
	}
	if reply, err = wire.Roundtrip(reply); err != nil {
		return nil, err
	}
	return reply, wire.ReplyError(to, reply)
}

func (n *MemNet) Request(ctx context.Context, service string, msg wire.Message) (wire.Message, string, error) {
	to, err := PickPeer(n.Peers(service))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", err, service)
	}
	reply, err := n.RequestPeer(ctx, to, service, msg)
	return reply, to, err
}

func (n *MemNet) Broadcast(ctx context.Context, service string, msg wire.Message) []Result {
	return fanOut(ctx, n.Peers(service), func(ctx context.Context, p string) (wire.Message, error) {
		return n.RequestPeer(ctx, p, service, msg)
	})
}

// Close stops serving requests and withdraws every announcement.
func (n *MemNet) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.hub.reg.Forget(n.id)
	return nil
}

var _ Network = (*MemNet)(nil)
