package feed

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/book"
)

// TradeEvent is one locally executed trade as published downstream.
type TradeEvent struct {
	Node  string     `json:"node"`
	Trade book.Trade `json:"trade"`
	Hash  string     `json:"hash"` // book fingerprint after the trade
	Time  time.Time  `json:"time"`
}

type Publisher interface {
	Publish(ctx context.Context, batch []TradeEvent) error
	Close() error
}

// Feed buffers trades from the engine observer and publishes them in
// batches from one goroutine. Trades that do not fit the buffer are dropped.
type Feed struct {
	pub     Publisher
	node    string
	ch      chan TradeEvent
	batch   int
	timeout time.Duration
	dropped atomic.Uint64
	log     *zap.SugaredLogger
}

func New(pub Publisher, node string, buffer int, log *zap.SugaredLogger) *Feed {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Feed{pub: pub, node: node, ch: make(chan TradeEvent, buffer), batch: 100, timeout: 5 * time.Second, log: log}
}

// Observe queues local trades. Safe to call under the engine lock.
func (f *Feed) Observe(ev book.Event, fingerprint string) {
	if ev.Remote || ev.Type != book.EventMatch || ev.Match == nil {
		return
	}
	select {
	case f.ch <- TradeEvent{Node: f.node, Trade: *ev.Match, Hash: fingerprint, Time: time.Now().UTC()}:
	default:
		f.dropped.Add(1)
		f.log.Warnw("trade_feed_full", "dropped", f.dropped.Load())
	}
}

func (f *Feed) Dropped() uint64 { return f.dropped.Load() }

// Run publishes until ctx is done, then flushes what is already queued.
func (f *Feed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			f.flush(context.WithoutCancel(ctx))
			return nil
		case t := <-f.ch:
			batch := []TradeEvent{t}
		drain:
			for len(batch) < f.batch {
				select {
				case t := <-f.ch:
					batch = append(batch, t)
				default:
					break drain
				}
			}
			f.publish(ctx, batch)
		}
	}
}

func (f *Feed) flush(ctx context.Context) {
	var batch []TradeEvent
	for {
		select {
		case t := <-f.ch:
			batch = append(batch, t)
		default:
			if len(batch) > 0 {
				f.publish(ctx, batch)
			}
			return
		}
	}
}

func (f *Feed) publish(ctx context.Context, batch []TradeEvent) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.pub.Publish(ctx, batch); err != nil {
		f.log.Warnw("trade_publish_failed", "count", len(batch), "err", err)
		return
	}
	f.log.Debugw("trades_published", "count", len(batch))
}

func (f *Feed) Close() error { return f.pub.Close() }
