package book

import (
	"container/heap"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Engine owns one node's buy and sell sides. Each side is insertion ordered;
// matching computes price priority on the fly and never reorders storage, so
// nodes that apply the same deltas end up with byte-identical snapshots.
//
// Every mutating method runs under one mutex per engine.
type Engine struct {
	mu    sync.Mutex
	buys  []Order
	sells []Order
	ids   map[string]Side // id -> side, for resting orders only

	rec      Recorder
	observer Observer
	log      *zap.SugaredLogger
}

// NewEngine creates an empty book. rec may be nil, in which case events are
// only fingerprinted and not stored.
func NewEngine(rec Recorder, log *zap.SugaredLogger) *Engine {
	if rec == nil {
		rec = hashOnly{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		buys:  []Order{},
		sells: []Order{},
		ids:   make(map[string]Side),
		rec:   rec,
		log:   log,
	}
}

// SetObserver installs the post-mutation callback. Pass nil to remove it.
func (e *Engine) SetObserver(fn Observer) {
	e.mu.Lock()
	e.observer = fn
	e.mu.Unlock()
}

func (e *Engine) side(s Side) *[]Order {
	if s == Buy {
		return &e.buys
	}
	return &e.sells
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{Buys: e.buys, Sells: e.sells}.Clone()
}

func (e *Engine) emit(ev Event) {
	hash := e.rec.Record(ev, e.snapshotLocked())
	if e.observer != nil {
		e.observer(ev, hash)
	}
}

// AddOrder inserts o on its side and matches it to exhaustion against the
// opposite side. Rejected orders leave the book untouched.
func (e *Engine) AddOrder(o Order) ([]Trade, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.ids[o.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}

	own := e.side(o.Side)
	index := len(*own)
	*own = append(*own, o)
	e.ids[o.ID] = o.Side

	added := o
	e.emit(Event{Delta: Delta{Type: EventAdd, Order: &added, Index: index}})

	trades := e.match(o, index)

	if len(trades) > 0 {
		e.log.Debugw("order_matched", "id", o.ID, "trades", len(trades))
	}
	return trades, nil
}

// match runs the taker at own[index] against the opposite side. The taker's
// side is not modified by anything else while this runs, so index is stable
// until the taker itself is removed.
func (e *Engine) match(taker Order, index int) []Trade {
	own := e.side(taker.Side)
	opp := e.side(taker.Side.Opposite())

	q := &candidateHeap{highest: taker.Side == Sell}
	for i, maker := range *opp {
		if maker.ClientID == taker.ClientID {
			continue // no self-trade
		}
		if !crosses(taker, maker) {
			continue
		}
		q.items = append(q.items, candidate{id: maker.ID, price: maker.Price, seq: i})
	}
	heap.Init(q)

	var trades []Trade
	for q.Len() > 0 && taker.Quantity > 0 {
		c := heap.Pop(q).(candidate)
		i := indexOf(*opp, c.id)
		if i < 0 {
			continue
		}
		maker := &(*opp)[i]

		qty := min(taker.Quantity, maker.Quantity)
		taker.Quantity -= qty
		maker.Quantity -= qty
		t := newTrade(taker, *maker, qty)
		trades = append(trades, t)

		if maker.Quantity == 0 {
			delete(e.ids, maker.ID)
			*opp = removeAt(*opp, i)
		}
		if taker.Quantity == 0 {
			delete(e.ids, taker.ID)
			*own = removeAt(*own, index)
		} else {
			(*own)[index].Quantity = taker.Quantity
		}

		e.emit(Event{Delta: Delta{Type: EventMatch, Match: &t}})
	}

	if len(trades) > 0 && taker.Quantity > 0 {
		rest := taker
		e.emit(Event{Delta: Delta{Type: EventAdd, Order: &rest, Index: index}})
	}
	return trades
}

func crosses(taker, maker Order) bool {
	if taker.Side == Buy {
		return taker.Price >= maker.Price
	}
	return taker.Price <= maker.Price
}

func newTrade(taker, maker Order, qty int64) Trade {
	t := Trade{Quantity: qty, Price: maker.Price}
	if taker.Side == Buy {
		t.BuyOrderID, t.Buyer = taker.ID, taker.ClientID
		t.SellOrderID, t.Seller = maker.ID, maker.ClientID
	} else {
		t.BuyOrderID, t.Buyer = maker.ID, maker.ClientID
		t.SellOrderID, t.Seller = taker.ID, taker.ClientID
	}
	return t
}

func indexOf(orders []Order, id string) int {
	for i := range orders {
		if orders[i].ID == id {
			return i
		}
	}
	return -1
}

// removeAt deletes orders[i] keeping the relative order of the rest.
func removeAt(orders []Order, i int) []Order {
	copy(orders[i:], orders[i+1:])
	orders[len(orders)-1] = Order{}
	return orders[:len(orders)-1]
}

// ApplyDelta applies a change made by another node. It returns false, without
// error, when the delta refers to orders this node does not hold or would
// drive a quantity negative; divergence of that kind is left to
// fingerprint reconciliation.
func (e *Engine) ApplyDelta(d Delta, peer string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch d.Type {
	case EventAdd:
		if d.Order == nil {
			return false, &ValidationError{Field: "order", Reason: "missing from add delta"}
		}
		if err := d.Order.Validate(); err != nil {
			return false, err
		}
		e.applyAdd(*d.Order, d.Index)
	case EventMatch:
		if d.Match == nil {
			return false, &ValidationError{Field: "match", Reason: "missing from match delta"}
		}
		if !e.applyMatch(*d.Match) {
			return false, nil
		}
	default:
		return false, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown delta type %q", d.Type)}
	}

	e.emit(Event{Delta: d, Peer: peer, Remote: true})
	return true, nil
}

// applyAdd updates the order in place when this node already holds it,
// otherwise writes it into slot index, appending when index is past the end.
func (e *Engine) applyAdd(o Order, index int) {
	if s, ok := e.ids[o.ID]; ok {
		side := e.side(s)
		i := indexOf(*side, o.ID)
		if i >= 0 && s == o.Side {
			(*side)[i] = o
			return
		}
		// Side changed underneath us: drop the stale copy and fall through.
		if i >= 0 {
			*side = removeAt(*side, i)
		}
		delete(e.ids, o.ID)
	}

	side := e.side(o.Side)
	if index >= 0 && index < len(*side) {
		delete(e.ids, (*side)[index].ID)
		(*side)[index] = o
	} else {
		*side = append(*side, o)
	}
	e.ids[o.ID] = o.Side
}

func (e *Engine) applyMatch(t Trade) bool {
	bi := indexOf(e.buys, t.BuyOrderID)
	si := indexOf(e.sells, t.SellOrderID)
	if bi < 0 || si < 0 {
		e.log.Debugw("delta_unknown_order", "buy", t.BuyOrderID, "sell", t.SellOrderID)
		return false
	}
	if t.Quantity <= 0 || e.buys[bi].Quantity < t.Quantity || e.sells[si].Quantity < t.Quantity {
		e.log.Debugw("delta_quantity_conflict", "buy", t.BuyOrderID, "sell", t.SellOrderID, "qty", t.Quantity)
		return false
	}

	e.buys[bi].Quantity -= t.Quantity
	e.sells[si].Quantity -= t.Quantity
	if e.buys[bi].Quantity == 0 {
		delete(e.ids, t.BuyOrderID)
		e.buys = removeAt(e.buys, bi)
	}
	if e.sells[si].Quantity == 0 {
		delete(e.ids, t.SellOrderID)
		e.sells = removeAt(e.sells, si)
	}
	return true
}

// Replace overwrites both sides with a peer's snapshot (last writer replaces).
func (e *Engine) Replace(s Snapshot, peer string) {
	s = s.Clone()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.buys, e.sells = s.Buys, s.Sells
	e.ids = make(map[string]Side, len(s.Buys)+len(s.Sells))
	for _, o := range s.Buys {
		e.ids[o.ID] = Buy
	}
	for _, o := range s.Sells {
		e.ids[o.ID] = Sell
	}
	e.emit(Event{Delta: Delta{Type: EventReplace}, Peer: peer, Remote: true})
}

// Merge appends a remote order to its side without matching. It returns false
// if the order is invalid or already resting here.
func (e *Engine) Merge(o Order, peer string) bool {
	if o.Validate() != nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.ids[o.ID]; ok {
		return false
	}
	side := e.side(o.Side)
	index := len(*side)
	*side = append(*side, o)
	e.ids[o.ID] = o.Side

	merged := o
	e.emit(Event{Delta: Delta{Type: EventAdd, Order: &merged, Index: index}, Peer: peer, Remote: true})
	return true
}

func (e *Engine) Contains(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.ids[id]
	return ok
}

// Snapshot returns a deep copy of the current {buys, sells}.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) Fingerprint() string {
	return Fingerprint(e.Snapshot())
}

// Len returns the number of resting orders on each side.
func (e *Engine) Len() (buys, sells int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buys), len(e.sells)
}
