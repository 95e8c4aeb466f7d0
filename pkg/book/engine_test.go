package book

import (
	"errors"
	"testing"
)

func buy(id, client string, price, qty int64) Order {
	return Order{ID: id, ClientID: client, Side: Buy, Price: price, Quantity: qty}
}

func sell(id, client string, price, qty int64) Order {
	return Order{ID: id, ClientID: client, Side: Sell, Price: price, Quantity: qty}
}

func mustAdd(t *testing.T, e *Engine, o Order) []Trade {
	t.Helper()
	trades, err := e.AddOrder(o)
	if err != nil {
		t.Fatalf("AddOrder(%s): %v", o.ID, err)
	}
	return trades
}

func TestAddOrder_CrossingPartialFill(t *testing.T) {
	e := NewEngine(nil, nil)
	mustAdd(t, e, buy("a1", "A", 10, 5))
	trades := mustAdd(t, e, sell("b1", "B", 8, 3))

	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	want := Trade{BuyOrderID: "a1", SellOrderID: "b1", Quantity: 3, Price: 10, Buyer: "A", Seller: "B"}
	if trades[0] != want {
		t.Fatalf("trade = %+v, want %+v", trades[0], want)
	}

	snap := e.Snapshot()
	if len(snap.Buys) != 1 || snap.Buys[0].Quantity != 2 {
		t.Fatalf("resting buy = %+v, want quantity 2", snap.Buys)
	}
	if len(snap.Sells) != 0 {
		t.Fatalf("sell should be removed, got %+v", snap.Sells)
	}
}

func TestAddOrder_IncomingBuyTakesMakerPrice(t *testing.T) {
	e := NewEngine(nil, nil)
	mustAdd(t, e, sell("s1", "B", 8, 3))
	trades := mustAdd(t, e, buy("b1", "A", 10, 5))

	if len(trades) != 1 || trades[0].Price != 8 || trades[0].Quantity != 3 {
		t.Fatalf("trades = %+v, want one trade of 3 @ 8", trades)
	}
	snap := e.Snapshot()
	if len(snap.Buys) != 1 || snap.Buys[0].Quantity != 2 {
		t.Fatalf("remaining buy = %+v, want quantity 2", snap.Buys)
	}
}

func TestAddOrder_NoCross(t *testing.T) {
	e := NewEngine(nil, nil)
	mustAdd(t, e, sell("s1", "B", 7, 4))
	trades := mustAdd(t, e, buy("b1", "A", 5, 4))

	if len(trades) != 0 {
		t.Fatalf("expected no trades, got %+v", trades)
	}
	if b, s := e.Len(); b != 1 || s != 1 {
		t.Fatalf("Len() = %d/%d, want 1/1", b, s)
	}
}

func TestAddOrder_SelfTradeSkipped(t *testing.T) {
	e := NewEngine(nil, nil)
	mustAdd(t, e, sell("s1", "A", 5, 2))
	mustAdd(t, e, sell("s2", "B", 6, 2))
	trades := mustAdd(t, e, buy("b1", "A", 10, 4))

	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %+v", trades)
	}
	if trades[0].SellOrderID != "s2" || trades[0].Seller != "B" {
		t.Fatalf("traded against %s, want s2", trades[0].SellOrderID)
	}
	snap := e.Snapshot()
	if len(snap.Sells) != 1 || snap.Sells[0].ID != "s1" {
		t.Fatalf("own sell should still rest, got %+v", snap.Sells)
	}
	if len(snap.Buys) != 1 || snap.Buys[0].Quantity != 2 {
		t.Fatalf("buy remainder = %+v, want quantity 2", snap.Buys)
	}
}

func TestAddOrder_PriceTimePriority(t *testing.T) {
	e := NewEngine(nil, nil)
	mustAdd(t, e, sell("s-9a", "B", 9, 1))
	mustAdd(t, e, sell("s-7", "C", 7, 1))
	mustAdd(t, e, sell("s-9b", "D", 9, 1))
	mustAdd(t, e, sell("s-8", "E", 8, 1))

	trades := mustAdd(t, e, buy("b", "A", 9, 3))
	got := make([]string, len(trades))
	for i, tr := range trades {
		got[i] = tr.SellOrderID
	}
	want := []string{"s-7", "s-8", "s-9a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fill order = %v, want %v", got, want)
		}
	}

	// Storage keeps arrival order for what is left.
	snap := e.Snapshot()
	if len(snap.Sells) != 1 || snap.Sells[0].ID != "s-9b" {
		t.Fatalf("remaining sells = %+v", snap.Sells)
	}
	if len(snap.Buys) != 0 {
		t.Fatalf("fully filled buy must be removed, got %+v", snap.Buys)
	}
}

func TestAddOrder_SellSweepsHighestBidsFirst(t *testing.T) {
	e := NewEngine(nil, nil)
	mustAdd(t, e, buy("b-5", "B", 5, 2))
	mustAdd(t, e, buy("b-7", "C", 7, 2))
	mustAdd(t, e, buy("b-6", "D", 6, 2))

	trades := mustAdd(t, e, sell("s", "A", 6, 10))
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %+v", trades)
	}
	if trades[0].Price != 7 || trades[1].Price != 6 {
		t.Fatalf("prices = %d,%d want 7,6", trades[0].Price, trades[1].Price)
	}
	snap := e.Snapshot()
	if len(snap.Sells) != 1 || snap.Sells[0].Quantity != 6 {
		t.Fatalf("sell remainder = %+v, want 6", snap.Sells)
	}
	if len(snap.Buys) != 1 || snap.Buys[0].ID != "b-5" {
		t.Fatalf("remaining buys = %+v", snap.Buys)
	}
}

func TestAddOrder_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		order Order
		want  error
	}{
		{"empty id", Order{ClientID: "A", Side: Buy, Price: 1, Quantity: 1}, ErrInvalidOrder},
		{"empty client", Order{ID: "x", Side: Buy, Price: 1, Quantity: 1}, ErrInvalidOrder},
		{"id not utf8", buy("o\xff", "A", 1, 1), ErrInvalidOrder},
		{"client not utf8", buy("x", "A\xfe", 1, 1), ErrInvalidOrder},
		{"unknown side", Order{ID: "x", ClientID: "A", Side: "hold", Price: 1, Quantity: 1}, ErrInvalidOrder},
		{"zero price", buy("x", "A", 0, 1), ErrInvalidOrder},
		{"negative quantity", buy("x", "A", 1, -1), ErrInvalidOrder},
		{"duplicate id", buy("dup", "A", 1, 1), ErrDuplicateOrder},
	}

	e := NewEngine(nil, nil)
	mustAdd(t, e, buy("dup", "A", 1, 1))
	before := e.Fingerprint()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.AddOrder(tt.order)
			if !errors.Is(err, tt.want) {
				t.Fatalf("AddOrder() error = %v, want %v", err, tt.want)
			}
			if e.Fingerprint() != before {
				t.Fatalf("rejected order mutated the book")
			}
		})
	}
}

func TestAddOrder_EventsAndLedgerHash(t *testing.T) {
	e := NewEngine(nil, nil)
	var kinds []EventKind
	var last string
	e.SetObserver(func(ev Event, hash string) {
		kinds = append(kinds, ev.Type)
		last = hash
	})

	mustAdd(t, e, buy("a1", "A", 10, 5))
	mustAdd(t, e, sell("b1", "B", 8, 3))

	want := []EventKind{EventAdd, EventAdd, EventMatch}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
	if last != e.Fingerprint() {
		t.Fatalf("observer hash %s does not match current fingerprint", last)
	}
}

func TestAddOrder_RemainderEmitsUpdate(t *testing.T) {
	e := NewEngine(nil, nil)
	var events []Event
	e.SetObserver(func(ev Event, _ string) { events = append(events, ev) })

	mustAdd(t, e, sell("s1", "B", 8, 3))
	mustAdd(t, e, buy("b1", "A", 10, 5))

	// add s1, add b1, match, add b1 remainder
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	rest := events[3]
	if rest.Type != EventAdd || rest.Order.ID != "b1" || rest.Order.Quantity != 2 || rest.Index != 0 {
		t.Fatalf("remainder event = %+v", rest)
	}
}

func TestFingerprint(t *testing.T) {
	e := NewEngine(nil, nil)
	mustAdd(t, e, buy("a", "A", 10, 5))

	h1 := e.Fingerprint()
	if h2 := e.Fingerprint(); h1 != h2 {
		t.Fatalf("fingerprint not idempotent: %s vs %s", h1, h2)
	}

	snap := e.Snapshot()
	snap.Buys[0].Quantity = 4
	if Fingerprint(snap) == h1 {
		t.Fatalf("changing a quantity must change the fingerprint")
	}

	if Fingerprint(Snapshot{}) != Fingerprint(Snapshot{Buys: []Order{}, Sells: []Order{}}) {
		t.Fatalf("nil and empty sides must hash the same")
	}
}

func TestFingerprint_CanonicalEncoding(t *testing.T) {
	s := Snapshot{Buys: []Order{buy("a", "A", 10, 5)}}
	b, err := s.Canonical()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"buys":[{"id":"a","clientId":"A","side":"buy","price":10,"quantity":5}],"sells":[]}`
	if string(b) != want {
		t.Fatalf("canonical = %s\nwant      %s", b, want)
	}
}

func TestApplyDelta_MatchUnknownOrderIsNoop(t *testing.T) {
	e := NewEngine(nil, nil)
	mustAdd(t, e, buy("a", "A", 10, 5))
	before := e.Fingerprint()

	ok, err := e.ApplyDelta(Delta{Type: EventMatch, Match: &Trade{
		BuyOrderID: "a", SellOrderID: "ghost", Quantity: 1, Price: 10, Buyer: "A", Seller: "B",
	}}, "peer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("delta on unknown order reported as applied")
	}
	if e.Fingerprint() != before {
		t.Fatalf("no-op delta changed state")
	}
}

func TestApplyDelta_ReplaysLocalHistory(t *testing.T) {
	local := NewEngine(nil, nil)
	remote := NewEngine(nil, nil)
	local.SetObserver(func(ev Event, _ string) {
		if ev.Type == EventReplace {
			return
		}
		if _, err := remote.ApplyDelta(ev.Delta, "local"); err != nil {
			t.Errorf("ApplyDelta: %v", err)
		}
	})

	mustAdd(t, local, sell("s1", "B", 8, 3))
	mustAdd(t, local, sell("s2", "C", 9, 3))
	mustAdd(t, local, buy("b1", "A", 9, 5))
	mustAdd(t, local, buy("b2", "D", 7, 1))
	mustAdd(t, local, sell("s3", "E", 7, 4))

	if got, want := remote.Fingerprint(), local.Fingerprint(); got != want {
		t.Fatalf("replayed deltas diverged:\nlocal  %+v\nremote %+v", local.Snapshot(), remote.Snapshot())
	}
}

func TestApplyDelta_QuantityConflictIgnored(t *testing.T) {
	e := NewEngine(nil, nil)
	mustAdd(t, e, buy("b", "A", 10, 1))
	mustAdd(t, e, sell("s", "A", 11, 1))

	ok, err := e.ApplyDelta(Delta{Type: EventMatch, Match: &Trade{BuyOrderID: "b", SellOrderID: "s", Quantity: 5}}, "p")
	if err != nil || ok {
		t.Fatalf("ApplyDelta = %v, %v; want false, nil", ok, err)
	}
}

func TestApplyDelta_AddSlotSemantics(t *testing.T) {
	e := NewEngine(nil, nil)
	mustAdd(t, e, buy("a", "A", 5, 1))

	// Past the end appends.
	if ok, _ := e.ApplyDelta(Delta{Type: EventAdd, Order: &Order{ID: "c", ClientID: "C", Side: Buy, Price: 4, Quantity: 1}, Index: 7}, "p"); !ok {
		t.Fatal("append delta rejected")
	}
	// Known id is updated in place.
	if ok, _ := e.ApplyDelta(Delta{Type: EventAdd, Order: &Order{ID: "a", ClientID: "A", Side: Buy, Price: 5, Quantity: 9}, Index: 3}, "p"); !ok {
		t.Fatal("update delta rejected")
	}
	snap := e.Snapshot()
	if len(snap.Buys) != 2 || snap.Buys[0].ID != "a" || snap.Buys[0].Quantity != 9 || snap.Buys[1].ID != "c" {
		t.Fatalf("buys = %+v", snap.Buys)
	}

	if _, err := e.ApplyDelta(Delta{Type: "bogus"}, "p"); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("unknown delta type error = %v", err)
	}
}

func TestReplaceAndMerge(t *testing.T) {
	a := NewEngine(nil, nil)
	mustAdd(t, a, buy("x", "A", 10, 2))
	mustAdd(t, a, sell("y", "B", 12, 2))

	b := NewEngine(nil, nil)
	mustAdd(t, b, buy("z", "C", 3, 1))
	b.Replace(a.Snapshot(), "a")

	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("replace did not converge")
	}
	if b.Contains("z") || !b.Contains("x") {
		t.Fatalf("id index not rebuilt after replace")
	}

	if !b.Merge(buy("m", "D", 1, 1), "c") {
		t.Fatal("merge of new order failed")
	}
	if b.Merge(buy("m", "D", 1, 1), "c") {
		t.Fatal("merge of resting order should be refused")
	}
}

// Ids that JSON would rewrite to U+FFFD never reach a book, so distinct books
// cannot share a fingerprint through them.
func TestInvalidUTF8IdsRejectedOnEveryPath(t *testing.T) {
	e := NewEngine(nil, nil)
	for _, o := range []Order{buy("o\xff", "A", 5, 1), buy("o\xfe", "A\xff", 5, 1)} {
		if _, err := e.AddOrder(o); !errors.Is(err, ErrInvalidOrder) {
			t.Fatalf("AddOrder(%q) error = %v, want ErrInvalidOrder", o.ID, err)
		}
		if _, err := e.ApplyDelta(Delta{Type: EventAdd, Order: &o}, "p"); !errors.Is(err, ErrInvalidOrder) {
			t.Fatalf("ApplyDelta(%q) error = %v, want ErrInvalidOrder", o.ID, err)
		}
		if e.Merge(o, "p") {
			t.Fatalf("Merge(%q) accepted an invalid id", o.ID)
		}
	}
	if e.Contains("o\xff") || e.Contains("o\xfe") {
		t.Fatal("invalid ids reached the book")
	}
	if got, want := e.Fingerprint(), NewEngine(nil, nil).Fingerprint(); got != want {
		t.Fatalf("fingerprint = %s, want empty-book %s", got, want)
	}
}
