package book

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

func drawOrders(t *rapid.T) []Order {
	n := rapid.IntRange(1, 60).Draw(t, "n")
	clients := []string{"c1", "c2", "c3"}
	orders := make([]Order, n)
	for i := range orders {
		orders[i] = Order{
			ID:       fmt.Sprintf("o%d", i),
			ClientID: rapid.SampledFrom(clients).Draw(t, "client"),
			Side:     rapid.SampledFrom([]Side{Buy, Sell}).Draw(t, "side"),
			Price:    rapid.Int64Range(1, 20).Draw(t, "price"),
			Quantity: rapid.Int64Range(1, 10).Draw(t, "qty"),
		}
	}
	return orders
}

func TestProperty_QuantityConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := NewEngine(nil, nil)
		submitted := map[string]int64{}
		traded := map[string]int64{}

		for _, o := range drawOrders(t) {
			submitted[o.ClientID] += o.Quantity
			trades, err := e.AddOrder(o)
			if err != nil {
				t.Fatalf("AddOrder: %v", err)
			}
			for _, tr := range trades {
				traded[tr.Buyer] += tr.Quantity
				traded[tr.Seller] += tr.Quantity
			}
		}

		resting := map[string]int64{}
		snap := e.Snapshot()
		for _, o := range append(snap.Buys, snap.Sells...) {
			if o.Quantity <= 0 {
				t.Fatalf("order %s rests with quantity %d", o.ID, o.Quantity)
			}
			resting[o.ClientID] += o.Quantity
		}
		for client, q := range submitted {
			if resting[client]+traded[client] != q {
				t.Fatalf("client %s: resting %d + traded %d != submitted %d",
					client, resting[client], traded[client], q)
			}
		}
	})
}

func TestProperty_NoSelfTradeAndPricePriority(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := NewEngine(nil, nil)
		for _, o := range drawOrders(t) {
			trades, err := e.AddOrder(o)
			if err != nil {
				t.Fatalf("AddOrder: %v", err)
			}
			for i, tr := range trades {
				if tr.Buyer == tr.Seller {
					t.Fatalf("self trade %+v", tr)
				}
				if o.Side == Buy && tr.Price > o.Price {
					t.Fatalf("buy %d filled above limit at %d", o.Price, tr.Price)
				}
				if o.Side == Sell && tr.Price < o.Price {
					t.Fatalf("sell %d filled below limit at %d", o.Price, tr.Price)
				}
				if i == 0 {
					continue
				}
				prev := trades[i-1].Price
				if o.Side == Buy && tr.Price < prev {
					t.Fatalf("buy consumed %d after %d", tr.Price, prev)
				}
				if o.Side == Sell && tr.Price > prev {
					t.Fatalf("sell consumed %d after %d", tr.Price, prev)
				}
			}
		}
	})
}

func TestProperty_NoCrossAcrossClients(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := NewEngine(nil, nil)
		for _, o := range drawOrders(t) {
			if _, err := e.AddOrder(o); err != nil {
				t.Fatalf("AddOrder: %v", err)
			}
			snap := e.Snapshot()
			for _, b := range snap.Buys {
				for _, s := range snap.Sells {
					if b.ClientID != s.ClientID && b.Price >= s.Price {
						t.Fatalf("book left crossed: buy %+v sell %+v", b, s)
					}
				}
			}
		}
	})
}

func TestProperty_DeltaReplayConverges(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		local := NewEngine(nil, nil)
		replica := NewEngine(nil, nil)
		local.SetObserver(func(ev Event, _ string) {
			if _, err := replica.ApplyDelta(ev.Delta, "local"); err != nil {
				t.Fatalf("ApplyDelta: %v", err)
			}
		})
		for _, o := range drawOrders(t) {
			if _, err := local.AddOrder(o); err != nil {
				t.Fatalf("AddOrder: %v", err)
			}
		}
		if local.Fingerprint() != replica.Fingerprint() {
			t.Fatalf("replica diverged")
		}
	})
}
