package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodesHaveIndependentRegistries(t *testing.T) {
	a, b := New("a"), New("b")
	a.Trades.Inc()
	a.Orders.WithLabelValues("processed").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Trades))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Trades))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.Orders.WithLabelValues("processed")))

	n, err := testutil.GatherAndCount(a.Registry, "peerbook_book_trades_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWatchBook(t *testing.T) {
	m := New("a")
	buys, sells, entries := 3, 1, 7
	m.WatchBook(func() (int, int) { return buys, sells }, func() int { return entries })

	n, err := testutil.GatherAndCount(m.Registry, "peerbook_book_resting_buy", "peerbook_book_resting_sell", "peerbook_ledger_entries")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	mfs, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "peerbook_book_resting_buy" {
			assert.Equal(t, 3.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
}
