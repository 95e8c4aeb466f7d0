package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric exposed by a node.
const Namespace = "peerbook"

// Metrics holds the collectors of one node. Each node owns its registry so
// several nodes can share a process (tests, demos) without collisions.
type Metrics struct {
	Registry *prometheus.Registry

	// Submitted orders by outcome: processed, rejected, lock_failed.
	Orders *prometheus.CounterVec
	// Executed trades and their summed quantity.
	Trades         prometheus.Counter
	TradedQuantity prometheus.Counter

	// Outbound sync messages by result: sent, dropped, failed.
	Outbound *prometheus.CounterVec
	// Inbound deltas by result: applied, ignored, rejected.
	Deltas *prometheus.CounterVec
	// Fingerprint broadcasts that disagreed with local state.
	HashMismatches prometheus.Counter
	// Full-state reconciliations by result: ok, failed, skipped.
	Reconciles *prometheus.CounterVec
	// Orders appended by the merge variant.
	Merged prometheus.Counter
	// 1 while a reconciliation is outstanding.
	Reconciling prometheus.Gauge

	// Lock acquisitions by result: acquired, denied, error.
	Locks *prometheus.CounterVec
	// Leases held by a local lock service.
	LocksHeld prometheus.Gauge

	labels prometheus.Labels
}

// New builds a fresh registry with process/go collectors plus the node
// metrics, all labelled with node.
func New(node string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	labels := prometheus.Labels{"node": node}

	return &Metrics{
		Registry: reg,
		labels:   labels,
		Orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "book", Name: "orders_total",
			Help: "Submitted orders by outcome.", ConstLabels: labels,
		}, []string{"status"}),
		Trades: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "book", Name: "trades_total",
			Help: "Trades executed locally.", ConstLabels: labels,
		}),
		TradedQuantity: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "book", Name: "traded_quantity_total",
			Help: "Sum of quantities of local trades.", ConstLabels: labels,
		}),
		Outbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "sync", Name: "outbound_total",
			Help: "Outbound sync messages by result.", ConstLabels: labels,
		}, []string{"kind", "result"}),
		Deltas: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "sync", Name: "deltas_total",
			Help: "Inbound deltas by result.", ConstLabels: labels,
		}, []string{"result"}),
		HashMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "sync", Name: "hash_mismatches_total",
			Help: "Peer fingerprints that differed from local state.", ConstLabels: labels,
		}),
		Reconciles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "sync", Name: "reconciles_total",
			Help: "Full-state reconciliations by result.", ConstLabels: labels,
		}, []string{"result"}),
		Merged: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "sync", Name: "merged_orders_total",
			Help: "Remote orders merged into the local book.", ConstLabels: labels,
		}),
		Reconciling: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "sync", Name: "reconciling",
			Help: "1 while a reconciliation is in flight.", ConstLabels: labels,
		}),
		Locks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "lock", Name: "acquire_total",
			Help: "Order lock acquisitions by result.", ConstLabels: labels,
		}, []string{"result"}),
		LocksHeld: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "lock", Name: "held",
			Help: "Leases held by the local lock service.", ConstLabels: labels,
		}),
	}
}

// WatchBook exposes book depth and ledger length, read at scrape time.
func (m *Metrics) WatchBook(depth func() (buys, sells int), ledgerLen func() int) {
	f := promauto.With(m.Registry)
	side := func(name string, pick func(b, s int) int) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "book", Name: "resting_" + name,
			Help: "Resting " + name + " orders.", ConstLabels: m.labels,
		}, func() float64 { return float64(pick(depth())) })
	}
	side("buy", func(b, _ int) int { return b })
	side("sell", func(_, s int) int { return s })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "ledger", Name: "entries",
		Help: "Number of ledger entries.", ConstLabels: m.labels,
	}, func() float64 { return float64(ledgerLen()) })
}

// Nop returns metrics bound to a throwaway registry.
func Nop() *Metrics { return New("") }
