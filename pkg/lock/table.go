package lock

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/util"
)

// DefaultLeaseTTL bounds how long a lock survives a holder that never releases.
const DefaultLeaseTTL = 30 * time.Second

type Lease struct {
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time // zero when the table has no TTL
}

func (l Lease) expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// Table is the authoritative set of held order locks. At most one lease per
// order id is live at any time; expired leases count as free.
type Table struct {
	mu     sync.Mutex
	ttl    time.Duration
	clock  util.Clock
	leases map[string]Lease
	log    *zap.SugaredLogger
}

// NewTable creates a lock table. ttl <= 0 disables expiry.
func NewTable(ttl time.Duration, clock util.Clock, log *zap.SugaredLogger) *Table {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Table{ttl: ttl, clock: clock, leases: make(map[string]Lease), log: log}
}

// Acquire takes the lock for orderID on behalf of owner. It reports false if
// a live lease exists, including one held by the same owner.
func (t *Table) Acquire(orderID, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if l, ok := t.leases[orderID]; ok {
		if !l.expired(now) {
			return false
		}
		t.log.Infow("lock_lease_reclaimed", "order", orderID, "prev_owner", l.Owner, "owner", owner)
	}
	l := Lease{Owner: owner, AcquiredAt: now}
	if t.ttl > 0 {
		l.ExpiresAt = now.Add(t.ttl)
	}
	t.leases[orderID] = l
	return true
}

// Release frees orderID regardless of who holds it. Releasing a free lock is a no-op.
func (t *Table) Release(orderID string) {
	t.mu.Lock()
	delete(t.leases, orderID)
	t.mu.Unlock()
}

func (t *Table) Held(orderID string) (Lease, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leases[orderID]
	if !ok || l.expired(t.clock.Now()) {
		return Lease{}, false
	}
	return l, true
}

// Sweep drops expired leases and returns how many were removed.
func (t *Table) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	n := 0
	for id, l := range t.leases {
		if l.expired(now) {
			delete(t.leases, id)
			n++
		}
	}
	if n > 0 {
		t.log.Debugw("lock_sweep", "expired", n, "held", len(t.leases))
	}
	return n
}

// Len counts stored leases, expired ones included until swept.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leases)
}
