package book

// candidate is a resting order eligible to trade against an incoming order.
// seq is the order's storage index when matching started (arrival rank).
type candidate struct {
	id    string
	price int64
	seq   int
}

// candidateHeap implements heap.Interface over match candidates.
// For an incoming buy the lowest price is on top, for an incoming sell the
// highest; equal prices are ordered by seq so earlier arrivals win.
// Use container/heap package to manipulate this heap (Init, Push, Pop).
type candidateHeap struct {
	items   []candidate
	highest bool
}

func (h candidateHeap) Len() int { return len(h.items) }

func (h candidateHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.price != b.price {
		if h.highest {
			return a.price > b.price
		}
		return a.price < b.price
	}
	return a.seq < b.seq
}

func (h candidateHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *candidateHeap) Push(x interface{}) {
	h.items = append(h.items, x.(candidate))
}

func (h *candidateHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[0 : n-1]
	return x
}
