package scheduler

import "github.com/qiwenli/mpcrawl/internal/crawler"

// pendingItem wraps a target with the insertion sequence so ordering is
// FIFO within a priority class.
type pendingItem struct {
	target crawler.Target
	seq    uint64
}

// pendingHeap orders by priority class (lower first), then arrival.
type pendingHeap []pendingItem

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].target.Priority != h[j].target.Priority {
		return h[i].target.Priority < h[j].target.Priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) {
	*h = append(*h, x.(pendingItem))
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// deferredHeap orders by the earliest NotBefore.
type deferredHeap []crawler.Target

func (h deferredHeap) Len() int { return len(h) }

func (h deferredHeap) Less(i, j int) bool {
	return h[i].NotBefore.Before(h[j].NotBefore)
}

func (h deferredHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deferredHeap) Push(x any) {
	*h = append(*h, x.(crawler.Target))
}

func (h *deferredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
