package dispatch

// Timer listeners live in a min-heap ordered by trigger time. Equal trigger
// times break ties on insertion sequence, so simultaneous timers fire in
// registration order.
type timerHeap struct {
	items []*timerListener
}

func (h *timerHeap) Len() int { return len(h.items) }

func (h *timerHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if !a.when.Equal(b.when) {
		return a.when.Before(b.when)
	}
	return a.seq < b.seq
}

func (h *timerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *timerHeap) Push(x any) {
	h.items = append(h.items, x.(*timerListener))
}

func (h *timerHeap) Pop() any {
	last := len(h.items) - 1
	tl := h.items[last]
	h.items[last] = nil
	h.items = h.items[:last]
	return tl
}

// indexOf returns the heap position of the timer registered under key, or -1.
func (h *timerHeap) indexOf(key ListenerKey) int {
	for i, tl := range h.items {
		if tl.key == key {
			return i
		}
	}
	return -1
}
