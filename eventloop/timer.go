package eventloop

import "time"

// TimerID identifies a timer for the lifetime of its Loop. The zero value never names a timer.
type TimerID uint64

// TimerFunc is invoked on the loop goroutine with the id of the timer that fired, so a
// repeating timer can cancel itself.
type TimerFunc func(id TimerID)

// MinInterval is the smallest period a repeating timer is armed with.
const MinInterval = time.Millisecond

type timer struct {
	id       TimerID
	when     time.Time
	delay    time.Duration
	repeat   bool
	seq      uint64
	index    int
	killed   bool
	callback TimerFunc
}

// timerHeap orders timers by fire time; timers due at the same instant keep scheduling order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
