package eventloop

import (
	"sync"
	"time"
)

var timerPool = &TimerPool{m: &PoolMetrics{}}

// TimerPool recycles the timers the loop parks on between deadlines.
type TimerPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *TimerPool) acquire(d time.Duration) *time.Timer {
	if v := p.sp.Get(); v != nil {
		p.m.Acquired(true)
		t := v.(*time.Timer)
		t.Reset(d)
		return t
	}
	p.m.Acquired(false)
	return time.NewTimer(d)
}

func (p *TimerPool) release(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	p.sp.Put(t)
	p.m.Released()
}

// park blocks until d elapsed, wake fired or quit closed, and reports false on quit. A
// negative d waits without a deadline.
func (p *TimerPool) park(d time.Duration, wake <-chan struct{}, quit <-chan struct{}) bool {
	if d < 0 {
		select {
		case <-quit:
			return false
		case <-wake:
			return true
		}
	}

	t := p.acquire(d)
	defer p.release(t)

	select {
	case <-quit:
		return false
	case <-wake:
	case <-t.C:
	}
	return true
}
