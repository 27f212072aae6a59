package eventloop

import (
	"fmt"
	"sync/atomic"
)

// na + nr equal the total number of acquires
// na + nr - np equal the number of still running.
type PoolMetrics struct {
	na uint32 // number of new acquires
	nr uint32 // number of reuse from pool
	np uint32 // number of put back to pool
}

// Acquired counts one acquire, served from the pool when reused is true.
func (p *PoolMetrics) Acquired(reused bool) {
	if reused {
		atomic.AddUint32(&p.nr, uint32(1))
		return
	}
	atomic.AddUint32(&p.na, uint32(1))
}

func (p *PoolMetrics) Released() { atomic.AddUint32(&p.np, uint32(1)) }

func (p *PoolMetrics) String() string {
	return fmt.Sprintf("[ %v|%v|%v ]", atomic.LoadUint32(&p.na), atomic.LoadUint32(&p.nr), atomic.LoadUint32(&p.np))
}

// TimerPoolMetrics reports the new|reuse|putback counters of the wait timer pool.
func TimerPoolMetrics() string { return timerPool.m.String() }

// InUse is the number of acquired objects not put back yet.
func (p *PoolMetrics) InUse() int {
	return int(atomic.LoadUint32(&p.na)) + int(atomic.LoadUint32(&p.nr)) - int(atomic.LoadUint32(&p.np))
}
