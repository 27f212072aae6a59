package lib

import (
	"sync"

	"github.com/TheSmallBoat/loopclient/eventloop"
	"github.com/valyala/bytebufferpool"
)

type pendingWrite struct {
	buf *bytebufferpool.ByteBuffer // payload
}

type PendingWritePool struct {
	sp sync.Pool
	m  *eventloop.PoolMetrics
}

// acquire copies b into a pooled buffer.
func (p *PendingWritePool) acquire(b []byte) *pendingWrite {
	v := p.sp.Get()
	if v == nil {
		v = &pendingWrite{}
		p.m.Acquired(false)
	} else {
		p.m.Acquired(true)
	}

	pw := v.(*pendingWrite)
	pw.buf = bytebufferpool.Get()
	pw.buf.B = append(pw.buf.B[:0], b...)
	return pw
}

func (p *PendingWritePool) release(pw *pendingWrite) {
	bytebufferpool.Put(pw.buf)
	pw.buf = nil
	p.sp.Put(pw)
	p.m.Released()
}
