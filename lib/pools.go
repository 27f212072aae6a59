package lib

import (
	"fmt"

	"github.com/TheSmallBoat/loopclient/eventloop"
	"github.com/valyala/bytebufferpool"
)

var readChunkPool bytebufferpool.Pool

var pendingWritePool = &PendingWritePool{m: &eventloop.PoolMetrics{}}

func PoolMetricsString() string {
	return fmt.Sprintf("{\"TimerPool\" = %s, \"pendingWritePool\" = %s}",
		eventloop.TimerPoolMetrics(),
		pendingWritePool.m.String(),
	)
}
