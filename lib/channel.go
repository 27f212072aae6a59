package lib

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/TheSmallBoat/loopclient/eventloop"
	"github.com/TheSmallBoat/loopclient/unpack"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

var (
	ErrWriteOnClosedChannel = errors.New("write on a channel that is not connected")
	ErrChannelClosed        = errors.New("channel closed locally")
)

var channelIDCounter atomic.Uint64

// Channel is one connection attempt and, once connected, the socket it produced. Channels
// are never reused: a client dials a fresh one for every attempt.
type Channel struct {
	id     uint64
	loop   *eventloop.Loop
	owner  channelOwner
	logger *zap.Logger
	stats  *stats

	readBufferSize int
	writeTimeout   time.Duration
	unpack         *unpack.Setting
	notifyWrites   bool

	state atomic.Int32

	mu       sync.Mutex // protects conn, addresses, user data and the writer queue
	conn     net.Conn
	peer     string
	local    string
	fd       int
	userData interface{}

	writerQueue []*pendingWrite
	writerCond  sync.Cond
	writerDone  bool

	dialCtx    context.Context
	dialCancel context.CancelFunc
	handled    chan struct{} // closed once handleConnect ran

	wg sync.WaitGroup
	in Buffer // only touched on the loop goroutine
}

type channelConfig struct {
	loop           *eventloop.Loop
	owner          channelOwner
	logger         *zap.Logger
	stats          *stats
	peer           string
	readBufferSize int
	writeTimeout   time.Duration
	unpack         *unpack.Setting
	notifyWrites   bool
}

func newChannel(cfg channelConfig) *Channel {
	ch := &Channel{
		id:             channelIDCounter.Add(1),
		loop:           cfg.loop,
		owner:          cfg.owner,
		stats:          cfg.stats,
		readBufferSize: cfg.readBufferSize,
		writeTimeout:   cfg.writeTimeout,
		unpack:         cfg.unpack,
		notifyWrites:   cfg.notifyWrites,
		peer:           cfg.peer,
		fd:             -1,
	}
	ch.logger = cfg.logger.With(zap.Uint64("channel", ch.id))
	ch.writerCond.L = &ch.mu
	ch.dialCtx, ch.dialCancel = context.WithCancel(context.Background())
	ch.handled = make(chan struct{})
	ch.state.Store(int32(StateConnecting))
	return ch
}

func (ch *Channel) ID() uint64          { return ch.id }
func (ch *Channel) State() ChannelState { return ChannelState(ch.state.Load()) }
func (ch *Channel) IsConnected() bool   { return ch.State() == StateConnected }

// PeerAddr is the dialled address while connecting and the remote endpoint once connected.
// It keeps its last value after the channel went down.
func (ch *Channel) PeerAddr() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.peer
}

func (ch *Channel) LocalAddr() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.local
}

// Fd returns the socket handle, or -1 before the channel connected.
func (ch *Channel) Fd() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.fd
}

func (ch *Channel) SetUserData(v interface{}) {
	ch.mu.Lock()
	ch.userData = v
	ch.mu.Unlock()
}

func (ch *Channel) UserData() interface{} {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.userData
}

// Write queues a copy of p for sending. Writes on a channel that is not connected are dropped
// and reported with ErrWriteOnClosedChannel.
func (ch *Channel) Write(p []byte) error {
	ch.mu.Lock()
	if ch.State() != StateConnected || ch.writerDone {
		ch.mu.Unlock()
		ch.logger.Warn("dropping write on a channel that is not connected",
			zap.Stringer("state", ch.State()), zap.Int("bytes", len(p)))
		return ErrWriteOnClosedChannel
	}
	ch.writerQueue = append(ch.writerQueue, pendingWritePool.acquire(p))
	ch.writerCond.Signal()
	ch.mu.Unlock()
	return nil
}

func (ch *Channel) WriteString(s string) error { return ch.Write([]byte(s)) }

// Close releases the socket. It is idempotent and, once it returns, the channel never
// delivers input again. Closing a connecting or connected channel reports the failed attempt
// or the disconnect to its client.
func (ch *Channel) Close() {
	ch.close(true)
}

func (ch *Channel) close(notify bool) {
	ch.mu.Lock()
	prev := ch.State()
	if prev == StateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state.Store(int32(StateClosed))
	ch.mu.Unlock()

	ch.shutdown()
	ch.logger.Debug("channel closed", zap.Stringer("was", prev))

	if !notify {
		return
	}
	switch prev {
	case StateConnecting:
		ch.loop.Post(func() { ch.owner.channelConnected(ch, ErrChannelClosed) })
	case StateConnected:
		ch.loop.Post(func() { ch.owner.channelClosed(ch, ErrChannelClosed) })
	}
}

func (ch *Channel) dial(d *net.Dialer, addr string) {
	ch.wg.Add(1)
	go func() {
		defer ch.wg.Done()

		conn, err := d.DialContext(ch.dialCtx, "tcp", addr)
		if !ch.loop.Post(func() { ch.handleConnect(conn, err) }) {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if conn == nil {
			return
		}

		// the loop may stop, or the channel close, before handleConnect takes the socket
		select {
		case <-ch.handled:
		case <-ch.dialCtx.Done():
			ch.releaseDialed(conn)
		case <-ch.loop.Done():
			ch.releaseDialed(conn)
		}
	}()
}

// releaseDialed closes a dialled socket the channel never adopted. A handleConnect still
// pending afterwards finds the channel no longer connecting.
func (ch *Channel) releaseDialed(conn net.Conn) {
	ch.mu.Lock()
	if ch.conn == conn {
		ch.mu.Unlock()
		return
	}
	if ch.State() == StateConnecting {
		ch.state.Store(int32(StateDisconnected))
	}
	ch.mu.Unlock()

	_ = conn.Close()
}

func (ch *Channel) handleConnect(conn net.Conn, err error) {
	ch.mu.Lock()
	close(ch.handled)
	if ch.State() != StateConnecting {
		ch.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		ch.state.Store(int32(StateDisconnected))
		ch.mu.Unlock()
		ch.dialCancel()
		ch.owner.channelConnected(ch, err)
		return
	}

	ch.conn = conn
	ch.peer = conn.RemoteAddr().String()
	ch.local = conn.LocalAddr().String()
	ch.fd = rawFd(conn)
	ch.state.Store(int32(StateConnected))

	ch.wg.Add(2)
	go ch.readLoop(conn)
	go ch.writeLoop(conn)
	ch.mu.Unlock()

	ch.owner.channelConnected(ch, nil)
}

// handleError takes a connected channel down after a read or write failure.
func (ch *Channel) handleError(err error) {
	ch.mu.Lock()
	if ch.State() != StateConnected {
		ch.mu.Unlock()
		return
	}
	ch.state.Store(int32(StateDisconnected))
	ch.mu.Unlock()

	if errors.Is(err, io.EOF) {
		ch.logger.Info("connection closed by peer", zap.String("peer", ch.PeerAddr()))
	} else {
		ch.logger.Warn("connection lost", zap.String("peer", ch.PeerAddr()), zap.Error(err))
	}

	ch.shutdown()
	ch.owner.channelClosed(ch, err)
}

// shutdown closes the socket and joins the dial, read and write goroutines. None of them
// blocks on the loop, so it is safe to call from a loop callback.
func (ch *Channel) shutdown() {
	ch.dialCancel()

	ch.mu.Lock()
	conn := ch.conn
	queue := ch.writerQueue
	ch.writerQueue = nil
	ch.writerDone = true
	ch.writerCond.Broadcast()
	ch.mu.Unlock()

	for _, pw := range queue {
		pendingWritePool.release(pw)
	}
	if conn != nil {
		_ = conn.Close()
	}
	ch.wg.Wait()
}

func (ch *Channel) readLoop(conn net.Conn) {
	defer ch.wg.Done()

	buf := make([]byte, ch.readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := readChunkPool.Get()
			_, _ = chunk.Write(buf[:n])
			if !ch.loop.Post(func() { ch.handleRead(chunk) }) {
				readChunkPool.Put(chunk)
				return
			}
		}
		if err != nil {
			ch.loop.Post(func() { ch.handleError(err) })
			return
		}
	}
}

func (ch *Channel) handleRead(chunk *bytebufferpool.ByteBuffer) {
	defer readChunkPool.Put(chunk)

	if !ch.IsConnected() {
		return
	}

	ch.stats.bytesIn.Add(uint64(chunk.Len()))
	ch.in.append(chunk.B)

	if ch.unpack == nil || ch.unpack.Mode == unpack.None {
		ch.owner.channelMessage(ch, &ch.in)
		ch.in.compact()
		return
	}

	for ch.IsConnected() {
		n, err := ch.unpack.Next(ch.in.Bytes())
		if err != nil {
			ch.handleError(err)
			return
		}
		if n == 0 {
			break
		}
		pkg := Buffer{b: ch.in.Bytes()[:n]}
		ch.owner.channelMessage(ch, &pkg)
		ch.in.Skip(n)
	}
	ch.in.compact()
}

func (ch *Channel) writeLoop(conn net.Conn) {
	defer ch.wg.Done()

	var queue []*pendingWrite
	for {
		ch.mu.Lock()
		for !ch.writerDone && len(ch.writerQueue) == 0 {
			ch.writerCond.Wait()
		}
		if ch.writerDone {
			ch.mu.Unlock()
			return
		}
		queue, ch.writerQueue = ch.writerQueue, queue[:0]
		ch.mu.Unlock()

		for i, pw := range queue {
			err := ch.flush(conn, pw)
			pendingWritePool.release(pw)
			queue[i] = nil

			if err != nil {
				for j := i + 1; j < len(queue); j++ {
					pendingWritePool.release(queue[j])
					queue[j] = nil
				}
				ch.loop.Post(func() { ch.handleError(err) })
				return
			}
		}
	}
}

func (ch *Channel) flush(conn net.Conn, pw *pendingWrite) error {
	if ch.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(ch.writeTimeout)); err != nil {
			return err
		}
	}

	n, err := conn.Write(pw.buf.B)
	ch.stats.bytesOut.Add(uint64(n))
	if err != nil {
		return err
	}

	if ch.notifyWrites {
		ch.loop.Post(func() {
			if ch.IsConnected() {
				ch.owner.channelWriteComplete(ch, n)
			}
		})
	}
	return nil
}

func rawFd(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(s uintptr) { fd = int(s) })
	return fd
}
