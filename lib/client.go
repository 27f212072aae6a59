package lib

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheSmallBoat/loopclient/eventloop"
	"github.com/TheSmallBoat/loopclient/reconnect"
	"github.com/TheSmallBoat/loopclient/unpack"
	"go.uber.org/zap"
)

var (
	ErrAddressResolution    = errors.New("unable to resolve address")
	ErrClientAlreadyStarted = errors.New("client already started")
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadBufferSize = 16 * 1024
)

type stats struct {
	connectAttempts atomic.Uint64
	connectFailures atomic.Uint64
	disconnects     atomic.Uint64
	reconnects      atomic.Uint64
	bytesIn         atomic.Uint64
	bytesOut        atomic.Uint64
}

type Stats struct {
	ConnectAttempts uint64
	ConnectFailures uint64
	Disconnects     uint64
	Reconnects      uint64 // reconnect timers armed
	BytesIn         uint64
	BytesOut        uint64
}

// Client keeps a single TCP connection to Addr alive. Its handlers run on the event loop it
// was created with; fields must be set before Start.
type Client struct {
	Addr string

	Logger *zap.Logger

	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	ReadBufferSize int
	WriteTimeout   time.Duration
	Unpack         *unpack.Setting

	OnConnection    ConnectionHandler
	OnMessage       MessageHandler
	OnWriteComplete WriteCompleteHandler

	loop  *eventloop.Loop
	stats stats

	mu      sync.Mutex // protects everything below
	logger  *zap.Logger
	state   ClientState
	remote  string
	dialer  net.Dialer
	ch      *Channel
	reconn  *reconnect.State
	timerID eventloop.TimerID
}

var _ channelOwner = (*Client)(nil)

func NewClient(loop *eventloop.Loop, addr string) *Client {
	return &Client{Addr: addr, loop: loop}
}

func (c *Client) Loop() *eventloop.Loop { return c.loop }

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channel returns the channel of the current or most recent attempt, nil after Stop.
func (c *Client) Channel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// SetReconnect enables reconnection with the given policy, or disables it when s is nil. The
// retry counter survives policy changes; only a successful connection resets it.
func (c *Client) SetReconnect(s *reconnect.Setting) error {
	if s != nil {
		if err := s.Validate(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case s == nil:
		c.reconn = nil
		c.killReconnectTimer()
	case c.reconn == nil:
		c.reconn = reconnect.NewState(*s)
	default:
		c.reconn.Update(*s)
	}
	return nil
}

func (c *Client) IsReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconn != nil
}

// ReconnectState reports the consecutive failed attempts and the delay armed for the latest
// retry. Both are zero while reconnection is disabled.
func (c *Client) ReconnectState() (retryCnt int, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconn == nil {
		return 0, 0
	}
	return c.reconn.RetryCnt(), c.reconn.Delay()
}

func (c *Client) Stats() Stats {
	return Stats{
		ConnectAttempts: c.stats.connectAttempts.Load(),
		ConnectFailures: c.stats.connectFailures.Load(),
		Disconnects:     c.stats.disconnects.Load(),
		Reconnects:      c.stats.reconnects.Load(),
		BytesIn:         c.stats.bytesIn.Load(),
		BytesOut:        c.stats.bytesOut.Load(),
	}
}

// Start resolves Addr and begins connecting. Resolution errors are returned and not retried;
// connect failures are reported to OnConnection and retried according to the reconnect
// setting.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ClientConnecting || c.state == ClientConnected || c.timerID != 0 {
		return ErrClientAlreadyStarted
	}

	if c.Unpack != nil {
		if err := c.Unpack.Validate(); err != nil {
			return err
		}
	}

	addr, err := net.ResolveTCPAddr("tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("%w '%s': %w", ErrAddressResolution, c.Addr, err)
	}

	c.logger = c.Logger
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}

	c.remote = addr.String()
	c.dialer = net.Dialer{Timeout: c.ConnectTimeout, KeepAlive: c.KeepAlive}

	c.logger.Info("tcp client starting", zap.String("addr", c.remote))
	c.connect()
	return nil
}

// Stop cancels a pending reconnect, closes the channel without reporting it and returns the
// client to idle. Stopping an idle client does nothing.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == ClientIdle {
		c.mu.Unlock()
		return
	}
	c.killReconnectTimer()
	ch := c.ch
	c.ch = nil
	c.state = ClientIdle
	logger, remote := c.logger, c.remote
	c.mu.Unlock()

	if ch != nil {
		ch.close(false)
	}
	logger.Info("tcp client stopped", zap.String("addr", remote))
}

// Write sends p on the current channel.
func (c *Client) Write(p []byte) error {
	ch := c.Channel()
	if ch == nil {
		return ErrWriteOnClosedChannel
	}
	return ch.Write(p)
}

// connect dials a fresh channel. c.mu must be held.
func (c *Client) connect() {
	c.state = ClientConnecting
	c.stats.connectAttempts.Add(1)

	ch := newChannel(channelConfig{
		loop:           c.loop,
		owner:          c,
		logger:         c.logger,
		stats:          &c.stats,
		peer:           c.remote,
		readBufferSize: c.ReadBufferSize,
		writeTimeout:   c.WriteTimeout,
		unpack:         c.Unpack,
		notifyWrites:   c.OnWriteComplete != nil,
	})
	c.ch = ch

	c.logger.Debug("connecting", zap.String("addr", c.remote), zap.Uint64("channel", ch.ID()))
	ch.dial(&c.dialer, c.remote)
}

func (c *Client) killReconnectTimer() {
	if c.timerID != 0 {
		c.loop.KillTimer(c.timerID)
		c.timerID = 0
	}
}

func (c *Client) channelConnected(ch *Channel, err error) {
	c.mu.Lock()
	if ch != c.ch || c.state != ClientConnecting {
		c.mu.Unlock()
		return
	}

	if err != nil {
		c.state = ClientDisconnected
		c.stats.connectFailures.Add(1)
		c.mu.Unlock()

		ch.logger.Warn("connect failed", zap.String("addr", ch.PeerAddr()), zap.Error(err))
		c.notifyConnection(ch)
		c.scheduleReconnect(ch)
		return
	}

	c.state = ClientConnected
	if c.reconn != nil {
		c.reconn.Reset()
	}
	c.mu.Unlock()

	ch.logger.Info("connected", zap.String("peer", ch.PeerAddr()), zap.Int("fd", ch.Fd()))
	c.notifyConnection(ch)
}

func (c *Client) channelClosed(ch *Channel, err error) {
	c.mu.Lock()
	if ch != c.ch || c.state != ClientConnected {
		c.mu.Unlock()
		return
	}
	c.state = ClientDisconnected
	c.stats.disconnects.Add(1)
	c.mu.Unlock()

	ch.logger.Info("disconnected", zap.String("peer", ch.PeerAddr()), zap.Error(err))
	c.notifyConnection(ch)
	c.scheduleReconnect(ch)
}

func (c *Client) channelMessage(ch *Channel, buf *Buffer) {
	if c.OnMessage == nil {
		DefaultMessageHandler(ch, buf)
		return
	}
	c.OnMessage.HandleMessage(ch, buf)
}

func (c *Client) channelWriteComplete(ch *Channel, n int) {
	if c.OnWriteComplete != nil {
		c.OnWriteComplete.HandleWriteComplete(ch, n)
	}
}

func (c *Client) notifyConnection(ch *Channel) {
	if c.OnConnection != nil {
		c.OnConnection.HandleConnection(ch)
	}
}

// scheduleReconnect arms the reconnect timer unless the handler already stopped or restarted
// the client, or reconnection is off or exhausted.
func (c *Client) scheduleReconnect(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch != c.ch || c.state != ClientDisconnected || c.timerID != 0 {
		return
	}
	if c.reconn == nil {
		c.logger.Debug("reconnect disabled, staying disconnected", zap.String("addr", c.remote))
		return
	}
	if c.reconn.Exhausted() {
		c.logger.Warn("giving up reconnecting",
			zap.String("addr", c.remote), zap.Int("retries", c.reconn.RetryCnt()))
		return
	}

	delay := c.reconn.Next()
	c.stats.reconnects.Add(1)
	c.timerID = c.loop.SetTimeout(delay, c.reconnect)

	c.logger.Info("reconnecting",
		zap.String("addr", c.remote),
		zap.Int("retry", c.reconn.RetryCnt()),
		zap.Duration("delay", delay))
}

func (c *Client) reconnect(id eventloop.TimerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id != c.timerID {
		return
	}
	c.timerID = 0
	if c.state != ClientDisconnected {
		return
	}
	c.connect()
}
